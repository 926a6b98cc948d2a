package services

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bobarin/anchor/internal/models"
)

// ---------------------------------------------------------------------------
// FFmpegService — the media transcode/compose engine.
// Every scale/crop/trim/tempo/concat/mix/encode operation in the pipeline goes
// through here as a declaratively built ffmpeg invocation. A non-zero exit is
// an error; callers decide whether it is terminal.
// ---------------------------------------------------------------------------

const (
	// Single-pass loudness normalization target for narration clips.
	loudnormTarget = "I=-16:TP=-1.5:LRA=11"

	// Edge-silence detection: anything under -35dB for at least 100ms.
	silenceThresholdDB = -35
	silenceMinDurSec   = 0.1

	// atempo accepts 0.5-2.0 per stage; wider factors are chained.
	atempoStageMin = 0.5
	atempoStageMax = 2.0

	// Parallax normalization: foreground scaled to fit, composited over a
	// blurred stretched copy of itself, with a slow outward zoom.
	parallaxBlurSigma = 20
	parallaxZoomSpan  = 0.04 // 4% outward zoom over the clip
)

type FFmpegService struct {
	tempDir string
	out     models.OutputConfig
}

func NewFFmpegService(tempDir string, out models.OutputConfig) *FFmpegService {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to create temp dir: %v", err))
	}

	return &FFmpegService{
		tempDir: tempDir,
		out:     out,
	}
}

// Output returns the engine's frame configuration.
func (s *FFmpegService) Output() models.OutputConfig {
	return s.out
}

// run executes ffmpeg with the given args, keeping the tail of stderr for the
// error message so a failed filter graph is diagnosable from the job record.
func (s *FFmpegService) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w (%s)", err, tailLines(stderr.String(), 4))
	}
	return nil
}

// tailLines returns the last n non-empty lines of s.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

// ---------------------------------------------------------------------------
// Probing
// ---------------------------------------------------------------------------

// ProbeDuration returns the duration of a media file in seconds.
func (s *FFmpegService) ProbeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}

	return durationSec, nil
}

// ---------------------------------------------------------------------------
// Audio operations
// ---------------------------------------------------------------------------

// TrimEdgeSilence strips leading and trailing silence only. Internal pauses
// are meaningful prosody — removing them produces audible stutter, so the
// filter runs once from each end (reverse trick for the tail) and never in
// "all periods" mode.
func (s *FFmpegService) TrimEdgeSilence(ctx context.Context, inputPath, outputPath string) error {
	af := fmt.Sprintf(
		"silenceremove=start_periods=1:start_threshold=%ddB:start_silence=%g,"+
			"areverse,"+
			"silenceremove=start_periods=1:start_threshold=%ddB:start_silence=%g,"+
			"areverse",
		silenceThresholdDB, silenceMinDurSec,
		silenceThresholdDB, silenceMinDurSec,
	)

	return s.run(ctx,
		"-i", inputPath,
		"-af", af,
		"-y",
		outputPath,
	)
}

// NormalizeLoudness applies single-pass loudnorm to the fixed target level.
func (s *FFmpegService) NormalizeLoudness(ctx context.Context, inputPath, outputPath string) error {
	return s.run(ctx,
		"-i", inputPath,
		"-af", "loudnorm="+loudnormTarget,
		"-ar", "44100",
		"-y",
		outputPath,
	)
}

// TempoChain splits a tempo factor into atempo stages, each within the
// filter's valid 0.5-2.0 range, whose product equals the factor. Pitch is
// never affected — atempo is a time-stretch primitive.
func TempoChain(factor float64) []float64 {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return nil
	}

	var stages []float64
	remaining := factor
	for remaining > atempoStageMax {
		stages = append(stages, atempoStageMax)
		remaining /= atempoStageMax
	}
	for remaining < atempoStageMin {
		stages = append(stages, atempoStageMin)
		remaining /= atempoStageMin
	}
	stages = append(stages, remaining)
	return stages
}

// ApplyTempo time-stretches audio by factor (>1 = faster/shorter).
func (s *FFmpegService) ApplyTempo(ctx context.Context, inputPath, outputPath string, factor float64) error {
	stages := TempoChain(factor)
	if stages == nil {
		return fmt.Errorf("invalid tempo factor %v", factor)
	}

	parts := make([]string, len(stages))
	for i, st := range stages {
		parts[i] = fmt.Sprintf("atempo=%.6f", st)
	}

	return s.run(ctx,
		"-i", inputPath,
		"-af", strings.Join(parts, ","),
		"-y",
		outputPath,
	)
}

// SliceAudio extracts [startSec, startSec+durationSec) from an audio file.
func (s *FFmpegService) SliceAudio(ctx context.Context, inputPath, outputPath string, startSec, durationSec float64) error {
	return s.run(ctx,
		"-ss", fmt.Sprintf("%.3f", startSec),
		"-i", inputPath,
		"-t", fmt.Sprintf("%.3f", durationSec),
		"-c:a", "libmp3lame",
		"-y",
		outputPath,
	)
}

// ---------------------------------------------------------------------------
// Video clip operations
// ---------------------------------------------------------------------------

// ExtractSubclip cuts [offsetSec, offsetSec+durationSec) out of a video,
// re-encoding so the subclip starts on a clean frame.
func (s *FFmpegService) ExtractSubclip(ctx context.Context, inputPath, outputPath string, offsetSec, durationSec float64) error {
	return s.run(ctx,
		"-ss", fmt.Sprintf("%.3f", offsetSec),
		"-i", inputPath,
		"-t", fmt.Sprintf("%.3f", durationSec),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-an",
		"-y",
		outputPath,
	)
}

// ReencodeLowerQuality re-encodes a clip at a higher CRF (smaller payload).
// Used when the lipsync engine rejects a submission for size/encoding.
func (s *FFmpegService) ReencodeLowerQuality(ctx context.Context, inputPath, outputPath string) error {
	return s.run(ctx,
		"-i", inputPath,
		"-c:v", "libx264",
		"-crf", "30",
		"-preset", "fast",
		"-pix_fmt", "yuv420p",
		"-c:a", "copy",
		"-y",
		outputPath,
	)
}

// Downscale halves the clip's resolution (even dimensions preserved).
func (s *FFmpegService) Downscale(ctx context.Context, inputPath, outputPath string) error {
	return s.run(ctx,
		"-i", inputPath,
		"-vf", "scale=trunc(iw/4)*2:trunc(ih/4)*2",
		"-c:v", "libx264",
		"-crf", "28",
		"-pix_fmt", "yuv420p",
		"-c:a", "copy",
		"-y",
		outputPath,
	)
}

// ForceDuration pads a clip to exactly durationSec by cloning the last frame,
// or trims it when too long. The segment's audio defines truth; the video
// always yields.
func (s *FFmpegService) ForceDuration(ctx context.Context, inputPath, outputPath string, durationSec float64) error {
	return s.run(ctx,
		"-i", inputPath,
		"-vf", fmt.Sprintf("tpad=stop_mode=clone:stop_duration=%.3f", durationSec),
		"-t", fmt.Sprintf("%.3f", durationSec),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-an",
		"-y",
		outputPath,
	)
}

// MergeAudio replaces the clip's audio track with audioPath.
func (s *FFmpegService) MergeAudio(ctx context.Context, videoPath, audioPath, outputPath string) error {
	return s.run(ctx,
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v",
		"-map", "1:a",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-y",
		outputPath,
	)
}

// NormalizeClip conforms a rendered clip to the output frame: the content is
// scaled to fit and composited over a blurred stretched copy of itself, with
// a subtle outward zoom on the foreground for a parallax look. Every clip —
// presenter or montage — passes through here so concatenation needs no
// further per-clip adjustment. fadeSec > 0 adds symmetric fades.
func (s *FFmpegService) NormalizeClip(ctx context.Context, inputPath, outputPath string, durationSec, fadeSec float64) error {
	w, h, fps := s.out.Width, s.out.Height, s.out.FPS

	fg := fmt.Sprintf(
		"[0:v]scale=%d:%d:force_original_aspect_ratio=decrease,"+
			"scale=w=iw*(1+%.3f*t/%.3f):h=-2:eval=frame[fg]",
		w, h, parallaxZoomSpan, math.Max(durationSec, 0.1),
	)
	bg := fmt.Sprintf(
		"[0:v]scale=%d:%d:force_original_aspect_ratio=increase,"+
			"crop=%d:%d,gblur=sigma=%d[bg]",
		w, h, w, h, parallaxBlurSigma,
	)
	overlay := fmt.Sprintf("[bg][fg]overlay=(W-w)/2:(H-h)/2,fps=%d", fps)
	if fadeSec > 0 {
		overlay += fmt.Sprintf(",fade=t=in:d=%.3f,fade=t=out:st=%.3f:d=%.3f",
			fadeSec, durationSec-fadeSec, fadeSec)
	}
	overlay += "[v]"

	filter := bg + ";" + fg + ";" + overlay

	return s.run(ctx,
		"-i", inputPath,
		"-filter_complex", filter,
		"-map", "[v]",
		"-map", "0:a?",
		"-c:v", "libx264",
		"-c:a", "aac",
		"-b:a", "192k",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	)
}

// MontagePanZoom renders a still image into a moving clip. zoomIn alternates
// per image so back-to-back montage slots don't repeat the same motion.
func (s *FFmpegService) MontagePanZoom(ctx context.Context, imagePath, outputPath string, durationSec float64, zoomIn bool) error {
	fps := s.out.FPS
	totalFrames := int(durationSec*float64(fps)) + 1

	var zExpr string
	if zoomIn {
		zExpr = fmt.Sprintf("1.0+0.15*on/%d", totalFrames)
	} else {
		zExpr = fmt.Sprintf("1.15-0.15*on/%d", totalFrames)
	}

	vf := fmt.Sprintf(
		"zoompan=z='%s':x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':d=%d:s=%dx%d:fps=%d",
		zExpr, totalFrames, s.out.Width, s.out.Height, fps,
	)

	return s.run(ctx,
		"-loop", "1",
		"-i", imagePath,
		"-vf", vf,
		"-t", fmt.Sprintf("%.3f", durationSec),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	)
}

// Crossfade joins two clips with an xfade transition of fadeSec.
func (s *FFmpegService) Crossfade(ctx context.Context, firstPath, secondPath, outputPath string, firstDurationSec, fadeSec float64) error {
	offset := firstDurationSec - fadeSec
	if offset < 0 {
		offset = 0
	}

	filter := fmt.Sprintf("[0:v][1:v]xfade=transition=fade:duration=%.3f:offset=%.3f[v]", fadeSec, offset)

	return s.run(ctx,
		"-i", firstPath,
		"-i", secondPath,
		"-filter_complex", filter,
		"-map", "[v]",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	)
}

// ---------------------------------------------------------------------------
// Assembly
// ---------------------------------------------------------------------------

// ConcatReencode joins clips through a filter-graph concat with a full
// re-encode. Intermediate clips can carry slightly different internal
// timestamps; a stream-copy concat would inherit them, the filter guarantees
// exact continuity.
func (s *FFmpegService) ConcatReencode(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	args := []string{}
	var inputs strings.Builder
	for i, path := range clipPaths {
		args = append(args, "-i", path)
		inputs.WriteString(fmt.Sprintf("[%d:v][%d:a]", i, i))
	}

	filter := fmt.Sprintf("%sconcat=n=%d:v=1:a=1[v][a]", inputs.String(), len(clipPaths))

	args = append(args,
		"-filter_complex", filter,
		"-map", "[v]",
		"-map", "[a]",
		"-c:v", "libx264",
		"-c:a", "aac",
		"-b:a", "192k",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	)

	return s.run(ctx, args...)
}

// ConcatVideoOnly joins clips that carry no audio stream (pan/zoom stills and
// other pre-merge intermediates). Mapping [i:a] on those inputs makes ffmpeg
// fail stream resolution, so the filter runs with a=0.
func (s *FFmpegService) ConcatVideoOnly(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	args := []string{}
	var inputs strings.Builder
	for i, path := range clipPaths {
		args = append(args, "-i", path)
		inputs.WriteString(fmt.Sprintf("[%d:v]", i))
	}

	filter := fmt.Sprintf("%sconcat=n=%d:v=1:a=0[v]", inputs.String(), len(clipPaths))

	args = append(args,
		"-filter_complex", filter,
		"-map", "[v]",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	)

	return s.run(ctx, args...)
}

// OverlayImage composites an image onto the video between startSec and endSec,
// scaled so it never exceeds maxWidthFrac of the frame width.
func (s *FFmpegService) OverlayImage(ctx context.Context, videoPath, imagePath, outputPath string, startSec, endSec, maxWidthFrac float64) error {
	maxW := int(float64(s.out.Width) * maxWidthFrac)
	maxW -= maxW % 2

	filter := fmt.Sprintf(
		"[1:v]scale='min(%d,iw)':-2[ov];"+
			"[0:v][ov]overlay=W-w-40:40:enable='between(t,%.3f,%.3f)'[v]",
		maxW, startSec, endSec,
	)

	return s.run(ctx,
		"-i", videoPath,
		"-i", imagePath,
		"-filter_complex", filter,
		"-map", "[v]",
		"-map", "0:a?",
		"-c:v", "libx264",
		"-c:a", "copy",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	)
}

// MixMusicDucked mixes a looping music bed under the narration with sidechain
// compression: whenever narration energy exceeds the threshold the music ducks
// automatically, recovering over the release window.
func (s *FFmpegService) MixMusicDucked(ctx context.Context, videoPath, musicPath, outputPath string, duck DuckParams) error {
	filter := fmt.Sprintf(
		"[1:a]volume=%.1fdB[bed];"+
			"[bed][0:a]sidechaincompress=threshold=%.4f:ratio=%.1f:attack=%.0f:release=%.0f:makeup=%.1f[ducked];"+
			"[0:a][ducked]amix=inputs=2:duration=first:dropout_transition=3[aout]",
		duck.MusicGainDB, duck.Threshold, duck.Ratio, duck.AttackMs, duck.ReleaseMs, duck.MakeupGain,
	)

	return s.run(ctx,
		"-i", videoPath,
		"-stream_loop", "-1",
		"-i", musicPath,
		"-filter_complex", filter,
		"-map", "0:v",
		"-map", "[aout]",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-y",
		outputPath,
	)
}

// DuckParams configures sidechain ducking for the music bed.
type DuckParams struct {
	Threshold   float64 // linear, e.g. 0.05
	Ratio       float64
	AttackMs    float64
	ReleaseMs   float64
	MakeupGain  float64
	MusicGainDB float64 // bed level before ducking
}

// FinalizeMaster runs the single mastering encode: loudness normalization,
// padding up to the minimum mastered resolution (aspect preserved), fixed GOP,
// bt709 color stamp, and a short fade-out at the very end.
func (s *FFmpegService) FinalizeMaster(ctx context.Context, inputPath, outputPath string, durationSec float64, minW, minH int) error {
	fps := s.out.FPS
	fadeOut := 0.75
	fadeStart := durationSec - fadeOut
	if fadeStart < 0 {
		fadeStart = 0
	}

	vf := fmt.Sprintf(
		"scale='max(iw,%d)':'max(ih,%d)':force_original_aspect_ratio=decrease:force_divisible_by=2,"+
			"pad='max(iw,%d)':'max(ih,%d)':(ow-iw)/2:(oh-ih)/2,"+
			"fade=t=out:st=%.3f:d=%.3f",
		minW, minH, minW, minH, fadeStart, fadeOut,
	)

	return s.run(ctx,
		"-i", inputPath,
		"-vf", vf,
		"-af", "loudnorm="+loudnormTarget,
		"-c:v", "libx264",
		"-g", fmt.Sprintf("%d", s.out.GOPSize()),
		"-r", fmt.Sprintf("%d", fps),
		"-colorspace", "bt709",
		"-color_primaries", "bt709",
		"-color_trc", "bt709",
		"-c:a", "aac",
		"-b:a", "192k",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	)
}

// ---------------------------------------------------------------------------
// Temp file management
// ---------------------------------------------------------------------------

// CreateTempFile returns a path inside the service's temp directory.
func (s *FFmpegService) CreateTempFile(filename string) string {
	return filepath.Join(s.tempDir, filename)
}

// Cleanup removes temporary files.
func (s *FFmpegService) Cleanup(paths ...string) {
	for _, path := range paths {
		os.Remove(path)
	}
}
