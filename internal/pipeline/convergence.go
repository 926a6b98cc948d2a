package pipeline

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/bobarin/anchor/internal/models"
	"github.com/bobarin/anchor/internal/retry"
	"github.com/bobarin/anchor/internal/services"
)

// ---------------------------------------------------------------------------
// Duration convergence loop.
// Synthesizes audio for every segment, measures the cleaned total against the
// narration target, and rewrites the script proportionally when the needed
// tempo adjustment falls outside the safety band. Bounded by a rewrite
// budget; always terminates with a global factor inside the band.
// ---------------------------------------------------------------------------

const (
	minUsableNarrationSec = 3.0 // below this, synthesis is considered broken
	stretchRatioThreshold = 0.04
	toleranceCeilingSec   = 3.0
	toleranceFloorSec     = 1.0
	toleranceFraction     = 0.07

	synthMaxAttempts = 3
	synthBaseDelay   = 2 * time.Second
)

// audioMedia is the slice of the media engine the loop needs.
type audioMedia interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
	SliceAudio(ctx context.Context, inputPath, outputPath string, startSec, durationSec float64) error
	CreateTempFile(filename string) string
	Cleanup(paths ...string)
}

// audioFitter cleans a raw clip (edge-trim + loudness).
type audioFitter interface {
	TrimAndNormalize(ctx context.Context, rawPath, cleanPath string) error
}

// rewriter requests one proportional rewrite pass and re-applies the
// structural repairs. Satisfied by the script planner.
type rewriter interface {
	Rewrite(ctx context.Context, scr *models.Script, topics []models.Topic, scaleInstruction string, caps []int) error
}

// ConvergenceConfig carries the tuning knobs, constructed once at startup.
type ConvergenceConfig struct {
	TargetSec       float64
	TempoMin        float64
	TempoMax        float64
	MaxRewrites     int
	VoiceSpeedBoost float64 // 1.0 disables
	Voice           services.VoiceParams
}

// ConvergenceResult is what the timeline builder consumes: per-segment clean
// audio plus the single global tempo factor.
type ConvergenceResult struct {
	CleanPaths   []string
	SumCleanSec  float64
	GlobalFactor float64
	Rewrites     int
	DriftWarning bool // residual drift outside tolerance after exhausting rewrites
}

type Converger struct {
	speech services.SpeechService
	fitter audioFitter
	media  audioMedia
	rew    rewriter
	cfg    ConvergenceConfig
}

func NewConverger(speech services.SpeechService, fitter audioFitter, media audioMedia, rew rewriter, cfg ConvergenceConfig) *Converger {
	if cfg.VoiceSpeedBoost <= 0 {
		cfg.VoiceSpeedBoost = 1.0
	}
	return &Converger{speech: speech, fitter: fitter, media: media, rew: rew, cfg: cfg}
}

// Tolerance returns the allowed drift for a target duration.
func Tolerance(targetSec float64) float64 {
	return math.Min(toleranceCeilingSec, math.Max(toleranceFloorSec, targetSec*toleranceFraction))
}

// Run drives the loop to completion. When voiceTrackPath is set, the supplied
// track is sliced into equal pieces instead: no tempo scaling, no rewrites.
func (c *Converger) Run(ctx context.Context, jobID string, scr *models.Script, topics []models.Topic, caps []int, voiceTrackPath string) (*ConvergenceResult, error) {
	if voiceTrackPath != "" {
		return c.sliceVoiceTrack(ctx, jobID, scr, voiceTrackPath)
	}

	target := c.cfg.TargetSec
	tolerance := Tolerance(target)

	for attempt := 0; ; attempt++ {
		cleanPaths, sumClean, err := c.synthesizeAll(ctx, jobID, scr, attempt)
		if err != nil {
			return nil, err
		}
		if sumClean < minUsableNarrationSec {
			c.media.Cleanup(cleanPaths...)
			return nil, retry.Terminal(fmt.Errorf("synthesized narration is only %.2fs, voice synthesis appears broken", sumClean))
		}

		rawTempo := sumClean / target
		drift := math.Abs(sumClean - target)

		// Small drift is left alone; stretching clean audio for nothing
		// introduces artifacts.
		factor := 1.0
		if math.Abs(1-rawTempo) >= stretchRatioThreshold || drift > tolerance {
			factor = rawTempo
		}
		factor = services.ClampFactor(factor*c.cfg.VoiceSpeedBoost, c.cfg.TempoMin, c.cfg.TempoMax)

		outsideBand := rawTempo < c.cfg.TempoMin || rawTempo > c.cfg.TempoMax
		if drift > tolerance && outsideBand && attempt < c.cfg.MaxRewrites {
			c.media.Cleanup(cleanPaths...)
			if err := c.requestRewrite(ctx, scr, topics, caps, target, sumClean, attempt); err != nil {
				return nil, err
			}
			continue
		}

		warn := drift > tolerance
		if warn {
			log.Printf("[Convergence] residual drift %.2fs exceeds tolerance %.2fs after %d rewrite(s); proceeding with clamped factor %.3f", drift, tolerance, attempt, factor)
		} else {
			log.Printf("[Convergence] converged: sum=%.2fs target=%.0fs factor=%.3f (%d rewrite(s))", sumClean, target, factor, attempt)
		}
		return &ConvergenceResult{
			CleanPaths:   cleanPaths,
			SumCleanSec:  sumClean,
			GlobalFactor: factor,
			Rewrites:     attempt,
			DriftWarning: warn,
		}, nil
	}
}

// synthesizeAll produces cleaned audio for every segment of the current
// script revision.
func (c *Converger) synthesizeAll(ctx context.Context, jobID string, scr *models.Script, attempt int) ([]string, float64, error) {
	cleanPaths := make([]string, len(scr.Segments))
	sum := 0.0

	for i := range scr.Segments {
		seg := &scr.Segments[i]

		var audio []byte
		err := retry.Do(ctx, func() error {
			var synthErr error
			audio, synthErr = c.speech.Synthesize(ctx, seg.Text, c.cfg.Voice)
			return synthErr
		}, retry.Config{MaxAttempts: synthMaxAttempts, BaseDelay: synthBaseDelay})
		if err != nil {
			c.media.Cleanup(cleanPaths[:i]...)
			return nil, 0, fmt.Errorf("speech synthesis failed for segment %d: %w", i, err)
		}

		rawPath := c.media.CreateTempFile(fmt.Sprintf("%s_r%d_seg%d_raw.mp3", jobID, attempt, i))
		cleanPath := c.media.CreateTempFile(fmt.Sprintf("%s_r%d_seg%d_clean.mp3", jobID, attempt, i))
		if err := os.WriteFile(rawPath, audio, 0644); err != nil {
			c.media.Cleanup(cleanPaths[:i]...)
			return nil, 0, fmt.Errorf("failed to write raw audio for segment %d: %w", i, err)
		}

		if err := c.fitter.TrimAndNormalize(ctx, rawPath, cleanPath); err != nil {
			c.media.Cleanup(append(cleanPaths[:i:i], rawPath)...)
			return nil, 0, fmt.Errorf("failed to clean audio for segment %d: %w", i, err)
		}
		c.media.Cleanup(rawPath)

		dur, err := c.media.ProbeDuration(ctx, cleanPath)
		if err != nil {
			c.media.Cleanup(append(cleanPaths[:i:i], cleanPath)...)
			return nil, 0, fmt.Errorf("failed to probe cleaned segment %d: %w", i, err)
		}

		cleanPaths[i] = cleanPath
		sum += dur
	}

	return cleanPaths, sum, nil
}

// requestRewrite turns the ideal shrink/grow ratio into a percentage
// instruction and asks the planner for one rewrite pass with rescaled caps.
func (c *Converger) requestRewrite(ctx context.Context, scr *models.Script, topics []models.Topic, caps []int, target, sumClean float64, attempt int) error {
	ratio := target / sumClean
	pct := int(math.Round(math.Abs(1-ratio) * 100))
	direction := "shorter"
	if ratio > 1 {
		direction = "longer"
	}
	instruction := fmt.Sprintf("about %d%% %s", pct, direction)

	// Caps are rescaled in place so a second rewrite compounds on the first.
	for i, w := range caps {
		s := int(math.Round(float64(w) * ratio))
		if s < 1 {
			s = 1
		}
		caps[i] = s
	}

	log.Printf("[Convergence] rewrite %d: sum=%.2fs target=%.0fs, requesting %s", attempt+1, sumClean, target, instruction)
	return c.rew.Rewrite(ctx, scr, topics, instruction, caps)
}

// sliceVoiceTrack splits an externally supplied narration track into equal
// per-segment pieces. The track's pacing is authoritative: no tempo scaling,
// no rewrites.
func (c *Converger) sliceVoiceTrack(ctx context.Context, jobID string, scr *models.Script, trackPath string) (*ConvergenceResult, error) {
	total, err := c.media.ProbeDuration(ctx, trackPath)
	if err != nil {
		return nil, fmt.Errorf("failed to probe voice track: %w", err)
	}
	if total < minUsableNarrationSec {
		return nil, retry.Terminal(fmt.Errorf("voice track is only %.2fs", total))
	}

	n := len(scr.Segments)
	if n == 0 {
		return nil, retry.Terminal(fmt.Errorf("script has no segments"))
	}
	sliceDur := total / float64(n)

	cleanPaths := make([]string, n)
	for i := 0; i < n; i++ {
		path := c.media.CreateTempFile(fmt.Sprintf("%s_track_seg%d.mp3", jobID, i))
		if err := c.media.SliceAudio(ctx, trackPath, path, float64(i)*sliceDur, sliceDur); err != nil {
			c.media.Cleanup(cleanPaths[:i]...)
			return nil, fmt.Errorf("failed to slice voice track segment %d: %w", i, err)
		}
		cleanPaths[i] = path
	}

	log.Printf("[Convergence] voice track mode: %.2fs sliced into %d x %.2fs pieces", total, n, sliceDur)
	return &ConvergenceResult{
		CleanPaths:   cleanPaths,
		SumCleanSec:  total,
		GlobalFactor: 1.0,
		Rewrites:     0,
	}, nil
}
