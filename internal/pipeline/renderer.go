package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bobarin/anchor/internal/models"
	"github.com/bobarin/anchor/internal/retry"
	"github.com/bobarin/anchor/internal/services"
)

// ---------------------------------------------------------------------------
// Segment renderer.
// Presenter segments: subclip of an expression-tagged baseline at a
// deterministic offset, pushed through the lipsync ladder. Montage segments:
// pan/zoom stills concatenated. Both paths end in the same force-duration,
// merge-audio, normalize sequence so assembly needs no per-clip fixups.
// ---------------------------------------------------------------------------

const (
	lipsyncRungAttempts = 2

	montagePerImageTargetSec = 3.0
	crossfadeMinPerImageSec  = 2.5
	crossfadeDurSec          = 0.5
	segmentFadeSec           = 0.0
)

// renderMedia is the slice of the media engine the renderer needs.
type renderMedia interface {
	ExtractSubclip(ctx context.Context, inputPath, outputPath string, offsetSec, durationSec float64) error
	ReencodeLowerQuality(ctx context.Context, inputPath, outputPath string) error
	Downscale(ctx context.Context, inputPath, outputPath string) error
	ForceDuration(ctx context.Context, inputPath, outputPath string, durationSec float64) error
	MergeAudio(ctx context.Context, videoPath, audioPath, outputPath string) error
	NormalizeClip(ctx context.Context, inputPath, outputPath string, durationSec, fadeSec float64) error
	MontagePanZoom(ctx context.Context, imagePath, outputPath string, durationSec float64, zoomIn bool) error
	Crossfade(ctx context.Context, firstPath, secondPath, outputPath string, firstDurationSec, fadeSec float64) error
	ConcatVideoOnly(ctx context.Context, clipPaths []string, outputPath string) error
	CreateTempFile(filename string) string
	Cleanup(paths ...string)
}

// baselineProvider hands out expression-tagged presenter motion clips.
type baselineProvider interface {
	EnsureBaseline(ctx context.Context, expr models.Expression) (string, float64, error)
}

// imageFetcher downloads a resolved montage image to a local path.
type imageFetcher interface {
	Download(ctx context.Context, imageURL, destPath string) error
}

type RendererConfig struct {
	LipsyncRequired  bool
	MaxConcurrent    int
	MontageMinImages int
	MontageMaxImages int
	LipsyncRetryStep time.Duration // delay unit between rung attempts
}

type Renderer struct {
	media     renderMedia
	lipsync   services.LipsyncService
	baselines baselineProvider
	images    imageFetcher
	cfg       RendererConfig
}

func NewRenderer(media renderMedia, lipsync services.LipsyncService, baselines baselineProvider, images imageFetcher, cfg RendererConfig) *Renderer {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.MontageMinImages <= 0 {
		cfg.MontageMinImages = 1
	}
	if cfg.MontageMaxImages < cfg.MontageMinImages {
		cfg.MontageMaxImages = cfg.MontageMinImages
	}
	if cfg.LipsyncRetryStep <= 0 {
		cfg.LipsyncRetryStep = 5 * time.Second
	}
	return &Renderer{media: media, lipsync: lipsync, baselines: baselines, images: images, cfg: cfg}
}

// RenderAll renders every timeline entry, bounded-parallel, and returns clip
// paths in timeline index order regardless of completion order.
func (r *Renderer) RenderAll(ctx context.Context, jobID string, entries []models.TimelineEntry) ([]string, error) {
	clips := make([]string, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrent)

	for i := range entries {
		i := i
		g.Go(func() error {
			clip, err := r.RenderSegment(gctx, jobID, entries[i])
			if err != nil {
				return fmt.Errorf("segment %d render failed: %w", entries[i].Segment.Index, err)
			}
			clips[i] = clip
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Segments that finished before the failure already wrote their
		// final clips; a failed job must not leave them in the temp dir.
		r.media.Cleanup(clips...)
		return nil, err
	}
	return clips, nil
}

// RenderSegment produces one normalized clip exactly matching the entry's
// audio duration.
func (r *Renderer) RenderSegment(ctx context.Context, jobID string, entry models.TimelineEntry) (string, error) {
	var base string
	var err error

	dur := entry.DurationSec()
	switch entry.Segment.Treatment {
	case models.TreatmentImageMontage:
		base, err = r.renderMontage(ctx, jobID, entry)
	default:
		base, err = r.renderPresenter(ctx, jobID, entry)
	}
	if err != nil {
		return "", err
	}

	idx := entry.Segment.Index
	forced := r.media.CreateTempFile(fmt.Sprintf("%s_seg%d_forced.mp4", jobID, idx))
	if err := r.media.ForceDuration(ctx, base, forced, dur); err != nil {
		return "", fmt.Errorf("failed to force duration: %w", err)
	}
	r.media.Cleanup(base)

	merged := r.media.CreateTempFile(fmt.Sprintf("%s_seg%d_merged.mp4", jobID, idx))
	if err := r.media.MergeAudio(ctx, forced, entry.AudioPath, merged); err != nil {
		return "", fmt.Errorf("failed to merge audio: %w", err)
	}
	r.media.Cleanup(forced)

	final := r.media.CreateTempFile(fmt.Sprintf("%s_seg%d_final.mp4", jobID, idx))
	if err := r.media.NormalizeClip(ctx, merged, final, dur, segmentFadeSec); err != nil {
		return "", fmt.Errorf("failed to normalize clip: %w", err)
	}
	r.media.Cleanup(merged)

	return final, nil
}

// renderPresenter builds the un-audio'd presenter video for an entry.
func (r *Renderer) renderPresenter(ctx context.Context, jobID string, entry models.TimelineEntry) (string, error) {
	idx := entry.Segment.Index
	dur := entry.DurationSec()

	baselinePath, baselineDur, err := r.baselines.EnsureBaseline(ctx, entry.Segment.Expression)
	if err != nil {
		return "", retry.Terminal(fmt.Errorf("no baseline clip available: %w", err))
	}

	offset := SubclipOffset(jobID, idx, baselineDur, dur)
	subclip := r.media.CreateTempFile(fmt.Sprintf("%s_seg%d_sub.mp4", jobID, idx))
	if err := r.media.ExtractSubclip(ctx, baselinePath, subclip, offset, dur); err != nil {
		return "", fmt.Errorf("failed to extract baseline subclip: %w", err)
	}

	synced, err := r.runLipsyncLadder(ctx, jobID, idx, subclip, entry.AudioPath)
	if err != nil {
		if r.cfg.LipsyncRequired {
			r.media.Cleanup(subclip)
			return "", retry.Terminal(fmt.Errorf("lipsync required but unavailable: %w", err))
		}
		log.Printf("[Renderer] segment %d: lipsync failed (%v), using base clip", idx, err)
		return subclip, nil
	}
	r.media.Cleanup(subclip)

	out := r.media.CreateTempFile(fmt.Sprintf("%s_seg%d_synced.mp4", jobID, idx))
	if err := os.WriteFile(out, synced, 0644); err != nil {
		return "", fmt.Errorf("failed to write synced clip: %w", err)
	}
	return out, nil
}

// runLipsyncLadder walks the fallback ladder: submit the clip as-is, then
// re-encoded at lower quality, then downscaled. Rungs advance only on a
// payload rejection; each rung gets a bounded number of attempts with a
// delay growing by attempt number.
func (r *Renderer) runLipsyncLadder(ctx context.Context, jobID string, idx int, clipPath, audioPath string) ([]byte, error) {
	type rung struct {
		name    string
		prepare func(ctx context.Context, in, out string) error
	}
	rungs := []rung{
		{name: "as-is", prepare: nil},
		{name: "reencode", prepare: r.media.ReencodeLowerQuality},
		{name: "downscale", prepare: r.media.Downscale},
	}

	current := clipPath
	var lastErr error
	var derived []string
	defer func() { r.media.Cleanup(derived...) }()

	for _, rg := range rungs {
		if rg.prepare != nil {
			prepared := r.media.CreateTempFile(fmt.Sprintf("%s_seg%d_%s.mp4", jobID, idx, rg.name))
			if err := rg.prepare(ctx, current, prepared); err != nil {
				return nil, fmt.Errorf("%s preparation failed: %w", rg.name, err)
			}
			derived = append(derived, prepared)
			current = prepared
		}

		rejected := false
		for attempt := 1; attempt <= lipsyncRungAttempts; attempt++ {
			synced, err := r.lipsync.Sync(ctx, current, audioPath)
			if err == nil {
				return synced, nil
			}
			lastErr = err

			if errors.Is(err, services.ErrPayloadRejected) {
				// Same bytes will be rejected again; move down the ladder.
				rejected = true
				break
			}

			if attempt < lipsyncRungAttempts {
				delay := time.Duration(attempt) * r.cfg.LipsyncRetryStep
				log.Printf("[Renderer] segment %d lipsync (%s) attempt %d failed: %v, retrying in %v", idx, rg.name, attempt, err, delay)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
				}
			}
		}

		if !rejected {
			// Exhausted retries on a non-payload error; a smaller payload
			// won't help.
			break
		}
		log.Printf("[Renderer] segment %d lipsync payload rejected at %s, trying next rung", idx, rg.name)
	}

	return nil, lastErr
}

// renderMontage builds the un-audio'd montage video for an entry.
func (r *Renderer) renderMontage(ctx context.Context, jobID string, entry models.TimelineEntry) (string, error) {
	idx := entry.Segment.Index
	dur := entry.DurationSec()

	count := montageImageCount(dur, len(entry.ImageURLs), r.cfg.MontageMinImages, r.cfg.MontageMaxImages)
	if count == 0 {
		return "", retry.Terminal(fmt.Errorf("montage segment %d has no images", idx))
	}
	perImage := dur / float64(count)

	var clips []string
	defer func() { r.media.Cleanup(clips...) }()

	for i := 0; i < count; i++ {
		imgPath := r.media.CreateTempFile(fmt.Sprintf("%s_seg%d_img%d.jpg", jobID, idx, i))
		if err := r.images.Download(ctx, entry.ImageURLs[i], imgPath); err != nil {
			return "", fmt.Errorf("failed to download montage image %d: %w", i, err)
		}

		clip := r.media.CreateTempFile(fmt.Sprintf("%s_seg%d_pan%d.mp4", jobID, idx, i))
		if err := r.media.MontagePanZoom(ctx, imgPath, clip, perImage, i%2 == 0); err != nil {
			r.media.Cleanup(imgPath)
			return "", fmt.Errorf("failed to animate montage image %d: %w", i, err)
		}
		r.media.Cleanup(imgPath)
		clips = append(clips, clip)
	}

	if len(clips) == 1 {
		out := clips[0]
		clips = nil
		return out, nil
	}

	if perImage >= crossfadeMinPerImageSec {
		return r.crossfadeChain(ctx, jobID, idx, clips, perImage)
	}

	// Pan/zoom clips have no audio stream yet; the audio-mapping concat
	// would fail on them.
	out := r.media.CreateTempFile(fmt.Sprintf("%s_seg%d_montage.mp4", jobID, idx))
	if err := r.media.ConcatVideoOnly(ctx, clips, out); err != nil {
		return "", fmt.Errorf("failed to concat montage: %w", err)
	}
	return out, nil
}

// crossfadeChain folds the clips left to right with a fixed crossfade.
func (r *Renderer) crossfadeChain(ctx context.Context, jobID string, idx int, clips []string, perImage float64) (string, error) {
	current := clips[0]
	currentDur := perImage
	for i := 1; i < len(clips); i++ {
		next := r.media.CreateTempFile(fmt.Sprintf("%s_seg%d_xf%d.mp4", jobID, idx, i))
		if err := r.media.Crossfade(ctx, current, clips[i], next, currentDur, crossfadeDurSec); err != nil {
			return "", fmt.Errorf("failed to crossfade montage clip %d: %w", i, err)
		}
		if i > 1 {
			r.media.Cleanup(current)
		}
		current = next
		currentDur = currentDur + perImage - crossfadeDurSec
	}
	return current, nil
}

// montageImageCount derives how many stills a slot uses.
func montageImageCount(durationSec float64, available, min, max int) int {
	n := int(durationSec / montagePerImageTargetSec)
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	if n > available {
		n = available
	}
	return n
}

// SubclipOffset picks a pseudo-random offset into the baseline, seeded from
// the job id and segment index so re-runs reproduce the same clip.
func SubclipOffset(jobID string, segmentIndex int, baselineDur, segmentDur float64) float64 {
	span := baselineDur - segmentDur
	if span <= 0 {
		return 0
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d", jobID, segmentIndex)
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	return rng.Float64() * span
}
