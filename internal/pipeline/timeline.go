package pipeline

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/bobarin/anchor/internal/models"
)

// ---------------------------------------------------------------------------
// Timeline builder.
// Applies the converged global tempo factor to each segment's cleaned audio
// independently, re-measures the real result, and lays segments out
// sequentially from the intro. Also assigns the per-segment visual treatment.
// ---------------------------------------------------------------------------

const (
	driftWarnEpsilon  = 0.25
	montageImageLimit = 4
)

// timelineMedia is the slice of the media engine the builder needs.
type timelineMedia interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
	CreateTempFile(filename string) string
	Cleanup(paths ...string)
}

// segmentFitter stretches a clean clip to a target duration within the band.
type segmentFitter interface {
	FitToDuration(ctx context.Context, cleanPath, fittedPath string, targetSec, minFactor, maxFactor float64) (*models.AudioFitResult, error)
}

// imageResolver decides whether a montage segment has material to work with.
type imageResolver interface {
	Search(ctx context.Context, query string, limit int) ([]string, error)
}

type TimelineConfig struct {
	PresenterRatio   float64
	IntroDurationSec float64
	TempoMin         float64
	TempoMax         float64
}

type TimelineBuilder struct {
	media  timelineMedia
	fitter segmentFitter
	images imageResolver // nil disables montage treatment entirely
	cfg    TimelineConfig
}

func NewTimelineBuilder(media timelineMedia, fitter segmentFitter, images imageResolver, cfg TimelineConfig) *TimelineBuilder {
	if cfg.TempoMin <= 0 {
		cfg.TempoMin = 0.97
	}
	if cfg.TempoMax < cfg.TempoMin {
		cfg.TempoMax = 1.05
	}
	return &TimelineBuilder{
		media:  media,
		fitter: fitter,
		images: images,
		cfg:    cfg,
	}
}

// Build produces the final timeline. Segments are frozen afterwards: offsets,
// treatment, and audio references are all assigned here.
func (b *TimelineBuilder) Build(ctx context.Context, jobID string, scr *models.Script, conv *ConvergenceResult, narrationTarget float64) ([]models.TimelineEntry, error) {
	n := len(scr.Segments)
	if n == 0 || len(conv.CleanPaths) != n {
		return nil, fmt.Errorf("timeline input mismatch: %d segments, %d audio clips", n, len(conv.CleanPaths))
	}

	presenter := presenterIndices(n, b.cfg.PresenterRatio)

	entries := make([]models.TimelineEntry, 0, n)
	cursor := b.cfg.IntroDurationSec

	for i := range scr.Segments {
		seg := &scr.Segments[i]

		audioPath, dur, err := b.fitSegment(ctx, jobID, i, conv.CleanPaths[i], conv.GlobalFactor)
		if err != nil {
			return nil, fmt.Errorf("failed to fit segment %d audio: %w", i, err)
		}

		seg.Treatment = models.TreatmentImageMontage
		if presenter[i] {
			seg.Treatment = models.TreatmentPresenter
		}

		entry := models.TimelineEntry{
			Segment:   seg,
			StartSec:  cursor,
			EndSec:    cursor + dur,
			AudioPath: audioPath,
		}

		if seg.Treatment == models.TreatmentImageMontage {
			urls := b.resolveImages(ctx, seg)
			if len(urls) == 0 {
				// No material for a montage; presenter always works.
				seg.Treatment = models.TreatmentPresenter
			} else {
				entry.ImageURLs = urls
			}
		}

		seg.AudioPath = audioPath
		seg.StartSec = entry.StartSec
		seg.EndSec = entry.EndSec

		entries = append(entries, entry)
		cursor = entry.EndSec
	}

	wantEnd := b.cfg.IntroDurationSec + narrationTarget
	if math.Abs(cursor-wantEnd) > driftWarnEpsilon {
		log.Printf("[Timeline] end offset %.2fs drifts from expected %.2fs by %.2fs", cursor, wantEnd, math.Abs(cursor-wantEnd))
	}

	return entries, nil
}

// fitSegment stretches one segment's clean audio by the single global factor.
// The fitter owns the pass-through epsilon and the zero/non-finite duration
// check; its measured output duration is what the timeline lays out.
func (b *TimelineBuilder) fitSegment(ctx context.Context, jobID string, index int, cleanPath string, factor float64) (string, float64, error) {
	measured, err := b.media.ProbeDuration(ctx, cleanPath)
	if err != nil {
		return "", 0, err
	}
	if factor <= 0 {
		factor = 1
	}

	fitted := b.media.CreateTempFile(fmt.Sprintf("%s_seg%d_fitted.mp3", jobID, index))
	res, err := b.fitter.FitToDuration(ctx, cleanPath, fitted, measured/factor, b.cfg.TempoMin, b.cfg.TempoMax)
	if err != nil {
		b.media.Cleanup(fitted)
		return "", 0, err
	}
	b.media.Cleanup(cleanPath)

	return fitted, res.OutputDurationSec, nil
}

// resolveImages queries the image service for a montage segment. Any failure
// just drops the segment back to presenter treatment.
func (b *TimelineBuilder) resolveImages(ctx context.Context, seg *models.Segment) []string {
	if b.images == nil {
		return nil
	}
	query := seg.TopicLabel
	if len(seg.Overlays) > 0 && seg.Overlays[0].Query != "" {
		query = seg.Overlays[0].Query
	}
	if query == "" {
		return nil
	}
	urls, err := b.images.Search(ctx, query, montageImageLimit)
	if err != nil {
		log.Printf("[Timeline] image search for segment %d failed (%v), falling back to presenter", seg.Index, err)
		return nil
	}
	return urls
}

// presenterIndices picks the evenly spaced presenter subset. When more than
// one segment exists the subset is clamped so both treatments appear.
func presenterIndices(n int, ratio float64) map[int]bool {
	k := int(math.Round(float64(n) * ratio))
	if n > 1 {
		if k < 1 {
			k = 1
		}
		if k > n-1 {
			k = n - 1
		}
	} else {
		k = 1
	}

	out := make(map[int]bool, k)
	for i := 0; i < k; i++ {
		out[i*n/k] = true
	}
	return out
}
