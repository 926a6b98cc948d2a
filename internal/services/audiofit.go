package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/bobarin/anchor/internal/models"
)

// ---------------------------------------------------------------------------
// Audio fitter — cleans a synthesized speech clip and time-stretches it to a
// target duration within a bounded safety band. Pitch is never changed.
// ---------------------------------------------------------------------------

// ErrUnfittable is returned when a clip's measured duration is zero or
// non-finite. Callers treat it as terminal for that segment.
var ErrUnfittable = errors.New("audio clip unfittable: zero or non-finite duration")

// passThroughEpsilon: a clamped factor this close to 1.0 is not worth a
// tempo pass; re-encoding for a sub-half-percent change only adds artifacts.
const passThroughEpsilon = 0.005

type AudioFitter struct {
	ffmpeg *FFmpegService
}

func NewAudioFitter(ffmpeg *FFmpegService) *AudioFitter {
	return &AudioFitter{ffmpeg: ffmpeg}
}

// TrimAndNormalize strips leading/trailing silence and normalizes loudness.
// Internal pauses survive. Idempotent: a second pass over an already-clean
// clip leaves its duration unchanged within measurement epsilon.
func (f *AudioFitter) TrimAndNormalize(ctx context.Context, rawPath, cleanPath string) error {
	trimmed := f.ffmpeg.CreateTempFile("trim_" + baseName(cleanPath))
	defer f.ffmpeg.Cleanup(trimmed)

	if err := f.ffmpeg.TrimEdgeSilence(ctx, rawPath, trimmed); err != nil {
		return fmt.Errorf("edge silence trim failed: %w", err)
	}

	if err := f.ffmpeg.NormalizeLoudness(ctx, trimmed, cleanPath); err != nil {
		return fmt.Errorf("loudness normalization failed: %w", err)
	}

	return nil
}

// FitToDuration time-stretches cleanPath so it plays in targetSec, clamping
// the tempo factor to [minFactor, maxFactor]. The raw (unclamped) ratio is
// reported so the caller can decide whether the clamp deviation warrants a
// script rewrite.
func (f *AudioFitter) FitToDuration(ctx context.Context, cleanPath, fittedPath string, targetSec, minFactor, maxFactor float64) (*models.AudioFitResult, error) {
	measured, err := f.ffmpeg.ProbeDuration(ctx, cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to measure clip: %w", err)
	}

	if measured <= 0 || math.IsNaN(measured) || math.IsInf(measured, 0) || targetSec <= 0 {
		return nil, ErrUnfittable
	}

	raw := measured / targetSec
	applied := ClampFactor(raw, minFactor, maxFactor)

	result := &models.AudioFitResult{
		InputDurationSec: measured,
		AppliedFactor:    applied,
		RawRatio:         raw,
	}

	if math.Abs(applied-1.0) <= passThroughEpsilon {
		// Pass through unchanged
		if err := copyFile(cleanPath, fittedPath); err != nil {
			return nil, fmt.Errorf("failed to pass clip through: %w", err)
		}
		result.AppliedFactor = 1.0
		result.OutputDurationSec = measured
		return result, nil
	}

	if err := f.ffmpeg.ApplyTempo(ctx, cleanPath, fittedPath, applied); err != nil {
		return nil, fmt.Errorf("tempo change failed (factor=%.4f): %w", applied, err)
	}

	out, err := f.ffmpeg.ProbeDuration(ctx, fittedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to measure fitted clip: %w", err)
	}
	result.OutputDurationSec = out

	log.Printf("[AudioFit] fitted %.2fs -> %.2fs (raw=%.4f applied=%.4f)",
		measured, out, raw, applied)

	return result, nil
}

// ClampFactor bounds a tempo factor to the safety band.
func ClampFactor(factor, minFactor, maxFactor float64) float64 {
	if factor < minFactor {
		return minFactor
	}
	if factor > maxFactor {
		return maxFactor
	}
	return factor
}
