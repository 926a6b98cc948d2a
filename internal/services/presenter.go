package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/bobarin/anchor/internal/models"
)

// ---------------------------------------------------------------------------
// Presenter baseline service.
// Generates looping presenter motion clips from a still portrait, one per
// expression, via the Gen AI video SDK. Baselines are cached on disk and
// reused across jobs; segment rendering slices offsets out of them before
// lipsync.
// ---------------------------------------------------------------------------

const (
	defaultPresenterModel       = "veo-3.1-generate-preview"
	presenterPollInterval       = 10 * time.Second
	presenterMaxPollDuration    = 5 * time.Minute
	presenterBaselineAspect     = "16:9"
	presenterBaselineResolution = "1080p"
)

// expressionPrompts describe the idle motion for each baseline. All of them
// keep the mouth closed and relaxed so the lipsync engine has a clean slate.
var expressionPrompts = map[models.Expression]string{
	models.ExpressionNeutral:   "The presenter sits calmly facing the camera with a relaxed, attentive neutral expression.",
	models.ExpressionHappy:     "The presenter faces the camera with a warm, easy smile and bright, friendly eyes.",
	models.ExpressionSerious:   "The presenter faces the camera with a focused, composed, serious expression, brows slightly set.",
	models.ExpressionSurprised: "The presenter faces the camera with raised eyebrows and wide, engaged eyes, pleasantly surprised.",
	models.ExpressionConcerned: "The presenter faces the camera with a gentle, empathetic look of concern, brows softly drawn.",
}

// PresenterService produces and caches per-expression baseline clips.
type PresenterService struct {
	apiKey    string
	model     string
	imagePath string
	cacheDir  string
	ffmpeg    *FFmpegService
}

func NewPresenterService(apiKey, model, imagePath, cacheDir string, ffmpeg *FFmpegService) *PresenterService {
	if model == "" {
		model = defaultPresenterModel
	}
	return &PresenterService{
		apiKey:    apiKey,
		model:     model,
		imagePath: imagePath,
		cacheDir:  cacheDir,
		ffmpeg:    ffmpeg,
	}
}

// ImagePath returns the presenter still used as the first frame. The montage
// path falls back to it when no images can be acquired.
func (s *PresenterService) ImagePath() string {
	return s.imagePath
}

// BaselinePath returns the cache location for an expression's baseline clip.
func (s *PresenterService) BaselinePath(expr models.Expression) string {
	return filepath.Join(s.cacheDir, fmt.Sprintf("baseline_%s.mp4", expr))
}

// EnsureBaseline returns a baseline clip for the expression, generating and
// caching it on first use. Falls back to the neutral baseline when the
// requested expression can't be produced but neutral already exists.
func (s *PresenterService) EnsureBaseline(ctx context.Context, expr models.Expression) (string, float64, error) {
	if !expr.Valid() {
		expr = models.ExpressionNeutral
	}

	path := s.BaselinePath(expr)
	if dur, err := s.probeExisting(ctx, path); err == nil {
		return path, dur, nil
	}

	if err := s.generateBaseline(ctx, expr, path); err != nil {
		if expr != models.ExpressionNeutral {
			log.Printf("[Presenter] baseline for %s failed (%v), trying neutral", expr, err)
			neutral := s.BaselinePath(models.ExpressionNeutral)
			if dur, nerr := s.probeExisting(ctx, neutral); nerr == nil {
				return neutral, dur, nil
			}
			if nerr := s.generateBaseline(ctx, models.ExpressionNeutral, neutral); nerr == nil {
				dur, perr := s.ffmpeg.ProbeDuration(ctx, neutral)
				if perr != nil {
					return "", 0, perr
				}
				return neutral, dur, nil
			}
		}
		return "", 0, err
	}

	dur, err := s.ffmpeg.ProbeDuration(ctx, path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to probe generated baseline: %w", err)
	}
	return path, dur, nil
}

func (s *PresenterService) probeExisting(ctx context.Context, path string) (float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.Size() == 0 {
		return 0, fmt.Errorf("baseline %s is empty", path)
	}
	return s.ffmpeg.ProbeDuration(ctx, path)
}

func (s *PresenterService) generateBaseline(ctx context.Context, expr models.Expression, outPath string) error {
	imageData, err := os.ReadFile(s.imagePath)
	if err != nil {
		return fmt.Errorf("failed to read presenter image: %w", err)
	}

	videoBytes, err := s.generateVideo(ctx, buildBaselinePrompt(expr), imageData, mimeTypeForImage(s.imagePath))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.cacheDir, 0755); err != nil {
		return fmt.Errorf("failed to create baseline cache dir: %w", err)
	}
	if err := os.WriteFile(outPath, videoBytes, 0644); err != nil {
		return fmt.Errorf("failed to write baseline clip: %w", err)
	}

	log.Printf("[Presenter] baseline cached for %s (%d bytes)", expr, len(videoBytes))
	return nil
}

// buildBaselinePrompt wraps the expression prompt with motion constraints that
// keep the clip usable as a lipsync substrate.
func buildBaselinePrompt(expr models.Expression) string {
	base, ok := expressionPrompts[expr]
	if !ok {
		base = expressionPrompts[models.ExpressionNeutral]
	}
	return fmt.Sprintf(`%s

Motion direction: Subtle, natural idle movement only. Gentle breathing, occasional slow blinks, tiny head micro-movements. The mouth stays closed and relaxed at all times — no talking, no mouth movement. Keep the framing locked, no camera movement.

Avoid: sudden movements, mouth opening, hand gestures entering the frame, expression changes mid-clip, or any style drift from the source image.

No generated audio or dialogue. Silent video only.`, base)
}

func mimeTypeForImage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

// generateVideo runs one image-to-video generation: start the async
// operation, poll until done, download the result.
func (s *PresenterService) generateVideo(ctx context.Context, prompt string, imageData []byte, imageMimeType string) ([]byte, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	firstFrame := &genai.Image{
		ImageBytes: imageData,
		MIMEType:   imageMimeType,
	}

	config := &genai.GenerateVideosConfig{
		AspectRatio:      presenterBaselineAspect,
		Resolution:       presenterBaselineResolution,
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}

	log.Printf("[Presenter] starting baseline generation (model=%s, imageSize=%d bytes)", s.model, len(imageData))

	operation, err := client.Models.GenerateVideos(ctx, s.model, prompt, firstFrame, config)
	if err != nil {
		return nil, fmt.Errorf("failed to start baseline generation: %w", err)
	}

	deadline := time.Now().Add(presenterMaxPollDuration)
	pollCount := 0
	for !operation.Done {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("baseline generation timed out after %v (polled %d times)", presenterMaxPollDuration, pollCount)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("baseline generation cancelled: %w", ctx.Err())
		case <-time.After(presenterPollInterval):
		}

		pollCount++
		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to poll operation (attempt %d): %w", pollCount, err)
		}
	}

	if operation.Error != nil && len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return nil, fmt.Errorf("baseline generation operation failed: %s", string(errJSON))
	}
	if operation.Response == nil {
		return nil, fmt.Errorf("no response in completed operation after %d polls", pollCount)
	}

	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return nil, fmt.Errorf("baseline blocked by safety filters: %d clip(s) filtered, reasons: %s", operation.Response.RAIMediaFilteredCount, reasons)
	}

	if len(operation.Response.GeneratedVideos) == 0 {
		return nil, fmt.Errorf("no videos in response after %d polls", pollCount)
	}
	video := operation.Response.GeneratedVideos[0]
	if video.Video == nil {
		return nil, fmt.Errorf("generated video object is nil")
	}

	downloadURI := genai.NewDownloadURIFromVideo(video.Video)
	videoBytes, err := client.Files.Download(ctx, downloadURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download baseline clip: %w", err)
	}
	if len(videoBytes) == 0 {
		return nil, fmt.Errorf("downloaded baseline is empty (0 bytes)")
	}

	log.Printf("[Presenter] baseline generated (%d bytes, %d polls)", len(videoBytes), pollCount)
	return videoBytes, nil
}
