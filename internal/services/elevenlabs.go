package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/anchor/internal/retry"
)

// ---------------------------------------------------------------------------
// ElevenLabs Text-to-Speech Service
// Converts narration text into speech audio. Models are tried in a fixed
// order — a model-unavailable error falls through to the next entry rather
// than failing the segment.
// ---------------------------------------------------------------------------

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultVoice = "pNInz6obpgDQGcFmaJgB"
	elevenLabsOutputFormat = "mp3_44100_128"
)

// elevenLabsModels is the ordered fallback list. Flash first for latency,
// then turbo, then the multilingual model as the slow-but-steady last resort.
var elevenLabsModels = []string{
	"eleven_flash_v2_5",
	"eleven_turbo_v2_5",
	"eleven_multilingual_v2",
}

// VoiceParams is the small fixed set of voice-quality knobs the synthesizer
// supports.
type VoiceParams struct {
	Stability       float64
	SimilarityBoost float64
	Style           float64
	UseSpeakerBoost bool
}

// DefaultVoiceParams is tuned for clear narration delivery.
func DefaultVoiceParams() VoiceParams {
	return VoiceParams{
		Stability:       0.60, // moderate — allows some emotional range
		SimilarityBoost: 0.80,
		Style:           0.35,
		UseSpeakerBoost: true,
	}
}

// SpeechService is the synthesizer interface the pipeline consumes.
type SpeechService interface {
	Synthesize(ctx context.Context, text string, params VoiceParams) ([]byte, error)
}

type ElevenLabsService struct {
	apiKey  string
	voiceID string
	client  *http.Client
}

var _ SpeechService = (*ElevenLabsService)(nil)

func NewElevenLabsService(apiKey, voiceID string) *ElevenLabsService {
	if voiceID == "" {
		voiceID = elevenLabsDefaultVoice
	}
	return &ElevenLabsService{
		apiKey:  apiKey,
		voiceID: voiceID,
		client:  &http.Client{Timeout: 90 * time.Second},
	}
}

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// Synthesize converts text to speech, walking the ordered model list when a
// model is unavailable. Other errors surface immediately with their status so
// the backoff executor can classify them.
func (s *ElevenLabsService) Synthesize(ctx context.Context, text string, params VoiceParams) ([]byte, error) {
	var lastErr error
	for _, model := range elevenLabsModels {
		audio, err := s.synthesizeWithModel(ctx, text, model, params)
		if err == nil {
			return audio, nil
		}

		lastErr = err
		if !modelUnavailable(err) {
			return nil, err
		}
		log.Printf("[ElevenLabs] model %s unavailable, falling through: %v", model, err)
	}

	return nil, fmt.Errorf("all TTS models exhausted: %w", lastErr)
}

func (s *ElevenLabsService) synthesizeWithModel(ctx context.Context, text, model string, params VoiceParams) ([]byte, error) {
	reqBody := elevenLabsRequest{
		Text:    text,
		ModelID: model,
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       params.Stability,
			SimilarityBoost: params.SimilarityBoost,
			Style:           params.Style,
			UseSpeakerBoost: params.UseSpeakerBoost,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ElevenLabs request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		elevenLabsBaseURL, s.voiceID, elevenLabsOutputFormat)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create ElevenLabs request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.apiKey)

	log.Printf("[ElevenLabs] synthesizing (voice=%s, model=%s, textLen=%d)",
		s.voiceID, model, len(text))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ElevenLabs request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &retry.StatusError{Code: resp.StatusCode, Msg: fmt.Sprintf("ElevenLabs (model=%s): %s", model, string(body))}
	}

	// The response body IS the audio file
	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ElevenLabs audio response: %w", err)
	}

	if len(audioData) == 0 {
		return nil, fmt.Errorf("ElevenLabs returned empty audio")
	}

	log.Printf("[ElevenLabs] speech generated (%d bytes)", len(audioData))
	return audioData, nil
}

// modelUnavailable detects replies that should fall through the model list
// instead of failing the segment.
func modelUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "model_not_found") ||
		strings.Contains(msg, "model_unavailable") ||
		strings.Contains(msg, "model is not available") ||
		strings.Contains(msg, "does not support")
}
