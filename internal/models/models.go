package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final — once a job reaches a terminal
// status the orchestrator stops issuing stage work for it.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Expression is the target delivery expression for a segment's presenter clip.
// The vocabulary is fixed — baseline motion clips are pre-rendered per tag.
type Expression string

const (
	ExpressionNeutral   Expression = "neutral"
	ExpressionHappy     Expression = "happy"
	ExpressionSerious   Expression = "serious"
	ExpressionSurprised Expression = "surprised"
	ExpressionConcerned Expression = "concerned"
)

// AllExpressions lists the fixed expression vocabulary.
var AllExpressions = []Expression{
	ExpressionNeutral,
	ExpressionHappy,
	ExpressionSerious,
	ExpressionSurprised,
	ExpressionConcerned,
}

// Valid reports whether the tag is part of the fixed vocabulary.
func (e Expression) Valid() bool {
	switch e {
	case ExpressionNeutral, ExpressionHappy, ExpressionSerious, ExpressionSurprised, ExpressionConcerned:
		return true
	}
	return false
}

// Compatible reports whether two expressions may sit on adjacent segments
// without an intervening neutral. Neutral is compatible with everything;
// the two bright tags pair, and the two grave tags pair.
func (e Expression) Compatible(other Expression) bool {
	if e == other || e == ExpressionNeutral || other == ExpressionNeutral {
		return true
	}
	bright := func(x Expression) bool { return x == ExpressionHappy || x == ExpressionSurprised }
	grave := func(x Expression) bool { return x == ExpressionSerious || x == ExpressionConcerned }
	return (bright(e) && bright(other)) || (grave(e) && grave(other))
}

// VisualTreatment decides how a segment is rendered.
type VisualTreatment string

const (
	TreatmentPresenter    VisualTreatment = "presenter"
	TreatmentImageMontage VisualTreatment = "image_montage"
)

// Metadata is the arbitrary structured metadata map attached to a job.
type Metadata map[string]interface{}

// Models

// Job is the ephemeral production record. Created on request acceptance,
// mutated only by the orchestrator, evicted after a TTL past last update.
type Job struct {
	ID             uuid.UUID `json:"id"`
	Status         JobStatus `json:"status"`
	ProgressPct    int       `json:"progress_pct"` // monotonic, 0-100
	Topic          string    `json:"topic"`
	FinalOutputRef string    `json:"final_output_ref,omitempty"`
	ErrorMessage   string    `json:"error,omitempty"`
	Metadata       Metadata  `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Topic is immutable once selected for a job.
type Topic struct {
	Source   string   `json:"source"`
	Label    string   `json:"label"`
	Reason   string   `json:"reason,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Story    string   `json:"story,omitempty"`
}

// OverlayCue is a visual overlay request attached to a segment. A segment
// carries at most one.
type OverlayCue struct {
	Query    string  `json:"query"`
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
}

// Segment is one narration unit. Produced by the script planner, text may be
// rewritten by the convergence loop, frozen once the timeline assigns offsets.
type Segment struct {
	Index      int             `json:"index"`
	TopicIndex int             `json:"topic_index"`
	TopicLabel string          `json:"topic_label"`
	Text       string          `json:"text"`
	Expression Expression      `json:"expression"`
	Overlays   []OverlayCue    `json:"overlays,omitempty"` // at most one
	Treatment  VisualTreatment `json:"treatment,omitempty"`
	AudioPath  string          `json:"audio_path,omitempty"`
	StartSec   float64         `json:"start_sec,omitempty"`
	EndSec     float64         `json:"end_sec,omitempty"`
}

// Script is the full planned narration.
type Script struct {
	Title    string    `json:"title"`
	Segments []Segment `json:"segments"`
}

// WordCount returns the total word count across all segments.
func (s *Script) WordCount() int {
	n := 0
	for _, seg := range s.Segments {
		n += len(SplitWords(seg.Text))
	}
	return n
}

// AudioFitResult reports what the audio fitter did to a clip. AppliedFactor is
// always within the configured safety band even when RawRatio is not; whether
// that deviation triggers a rewrite is the caller's decision.
type AudioFitResult struct {
	InputDurationSec  float64
	OutputDurationSec float64
	AppliedFactor     float64
	RawRatio          float64
}

// TimelineEntry binds a segment to concrete offsets and a resolved audio file.
// ImageURLs is populated for montage segments at build time so rendering
// never re-queries the image service.
type TimelineEntry struct {
	Segment   *Segment
	StartSec  float64
	EndSec    float64
	AudioPath string
	ImageURLs []string
}

// DurationSec returns the entry's span.
func (e TimelineEntry) DurationSec() float64 {
	return e.EndSec - e.StartSec
}

// OutputConfig describes the output frame. Width and height are always even —
// block-based codecs downstream reject odd dimensions.
type OutputConfig struct {
	Width        int
	Height       int
	FPS          int
	AspectLabel  string
	ContentScale string // "cover" or "contain"
	ImageScale   string
}

// NewOutputConfig rounds requested dimensions down to even values.
func NewOutputConfig(width, height, fps int, aspect string) OutputConfig {
	return OutputConfig{
		Width:        evenDim(width),
		Height:       evenDim(height),
		FPS:          fps,
		AspectLabel:  aspect,
		ContentScale: "cover",
		ImageScale:   "cover",
	}
}

// evenDim rounds an integer down to the nearest even value, minimum 2.
func evenDim(v int) int {
	if v < 2 {
		return 2
	}
	return v - v%2
}

// GOPSize is the fixed keyframe interval derived from the frame rate.
func (c OutputConfig) GOPSize() int {
	return c.FPS * 2
}

// Request / response DTOs

// ProduceRequest is the body of POST /v1/videos.
type ProduceRequest struct {
	Topic          string   `json:"topic"`
	TargetSeconds  *float64 `json:"target_seconds,omitempty"` // narration target, default 60
	VoiceTrackPath string   `json:"voice_track_path,omitempty"`
	MusicRequest   string   `json:"music_request,omitempty"`
	DisableMusic   bool     `json:"disable_music,omitempty"`
	ToneHints      []string `json:"tone_hints,omitempty"`
}

// ProduceResponse acknowledges an accepted request.
type ProduceResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}

// JobStatusResponse is the job status surface exposed upward.
type JobStatusResponse struct {
	JobID          uuid.UUID `json:"job_id"`
	Status         JobStatus `json:"status"`
	ProgressPct    int       `json:"progress_pct"`
	Topic          string    `json:"topic"`
	FinalOutputRef string    `json:"final_output_ref,omitempty"`
	Error          string    `json:"error,omitempty"`
	Metadata       Metadata  `json:"metadata,omitempty"`
}

// SplitWords splits text on whitespace runs; empty text yields nil.
func SplitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}

// NearlyEqual compares two durations within epsilon seconds.
func NearlyEqual(a, b, epsilon float64) bool {
	return math.Abs(a-b) <= epsilon
}
