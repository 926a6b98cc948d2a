package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/bobarin/anchor/internal/models"
	openai "github.com/sashabaranov/go-openai"
)

// ---------------------------------------------------------------------------
// ScriptGenService — the narration generator.
// One structured-output chat call produces the draft script; a second variant
// produces duration-driven rewrites. The reply is treated as a loosely typed
// document and coerced defensively: every missing or malformed field has an
// explicit default, a bad reply never panics the pipeline.
// ---------------------------------------------------------------------------

const scriptModel = "gpt-5-mini"

type ScriptGenService struct {
	client *openai.Client
}

func NewScriptGenService(apiKey string) *ScriptGenService {
	return &ScriptGenService{
		client: openai.NewClient(apiKey),
	}
}

// SegmentPlan tells the generator how much to write.
type SegmentPlan struct {
	Count    int
	WordCaps []int
}

// StyleConstraints carry tone hints and per-segment constraints that a
// rewrite must not change.
type StyleConstraints struct {
	ToneHints []string
}

// RewriteSegment is one rewritten segment from the rewrite variant.
type RewriteSegment struct {
	Index int
	Text  string
}

// rawScriptDoc is the loosely typed shape of a generator reply.
type rawScriptDoc struct {
	Title    string          `json:"title"`
	Segments []rawSegmentDoc `json:"segments"`
}

type rawSegmentDoc struct {
	Index      *int            `json:"index"`
	TopicIndex *int            `json:"topic_index"`
	Text       string          `json:"text"`
	Expression string          `json:"expression"`
	Overlay    *rawOverlayDoc  `json:"overlay,omitempty"`
	Overlays   []rawOverlayDoc `json:"overlays,omitempty"` // some replies pluralize
}

type rawOverlayDoc struct {
	Query    string  `json:"query"`
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
}

// Generate asks the model for a full draft script. The returned script has
// been coerced into a valid shape but NOT structurally repaired — the script
// planner applies its deterministic repairs on top.
func (s *ScriptGenService) Generate(ctx context.Context, topics []models.Topic, plan SegmentPlan, style StyleConstraints) (*models.Script, error) {
	systemPrompt := buildScriptSystemPrompt(plan, style)
	userPrompt := buildScriptUserPrompt(topics, plan)

	raw, err := s.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	var doc rawScriptDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		log.Printf("[ScriptGen] parse failed: %v", err)
		log.Printf("[ScriptGen] raw response: %s", truncateString(raw, 2000))
		return nil, fmt.Errorf("failed to parse script reply: %w", err)
	}

	if len(doc.Segments) == 0 {
		log.Printf("[ScriptGen] reply has no segments: %s", truncateString(raw, 2000))
		return nil, fmt.Errorf("script reply has no segments")
	}

	script := coerceScript(&doc, topics)
	log.Printf("[ScriptGen] draft generated: %d segments, %d words, title=%q",
		len(script.Segments), script.WordCount(), script.Title)

	return script, nil
}

// Rewrite requests a proportionally rescaled rewrite of the current script.
// scaleInstruction is a human phrase like "about 9% shorter"; caps are the
// rescaled word caps. Expression tags and topic assignment are pinned — only
// text comes back.
func (s *ScriptGenService) Rewrite(ctx context.Context, current *models.Script, scaleInstruction string, caps []int) ([]RewriteSegment, error) {
	systemPrompt := buildRewriteSystemPrompt(scaleInstruction, caps)
	userPrompt := buildRewriteUserPrompt(current)

	raw, err := s.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Segments []struct {
			Index *int   `json:"index"`
			Text  string `json:"text"`
		} `json:"segments"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		log.Printf("[ScriptGen] rewrite parse failed: %v", err)
		log.Printf("[ScriptGen] raw response: %s", truncateString(raw, 2000))
		return nil, fmt.Errorf("failed to parse rewrite reply: %w", err)
	}

	rewrites := make([]RewriteSegment, 0, len(doc.Segments))
	for pos, seg := range doc.Segments {
		idx := pos
		if seg.Index != nil {
			idx = *seg.Index
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue // keep the old text for this segment
		}
		rewrites = append(rewrites, RewriteSegment{Index: idx, Text: text})
	}

	log.Printf("[ScriptGen] rewrite returned %d segment(s) (%s)", len(rewrites), scaleInstruction)
	return rewrites, nil
}

func (s *ScriptGenService) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: scriptModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 1.0,
	})
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from openai")
	}

	return resp.Choices[0].Message.Content, nil
}

// coerceScript resolves every missing or malformed field with a default:
// index falls back to position, topic index clamps into range, an invalid
// expression becomes neutral, and the overlay list is capped at one.
func coerceScript(doc *rawScriptDoc, topics []models.Topic) *models.Script {
	script := &models.Script{
		Title:    strings.TrimSpace(doc.Title),
		Segments: make([]models.Segment, 0, len(doc.Segments)),
	}

	for pos, raw := range doc.Segments {
		seg := models.Segment{
			Index: pos,
			Text:  strings.TrimSpace(raw.Text),
		}

		if raw.Index != nil && *raw.Index >= 0 {
			seg.Index = *raw.Index
		}

		topicIdx := 0
		if raw.TopicIndex != nil {
			topicIdx = *raw.TopicIndex
		}
		if topicIdx < 0 {
			topicIdx = 0
		}
		if len(topics) > 0 && topicIdx >= len(topics) {
			topicIdx = len(topics) - 1
		}
		seg.TopicIndex = topicIdx
		if len(topics) > 0 {
			seg.TopicLabel = topics[topicIdx].Label
		}

		expr := models.Expression(strings.ToLower(strings.TrimSpace(raw.Expression)))
		if !expr.Valid() {
			expr = models.ExpressionNeutral
		}
		seg.Expression = expr

		// At most one overlay cue per segment
		cues := raw.Overlays
		if raw.Overlay != nil {
			cues = append([]rawOverlayDoc{*raw.Overlay}, cues...)
		}
		for _, cue := range cues {
			if strings.TrimSpace(cue.Query) == "" {
				continue
			}
			seg.Overlays = []models.OverlayCue{{
				Query:    strings.TrimSpace(cue.Query),
				StartSec: cue.StartSec,
				EndSec:   cue.EndSec,
			}}
			break
		}

		script.Segments = append(script.Segments, seg)
	}

	return script
}

func buildScriptSystemPrompt(plan SegmentPlan, style StyleConstraints) string {
	var caps []string
	for i, c := range plan.WordCaps {
		caps = append(caps, fmt.Sprintf("segment %d: at most %d words", i, c))
	}

	prompt := fmt.Sprintf(`You are a narration writer for short presenter-led videos. Write spoken narration to be LISTENED to, not read: short punchy sentences, contractions, natural rhythm.

Produce exactly %d segments. Word budgets:
%s

Each segment needs:
- index: zero-based position
- topic_index: which topic this segment covers (topics are given in order; cover them in order, never interleave)
- text: the narration
- expression: one of neutral, happy, serious, surprised, concerned — the presenter's delivery for this segment
- overlay (optional): {"query": "...", "start_sec": n, "end_sec": n} when a supporting visual would help. At most one per segment.

The first segment is the hook — open with something that earns attention. The last segment wraps up. When a new topic starts, reference it by name in that segment's first sentence.

Respond as JSON: {"title": "...", "segments": [...]}`,
		plan.Count, strings.Join(caps, "\n"))

	if len(style.ToneHints) > 0 {
		prompt += fmt.Sprintf("\n\nTone: %s.", strings.Join(style.ToneHints, ", "))
	}

	return prompt
}

func buildScriptUserPrompt(topics []models.Topic, plan SegmentPlan) string {
	var sb strings.Builder
	sb.WriteString("Topics, in order:\n")
	for i, t := range topics {
		sb.WriteString(fmt.Sprintf("%d. %s", i, t.Label))
		if t.Reason != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", t.Reason))
		}
		if len(t.Keywords) > 0 {
			sb.WriteString(fmt.Sprintf(" [keywords: %s]", strings.Join(t.Keywords, ", ")))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("\nWrite the %d-segment narration now.", plan.Count))
	return sb.String()
}

func buildRewriteSystemPrompt(scaleInstruction string, caps []int) string {
	var capLines []string
	for i, c := range caps {
		capLines = append(capLines, fmt.Sprintf("segment %d: at most %d words", i, c))
	}

	return fmt.Sprintf(`You are revising a narration script so its spoken duration fits a target. Rewrite every segment's text %s while keeping its meaning, its topic, and its place in the story.

Hard constraints:
- Keep the same number of segments, same order, same indices.
- Do NOT change which topic a segment covers and do NOT change its expression. Only the text changes.
- New word budgets:
%s

Respond as JSON: {"segments": [{"index": 0, "text": "..."}, ...]}`,
		scaleInstruction, strings.Join(capLines, "\n"))
}

func buildRewriteUserPrompt(current *models.Script) string {
	type line struct {
		Index      int    `json:"index"`
		TopicIndex int    `json:"topic_index"`
		Expression string `json:"expression"`
		Text       string `json:"text"`
	}

	lines := make([]line, len(current.Segments))
	for i, seg := range current.Segments {
		lines[i] = line{
			Index:      seg.Index,
			TopicIndex: seg.TopicIndex,
			Expression: string(seg.Expression),
			Text:       seg.Text,
		}
	}

	data, _ := json.MarshalIndent(lines, "", "  ")
	return fmt.Sprintf("Current script:\n%s", string(data))
}

// truncateString truncates a string to maxLen and appends "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
