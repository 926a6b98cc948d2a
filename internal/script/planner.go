package script

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/bobarin/anchor/internal/models"
	"github.com/bobarin/anchor/internal/services"
)

// ---------------------------------------------------------------------------
// Script planner.
// Computes the segment plan (count + per-segment word budgets) from the
// target duration, calls the narration generator once, then repairs the
// returned script deterministically. Structural fixes never re-invoke the
// generator; only the duration convergence loop requests rewrites.
// ---------------------------------------------------------------------------

const (
	perSegmentTargetSec    = 10.0
	wordsPerSec            = 2.3
	pacingBias             = 0.95
	hookBoost              = 1.15 // first segment gets extra words for the hook
	wrapReduction          = 0.85 // last segment wraps up shorter
	minWordsPerSegment     = 8
	minSegments            = 2
	minSegmentsLongTarget  = 3
	longTargetThresholdSec = 45.0
	maxSegments            = 20

	fillerGlobalCeiling     = 6
	fillerPerSegmentCeiling = 2
	fillerExemptSegments    = 2 // the opening segments keep their energy
)

// fillerWords are micro-interjections stripped from later segments, bounded
// by the ceilings above.
var fillerWords = map[string]bool{
	"um":        true,
	"uh":        true,
	"umm":       true,
	"uhh":       true,
	"basically": true,
	"literally": true,
	"honestly":  true,
	"actually":  true,
}

// Generator is the narration generator the planner drives.
type Generator interface {
	Generate(ctx context.Context, topics []models.Topic, plan services.SegmentPlan, style services.StyleConstraints) (*models.Script, error)
	Rewrite(ctx context.Context, current *models.Script, scaleInstruction string, caps []int) ([]services.RewriteSegment, error)
}

type Planner struct {
	gen              Generator
	segmentTargetSec float64
}

func NewPlanner(gen Generator, segmentTargetSec float64) *Planner {
	if segmentTargetSec <= 0 {
		segmentTargetSec = perSegmentTargetSec
	}
	return &Planner{gen: gen, segmentTargetSec: segmentTargetSec}
}

// SegmentCount derives how many segments a target duration needs.
func (p *Planner) SegmentCount(targetSec float64) int {
	n := int(math.Ceil(targetSec / p.segmentTargetSec))
	min := minSegments
	if targetSec >= longTargetThresholdSec {
		min = minSegmentsLongTarget
	}
	if n < min {
		n = min
	}
	if n > maxSegments {
		n = maxSegments
	}
	return n
}

// WordCaps splits the target duration into per-segment word budgets. The
// first segment gets a hook boost, the last a wrap-up reduction.
func WordCaps(n int, targetSec float64) []int {
	if n <= 0 {
		return nil
	}
	base := targetSec / float64(n) * wordsPerSec * pacingBias
	caps := make([]int, n)
	for i := range caps {
		w := base
		if i == 0 {
			w *= hookBoost
		} else if i == n-1 {
			w *= wrapReduction
		}
		c := int(math.Round(w))
		if c < minWordsPerSegment {
			c = minWordsPerSegment
		}
		caps[i] = c
	}
	return caps
}

// Generate produces a repaired script for the topics and target duration.
func (p *Planner) Generate(ctx context.Context, topics []models.Topic, targetSec float64, toneHints []string) (*models.Script, []int, error) {
	n := p.SegmentCount(targetSec)
	caps := WordCaps(n, targetSec)

	scr, err := p.gen.Generate(ctx, topics, services.SegmentPlan{Count: n, WordCaps: caps}, services.StyleConstraints{ToneHints: toneHints})
	if err != nil {
		return nil, nil, fmt.Errorf("script generation failed: %w", err)
	}

	Repair(scr, topics, caps)
	log.Printf("[Planner] script ready: %d segments, %d words (target %.0fs)", len(scr.Segments), scr.WordCount(), targetSec)
	return scr, caps, nil
}

// Rewrite asks the generator for rescaled segment texts, applies them, and
// re-runs the same repairs. Segments the generator skipped keep their text.
func (p *Planner) Rewrite(ctx context.Context, scr *models.Script, topics []models.Topic, scaleInstruction string, caps []int) error {
	rewrites, err := p.gen.Rewrite(ctx, scr, scaleInstruction, caps)
	if err != nil {
		return fmt.Errorf("script rewrite failed: %w", err)
	}
	for _, rw := range rewrites {
		if rw.Index >= 0 && rw.Index < len(scr.Segments) && rw.Text != "" {
			scr.Segments[rw.Index].Text = rw.Text
		}
	}
	Repair(scr, topics, caps)
	return nil
}

// Repair enforces the structural invariants on a generated (or rewritten)
// script in place: exact segment count, topic transitions, engagement
// questions, word caps, filler ceilings, expression smoothing.
func Repair(scr *models.Script, topics []models.Topic, caps []int) {
	forceSegmentCount(scr, topics, len(caps))
	addTopicTransitions(scr, topics)
	addEngagementQuestions(scr, topics)
	truncateToCaps(scr, caps)
	scr.Segments = stripFillers(scr.Segments)
	smoothExpressions(scr.Segments)
	for i := range scr.Segments {
		scr.Segments[i].Index = i
	}
}

// forceSegmentCount truncates extra segments or pads with neutral filler.
func forceSegmentCount(scr *models.Script, topics []models.Topic, want int) {
	if len(scr.Segments) > want {
		scr.Segments = scr.Segments[:want]
		return
	}
	for len(scr.Segments) < want {
		topicIndex := 0
		topicLabel := ""
		if n := len(scr.Segments); n > 0 {
			topicIndex = scr.Segments[n-1].TopicIndex
			topicLabel = scr.Segments[n-1].TopicLabel
		} else if len(topics) > 0 {
			topicLabel = topics[0].Label
		}
		scr.Segments = append(scr.Segments, models.Segment{
			Index:      len(scr.Segments),
			TopicIndex: topicIndex,
			TopicLabel: topicLabel,
			Text:       "And there's more to this story than you might expect.",
			Expression: models.ExpressionNeutral,
		})
	}
}

// addTopicTransitions prepends a transition sentence to the first segment of
// each topic that doesn't already reference it.
func addTopicTransitions(scr *models.Script, topics []models.Topic) {
	seen := make(map[int]bool)
	for i := range scr.Segments {
		seg := &scr.Segments[i]
		if seen[seg.TopicIndex] {
			continue
		}
		seen[seg.TopicIndex] = true

		label := seg.TopicLabel
		if label == "" && seg.TopicIndex < len(topics) {
			label = topics[seg.TopicIndex].Label
		}
		if label == "" || strings.Contains(strings.ToLower(seg.Text), strings.ToLower(label)) {
			continue
		}
		if seg.TopicIndex == 0 {
			seg.Text = fmt.Sprintf("Let's talk about %s. %s", label, seg.Text)
		} else {
			seg.Text = fmt.Sprintf("Now, onto %s. %s", label, seg.Text)
		}
	}
}

// addEngagementQuestions appends a short question to each topic's final
// segment when it carries none.
func addEngagementQuestions(scr *models.Script, topics []models.Topic) {
	last := make(map[int]int)
	for i, seg := range scr.Segments {
		last[seg.TopicIndex] = i
	}
	for _, idx := range last {
		seg := &scr.Segments[idx]
		if strings.Contains(seg.Text, "?") {
			continue
		}
		seg.Text = strings.TrimSpace(seg.Text) + " What do you think?"
	}
}

// truncateToCaps drops trailing words past each segment's budget.
func truncateToCaps(scr *models.Script, caps []int) {
	for i := range scr.Segments {
		if i >= len(caps) {
			break
		}
		words := models.SplitWords(scr.Segments[i].Text)
		if len(words) > caps[i] {
			scr.Segments[i].Text = strings.Join(words[:caps[i]], " ")
		}
	}
}

// fillerState is the accumulator threaded through the filler fold.
type fillerState struct {
	globalRemoved int
}

// stripFillers removes filler interjections as a pure fold over the segment
// sequence: at most fillerPerSegmentCeiling per segment and
// fillerGlobalCeiling in total, leaving the first segments untouched.
func stripFillers(segs []models.Segment) []models.Segment {
	out := make([]models.Segment, len(segs))
	st := fillerState{}
	for i, seg := range segs {
		if i < fillerExemptSegments {
			out[i] = seg
			continue
		}
		seg.Text, st = stripSegmentFillers(seg.Text, st)
		out[i] = seg
	}
	return out
}

func stripSegmentFillers(text string, st fillerState) (string, fillerState) {
	words := models.SplitWords(text)
	kept := make([]string, 0, len(words))
	removed := 0
	for _, w := range words {
		if removed < fillerPerSegmentCeiling &&
			st.globalRemoved < fillerGlobalCeiling &&
			fillerWords[normalizeWord(w)] {
			removed++
			st.globalRemoved++
			continue
		}
		kept = append(kept, w)
	}
	if removed == 0 {
		return text, st
	}
	return strings.Join(kept, " "), st
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.Trim(w, ".,!?;:\"'"))
}

// smoothExpressions forces incompatible adjacent tags through neutral.
func smoothExpressions(segs []models.Segment) {
	for i := 1; i < len(segs); i++ {
		if !segs[i-1].Expression.Compatible(segs[i].Expression) {
			segs[i].Expression = models.ExpressionNeutral
		}
	}
}
