package pipeline

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/bobarin/anchor/internal/models"
	"github.com/bobarin/anchor/internal/services"
)

// timelineHarness fakes the media engine, the audio fitter, and the image
// service for timeline tests. Audio files carry their duration as text;
// FitToDuration stretches it the way atempo does and honors the fitter's
// pass-through epsilon and unfittable check.
type timelineHarness struct {
	dir        string
	fitCalls   int
	tempoCalls int // actual stretches, pass-throughs excluded
	imageURLs  []string
	imageErr   error
	queries    []string
}

func newTimelineHarness(t *testing.T) *timelineHarness {
	return &timelineHarness{dir: t.TempDir()}
}

func (h *timelineHarness) writeClip(t *testing.T, name string, durationSec float64) string {
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, []byte(strconv.FormatFloat(durationSec, 'f', -1, 64)), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (h *timelineHarness) ProbeDuration(ctx context.Context, path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
}

func (h *timelineHarness) FitToDuration(ctx context.Context, cleanPath, fittedPath string, targetSec, minFactor, maxFactor float64) (*models.AudioFitResult, error) {
	h.fitCalls++
	measured, err := h.ProbeDuration(ctx, cleanPath)
	if err != nil {
		return nil, err
	}
	if measured <= 0 || targetSec <= 0 {
		return nil, services.ErrUnfittable
	}

	raw := measured / targetSec
	applied := services.ClampFactor(raw, minFactor, maxFactor)
	out := measured
	if math.Abs(applied-1) > 0.005 {
		h.tempoCalls++
		out = measured / applied
	} else {
		applied = 1.0
	}

	if err := os.WriteFile(fittedPath, []byte(strconv.FormatFloat(out, 'f', -1, 64)), 0644); err != nil {
		return nil, err
	}
	return &models.AudioFitResult{
		InputDurationSec:  measured,
		OutputDurationSec: out,
		AppliedFactor:     applied,
		RawRatio:          raw,
	}, nil
}

func (h *timelineHarness) CreateTempFile(filename string) string {
	return filepath.Join(h.dir, filename)
}

func (h *timelineHarness) Cleanup(paths ...string) {
	for _, p := range paths {
		if p != "" {
			os.Remove(p)
		}
	}
}

func (h *timelineHarness) Search(ctx context.Context, query string, limit int) ([]string, error) {
	h.queries = append(h.queries, query)
	return h.imageURLs, h.imageErr
}

func buildConvResult(t *testing.T, h *timelineHarness, factor float64, durations ...float64) *ConvergenceResult {
	res := &ConvergenceResult{GlobalFactor: factor}
	for i, d := range durations {
		res.CleanPaths = append(res.CleanPaths, h.writeClip(t, "clean_"+strconv.Itoa(i)+".mp3", d))
		res.SumCleanSec += d
	}
	return res
}

func timelineScript(n int) *models.Script {
	scr := nSegmentScript(n)
	for i := range scr.Segments {
		scr.Segments[i].TopicLabel = "ocean currents"
	}
	return scr
}

func TestTimelineContinuity(t *testing.T) {
	h := newTimelineHarness(t)
	h.imageURLs = []string{"http://img/1.jpg"}
	scr := timelineScript(5)
	conv := buildConvResult(t, h, 1.0, 12, 12.5, 11.8, 12.2, 12)

	b := NewTimelineBuilder(h, h, h, TimelineConfig{PresenterRatio: 0.5, IntroDurationSec: 4.0})
	entries, err := b.Build(context.Background(), "job1", scr, conv, 60)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if entries[0].StartSec != 4.0 {
		t.Errorf("timeline starts at %.2f, want intro duration 4.0", entries[0].StartSec)
	}
	for i := 0; i < len(entries)-1; i++ {
		if entries[i].EndSec != entries[i+1].StartSec {
			t.Errorf("gap between entries %d and %d: end %.4f, next start %.4f", i, i+1, entries[i].EndSec, entries[i+1].StartSec)
		}
	}
	for i, e := range entries {
		if e.Segment.StartSec != e.StartSec || e.Segment.EndSec != e.EndSec {
			t.Errorf("segment %d offsets not frozen to entry offsets", i)
		}
		if e.AudioPath == "" || e.Segment.AudioPath != e.AudioPath {
			t.Errorf("segment %d audio path not assigned", i)
		}
	}
}

func TestTimelineAppliesGlobalFactorPerSegment(t *testing.T) {
	h := newTimelineHarness(t)
	h.imageURLs = []string{"http://img/1.jpg"}
	scr := timelineScript(3)
	conv := buildConvResult(t, h, 1.05, 21, 21, 21)

	b := NewTimelineBuilder(h, h, h, TimelineConfig{PresenterRatio: 0.5})
	entries, err := b.Build(context.Background(), "job2", scr, conv, 60)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if h.tempoCalls != 3 {
		t.Errorf("expected tempo applied to each segment independently, got %d calls", h.tempoCalls)
	}
	for i, e := range entries {
		if !models.NearlyEqual(e.DurationSec(), 20, 1e-6) {
			t.Errorf("entry %d duration %.4f, want 20 after 1.05x tempo", i, e.DurationSec())
		}
	}
}

func TestTimelineNearUnityFactorSkipsTempo(t *testing.T) {
	h := newTimelineHarness(t)
	h.imageURLs = []string{"http://img/1.jpg"}
	scr := timelineScript(2)
	conv := buildConvResult(t, h, 1.002, 12, 12)

	b := NewTimelineBuilder(h, h, h, TimelineConfig{PresenterRatio: 0.5})
	if _, err := b.Build(context.Background(), "job3", scr, conv, 24); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if h.tempoCalls != 0 {
		t.Errorf("near-unity factor should pass audio through, got %d tempo calls", h.tempoCalls)
	}
}

func TestTimelineTreatmentAssignment(t *testing.T) {
	h := newTimelineHarness(t)
	h.imageURLs = []string{"http://img/1.jpg", "http://img/2.jpg"}
	scr := timelineScript(6)
	conv := buildConvResult(t, h, 1.0, 10, 10, 10, 10, 10, 10)

	b := NewTimelineBuilder(h, h, h, TimelineConfig{PresenterRatio: 0.5})
	entries, err := b.Build(context.Background(), "job4", scr, conv, 60)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	presenters, montages := 0, 0
	for _, e := range entries {
		switch e.Segment.Treatment {
		case models.TreatmentPresenter:
			presenters++
		case models.TreatmentImageMontage:
			montages++
			if len(e.ImageURLs) == 0 {
				t.Errorf("montage segment %d has no resolved images", e.Segment.Index)
			}
		default:
			t.Errorf("segment %d has no treatment", e.Segment.Index)
		}
	}
	if presenters != 3 || montages != 3 {
		t.Errorf("expected 3 presenter / 3 montage at ratio 0.5, got %d/%d", presenters, montages)
	}
}

func TestTimelineBothKindsExist(t *testing.T) {
	h := newTimelineHarness(t)
	h.imageURLs = []string{"http://img/1.jpg"}

	// Ratio 1.0 over several segments would mark everything presenter; the
	// clamp must leave at least one montage segment.
	scr := timelineScript(4)
	conv := buildConvResult(t, h, 1.0, 10, 10, 10, 10)
	b := NewTimelineBuilder(h, h, h, TimelineConfig{PresenterRatio: 1.0})
	entries, err := b.Build(context.Background(), "job5", scr, conv, 40)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	montages := 0
	for _, e := range entries {
		if e.Segment.Treatment == models.TreatmentImageMontage {
			montages++
		}
	}
	if montages == 0 {
		t.Error("ratio 1.0 clamp failed: no montage segment left")
	}

	// Ratio 0 must still leave one presenter segment.
	h2 := newTimelineHarness(t)
	h2.imageURLs = []string{"http://img/1.jpg"}
	scr2 := timelineScript(4)
	conv2 := buildConvResult(t, h2, 1.0, 10, 10, 10, 10)
	entries2, err := NewTimelineBuilder(h2, h2, h2, TimelineConfig{}).Build(context.Background(), "job6", scr2, conv2, 40)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	presenters := 0
	for _, e := range entries2 {
		if e.Segment.Treatment == models.TreatmentPresenter {
			presenters++
		}
	}
	if presenters == 0 {
		t.Error("ratio 0 clamp failed: no presenter segment left")
	}
}

func TestTimelineImageFailureFallsBackToPresenter(t *testing.T) {
	h := newTimelineHarness(t)
	h.imageErr = errors.New("image service down")
	scr := timelineScript(4)
	conv := buildConvResult(t, h, 1.0, 10, 10, 10, 10)

	b := NewTimelineBuilder(h, h, h, TimelineConfig{PresenterRatio: 0.5})
	entries, err := b.Build(context.Background(), "job7", scr, conv, 40)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	for _, e := range entries {
		if e.Segment.Treatment != models.TreatmentPresenter {
			t.Errorf("segment %d should fall back to presenter, got %s", e.Segment.Index, e.Segment.Treatment)
		}
	}
}

func TestTimelineUnfittableAudioFails(t *testing.T) {
	h := newTimelineHarness(t)
	h.imageURLs = []string{"http://img/1.jpg"}
	scr := timelineScript(2)
	conv := buildConvResult(t, h, 1.0, 12, 0) // second clip has no measurable audio

	b := NewTimelineBuilder(h, h, h, TimelineConfig{PresenterRatio: 0.5})
	_, err := b.Build(context.Background(), "job9", scr, conv, 24)
	if err == nil {
		t.Fatal("expected Build to fail on an unfittable clip")
	}
	if !errors.Is(err, services.ErrUnfittable) {
		t.Errorf("error should carry the unfittable sentinel, got %v", err)
	}
}

func TestPresenterIndicesSpacing(t *testing.T) {
	picked := presenterIndices(6, 0.5)
	if len(picked) != 3 {
		t.Fatalf("expected 3 presenter indices, got %d", len(picked))
	}
	for _, want := range []int{0, 2, 4} {
		if !picked[want] {
			t.Errorf("expected index %d in presenter subset %v", want, picked)
		}
	}

	if got := presenterIndices(1, 0.0); len(got) != 1 || !got[0] {
		t.Errorf("single segment must be presenter, got %v", got)
	}
}
