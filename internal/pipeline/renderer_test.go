package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/anchor/internal/models"
	"github.com/bobarin/anchor/internal/retry"
	"github.com/bobarin/anchor/internal/services"
)

// fakeRenderMedia implements renderMedia by touching files and counting the
// operations the renderer drives.
type fakeRenderMedia struct {
	dir string

	mu          sync.Mutex
	subclips    int
	reencodes   int
	downscales  int
	forced      int
	merged      int
	normalized  int
	panZooms    int
	crossfades  int
	concats     int
	panZoomDirs []bool
	concatLens  []int
}

func newFakeRenderMedia(t *testing.T) *fakeRenderMedia {
	return &fakeRenderMedia{dir: t.TempDir()}
}

func (m *fakeRenderMedia) touch(path string) error {
	return os.WriteFile(path, []byte("clip"), 0644)
}

func (m *fakeRenderMedia) count(field *int) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

func (m *fakeRenderMedia) ExtractSubclip(ctx context.Context, in, out string, offset, dur float64) error {
	m.count(&m.subclips)
	return m.touch(out)
}

func (m *fakeRenderMedia) ReencodeLowerQuality(ctx context.Context, in, out string) error {
	m.count(&m.reencodes)
	return m.touch(out)
}

func (m *fakeRenderMedia) Downscale(ctx context.Context, in, out string) error {
	m.count(&m.downscales)
	return m.touch(out)
}

func (m *fakeRenderMedia) ForceDuration(ctx context.Context, in, out string, dur float64) error {
	m.count(&m.forced)
	return m.touch(out)
}

func (m *fakeRenderMedia) MergeAudio(ctx context.Context, video, audio, out string) error {
	m.count(&m.merged)
	return m.touch(out)
}

func (m *fakeRenderMedia) NormalizeClip(ctx context.Context, in, out string, dur, fade float64) error {
	m.count(&m.normalized)
	return m.touch(out)
}

func (m *fakeRenderMedia) MontagePanZoom(ctx context.Context, img, out string, dur float64, zoomIn bool) error {
	m.mu.Lock()
	m.panZooms++
	m.panZoomDirs = append(m.panZoomDirs, zoomIn)
	m.mu.Unlock()
	return m.touch(out)
}

func (m *fakeRenderMedia) Crossfade(ctx context.Context, a, b, out string, firstDur, fade float64) error {
	m.count(&m.crossfades)
	return m.touch(out)
}

func (m *fakeRenderMedia) ConcatVideoOnly(ctx context.Context, clips []string, out string) error {
	m.mu.Lock()
	m.concats++
	m.concatLens = append(m.concatLens, len(clips))
	m.mu.Unlock()
	return m.touch(out)
}

func (m *fakeRenderMedia) CreateTempFile(filename string) string {
	return filepath.Join(m.dir, filename)
}

func (m *fakeRenderMedia) Cleanup(paths ...string) {
	for _, p := range paths {
		if p != "" {
			os.Remove(p)
		}
	}
}

// fakeLipsync serves scripted results per call, optionally delayed per
// segment index parsed from the video path. When failFor is set, any clip
// whose path contains it always fails.
type fakeLipsync struct {
	mu      sync.Mutex
	results []error
	calls   int
	delay   func(videoPath string) time.Duration
	failFor string
}

func (f *fakeLipsync) Sync(ctx context.Context, videoPath, audioPath string) ([]byte, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if f.delay != nil {
		time.Sleep(f.delay(videoPath))
	}
	if f.failFor != "" && strings.Contains(videoPath, f.failFor) {
		return nil, errors.New("engine down")
	}
	if idx < len(f.results) && f.results[idx] != nil {
		return nil, f.results[idx]
	}
	return []byte("synced"), nil
}

type fakeBaselines struct {
	mu          sync.Mutex
	dur         float64
	expressions []models.Expression
}

func (f *fakeBaselines) EnsureBaseline(ctx context.Context, expr models.Expression) (string, float64, error) {
	f.mu.Lock()
	f.expressions = append(f.expressions, expr)
	f.mu.Unlock()
	return "/baselines/" + string(expr) + ".mp4", f.dur, nil
}

type fakeImageFetcher struct {
	err   error
	calls int
}

func (f *fakeImageFetcher) Download(ctx context.Context, url, dest string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dest, []byte("img"), 0644)
}

func presenterEntry(idx int, dur float64) models.TimelineEntry {
	seg := &models.Segment{
		Index:      idx,
		Text:       "text",
		Expression: models.ExpressionHappy,
		Treatment:  models.TreatmentPresenter,
	}
	return models.TimelineEntry{
		Segment:   seg,
		StartSec:  float64(idx) * dur,
		EndSec:    float64(idx+1) * dur,
		AudioPath: "/audio/seg.mp3",
	}
}

func montageEntry(idx int, dur float64, urls ...string) models.TimelineEntry {
	e := presenterEntry(idx, dur)
	e.Segment.Treatment = models.TreatmentImageMontage
	e.ImageURLs = urls
	return e
}

func testRenderer(m *fakeRenderMedia, ls *fakeLipsync, required bool) *Renderer {
	return NewRenderer(m, ls, &fakeBaselines{dur: 60}, &fakeImageFetcher{}, RendererConfig{
		LipsyncRequired:  required,
		MaxConcurrent:    2,
		MontageMinImages: 1,
		MontageMaxImages: 4,
		LipsyncRetryStep: time.Millisecond,
	})
}

func TestRenderPresenterHappyPath(t *testing.T) {
	m := newFakeRenderMedia(t)
	ls := &fakeLipsync{}
	r := testRenderer(m, ls, true)

	clip, err := r.RenderSegment(context.Background(), "job1", presenterEntry(0, 10))
	if err != nil {
		t.Fatalf("RenderSegment failed: %v", err)
	}
	if _, err := os.Stat(clip); err != nil {
		t.Errorf("final clip missing: %v", err)
	}
	if ls.calls != 1 {
		t.Errorf("expected 1 lipsync call, got %d", ls.calls)
	}
	if m.forced != 1 || m.merged != 1 || m.normalized != 1 {
		t.Errorf("post steps = force %d / merge %d / normalize %d, want 1 each", m.forced, m.merged, m.normalized)
	}
}

func TestLipsyncLadderAdvancesOnPayloadRejection(t *testing.T) {
	m := newFakeRenderMedia(t)
	ls := &fakeLipsync{results: []error{
		fmt.Errorf("%w: too large", services.ErrPayloadRejected),
		fmt.Errorf("%w: still too large", services.ErrPayloadRejected),
		nil,
	}}
	r := testRenderer(m, ls, true)

	if _, err := r.RenderSegment(context.Background(), "job2", presenterEntry(0, 10)); err != nil {
		t.Fatalf("RenderSegment failed: %v", err)
	}
	if ls.calls != 3 {
		t.Errorf("expected 3 lipsync calls across 3 rungs, got %d", ls.calls)
	}
	if m.reencodes != 1 {
		t.Errorf("expected 1 re-encode, got %d", m.reencodes)
	}
	if m.downscales != 1 {
		t.Errorf("expected 1 downscale, got %d", m.downscales)
	}
}

func TestLipsyncTransientErrorRetriesSameRung(t *testing.T) {
	m := newFakeRenderMedia(t)
	ls := &fakeLipsync{results: []error{errors.New("connection reset"), nil}}
	r := testRenderer(m, ls, true)

	if _, err := r.RenderSegment(context.Background(), "job3", presenterEntry(0, 10)); err != nil {
		t.Fatalf("RenderSegment failed: %v", err)
	}
	if ls.calls != 2 {
		t.Errorf("expected 2 calls on the first rung, got %d", ls.calls)
	}
	if m.reencodes != 0 || m.downscales != 0 {
		t.Error("transient error must not advance the ladder")
	}
}

func TestLipsyncRequiredFailureIsTerminal(t *testing.T) {
	m := newFakeRenderMedia(t)
	ls := &fakeLipsync{results: []error{
		errors.New("engine exploded"),
		errors.New("engine exploded again"),
	}}
	r := testRenderer(m, ls, true)

	_, err := r.RenderSegment(context.Background(), "job4", presenterEntry(0, 10))
	if err == nil {
		t.Fatal("expected failure when lipsync is required")
	}
	if !retry.IsTerminal(err) {
		t.Errorf("required lipsync failure should be terminal: %v", err)
	}
	if ls.calls != 2 {
		t.Errorf("non-payload errors stay on one rung: got %d calls", ls.calls)
	}
}

func TestLipsyncOptionalFailureFallsBackToBaseClip(t *testing.T) {
	m := newFakeRenderMedia(t)
	ls := &fakeLipsync{results: []error{
		errors.New("engine down"),
		errors.New("engine down"),
	}}
	r := testRenderer(m, ls, false)

	clip, err := r.RenderSegment(context.Background(), "job5", presenterEntry(0, 10))
	if err != nil {
		t.Fatalf("optional lipsync failure should not fail the segment: %v", err)
	}
	if _, err := os.Stat(clip); err != nil {
		t.Errorf("fallback clip missing: %v", err)
	}
	if m.normalized != 1 {
		t.Error("fallback clip must still pass normalization")
	}
}

func TestRenderMontageCrossfadeAndConcat(t *testing.T) {
	// 6s slot: two images at 3s each, long enough to crossfade.
	m := newFakeRenderMedia(t)
	r := testRenderer(m, &fakeLipsync{}, false)
	if _, err := r.RenderSegment(context.Background(), "job6", montageEntry(0, 6, "u1", "u2", "u3", "u4")); err != nil {
		t.Fatalf("RenderSegment failed: %v", err)
	}
	if m.panZooms != 2 {
		t.Errorf("expected 2 pan/zoom clips for a 6s slot, got %d", m.panZooms)
	}
	if m.crossfades != 1 || m.concats != 0 {
		t.Errorf("expected crossfade path, got %d crossfades / %d concats", m.crossfades, m.concats)
	}
	if len(m.panZoomDirs) == 2 && m.panZoomDirs[0] == m.panZoomDirs[1] {
		t.Error("pan/zoom direction must alternate between images")
	}

	// 4s slot forced to two images: 2s per image is too short to crossfade.
	m2 := newFakeRenderMedia(t)
	r2 := NewRenderer(m2, &fakeLipsync{}, &fakeBaselines{dur: 60}, &fakeImageFetcher{}, RendererConfig{
		MontageMinImages: 2,
		MontageMaxImages: 4,
		MaxConcurrent:    1,
		LipsyncRetryStep: time.Millisecond,
	})
	if _, err := r2.RenderSegment(context.Background(), "job7", montageEntry(0, 4, "u1", "u2")); err != nil {
		t.Fatalf("RenderSegment failed: %v", err)
	}
	if m2.concats != 1 || m2.crossfades != 0 {
		t.Errorf("expected concat path, got %d concats / %d crossfades", m2.concats, m2.crossfades)
	}
}

func TestMontageImageCount(t *testing.T) {
	tests := []struct {
		dur             float64
		avail, min, max int
		want            int
	}{
		{12, 4, 1, 4, 4},
		{6, 4, 1, 4, 2},
		{2, 4, 1, 4, 1},
		{30, 4, 1, 4, 4}, // max caps
		{12, 2, 1, 4, 2}, // availability caps
		{2, 4, 2, 4, 2},  // min floors
	}
	for _, tt := range tests {
		if got := montageImageCount(tt.dur, tt.avail, tt.min, tt.max); got != tt.want {
			t.Errorf("montageImageCount(%.0f, %d, %d, %d) = %d, want %d", tt.dur, tt.avail, tt.min, tt.max, got, tt.want)
		}
	}
}

func TestSubclipOffsetDeterministic(t *testing.T) {
	a := SubclipOffset("job-abc", 3, 60, 10)
	b := SubclipOffset("job-abc", 3, 60, 10)
	if a != b {
		t.Errorf("same seed inputs gave different offsets: %f vs %f", a, b)
	}
	if a < 0 || a > 50 {
		t.Errorf("offset %f outside [0, baseline-segment]", a)
	}
	if SubclipOffset("job-abc", 4, 60, 10) == a && SubclipOffset("job-xyz", 3, 60, 10) == a {
		t.Error("different seeds should generally give different offsets")
	}
	if got := SubclipOffset("job-abc", 0, 8, 10); got != 0 {
		t.Errorf("short baseline should pin offset to 0, got %f", got)
	}
}

func TestRenderAllPreservesTimelineOrder(t *testing.T) {
	m := newFakeRenderMedia(t)
	// Later segments finish first.
	ls := &fakeLipsync{delay: func(videoPath string) time.Duration {
		for i := 0; i < 4; i++ {
			if strings.Contains(videoPath, fmt.Sprintf("_seg%d_", i)) {
				return time.Duration(4-i) * 10 * time.Millisecond
			}
		}
		return 0
	}}
	r := testRenderer(m, ls, true)

	entries := []models.TimelineEntry{
		presenterEntry(0, 10),
		presenterEntry(1, 10),
		presenterEntry(2, 10),
		presenterEntry(3, 10),
	}
	clips, err := r.RenderAll(context.Background(), "job8", entries)
	if err != nil {
		t.Fatalf("RenderAll failed: %v", err)
	}
	if len(clips) != 4 {
		t.Fatalf("expected 4 clips, got %d", len(clips))
	}
	for i, clip := range clips {
		if !strings.Contains(clip, fmt.Sprintf("_seg%d_", i)) {
			t.Errorf("clips[%d] = %s, not the clip for segment %d", i, clip, i)
		}
	}
}

func TestRenderAllCleansFinishedClipsOnFailure(t *testing.T) {
	m := newFakeRenderMedia(t)
	// Segment 1 never syncs; segment 0 completes first under concurrency 1.
	ls := &fakeLipsync{failFor: "_seg1_"}
	r := NewRenderer(m, ls, &fakeBaselines{dur: 60}, &fakeImageFetcher{}, RendererConfig{
		LipsyncRequired:  true,
		MaxConcurrent:    1,
		LipsyncRetryStep: time.Millisecond,
	})

	entries := []models.TimelineEntry{
		presenterEntry(0, 10),
		presenterEntry(1, 10),
	}
	if _, err := r.RenderAll(context.Background(), "job9", entries); err == nil {
		t.Fatal("expected RenderAll to fail")
	}

	finished := m.CreateTempFile("job9_seg0_final.mp4")
	if _, err := os.Stat(finished); !os.IsNotExist(err) {
		t.Errorf("finished segment clip %s should be cleaned after a failed render", finished)
	}
}
