package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobarin/anchor/internal/models"
	"github.com/bobarin/anchor/internal/retry"
	"github.com/bobarin/anchor/internal/services"
)

// fakeAssembleMedia implements assembleMedia over plain files.
type fakeAssembleMedia struct {
	dir string

	concatInputs  []string
	overlayBoxes  []struct{ start, end float64 }
	mixCalls      int
	finalizeCalls int
	finalizeMinW  int
}

func newFakeAssembleMedia(t *testing.T) *fakeAssembleMedia {
	return &fakeAssembleMedia{dir: t.TempDir()}
}

func (m *fakeAssembleMedia) touch(path string) error {
	return os.WriteFile(path, []byte("clip"), 0644)
}

func (m *fakeAssembleMedia) ConcatReencode(ctx context.Context, clips []string, out string) error {
	m.concatInputs = append([]string(nil), clips...)
	return m.touch(out)
}

func (m *fakeAssembleMedia) OverlayImage(ctx context.Context, video, image, out string, start, end, maxFrac float64) error {
	m.overlayBoxes = append(m.overlayBoxes, struct{ start, end float64 }{start, end})
	return m.touch(out)
}

func (m *fakeAssembleMedia) MixMusicDucked(ctx context.Context, video, music, out string, duck services.DuckParams) error {
	m.mixCalls++
	return m.touch(out)
}

func (m *fakeAssembleMedia) FinalizeMaster(ctx context.Context, in, out string, dur float64, minW, minH int) error {
	m.finalizeCalls++
	m.finalizeMinW = minW
	return m.touch(out)
}

func (m *fakeAssembleMedia) ProbeDuration(ctx context.Context, path string) (float64, error) {
	return 64.5, nil
}

func (m *fakeAssembleMedia) CreateTempFile(filename string) string {
	return filepath.Join(m.dir, filename)
}

func (m *fakeAssembleMedia) Cleanup(paths ...string) {
	for _, p := range paths {
		if p != "" {
			os.Remove(p)
		}
	}
}

// fakeMusic scripts the catalog per tier.
type fakeMusic struct {
	tracksByTag map[string][]services.MusicTrack
	searchErr   error
	downloadErr error
	searches    [][]string
}

func (f *fakeMusic) Search(ctx context.Context, tags []string) ([]services.MusicTrack, error) {
	f.searches = append(f.searches, append([]string(nil), tags...))
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if len(tags) > 0 {
		return f.tracksByTag[tags[0]], nil
	}
	return nil, nil
}

func (f *fakeMusic) Download(ctx context.Context, url, dest string) error {
	if f.downloadErr != nil {
		return f.downloadErr
	}
	return os.WriteFile(dest, []byte("track"), 0644)
}

type fakeImageSearch struct {
	urls []string
	err  error
}

func (f *fakeImageSearch) Search(ctx context.Context, query string, limit int) ([]string, error) {
	return f.urls, f.err
}

func assemblerUnderTest(t *testing.T, m *fakeAssembleMedia, music musicResolver, defaultMusic string) *Assembler {
	return NewAssembler(m, music, &fakeImageSearch{urls: []string{"http://img/ov.jpg"}}, &fakeImageFetcher{}, AssemblerConfig{
		OutputDir:        filepath.Join(m.dir, "out"),
		DefaultMusicPath: defaultMusic,
		MinMasterW:       1280,
		MinMasterH:       720,
	})
}

func writeClips(t *testing.T, dir string, names ...string) []string {
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
		if err := os.WriteFile(paths[i], []byte("clip"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func TestAssembleHappyPathWithCatalogMusic(t *testing.T) {
	m := newFakeAssembleMedia(t)
	music := &fakeMusic{tracksByTag: map[string][]services.MusicTrack{
		"cinematic": {{AudioURL: "http://cdn/track.mp3", DurationSeconds: 120}},
	}}
	a := assemblerUnderTest(t, m, music, "")
	clips := writeClips(t, m.dir, "s0.mp4", "s1.mp4", "s2.mp4")

	master, err := a.Assemble(context.Background(), "job1", clips, nil, models.ProduceRequest{})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if _, err := os.Stat(master); err != nil {
		t.Errorf("master missing: %v", err)
	}
	if !strings.HasSuffix(master, "job1.mp4") {
		t.Errorf("master path %s not named for the job", master)
	}
	if len(m.concatInputs) != 3 {
		t.Errorf("expected 3 concat inputs, got %d", len(m.concatInputs))
	}
	if m.mixCalls != 1 {
		t.Errorf("expected 1 music mix, got %d", m.mixCalls)
	}
	if m.finalizeCalls != 1 || m.finalizeMinW != 1280 {
		t.Errorf("finalize calls=%d minW=%d", m.finalizeCalls, m.finalizeMinW)
	}
}

func TestAssembleIncludesIntroAndOutro(t *testing.T) {
	m := newFakeAssembleMedia(t)
	a := NewAssembler(m, nil, nil, nil, AssemblerConfig{
		IntroPath: "/assets/intro.mp4",
		OutroPath: "/assets/outro.mp4",
		OutputDir: filepath.Join(m.dir, "out"),
	})
	clips := writeClips(t, m.dir, "s0.mp4")

	if _, err := a.Assemble(context.Background(), "job2", clips, nil, models.ProduceRequest{DisableMusic: true}); err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	want := []string{"/assets/intro.mp4", clips[0], "/assets/outro.mp4"}
	if len(m.concatInputs) != 3 {
		t.Fatalf("expected intro+clip+outro, got %v", m.concatInputs)
	}
	for i := range want {
		if m.concatInputs[i] != want[i] {
			t.Errorf("concat input %d = %s, want %s", i, m.concatInputs[i], want[i])
		}
	}
}

// Scenario: requested tag, operator default, and catalog search all fail with
// music enabled — the job must fail with a terminal, actionable error.
func TestAssembleMusicThreeTierFailureIsTerminal(t *testing.T) {
	m := newFakeAssembleMedia(t)
	music := &fakeMusic{searchErr: errors.New("catalog down")}
	a := assemblerUnderTest(t, m, music, filepath.Join(m.dir, "missing_default.mp3"))
	clips := writeClips(t, m.dir, "s0.mp4")

	_, err := a.Assemble(context.Background(), "job3", clips, nil, models.ProduceRequest{MusicRequest: "synthwave"})
	if err == nil {
		t.Fatal("expected failure when no music tier resolves")
	}
	if !retry.IsTerminal(err) {
		t.Errorf("unresolved music must be terminal: %v", err)
	}
	if !strings.Contains(err.Error(), "music") {
		t.Errorf("error should name the music failure: %v", err)
	}
	// Both the explicit tag and the catalog fallback were tried.
	if len(music.searches) != 2 {
		t.Errorf("expected 2 catalog searches (request + fallback), got %d", len(music.searches))
	}
}

func TestAssembleDisableMusicSkipsResolution(t *testing.T) {
	m := newFakeAssembleMedia(t)
	music := &fakeMusic{searchErr: errors.New("catalog down")}
	a := assemblerUnderTest(t, m, music, "")
	clips := writeClips(t, m.dir, "s0.mp4")

	if _, err := a.Assemble(context.Background(), "job4", clips, nil, models.ProduceRequest{DisableMusic: true}); err != nil {
		t.Fatalf("disable_music run failed: %v", err)
	}
	if m.mixCalls != 0 {
		t.Error("music was mixed despite disable_music")
	}
	if len(music.searches) != 0 {
		t.Error("catalog was queried despite disable_music")
	}
}

func TestAssembleDefaultMusicFallback(t *testing.T) {
	m := newFakeAssembleMedia(t)
	defaultTrack := filepath.Join(m.dir, "default.mp3")
	if err := os.WriteFile(defaultTrack, []byte("track"), 0644); err != nil {
		t.Fatal(err)
	}
	music := &fakeMusic{} // explicit tag resolves nothing
	a := assemblerUnderTest(t, m, music, defaultTrack)
	clips := writeClips(t, m.dir, "s0.mp4")

	if _, err := a.Assemble(context.Background(), "job5", clips, nil, models.ProduceRequest{MusicRequest: "synthwave"}); err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if m.mixCalls != 1 {
		t.Error("default track was not mixed")
	}
	// Only the explicit request hit the catalog; the default short-circuited
	// the fallback search.
	if len(music.searches) != 1 {
		t.Errorf("expected 1 catalog search, got %d", len(music.searches))
	}
}

func TestAssembleAppliesOverlayTimeBox(t *testing.T) {
	m := newFakeAssembleMedia(t)
	a := assemblerUnderTest(t, m, &fakeMusic{tracksByTag: map[string][]services.MusicTrack{
		"cinematic": {{AudioURL: "http://cdn/t.mp3"}},
	}}, "")
	clips := writeClips(t, m.dir, "s0.mp4")

	seg := &models.Segment{
		Index:    0,
		Overlays: []models.OverlayCue{{Query: "vintage map", StartSec: 1.5, EndSec: 4.0}},
	}
	entries := []models.TimelineEntry{{Segment: seg, StartSec: 4.0, EndSec: 14.0}}

	if _, err := a.Assemble(context.Background(), "job6", clips, entries, models.ProduceRequest{}); err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if len(m.overlayBoxes) != 1 {
		t.Fatalf("expected 1 overlay, got %d", len(m.overlayBoxes))
	}
	box := m.overlayBoxes[0]
	if !models.NearlyEqual(box.start, 5.5, 1e-9) || !models.NearlyEqual(box.end, 8.0, 1e-9) {
		t.Errorf("overlay box (%.2f, %.2f), want (5.50, 8.00) on the global timeline", box.start, box.end)
	}
}

func TestAssembleOverlayFailureIsNonFatal(t *testing.T) {
	m := newFakeAssembleMedia(t)
	a := NewAssembler(m, nil, &fakeImageSearch{err: errors.New("search down")}, &fakeImageFetcher{}, AssemblerConfig{
		OutputDir: filepath.Join(m.dir, "out"),
	})
	clips := writeClips(t, m.dir, "s0.mp4")

	seg := &models.Segment{Overlays: []models.OverlayCue{{Query: "x", StartSec: 0, EndSec: 2}}}
	entries := []models.TimelineEntry{{Segment: seg, StartSec: 0, EndSec: 10}}

	if _, err := a.Assemble(context.Background(), "job7", clips, entries, models.ProduceRequest{DisableMusic: true}); err != nil {
		t.Fatalf("overlay failure must not fail assembly: %v", err)
	}
	if len(m.overlayBoxes) != 0 {
		t.Error("overlay applied despite image failure")
	}
}
