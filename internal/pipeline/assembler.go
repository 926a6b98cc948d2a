package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/bobarin/anchor/internal/models"
	"github.com/bobarin/anchor/internal/retry"
	"github.com/bobarin/anchor/internal/services"
)

// ---------------------------------------------------------------------------
// Assembler / finalizer.
// Concatenates intro + segment clips + outro with a re-encoding filter
// concat, applies time-boxed overlays, mixes the ducked music bed, and runs
// the single mastering encode.
// ---------------------------------------------------------------------------

const overlayMaxWidthFrac = 0.4

// assembleMedia is the slice of the media engine the assembler needs.
type assembleMedia interface {
	ConcatReencode(ctx context.Context, clipPaths []string, outputPath string) error
	OverlayImage(ctx context.Context, videoPath, imagePath, outputPath string, startSec, endSec, maxWidthFrac float64) error
	MixMusicDucked(ctx context.Context, videoPath, musicPath, outputPath string, duck services.DuckParams) error
	FinalizeMaster(ctx context.Context, inputPath, outputPath string, durationSec float64, minW, minH int) error
	ProbeDuration(ctx context.Context, path string) (float64, error)
	CreateTempFile(filename string) string
	Cleanup(paths ...string)
}

// musicResolver is the catalog interface (search + download).
type musicResolver interface {
	Search(ctx context.Context, tags []string) ([]services.MusicTrack, error)
	Download(ctx context.Context, audioURL, destPath string) error
}

type AssemblerConfig struct {
	IntroPath        string
	OutroPath        string
	OutputDir        string
	DefaultMusicPath string
	FallbackTags     []string // catalog search tags when nothing else resolves
	Duck             services.DuckParams
	MinMasterW       int
	MinMasterH       int
}

type Assembler struct {
	media  assembleMedia
	music  musicResolver
	images imageResolver
	fetch  imageFetcher
	cfg    AssemblerConfig
}

func NewAssembler(media assembleMedia, music musicResolver, images imageResolver, fetch imageFetcher, cfg AssemblerConfig) *Assembler {
	if len(cfg.FallbackTags) == 0 {
		cfg.FallbackTags = []string{"cinematic", "background"}
	}
	return &Assembler{media: media, music: music, images: images, fetch: fetch, cfg: cfg}
}

// Assemble builds the final master from the rendered segment clips. Returns
// the master file path.
func (a *Assembler) Assemble(ctx context.Context, jobID string, clips []string, entries []models.TimelineEntry, req models.ProduceRequest) (string, error) {
	if len(clips) == 0 {
		return "", retry.Terminal(fmt.Errorf("no clips to assemble"))
	}

	full := make([]string, 0, len(clips)+2)
	if a.cfg.IntroPath != "" {
		full = append(full, a.cfg.IntroPath)
	}
	full = append(full, clips...)
	if a.cfg.OutroPath != "" {
		full = append(full, a.cfg.OutroPath)
	}

	concat := a.media.CreateTempFile(fmt.Sprintf("%s_concat.mp4", jobID))
	if err := a.media.ConcatReencode(ctx, full, concat); err != nil {
		return "", retry.Terminal(fmt.Errorf("concat failed: %w", err))
	}
	a.media.Cleanup(clips...)

	current := a.applyOverlays(ctx, jobID, concat, entries)

	if !req.DisableMusic {
		musicPath, err := a.resolveMusic(ctx, jobID, req)
		if err != nil {
			a.media.Cleanup(current)
			return "", retry.Terminal(fmt.Errorf("background music could not be resolved: %w (pass disable_music to skip the bed)", err))
		}
		mixed := a.media.CreateTempFile(fmt.Sprintf("%s_mixed.mp4", jobID))
		if err := a.media.MixMusicDucked(ctx, current, musicPath, mixed, a.cfg.Duck); err != nil {
			a.media.Cleanup(current)
			return "", retry.Terminal(fmt.Errorf("music mix failed: %w", err))
		}
		a.media.Cleanup(current)
		current = mixed
	}

	dur, err := a.media.ProbeDuration(ctx, current)
	if err != nil {
		a.media.Cleanup(current)
		return "", fmt.Errorf("failed to probe assembled video: %w", err)
	}

	master := filepath.Join(a.cfg.OutputDir, fmt.Sprintf("%s.mp4", jobID))
	if err := os.MkdirAll(a.cfg.OutputDir, 0755); err != nil {
		a.media.Cleanup(current)
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := a.media.FinalizeMaster(ctx, current, master, dur, a.cfg.MinMasterW, a.cfg.MinMasterH); err != nil {
		a.media.Cleanup(current)
		return "", retry.Terminal(fmt.Errorf("final encode failed: %w", err))
	}
	a.media.Cleanup(current)

	log.Printf("[Assembler] master ready: %s (%.2fs)", master, dur)
	return master, nil
}

// applyOverlays burns each segment's overlay cue into the concatenated video.
// Overlay failures are cosmetic and never fail the job.
func (a *Assembler) applyOverlays(ctx context.Context, jobID, videoPath string, entries []models.TimelineEntry) string {
	if a.images == nil || a.fetch == nil {
		return videoPath
	}

	current := videoPath
	n := 0
	for _, entry := range entries {
		for _, cue := range entry.Segment.Overlays {
			start := entry.StartSec + cue.StartSec
			end := entry.StartSec + cue.EndSec
			if end <= start || end > entry.EndSec {
				end = entry.EndSec
			}

			imgPath, err := a.fetchOverlayImage(ctx, jobID, n, cue.Query)
			if err != nil {
				log.Printf("[Assembler] overlay %d (%q) skipped: %v", n, cue.Query, err)
				continue
			}

			out := a.media.CreateTempFile(fmt.Sprintf("%s_overlay%d.mp4", jobID, n))
			if err := a.media.OverlayImage(ctx, current, imgPath, out, start, end, overlayMaxWidthFrac); err != nil {
				log.Printf("[Assembler] overlay %d (%q) failed: %v", n, cue.Query, err)
				a.media.Cleanup(imgPath)
				continue
			}
			a.media.Cleanup(current, imgPath)
			current = out
			n++
		}
	}
	return current
}

func (a *Assembler) fetchOverlayImage(ctx context.Context, jobID string, n int, query string) (string, error) {
	urls, err := a.images.Search(ctx, query, 1)
	if err != nil {
		return "", err
	}
	if len(urls) == 0 {
		return "", fmt.Errorf("no image found for %q", query)
	}
	imgPath := a.media.CreateTempFile(fmt.Sprintf("%s_ovimg%d.jpg", jobID, n))
	if err := a.fetch.Download(ctx, urls[0], imgPath); err != nil {
		return "", err
	}
	return imgPath, nil
}

// resolveMusic walks the three-tier fallback: explicit request, operator
// default, catalog search. All three failing is a hard error for the job.
func (a *Assembler) resolveMusic(ctx context.Context, jobID string, req models.ProduceRequest) (string, error) {
	if req.MusicRequest != "" {
		path, err := a.searchAndDownload(ctx, jobID, []string{req.MusicRequest})
		if err == nil {
			return path, nil
		}
		log.Printf("[Assembler] requested music %q unresolvable: %v", req.MusicRequest, err)
	}

	if a.cfg.DefaultMusicPath != "" {
		if info, err := os.Stat(a.cfg.DefaultMusicPath); err == nil && info.Size() > 0 {
			return a.cfg.DefaultMusicPath, nil
		}
		log.Printf("[Assembler] default music %q unavailable", a.cfg.DefaultMusicPath)
	}

	path, err := a.searchAndDownload(ctx, jobID, a.cfg.FallbackTags)
	if err != nil {
		return "", fmt.Errorf("no track from request, default, or catalog: %w", err)
	}
	return path, nil
}

func (a *Assembler) searchAndDownload(ctx context.Context, jobID string, tags []string) (string, error) {
	if a.music == nil {
		return "", fmt.Errorf("no music catalog configured")
	}
	tracks, err := a.music.Search(ctx, tags)
	if err != nil {
		return "", err
	}
	if len(tracks) == 0 {
		return "", fmt.Errorf("catalog returned no candidates for %v", tags)
	}
	dest := a.media.CreateTempFile(fmt.Sprintf("%s_music.mp3", jobID))
	if err := a.music.Download(ctx, tracks[0].AudioURL, dest); err != nil {
		return "", err
	}
	return dest, nil
}
