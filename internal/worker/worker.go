package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/anchor/internal/config"
	"github.com/bobarin/anchor/internal/jobstore"
	"github.com/bobarin/anchor/internal/models"
	"github.com/bobarin/anchor/internal/pipeline"
	"github.com/bobarin/anchor/internal/queue"
	"github.com/bobarin/anchor/internal/script"
	"github.com/bobarin/anchor/internal/services"
)

const defaultTargetNarrationSec = 60.0

// Worker dequeues production tasks and drives each job's pipeline on its own
// goroutine. It is the only writer of job records; stage components report
// back through return values, never by touching the store.
type Worker struct {
	store     jobstore.Store
	queue     *queue.Queue
	planner   *script.Planner
	speech    services.SpeechService
	fitter    *services.AudioFitter
	ffmpeg    *services.FFmpegService
	lipsync   services.LipsyncService
	presenter *services.PresenterService
	images    services.ImageService
	music     services.MusicService
	cfg       *config.Config
}

func New(
	store jobstore.Store,
	q *queue.Queue,
	planner *script.Planner,
	speech services.SpeechService,
	fitter *services.AudioFitter,
	ffmpeg *services.FFmpegService,
	lipsync services.LipsyncService,
	presenter *services.PresenterService,
	images services.ImageService,
	music services.MusicService,
	cfg *config.Config,
) *Worker {
	return &Worker{
		store:     store,
		queue:     q,
		planner:   planner,
		speech:    speech,
		fitter:    fitter,
		ffmpeg:    ffmpeg,
		lipsync:   lipsync,
		presenter: presenter,
		images:    images,
		music:     music,
		cfg:       cfg,
	}
}

// Start begins consuming the intake queue with the given concurrency.
// Each dequeued task runs its full pipeline before the goroutine polls again.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("Worker started with concurrency: %d", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.consume(ctx)
	}

	<-ctx.Done()
	log.Println("Worker shutting down...")
}

func (w *Worker) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			task, err := w.queue.Dequeue(ctx, 5*time.Second)
			if err != nil {
				log.Printf("Error dequeuing: %v", err)
				continue
			}
			if task == nil {
				continue
			}

			log.Printf("Processing job %s (topic: %q)", task.JobID, task.Request.Topic)
			if err := w.process(ctx, task); err != nil {
				log.Printf("Job %s failed: %v", task.JobID, err)
				w.fail(ctx, task.JobID, err)
			} else {
				log.Printf("Job %s completed", task.JobID)
			}
		}
	}
}

// process drives one job through the stages in order: plan, converge,
// timeline, render, assemble. Stages are strictly sequential; each one's
// output feeds the next.
func (w *Worker) process(ctx context.Context, task *queue.Task) error {
	jobID := task.JobID
	req := task.Request

	if terminal := w.setRunning(ctx, jobID); terminal {
		return nil
	}

	target := defaultTargetNarrationSec
	if req.TargetSeconds != nil && *req.TargetSeconds > 0 {
		target = *req.TargetSeconds
	}
	topics := []models.Topic{{Source: "request", Label: req.Topic}}

	// Plan
	scr, caps, err := w.planner.Generate(ctx, topics, target, req.ToneHints)
	if err != nil {
		return err
	}
	w.progress(ctx, jobID, 15, models.Metadata{"title": scr.Title, "segments": len(scr.Segments)})

	// Converge
	converger := pipeline.NewConverger(w.speech, w.fitter, w.ffmpeg, w.planner, pipeline.ConvergenceConfig{
		TargetSec:       target,
		TempoMin:        w.cfg.TempoMin,
		TempoMax:        w.cfg.TempoMax,
		MaxRewrites:     w.cfg.MaxRewrites,
		VoiceSpeedBoost: w.cfg.VoiceSpeedBoost,
		Voice:           services.DefaultVoiceParams(),
	})
	conv, err := converger.Run(ctx, jobID.String(), scr, topics, caps, req.VoiceTrackPath)
	if err != nil {
		return err
	}
	w.progress(ctx, jobID, 40, models.Metadata{
		"tempo_factor": conv.GlobalFactor,
		"rewrites":     conv.Rewrites,
	})

	// Timeline
	introDur := 0.0
	if w.cfg.IntroPath != "" {
		introDur = w.cfg.IntroDurationSec
	}
	builder := pipeline.NewTimelineBuilder(w.ffmpeg, w.fitter, w.images, pipeline.TimelineConfig{
		PresenterRatio:   w.cfg.PresenterRatio,
		IntroDurationSec: introDur,
		TempoMin:         w.cfg.TempoMin,
		TempoMax:         w.cfg.TempoMax,
	})
	entries, err := builder.Build(ctx, jobID.String(), scr, conv, target)
	if err != nil {
		w.ffmpeg.Cleanup(conv.CleanPaths...)
		return err
	}
	defer func() {
		for _, e := range entries {
			w.ffmpeg.Cleanup(e.AudioPath)
		}
	}()
	w.progress(ctx, jobID, 50, nil)

	// Render
	renderer := pipeline.NewRenderer(w.ffmpeg, w.lipsync, w.presenter, w.images, pipeline.RendererConfig{
		LipsyncRequired:  w.cfg.LipsyncRequired,
		MaxConcurrent:    2,
		MontageMinImages: w.cfg.MontageMinImages,
		MontageMaxImages: w.cfg.MontageMaxImages,
	})
	clips, err := renderer.RenderAll(ctx, jobID.String(), entries)
	if err != nil {
		return err
	}
	w.progress(ctx, jobID, 80, nil)

	// Assemble
	assembler := pipeline.NewAssembler(w.ffmpeg, w.music, w.images, w.images, pipeline.AssemblerConfig{
		IntroPath:        w.cfg.IntroPath,
		OutroPath:        w.cfg.OutroPath,
		OutputDir:        w.cfg.OutputDir,
		DefaultMusicPath: w.cfg.DefaultMusicPath,
		FallbackTags:     req.ToneHints,
		Duck: services.DuckParams{
			Threshold:   w.cfg.DuckThreshold,
			Ratio:       w.cfg.DuckRatio,
			AttackMs:    w.cfg.DuckAttackMs,
			ReleaseMs:   w.cfg.DuckReleaseMs,
			MakeupGain:  1.0,
			MusicGainDB: w.cfg.MusicGainDB,
		},
		MinMasterW: w.cfg.MinMasterW,
		MinMasterH: w.cfg.MinMasterH,
	})
	master, err := assembler.Assemble(ctx, jobID.String(), clips, entries, req)
	if err != nil {
		w.ffmpeg.Cleanup(clips...)
		return err
	}

	return w.complete(ctx, jobID, master)
}

// setRunning flips the job to running. Returns true when the job already
// reached a terminal status (aborted while queued) and must not run.
func (w *Worker) setRunning(ctx context.Context, jobID uuid.UUID) bool {
	terminal := false
	_, err := w.store.Update(ctx, jobID, func(j *models.Job) {
		if j.Status.Terminal() {
			terminal = true
			return
		}
		j.Status = models.JobStatusRunning
		j.ProgressPct = 5
	})
	if err != nil {
		log.Printf("Job %s not in store: %v", jobID, err)
		return true
	}
	return terminal
}

func (w *Worker) progress(ctx context.Context, jobID uuid.UUID, pct int, meta models.Metadata) {
	_, err := w.store.Update(ctx, jobID, func(j *models.Job) {
		if j.Status.Terminal() {
			return
		}
		j.ProgressPct = pct
		if meta != nil {
			if j.Metadata == nil {
				j.Metadata = models.Metadata{}
			}
			for k, v := range meta {
				j.Metadata[k] = v
			}
		}
	})
	if err != nil {
		log.Printf("Failed to update job %s progress: %v", jobID, err)
	}
}

func (w *Worker) complete(ctx context.Context, jobID uuid.UUID, master string) error {
	_, err := w.store.Update(ctx, jobID, func(j *models.Job) {
		j.Status = models.JobStatusCompleted
		j.ProgressPct = 100
		j.FinalOutputRef = master
	})
	return err
}

func (w *Worker) fail(ctx context.Context, jobID uuid.UUID, jobErr error) {
	_, err := w.store.Update(ctx, jobID, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.ErrorMessage = jobErr.Error()
	})
	if err != nil {
		log.Printf("Failed to mark job %s failed: %v", jobID, err)
	}
}

// producer is the enqueue side of the intake queue.
type producer interface {
	EnqueueProduce(ctx context.Context, jobID uuid.UUID, req models.ProduceRequest) error
}

// Enqueue registers a new job and pushes it onto the intake queue.
func Enqueue(ctx context.Context, store jobstore.Store, q producer, req models.ProduceRequest) (*models.Job, error) {
	now := time.Now()
	job := &models.Job{
		ID:        uuid.New(),
		Status:    models.JobStatusQueued,
		Topic:     req.Topic,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Put(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to store job: %w", err)
	}
	if err := q.EnqueueProduce(ctx, job.ID, req); err != nil {
		store.Delete(ctx, job.ID)
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job, nil
}
