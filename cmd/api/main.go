package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/anchor/internal/api"
	"github.com/bobarin/anchor/internal/config"
	"github.com/bobarin/anchor/internal/jobstore"
	"github.com/bobarin/anchor/internal/queue"
	"github.com/bobarin/anchor/internal/script"
	"github.com/bobarin/anchor/internal/services"
	"github.com/bobarin/anchor/internal/worker"
)

const sweepInterval = 5 * time.Minute

func main() {
	log.Println("Starting Anchor API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Job store with TTL sweeper
	store := jobstore.NewMemory()
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	// StartSweeper loops until the context ends, so it gets its own goroutine.
	go jobstore.StartSweeper(rootCtx, store, cfg.JobTTL, cfg.MaxRetainedJobs, sweepInterval)

	// Create API handler
	handler := api.NewHandler(store, q)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		ffmpegSvc := services.NewFFmpegService(cfg.TempDir, cfg.Output)
		fitter := services.NewAudioFitter(ffmpegSvc)
		scriptSvc := services.NewScriptGenService(cfg.OpenAIKey)
		planner := script.NewPlanner(scriptSvc, cfg.TargetSegmentSec)
		speech := services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
		lipsync := services.NewLipsyncClient(cfg.LipsyncURL, cfg.LipsyncKey)
		presenter := services.NewPresenterService(cfg.GeminiKey, cfg.VeoModel, cfg.PresenterImagePath, cfg.BaselineClipDir, ffmpegSvc)
		images := services.NewImageClient(cfg.ImageSearchURL, cfg.ImageSearchKey)
		music := services.NewMusicClient(cfg.MusicSearchURL, cfg.MusicSearchKey)

		if cfg.LipsyncRequired {
			log.Println("Lipsync engine required — sync failures fail the job")
		} else {
			log.Println("Lipsync engine optional — sync failures fall back to baseline clips")
		}

		w := worker.New(store, q, planner, speech, fitter, ffmpegSvc, lipsync, presenter, images, music, cfg)
		go w.Start(rootCtx, cfg.MaxConcurrentJobs)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop worker and sweeper before the listener so no job writes race shutdown
	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
