package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bobarin/anchor/internal/models"
	"github.com/joho/godotenv"
)

// Config is the immutable pipeline configuration, constructed once at startup
// and passed explicitly down the call chain. No ambient globals.
type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Redis (job intake queue)
	RedisURL string

	// OpenAI (script generation and rewrites)
	OpenAIKey string

	// ElevenLabs (speech synthesis)
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	// Gemini / Veo (baseline presenter motion clips)
	GeminiKey          string
	VeoModel           string
	PresenterImagePath string // still portrait used to seed baseline clips
	BaselineClipDir    string // where expression-tagged baseline clips live

	// Lipsync engine
	LipsyncURL      string
	LipsyncKey      string
	LipsyncRequired bool

	// Image acquisition
	ImageSearchURL string
	ImageSearchKey string

	// Music catalog
	MusicSearchURL   string
	MusicSearchKey   string
	DefaultMusicPath string // operator default track (tier 2 of music resolution)

	// Media
	TempDir    string
	OutputDir  string
	IntroPath  string
	OutroPath  string
	Output     models.OutputConfig
	MinMasterW int // minimum mastered resolution (pad up, preserve aspect)
	MinMasterH int

	// Convergence
	TargetSegmentSec float64 // per-segment narration target length
	MaxRewrites      int
	TempoMin         float64 // global tempo safety band
	TempoMax         float64
	VoiceSpeedBoost  float64 // fixed multiplier folded into the tempo factor (1.0 = off)

	// Timeline / render
	IntroDurationSec float64
	PresenterRatio   float64
	MontageMinImages int
	MontageMaxImages int

	// Music ducking
	DuckThreshold float64 // sidechain threshold (linear)
	DuckRatio     float64
	DuckAttackMs  float64
	DuckReleaseMs float64
	MusicGainDB   float64 // makeup/level for the music bed

	// Jobs
	MaxConcurrentJobs int
	JobTTL            time.Duration
	MaxRetainedJobs   int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	width := getEnvInt("OUTPUT_WIDTH", 1920)
	height := getEnvInt("OUTPUT_HEIGHT", 1080)
	fps := getEnvInt("OUTPUT_FPS", 30)
	aspect := getEnv("OUTPUT_ASPECT", "16:9")

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		OpenAIKey:          getEnv("OPENAI_API_KEY", ""),
		ElevenLabsKey:      getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:  getEnv("ELEVENLABS_VOICE_ID", ""),
		GeminiKey:          getEnv("GEMINI_API_KEY", ""),
		VeoModel:           getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		PresenterImagePath: getEnv("PRESENTER_IMAGE_PATH", "assets/presenter/portrait.png"),
		BaselineClipDir:    getEnv("BASELINE_CLIP_DIR", "assets/presenter/baselines"),
		LipsyncURL:         getEnv("LIPSYNC_API_URL", "https://api.sync.so/v2"),
		LipsyncKey:         getEnv("LIPSYNC_API_KEY", ""),
		LipsyncRequired:    getEnvBool("LIPSYNC_REQUIRED", true),
		ImageSearchURL:     getEnv("IMAGE_SEARCH_URL", "https://api.pexels.com/v1"),
		ImageSearchKey:     getEnv("IMAGE_SEARCH_KEY", ""),
		MusicSearchURL:     getEnv("MUSIC_SEARCH_URL", ""),
		MusicSearchKey:     getEnv("MUSIC_SEARCH_KEY", ""),
		DefaultMusicPath:   getEnv("DEFAULT_MUSIC_PATH", "assets/music/bed.mp3"),
		TempDir:            getEnv("TEMP_DIR", "/tmp/anchor"),
		OutputDir:          getEnv("OUTPUT_DIR", "out"),
		IntroPath:          getEnv("INTRO_PATH", ""),
		OutroPath:          getEnv("OUTRO_PATH", ""),
		Output:             models.NewOutputConfig(width, height, fps, aspect),
		MinMasterW:         getEnvInt("MIN_MASTER_WIDTH", 1280),
		MinMasterH:         getEnvInt("MIN_MASTER_HEIGHT", 720),
		TargetSegmentSec:   getEnvFloat("TARGET_SEGMENT_SEC", 10.0),
		MaxRewrites:        getEnvInt("MAX_REWRITES", 2),
		TempoMin:           getEnvFloat("TEMPO_MIN", 0.97),
		TempoMax:           getEnvFloat("TEMPO_MAX", 1.05),
		VoiceSpeedBoost:    getEnvFloat("VOICE_SPEED_BOOST", 1.0),
		IntroDurationSec:   getEnvFloat("INTRO_DURATION_SEC", 0),
		PresenterRatio:     getEnvFloat("PRESENTER_RATIO", 0.5),
		MontageMinImages:   getEnvInt("MONTAGE_MIN_IMAGES", 1),
		MontageMaxImages:   getEnvInt("MONTAGE_MAX_IMAGES", 4),
		DuckThreshold:      getEnvFloat("DUCK_THRESHOLD", 0.05),
		DuckRatio:          getEnvFloat("DUCK_RATIO", 8),
		DuckAttackMs:       getEnvFloat("DUCK_ATTACK_MS", 50),
		DuckReleaseMs:      getEnvFloat("DUCK_RELEASE_MS", 600),
		MusicGainDB:        getEnvFloat("MUSIC_GAIN_DB", -14),
		MaxConcurrentJobs:  getEnvInt("MAX_CONCURRENT_JOBS", 3),
		JobTTL:             getEnvDuration("JOB_TTL", 2*time.Hour),
		MaxRetainedJobs:    getEnvInt("MAX_RETAINED_JOBS", 200),
	}

	// Validate required fields — missing credentials fail before any job
	// can reach "running".
	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	if cfg.ElevenLabsKey == "" {
		return nil, fmt.Errorf("ELEVENLABS_API_KEY is required")
	}

	if cfg.LipsyncRequired && cfg.LipsyncKey == "" {
		return nil, fmt.Errorf("LIPSYNC_API_KEY is required when LIPSYNC_REQUIRED=true")
	}

	if cfg.TempoMin <= 0 || cfg.TempoMax < cfg.TempoMin {
		return nil, fmt.Errorf("invalid tempo band [%v, %v]", cfg.TempoMin, cfg.TempoMax)
	}

	if cfg.PresenterRatio < 0 || cfg.PresenterRatio > 1 {
		return nil, fmt.Errorf("PRESENTER_RATIO must be in [0, 1], got %v", cfg.PresenterRatio)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
