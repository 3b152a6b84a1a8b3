package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds runtime settings, loaded from the environment with an
// optional .env file
type Config struct {
	HTTPPort string

	// CameraSources maps camera IDs to their device addresses,
	// parsed from CAMERA_SOURCES ("front=rtsp://...,yard=/dev/video0")
	CameraSources map[string]string

	InferenceURL string
	StreamFPS    int
	FrameWidth   int
	FrameHeight  int

	MinConfidence float32
	EmitInterval  int // seconds between repeat violations per camera and identity

	DBPath      string
	SnapshotDir string
	HLSDir      string

	StartupGrace   int // seconds allowed for the pipeline's first frame
	Staleness      int // heartbeat age in seconds that marks degradation
	HealthInterval int // seconds between pipeline health checks

	InboxCapacity int // per-subscriber violation inbox size

	TelegramEnabled  bool
	TelegramBotToken string
	TelegramChatID   string
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is fine, system environment variables apply
		log.Println("[Config] No .env file found, using system environment variables")
	}

	sources, err := parseCameraSources(getEnv("CAMERA_SOURCES", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPPort:       getEnv("HTTP_PORT", "8080"),
		CameraSources:  sources,
		InferenceURL:   getEnv("INFERENCE_URL", "http://localhost:8180"),
		StreamFPS:      getEnvInt("STREAM_FPS", 25),
		FrameWidth:     getEnvInt("FRAME_WIDTH", 1280),
		FrameHeight:    getEnvInt("FRAME_HEIGHT", 720),
		MinConfidence:  getEnvFloat("MIN_CONFIDENCE", 0.5),
		EmitInterval:   getEnvInt("EMIT_INTERVAL_SEC", 30),
		DBPath:         getEnv("DB_PATH", "vigil.db"),
		SnapshotDir:    getEnv("SNAPSHOT_DIR", "detections"),
		HLSDir:         getEnv("HLS_DIR", "streams"),
		StartupGrace:   getEnvInt("STARTUP_GRACE_SEC", 2),
		Staleness:      getEnvInt("STALENESS_SEC", 10),
		HealthInterval: getEnvInt("HEALTH_INTERVAL_SEC", 1),
		InboxCapacity:  getEnvInt("INBOX_CAPACITY", 1000),

		TelegramEnabled:  getEnvBool("TELEGRAM_ENABLED", false),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}

	return cfg, nil
}

// parseCameraSources parses "id=device,id=device" pairs. An empty value
// yields an empty map; the pipeline rejects that at start time, not here,
// so the HTTP surface can still come up for status queries.
func parseCameraSources(raw string) (map[string]string, error) {
	sources := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return sources, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, device, ok := strings.Cut(pair, "=")
		id = strings.TrimSpace(id)
		device = strings.TrimSpace(device)
		if !ok || id == "" || device == "" {
			return nil, fmt.Errorf("invalid camera source entry %q, want id=device", pair)
		}
		if _, dup := sources[id]; dup {
			return nil, fmt.Errorf("duplicate camera id %q in CAMERA_SOURCES", id)
		}
		sources[id] = device
	}
	return sources, nil
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return defaultVal
}
