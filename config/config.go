package config

import (
	"os"
	"strconv"
	"time"
)

// Defaults for every tunable. All of them can be overridden through the
// environment, see FromEnv.
const (
	DefaultAddr           = ":8080"
	DefaultInputWidth     = 640
	DefaultInputHeight    = 640
	DefaultNumClasses     = 80
	DefaultConfThreshold  = 0.10
	DefaultIoUThreshold   = 0.45
	DefaultMatchThreshold = 0.3
	DefaultTrackExpiry    = 10 * time.Second
	DefaultTargetFPS      = 10
	DefaultMaxClients     = 10
	DefaultFilterLabel    = "bottle"
	DefaultPoolSize       = 2
)

// Config is an immutable snapshot of server tuning, built once at startup
// and passed by value into every component that needs it.
type Config struct {
	Addr      string
	ModelPath string
	LibPath   string

	InputWidth  int
	InputHeight int
	NumClasses  int

	// ConfThreshold rejects predictions before NMS; IoUThreshold is the
	// NMS overlap cutoff.
	ConfThreshold float64
	IoUThreshold  float64

	// Tracker tuning.
	MatchThreshold float64
	TrackExpiry    time.Duration

	// Streaming.
	TargetFPS  int
	MaxClients int

	// FilterLabel is the label matched by the filtered detect endpoint.
	FilterLabel string

	// PoolSize bounds concurrent inference sessions and doubles as the
	// stream worker count.
	PoolSize int

	Debug bool
}

// FromEnv builds a Config from defaults overridden by environment
// variables.
func FromEnv() Config {
	return Config{
		Addr:           envString("ADDR", DefaultAddr),
		ModelPath:      envString("MODEL_PATH", "models/yolov8n.onnx"),
		LibPath:        envString("ONNXRUNTIME_SHARED_LIBRARY_PATH", ""),
		InputWidth:     envInt("INPUT_WIDTH", DefaultInputWidth),
		InputHeight:    envInt("INPUT_HEIGHT", DefaultInputHeight),
		NumClasses:     envInt("NUM_CLASSES", DefaultNumClasses),
		ConfThreshold:  envFloat("CONF_THRESHOLD", DefaultConfThreshold),
		IoUThreshold:   envFloat("NMS_IOU_THRESHOLD", DefaultIoUThreshold),
		MatchThreshold: envFloat("TRACK_MATCH_THRESHOLD", DefaultMatchThreshold),
		TrackExpiry:    envDuration("TRACK_EXPIRY_MS", DefaultTrackExpiry),
		TargetFPS:      envInt("TARGET_FPS", DefaultTargetFPS),
		MaxClients:     envInt("MAX_CLIENTS", DefaultMaxClients),
		FilterLabel:    envString("FILTER_LABEL", DefaultFilterLabel),
		PoolSize:       envInt("POOL_SIZE", DefaultPoolSize),
		Debug:          os.Getenv("DEBUG") == "true",
	}
}

// FrameInterval is the minimum spacing between accepted streamed frames.
func (c Config) FrameInterval() time.Duration {
	if c.TargetFPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.TargetFPS)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
