package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Recognition RecognitionConfig
	Debounce    DebounceConfig
	Capture     CaptureConfig
	Sync        SyncConfig
	Camera      CameraConfig
	Encoder     EncoderConfig
	Sheet       SheetConfig
	Database    DatabaseConfig
	Web         WebConfig
	Timezone    string
}

type RecognitionConfig struct {
	// MatchThreshold is the cosine distance below which an observation
	// is accepted as a known identity.
	MatchThreshold float64 `yaml:"match_threshold"`
	EmbeddingDim   int     `yaml:"embedding_dim"`
}

type DebounceConfig struct {
	// Count is the number of qualifying matches required within Window
	// before a candidate is marked present.
	Count  int           `yaml:"count"`
	Window time.Duration `yaml:"window"`
}

type CaptureConfig struct {
	FramesPerSecond int `yaml:"frames_per_second"`
	QueueSize       int `yaml:"queue_size"`
}

type SyncConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	SinkTimeout time.Duration `yaml:"sink_timeout"`
}

type CameraConfig struct {
	SnapshotURL string // HTTP snapshot endpoint of the IP camera
}

type EncoderConfig struct {
	URL string // face detection + embedding service, defaults to http://localhost:8000
}

type SheetConfig struct {
	URL   string // attendance sheet webservice base URL
	Token string // bearer token for the sheet webservice
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL (optional, in-memory only if empty)
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type WebConfig struct {
	Host string
	Port int
}

// defaultsFile mirrors the structure of the embedded defaults.yaml.
type defaultsFile struct {
	Recognition RecognitionConfig `yaml:"recognition"`
	Debounce    DebounceConfig    `yaml:"debounce"`
	Capture     CaptureConfig     `yaml:"capture"`
	Sync        SyncConfig        `yaml:"sync"`
}

// envReader reads typed environment variables. A set value always wins over
// the default, even when it is out of range, so Validate can reject it
// instead of the process silently running with a default. Only the first
// parse error is kept.
type envReader struct {
	err error
}

func (r *envReader) fail(key, value, want string) {
	if r.err == nil {
		r.err = fmt.Errorf("%s: cannot parse %q as %s", key, value, want)
	}
}

func (r *envReader) Int(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		r.fail(key, s, "integer")
		return defaultVal
	}
	return n
}

func (r *envReader) Float(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		r.fail(key, s, "number")
		return defaultVal
	}
	return f
}

func (r *envReader) Duration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		r.fail(key, s, "duration")
		return defaultVal
	}
	return d
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() (*Config, error) {
	var defaults defaultsFile
	if err := yaml.Unmarshal(defaultsYAML, &defaults); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	var env envReader
	cfg := &Config{
		Recognition: RecognitionConfig{
			MatchThreshold: env.Float("MATCH_THRESHOLD", defaults.Recognition.MatchThreshold),
			EmbeddingDim:   env.Int("EMBEDDING_DIM", defaults.Recognition.EmbeddingDim),
		},
		Debounce: DebounceConfig{
			Count:  env.Int("DEBOUNCE_COUNT", defaults.Debounce.Count),
			Window: env.Duration("DEBOUNCE_WINDOW", defaults.Debounce.Window),
		},
		Capture: CaptureConfig{
			FramesPerSecond: env.Int("CAPTURE_FPS", defaults.Capture.FramesPerSecond),
			QueueSize:       env.Int("FRAME_QUEUE_SIZE", defaults.Capture.QueueSize),
		},
		Sync: SyncConfig{
			MaxAttempts: env.Int("SYNC_MAX_ATTEMPTS", defaults.Sync.MaxAttempts),
			BackoffBase: env.Duration("SYNC_BACKOFF_BASE", defaults.Sync.BackoffBase),
			BackoffCap:  env.Duration("SYNC_BACKOFF_CAP", defaults.Sync.BackoffCap),
			SinkTimeout: env.Duration("SINK_TIMEOUT", defaults.Sync.SinkTimeout),
		},
		Camera: CameraConfig{
			SnapshotURL: os.Getenv("CAMERA_URL"),
		},
		Encoder: EncoderConfig{
			URL: os.Getenv("ENCODER_URL"),
		},
		Sheet: SheetConfig{
			URL:   os.Getenv("SHEET_URL"),
			Token: os.Getenv("SHEET_TOKEN"),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: env.Int("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: env.Int("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Web: WebConfig{
			Host: envString("WEB_HOST", "0.0.0.0"),
			Port: env.Int("WEB_PORT", 8080),
		},
		Timezone: envString("ATTENDANCE_TIMEZONE", "Local"),
	}
	if env.err != nil {
		return nil, env.err
	}
	return cfg, nil
}

// Location resolves the configured attendance timezone. Session dates are
// always computed in this location so midnight rollover is unambiguous.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid ATTENDANCE_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks every tunable against its documented range. It is called
// once at startup so bad values fail fast instead of mid-run.
func (c *Config) Validate() error {
	if c.Recognition.MatchThreshold <= 0 || c.Recognition.MatchThreshold > 1 {
		return fmt.Errorf("MATCH_THRESHOLD must be in (0, 1], got %g", c.Recognition.MatchThreshold)
	}
	if c.Recognition.EmbeddingDim < 8 {
		return fmt.Errorf("EMBEDDING_DIM must be at least 8, got %d", c.Recognition.EmbeddingDim)
	}
	if c.Debounce.Count < 1 {
		return fmt.Errorf("DEBOUNCE_COUNT must be at least 1, got %d", c.Debounce.Count)
	}
	if c.Debounce.Window <= 0 {
		return fmt.Errorf("DEBOUNCE_WINDOW must be positive, got %s", c.Debounce.Window)
	}
	if c.Capture.QueueSize < 1 {
		return fmt.Errorf("FRAME_QUEUE_SIZE must be at least 1, got %d", c.Capture.QueueSize)
	}
	if c.Capture.FramesPerSecond < 1 || c.Capture.FramesPerSecond > 60 {
		return fmt.Errorf("CAPTURE_FPS must be between 1 and 60, got %d", c.Capture.FramesPerSecond)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.BackoffBase <= 0 {
		return fmt.Errorf("SYNC_BACKOFF_BASE must be positive, got %s", c.Sync.BackoffBase)
	}
	if c.Sync.BackoffCap < c.Sync.BackoffBase {
		return fmt.Errorf("SYNC_BACKOFF_CAP (%s) must not be smaller than SYNC_BACKOFF_BASE (%s)",
			c.Sync.BackoffCap, c.Sync.BackoffBase)
	}
	if c.Sync.SinkTimeout <= 0 {
		return fmt.Errorf("SINK_TIMEOUT must be positive, got %s", c.Sync.SinkTimeout)
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("DATABASE_MAX_OPEN_CONNS must be at least 1, got %d", c.Database.MaxOpenConns)
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("DATABASE_MAX_IDLE_CONNS must not be negative, got %d", c.Database.MaxIdleConns)
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("WEB_PORT must be between 1 and 65535, got %d", c.Web.Port)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
