// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/technosupport/ts-inventory/internal/detector"
	"github.com/technosupport/ts-inventory/internal/media"
	"github.com/technosupport/ts-inventory/internal/ratelimit"
	"github.com/technosupport/ts-inventory/internal/tracking"
)

// DefaultPath is used when neither -config nor INVENTORY_CONFIG is set.
const DefaultPath = "config/default.yaml"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Detector  DetectorConfig  `yaml:"detector"`
	Labels    LabelsConfig    `yaml:"labels"`
	Sampling  SamplingConfig  `yaml:"sampling"`
	Tracking  tracking.Config `yaml:"tracking"`
	Media     MediaConfig     `yaml:"media"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MaxUploadMB     int64         `yaml:"max_upload_mb"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// WSOrigins are extra browser origins allowed on the live feed.
	WSOrigins []string `yaml:"ws_origins"`
}

// MaxUploadBytes is the request body cap handed to http.MaxBytesReader.
func (s ServerConfig) MaxUploadBytes() int64 {
	return s.MaxUploadMB << 20
}

type DetectorConfig struct {
	Backend       string  `yaml:"backend"` // onnx | remote
	ModelPath     string  `yaml:"model_path"`
	OrtLib        string  `yaml:"ort_lib"`
	NumClasses    int     `yaml:"num_classes"`
	ImgSize       int     `yaml:"imgsz"`
	ConfThreshold float32 `yaml:"conf_threshold"`
	IoUThreshold  float32 `yaml:"iou_threshold"`
	Workers       int     `yaml:"workers"`
	RemoteURL     string  `yaml:"remote_url"`
}

func (d DetectorConfig) Params() detector.Params {
	return detector.Params{
		ImgSize:       d.ImgSize,
		ConfThreshold: d.ConfThreshold,
		IoUThreshold:  d.IoUThreshold,
	}
}

// CountingDetector is the detector configuration used for counting. Its
// threshold drops to tracking.low_conf so the tracker can see weak boxes;
// the counter filters frame counts back up to detector.conf_threshold.
func (c Config) CountingDetector() DetectorConfig {
	d := c.Detector
	if lc := c.Tracking.LowConf; lc > 0 && lc < d.ConfThreshold {
		d.ConfThreshold = lc
	}
	return d
}

type LabelsConfig struct {
	Names []string `yaml:"names"`
	File  string   `yaml:"file"`
	Watch bool     `yaml:"watch"`
}

type SamplingConfig struct {
	IntervalSeconds float64 `yaml:"interval_seconds"`
	MaxFrames       int     `yaml:"max_frames"`
}

type MediaConfig struct {
	Decoder      string        `yaml:"decoder"` // ffmpeg | gocv
	TempDir      string        `yaml:"temp_dir"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type StorageConfig struct {
	DBURL          string        `yaml:"db_url"`
	RedisAddr      string        `yaml:"redis_addr"`
	LatestTTL      time.Duration `yaml:"latest_ttl"`
	NATSURL        string        `yaml:"nats_url"`
	NATSSubject    string        `yaml:"nats_subject"`
	PublishRetries int           `yaml:"publish_retries"`
	DedupCacheSize int           `yaml:"dedup_cache_size"`
	DedupTTL       time.Duration `yaml:"dedup_ttl"`
	RecentReports  int           `yaml:"recent_reports"`
}

type RateLimitConfig struct {
	GlobalIP ratelimit.LimitConfig `yaml:"global_ip"`
	Device   ratelimit.LimitConfig `yaml:"device"`
	Salt     string                `yaml:"salt"`
}

type AuthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	SigningKey string        `yaml:"signing_key"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration. YAML values are laid over it.
func Default() Config {
	p := detector.DefaultParams()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxUploadMB:     200,
			RequestTimeout:  5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Detector: DetectorConfig{
			Backend:       "onnx",
			ModelPath:     "models/best.onnx",
			ImgSize:       p.ImgSize,
			ConfThreshold: p.ConfThreshold,
			IoUThreshold:  p.IoUThreshold,
			Workers:       2,
		},
		Labels:   LabelsConfig{Names: append([]string(nil), detector.DefaultNames...)},
		Sampling: SamplingConfig{IntervalSeconds: 1},
		Tracking: tracking.DefaultConfig(),
		Media: MediaConfig{
			Decoder:      "ffmpeg",
			ProbeTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			LatestTTL:      24 * time.Hour,
			NATSSubject:    "inventory.counts",
			PublishRetries: 3,
			DedupCacheSize: 1024,
			DedupTTL:       10 * time.Minute,
			RecentReports:  1024,
		},
		RateLimit: RateLimitConfig{
			GlobalIP: ratelimit.LimitConfig{Rate: 60, Window: time.Minute},
			Device:   ratelimit.LimitConfig{Rate: 120, Window: time.Minute},
		},
		Auth: AuthConfig{TokenTTL: 365 * 24 * time.Hour},
		Log:  LogConfig{Level: "info"},
	}
}

// ResolvePath picks the config file: an explicit path, then
// INVENTORY_CONFIG, then DefaultPath.
func ResolvePath(custom string) string {
	if custom != "" {
		return custom
	}
	return getEnv("INVENTORY_CONFIG", DefaultPath)
}

// Load reads path over the defaults and applies environment overrides. A
// missing file at DefaultPath is not an error; anything else is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Storage.DBURL = getEnv("DB_URL", c.Storage.DBURL)
	c.Storage.RedisAddr = getEnv("REDIS_ADDR", c.Storage.RedisAddr)
	c.Storage.NATSURL = getEnv("NATS_URL", c.Storage.NATSURL)
	c.Detector.Backend = getEnv("DETECTOR_BACKEND", c.Detector.Backend)
	c.Detector.ModelPath = getEnv("MODEL_PATH", c.Detector.ModelPath)
	c.Detector.OrtLib = getEnv("ORT_LIB", c.Detector.OrtLib)
	c.Detector.RemoteURL = getEnv("REMOTE_DETECTOR_URL", c.Detector.RemoteURL)
	c.Detector.Workers = getEnvInt("DETECTOR_WORKERS", c.Detector.Workers)
	c.Auth.SigningKey = getEnv("DEVICE_TOKEN_KEY", c.Auth.SigningKey)
	c.RateLimit.Salt = getEnv("RATE_LIMIT_SALT", c.RateLimit.Salt)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	d := c.Detector
	if d.ImgSize <= 0 || d.ImgSize%32 != 0 {
		errs = append(errs, fmt.Errorf("detector.imgsz must be a positive multiple of 32, got %d", d.ImgSize))
	}
	if d.ConfThreshold < 0 || d.ConfThreshold > 1 {
		errs = append(errs, fmt.Errorf("detector.conf_threshold out of range [0,1]: %v", d.ConfThreshold))
	}
	if d.IoUThreshold < 0 || d.IoUThreshold > 1 {
		errs = append(errs, fmt.Errorf("detector.iou_threshold out of range [0,1]: %v", d.IoUThreshold))
	}
	if d.Workers < 0 {
		errs = append(errs, fmt.Errorf("detector.workers must not be negative"))
	}
	switch d.Backend {
	case "onnx":
	case "remote":
		if d.RemoteURL == "" {
			errs = append(errs, fmt.Errorf("detector.remote_url is required for the remote backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown detector.backend %q", d.Backend))
	}

	t := c.Tracking
	for name, v := range map[string]float32{
		"tracking.iou_threshold": t.IoUThreshold,
		"tracking.high_conf":     t.HighConf,
		"tracking.low_conf":      t.LowConf,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s out of range [0,1]: %v", name, v))
		}
	}
	if t.LowConf > t.HighConf {
		errs = append(errs, fmt.Errorf("tracking.low_conf %v exceeds high_conf %v", t.LowConf, t.HighConf))
	}
	if t.HighConf > d.ConfThreshold {
		errs = append(errs, fmt.Errorf("tracking.high_conf %v exceeds detector.conf_threshold %v: items counted per frame could never start a track", t.HighConf, d.ConfThreshold))
	}
	if t.MaxLost < 0 || t.MinHits < 0 {
		errs = append(errs, fmt.Errorf("tracking.max_lost and min_hits must not be negative"))
	}

	if c.Sampling.IntervalSeconds < 0 || c.Sampling.MaxFrames < 0 {
		errs = append(errs, fmt.Errorf("sampling values must not be negative"))
	}
	if !isRegisteredDecoder(c.Media.Decoder) {
		errs = append(errs, fmt.Errorf("unknown media.decoder %q (have %v)", c.Media.Decoder, media.Decoders()))
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_mb must be positive"))
	}
	if c.Auth.Enabled && c.Auth.SigningKey == "" {
		errs = append(errs, fmt.Errorf("auth.enabled requires auth.signing_key or DEVICE_TOKEN_KEY"))
	}
	return errors.Join(errs...)
}

func isRegisteredDecoder(name string) bool {
	if name == "" {
		return true
	}
	return slices.Contains(media.Decoders(), strings.ToLower(name))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
