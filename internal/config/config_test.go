package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/technosupport/ts-inventory/internal/detector"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAMLAndEnv(t *testing.T) {
	path := writeFile(t, t.TempDir(), "c.yaml", `
server:
  addr: ":9000"
  max_upload_mb: 50
detector:
  imgsz: 640
  conf_threshold: 0.4
sampling:
  interval_seconds: 2.5
storage:
  latest_ttl: 1h
ratelimit:
  global_ip:
    rate: 5
    window: 10s
`)
	t.Setenv("PORT", "7070")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, int64(50)<<20, cfg.Server.MaxUploadBytes())
	assert.Equal(t, 640, cfg.Detector.ImgSize)
	assert.InDelta(t, 0.4, cfg.Detector.ConfThreshold, 1e-6)
	// Unset keys keep their defaults.
	assert.InDelta(t, 0.7, cfg.Detector.IoUThreshold, 1e-6)
	assert.Equal(t, 2.5, cfg.Sampling.IntervalSeconds)
	assert.Equal(t, time.Hour, cfg.Storage.LatestTTL)
	assert.Equal(t, 5, cfg.RateLimit.GlobalIP.Rate)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.GlobalIP.Window)
	assert.Equal(t, "redis:6379", cfg.Storage.RedisAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, detector.DefaultNames, cfg.Labels.Names)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "x.yaml", ResolvePath("x.yaml"))
	t.Setenv("INVENTORY_CONFIG", "/etc/inv.yaml")
	assert.Equal(t, "/etc/inv.yaml", ResolvePath(""))
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"imgsz not multiple of 32": func(c *Config) { c.Detector.ImgSize = 300 },
		"imgsz zero":               func(c *Config) { c.Detector.ImgSize = 0 },
		"conf above one":           func(c *Config) { c.Detector.ConfThreshold = 1.5 },
		"iou negative":             func(c *Config) { c.Detector.IoUThreshold = -0.1 },
		"unknown backend":          func(c *Config) { c.Detector.Backend = "tflite" },
		"remote without url":       func(c *Config) { c.Detector.Backend = "remote" },
		"unknown decoder":          func(c *Config) { c.Media.Decoder = "vlc" },
		"negative interval":        func(c *Config) { c.Sampling.IntervalSeconds = -1 },
		"negative max frames":      func(c *Config) { c.Sampling.MaxFrames = -1 },
		"low above high":           func(c *Config) { c.Tracking.LowConf = 0.9 },
		"high above detector conf": func(c *Config) { c.Tracking.HighConf = 0.5 },
		"auth without key":         func(c *Config) { c.Auth.Enabled = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Detector.Backend = "remote"
	cfg.Detector.RemoteURL = "http://detector:9000"
	assert.NoError(t, cfg.Validate())
}

func TestCountingDetector(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.InDelta(t, cfg.Tracking.LowConf, cfg.CountingDetector().ConfThreshold, 1e-6)
	assert.InDelta(t, 0.25, cfg.Detector.ConfThreshold, 1e-6, "the base config is untouched")

	cfg.Tracking.LowConf = 0.4
	cfg.Tracking.HighConf = 0.4
	cfg.Detector.ConfThreshold = 0.4
	assert.InDelta(t, 0.4, cfg.CountingDetector().ConfThreshold, 1e-6)
}

func TestParseLabels(t *testing.T) {
	names, err := ParseLabels([]byte("# shelf set\nChips\n\n  Ice Cream \nNoodles\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Chips", "Ice Cream", "Noodles"}, names)

	_, err = ParseLabels([]byte("\n# nothing\n"))
	assert.ErrorIs(t, err, ErrEmptyLabels)
}

func TestLabelWatcherReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "labels.txt", "A\nB\n")
	labels := detector.NewLabels(nil)
	w := NewLabelWatcher(path, labels, zap.NewNop())

	require.NoError(t, w.Reload())
	assert.Equal(t, []string{"A", "B"}, labels.Names())

	writeFile(t, dir, "labels.txt", "\n")
	assert.Error(t, w.Reload())
	assert.Equal(t, []string{"A", "B"}, labels.Names())
}

func TestLabelWatcherReloadIfChanged(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "labels.txt", "A\n")
	labels := detector.NewLabels(nil)
	w := NewLabelWatcher(path, labels, zap.NewNop())
	require.NoError(t, w.Reload())

	// Same mtime: the table is left alone even if swapped in memory.
	labels.Replace([]string{"manual"})
	require.NoError(t, w.ReloadIfChanged())
	assert.Equal(t, []string{"manual"}, labels.Names())

	writeFile(t, dir, "labels.txt", "X\nY\n")
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))
	require.NoError(t, w.ReloadIfChanged())
	assert.Equal(t, []string{"X", "Y"}, labels.Names())
}

func TestLabelWatcherRun(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "labels.txt", "A\n")
	labels := detector.NewLabels([]string{"A"})
	w := NewLabelWatcher(path, labels, zap.NewNop())
	w.PollInterval = 50 * time.Millisecond
	w.Debounce = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	writeFile(t, dir, "labels.txt", "Chips\nSoda\n")
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.Eventually(t, func() bool {
		return labels.Name(1) == "Soda"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
