package config

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/technosupport/ts-inventory/internal/detector"
)

var ErrEmptyLabels = errors.New("labels file has no names")

// ParseLabels reads one class name per line, in class-id order. Blank lines
// and lines starting with # are skipped.
func ParseLabels(data []byte) ([]string, error) {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrEmptyLabels
	}
	return names, nil
}

func LoadLabelsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseLabels(data)
}

// LabelWatcher keeps a Labels table in step with a file on disk. fsnotify
// drives reloads; a slow poll on mtime backs it up for filesystems that do
// not deliver events.
type LabelWatcher struct {
	path   string
	labels *detector.Labels
	log    *zap.Logger

	PollInterval time.Duration
	Debounce     time.Duration

	mu      sync.Mutex
	modTime time.Time
}

func NewLabelWatcher(path string, labels *detector.Labels, log *zap.Logger) *LabelWatcher {
	return &LabelWatcher{
		path:         path,
		labels:       labels,
		log:          log.Named("labels"),
		PollInterval: 60 * time.Second,
		Debounce:     100 * time.Millisecond,
	}
}

// Reload reads the file and swaps the table. On error the previous table
// stays in place.
func (w *LabelWatcher) Reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloadLocked()
}

func (w *LabelWatcher) reloadLocked() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("stat labels: %w", err)
	}
	names, err := LoadLabelsFile(w.path)
	if err != nil {
		return fmt.Errorf("load labels %s: %w", w.path, err)
	}
	w.labels.Replace(names)
	w.modTime = info.ModTime()
	w.log.Info("labels reloaded", zap.Strings("names", names))
	return nil
}

// ReloadIfChanged reloads only when the mtime moved, so polling does not
// churn the table.
func (w *LabelWatcher) ReloadIfChanged() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("stat labels: %w", err)
	}
	if info.ModTime().Equal(w.modTime) {
		return nil
	}
	return w.reloadLocked()
}

// Run watches until ctx is done. The parent directory is watched rather
// than the file so editors that replace the file by rename are seen.
func (w *LabelWatcher) Run(ctx context.Context) {
	var events <-chan fsnotify.Event
	var errs <-chan error

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, polling only", zap.Error(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(w.path)); err != nil {
			w.log.Warn("watch labels dir failed, polling only", zap.String("path", w.path), zap.Error(err))
		} else {
			events, errs = watcher.Events, watcher.Errors
		}
	}

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			// Let the writer finish.
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.Debounce):
			}
			if err := w.Reload(); err != nil {
				w.log.Warn("labels reload failed, keeping previous table", zap.Error(err))
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Warn("watcher error", zap.Error(err))
		case <-ticker.C:
			if err := w.ReloadIfChanged(); err != nil {
				w.log.Warn("labels poll failed, keeping previous table", zap.Error(err))
			}
		}
	}
}
