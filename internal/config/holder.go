// ABOUTME: Versioned configuration snapshots swapped atomically on reload
// ABOUTME: Components read the current snapshot through a Holder instead of globals

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoSource is returned by Reload when the holder was built without a file.
var ErrNoSource = errors.New("config has no source file")

// Snapshot is one immutable loaded configuration.
type Snapshot struct {
	Version  uint64
	Path     string
	Config   *Config
	LoadedAt time.Time
}

// Holder publishes the current Snapshot. Readers never block; Reload swaps the
// pointer and then notifies subscribers.
type Holder struct {
	path    string
	current atomic.Pointer[Snapshot]
	logger  *slog.Logger

	mu        sync.Mutex // serializes reloads and guards listeners
	listeners []func(*Snapshot)
}

// NewHolder wraps an already loaded config as version 1. path may be empty,
// in which case Reload is unavailable.
func NewHolder(path string, cfg *Config, logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Holder{path: path, logger: logger.With("component", "config")}
	h.current.Store(&Snapshot{Version: 1, Path: path, Config: cfg, LoadedAt: time.Now()})
	return h
}

// LoadHolder loads path and wraps it in a Holder.
func LoadHolder(path string, logger *slog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewHolder(path, cfg, logger), nil
}

// Current returns the latest snapshot.
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Config is shorthand for Current().Config.
func (h *Holder) Config() *Config {
	return h.current.Load().Config
}

// OnReload registers fn to run after every successful reload.
func (h *Holder) OnReload(fn func(*Snapshot)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload re-reads the source file. On failure the current snapshot stays in
// place and the error is returned.
func (h *Holder) Reload() (*Snapshot, error) {
	if h.path == "" {
		return nil, ErrNoSource
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cfg, err := Load(h.path)
	if err != nil {
		h.logger.Warn("config reload failed", "path", h.path, "error", err)
		return nil, fmt.Errorf("reloading %s: %w", h.path, err)
	}

	prev := h.current.Load()
	next := &Snapshot{Version: prev.Version + 1, Path: h.path, Config: cfg, LoadedAt: time.Now()}
	h.current.Store(next)
	h.logger.Info("config reloaded", "path", h.path, "version", next.Version)

	for _, fn := range h.listeners {
		fn(next)
	}
	return next, nil
}
