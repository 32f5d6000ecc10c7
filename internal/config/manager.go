package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "taskd/pkg/logx"
)

const validateTimeout = 5 * time.Second

// Status describes the config currently in effect and the reload history.
type Status struct {
	Path      string    `json:"path"`
	Hash      string    `json:"hash"`
	LoadedAt  time.Time `json:"loaded_at"`
	Reloads   int       `json:"reloads"`
	Rejected  int       `json:"rejected"`
	LastError string    `json:"last_error,omitempty"`
}

// Manager holds the active config and republishes it when the file changes.
type Manager struct {
	path     string
	debounce time.Duration

	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error

	mu     sync.RWMutex
	cfg    *Config
	hash   uint64
	status Status

	// subMu also serialises sends, so a publish never hits a closed channel.
	subMu sync.Mutex
	subs  []chan *Config
}

func NewManager(path string) *Manager {
	return &Manager{
		path:     path,
		debounce: 250 * time.Millisecond,
		log:      logx.Nop(),
		status:   Status{Path: path},
	}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs a check a reloaded config must pass before it
// replaces the active one.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads and strictly decodes the file without activating it.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decode(m.path, raw)
}

// decode rejects unknown keys and anything after the first document, then
// runs Validate.
func decode(path string, raw []byte) (*Config, error) {
	name := filepath.Base(path)
	jb, err := coerceToJSON(path, raw)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()

	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, fmt.Errorf("%s: trailing data", name)
	case !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses the file and makes it the active config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// Commit makes cfg the active config.
func (m *Manager) Commit(cfg *Config) {
	h := fingerprint(cfg)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg, m.hash = cfg, h
	m.status.Hash = fmt.Sprintf("%016x", h)
	m.status.LoadedAt = time.Now()
	m.status.LastError = ""
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// fingerprint hashes the decoded config, so edits that only touch comments
// or formatting are not reloads.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *Manager) reject(err error) {
	m.mu.Lock()
	m.status.Rejected++
	m.status.LastError = err.Error()
	m.mu.Unlock()
}

// reload re-reads the file and activates it when it changed and passes the
// validator. A bad file never replaces a good one.
func (m *Manager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		m.reject(err)
		log.Warn("config parse failed; keeping previous config", logx.Err(err))
		return
	}

	h := fingerprint(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged; skipping publish")
		return
	}

	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = m.validate(vctx, cfg)
		cancel()
		if err != nil {
			m.reject(err)
			log.Warn("config rejected", logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.mu.Lock()
	m.status.Reloads++
	m.mu.Unlock()
	m.publish(cfg)
	log.Info("config reloaded", logx.String("hash", fmt.Sprintf("%016x", h)))
}

// Subscribe returns a channel receiving every activated reload.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish hands cfg to every subscriber.
func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		if !offer(ch, cfg) {
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offer sends cfg on ch. Only the newest config matters, so a full channel
// gives up its oldest entry.
func offer(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}
