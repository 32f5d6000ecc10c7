package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultLogFile = "./taskd.log"

type Config struct {
	Level string
	// Console writes to stdout; it is also the fallback when no sink is on.
	Console bool
	// JSON switches the console sink from human-readable to JSON lines.
	JSON bool
	File FileConfig

	// Output replaces stdout for the console sink.
	Output io.Writer
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the sinks behind every Logger it hands out.
type Service struct {
	mu   sync.Mutex
	file *os.File
	zl   atomic.Pointer[zerolog.Logger]
}

// NewService applies cfg and returns the service with its root logger.
func NewService(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.zl.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the sinks from cfg. Loggers already handed out pick the
// change up on their next event.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	out := cfg.Output
	if out == nil {
		out = stdout
	}
	console := func() io.Writer {
		if cfg.JSON {
			return out
		}
		return consoleWriter(out)
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, console())
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, console())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.zl.Store(&zl)
}

// Close releases the log file, if any. Console output keeps working.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}
