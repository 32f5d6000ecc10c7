package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "taskd/pkg/logx"
)

// debouncer runs fn once after the last Trigger in a burst.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	fn    func()
	timer *time.Timer
}

func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// backoff is a jittered doubling delay for recreating a broken watcher.
type backoff struct {
	base, max, cur time.Duration
}

func (b *backoff) reset() { b.cur = b.base }

// sleep waits for the next delay; false means ctx ended first.
func (b *backoff) sleep(ctx context.Context) bool {
	if b.cur == 0 {
		b.cur = b.base
	}
	d := b.cur + rand.N(b.cur/2+1)
	b.cur = min(b.cur*2, b.max)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Watch reloads the file on change until ctx is done. It watches the parent
// directory, so editors that write a temp file and rename it are seen too.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir), logx.String("file", file))

	deb := &debouncer{delay: m.debounce, fn: func() { m.reload(ctx) }}
	defer deb.Stop()
	bo := &backoff{base: 250 * time.Millisecond, max: 5 * time.Second}

	for ctx.Err() == nil {
		w, err := watchDir(dir)
		if err != nil {
			log.Warn("config watcher failed to start", logx.Err(err))
			if !bo.sleep(ctx) {
				break
			}
			continue
		}
		bo.reset()
		log.Debug("config watcher started")

		m.consume(ctx, w, file, deb, log)
		_ = w.Close()
		if ctx.Err() != nil {
			break
		}
		log.Warn("config watcher stopped; restarting")
		if !bo.sleep(ctx) {
			break
		}
	}
	return nil
}

func watchDir(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// consume feeds file events into deb until ctx ends or the watcher breaks.
func (m *Manager) consume(ctx context.Context, w *fsnotify.Watcher, file string, deb *debouncer, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				deb.Trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				log.Warn("config watch overflow; forcing reload", logx.Err(err))
				deb.Trigger()
				continue
			}
			log.Warn("config watch error", logx.Err(err))
		}
	}
}
