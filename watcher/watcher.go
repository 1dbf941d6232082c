// Package watcher reports part directories that appear in the detached directories
// of tables.
package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/UltimateTournament/backoff/v4"
	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/part"
	"github.com/fsnotify/fsnotify"
)

var logger = gologger.NewComponentLogger("watcher")

// RetryWindow bounds how long an arrival that is still incomplete is retried.
var RetryWindow = time.Minute

type (
	Arrival struct {
		Table string
		Name  string
	}

	// Watcher calls its handler once per attachable directory created in a watched
	// detached directory, after the directory stayed quiet for the debounce period.
	// Copy parts in under a tmp_ name and rename them when complete. A directory
	// copied in place may be handed over before its files are; when the handler
	// reports a malformed or corrupt part the arrival is retried with backoff for
	// up to RetryWindow.
	Watcher struct {
		fw       *fsnotify.Watcher
		handler  func(Arrival) error
		debounce time.Duration

		mu      sync.Mutex
		dirs    map[string]string
		timers  map[string]*time.Timer
		retries map[string]backoff.BackOff

		done chan struct{}
		wg   sync.WaitGroup
	}
)

func New(handler func(Arrival) error, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("error in fsnotify.NewWatcher: %w", err)
	}
	return &Watcher{
		fw:       fw,
		handler:  handler,
		debounce: debounce,
		dirs:     map[string]string{},
		timers:   map[string]*time.Timer{},
		retries:  map[string]backoff.BackOff{},
		done:     make(chan struct{}),
	}, nil
}

// Add watches the detached directory of table.
func (w *Watcher) Add(table, dir string) error {
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("error watching %s: %w", dir, err)
	}
	w.mu.Lock()
	w.dirs[filepath.Clean(dir)] = table
	w.mu.Unlock()
	logger.Debug().Str("table", table).Str("dir", dir).Msg("watching detached directory")
	return nil
}

func (w *Watcher) Remove(dir string) error {
	w.mu.Lock()
	delete(w.dirs, filepath.Clean(dir))
	w.mu.Unlock()
	if err := w.fw.Remove(dir); err != nil {
		return fmt.Errorf("error unwatching %s: %w", dir, err)
	}
	return nil
}

func (w *Watcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
}

// Stop ends the loop and cancels pending arrivals.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.fw.Close()
	w.wg.Wait()
	w.mu.Lock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	clear(w.retries)
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) schedule(path string) {
	name := filepath.Base(path)
	if part.HasReservedPrefix(name) {
		return
	}
	if _, err := part.ParseInfo(name); err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	table, ok := w.dirs[filepath.Dir(path)]
	if !ok {
		return
	}
	// fresh activity restarts the debounce and any retry schedule
	delete(w.retries, path)
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.arm(path, Arrival{Table: table, Name: name}, w.debounce)
}

// arm starts the timer of an arrival. The caller holds w.mu.
func (w *Watcher) arm(path string, a Arrival, delay time.Duration) {
	w.timers[path] = time.AfterFunc(delay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		st, err := os.Stat(path)
		if err != nil || !st.IsDir() {
			w.forget(path)
			return
		}
		logger.Debug().Str("table", a.Table).Str("part", a.Name).Msg("part arrived in detached")
		err = w.handler(a)
		if err != nil && (errors.Is(err, part.ErrMalformedPart) || errors.Is(err, part.ErrCorruptPart)) {
			w.retry(path, a, err)
			return
		}
		w.forget(path)
	})
}

func (w *Watcher) retry(path string, a Arrival, cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	if _, ok := w.timers[path]; ok {
		// a newer event already rescheduled it
		return
	}
	b, ok := w.retries[path]
	if !ok {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = w.debounce
		eb.MaxElapsedTime = RetryWindow
		b = eb
		w.retries[path] = b
	}
	next := b.NextBackOff()
	if next == backoff.Stop {
		delete(w.retries, path)
		logger.Warn().Err(cause).Str("table", a.Table).Str("part", a.Name).Msg("giving up on arrival")
		return
	}
	logger.Debug().Err(cause).Str("table", a.Table).Str("part", a.Name).Dur("in", next).Msg("arrival incomplete, retrying")
	w.arm(path, a, next)
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.retries, path)
	w.mu.Unlock()
}
