package ingestion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/pkg/logger"
)

const defaultDebounce = 500 * time.Millisecond

// Watch calls onChange for every corpus file created or written under dir,
// once per burst of events. Calls are serialized. It blocks until ctx is
// done.
func Watch(ctx context.Context, dir string, debounce time.Duration, onChange func(path string)) error {
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	logger.Info("Watching corpus directory", zap.String("dir", dir))

	d := newDebouncer(debounce)
	defer d.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !Supported(event.Name) {
				continue
			}
			d.schedule(event.Name)
		case path := <-d.ready:
			onChange(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Corpus watcher error", zap.Error(err))
		}
	}
}

// debouncer delivers a path on ready once no event for it has arrived for
// delay. After stop, pending deliveries are dropped instead of blocking.
type debouncer struct {
	delay time.Duration
	ready chan string
	done  chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer

	// sending counts timer callbacks waiting to hand a path to ready.
	sending atomic.Int32
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{
		delay:  delay,
		ready:  make(chan string, 16),
		done:   make(chan struct{}),
		timers: make(map[string]*time.Timer),
	}
}

func (d *debouncer) schedule(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[path]; ok {
		t.Reset(d.delay)
		return
	}
	d.timers[path] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, path)
		d.mu.Unlock()

		d.sending.Add(1)
		defer d.sending.Add(-1)
		select {
		case d.ready <- path:
		case <-d.done:
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = make(map[string]*time.Timer)
	d.mu.Unlock()
	close(d.done)
}
