package history

import (
	"context"
	"sync"
	"time"

	"github.com/zimmra/sony-cisip2/internal/cisip2"
)

// pruneInterval is how often the recorder sweeps expired rows.
const pruneInterval = time.Hour

// Logger is the minimal logging surface the recorder needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

// Recorder persists zone change events from the controller into a Store
// and periodically prunes rows past the retention window.
type Recorder struct {
	store     Store
	retention time.Duration
	logger    Logger

	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.Mutex
}

// NewRecorder creates a recorder writing to store.
// A retention of zero disables pruning.
func NewRecorder(store Store, retention time.Duration, logger Logger) *Recorder {
	return &Recorder{
		store:     store,
		retention: retention,
		logger:    logger,
	}
}

// Start subscribes to controller events and begins the prune loop.
func (r *Recorder) Start(subscribe func(func(cisip2.Event)) func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unsubscribe != nil {
		return
	}

	r.unsubscribe = subscribe(r.handleEvent)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if r.retention > 0 {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}
}

// Stop unsubscribes and waits for the prune loop to exit.
func (r *Recorder) Stop() {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	cancel := r.cancel
	r.unsubscribe = nil
	r.cancel = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// handleEvent records zone changes and session transitions. Device
// identity events are not persisted.
func (r *Recorder) handleEvent(ev cisip2.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch ev.Type {
	case cisip2.EventZoneChanged:
		if err := r.store.Record(ctx, ev.Zone, ev.State, SourceNotify); err != nil {
			if r.logger != nil {
				r.logger.Error("recording zone history", "zone", ev.Zone, "error", err)
			}
		}

	case cisip2.EventSessionChanged:
		if err := r.store.RecordConnection(ctx, ev.Session.String(), ""); err != nil {
			if r.logger != nil {
				r.logger.Error("recording connection event", "state", ev.Session.String(), "error", err)
			}
		}
	}
}

func (r *Recorder) pruneLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := r.store.Prune(ctx, r.retention)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if r.logger != nil {
					r.logger.Error("pruning history", "error", err)
				}
				continue
			}
			if deleted > 0 && r.logger != nil {
				r.logger.Debug("pruned history", "rows", deleted)
			}
		}
	}
}
