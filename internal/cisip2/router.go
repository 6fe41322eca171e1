package cisip2

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// eventQueueSize bounds the subscriber notification queue.
const eventQueueSize = 100

// EventType discriminates subscriber events.
type EventType string

const (
	// EventZoneChanged fires once per observed zone state change.
	EventZoneChanged EventType = "zone_changed"
	// EventDeviceChanged fires when device-level state (sound field,
	// identity) changes.
	EventDeviceChanged EventType = "device_changed"
	// EventSessionChanged fires on session state transitions.
	EventSessionChanged EventType = "session_changed"
)

// Event is delivered to subscribers. Snapshots are copies taken at emission
// time; consumers build their own wire representations.
type Event struct {
	Type      EventType
	Zone      ZoneID       // EventZoneChanged
	State     ZoneState    // EventZoneChanged
	Device    DeviceInfo   // EventDeviceChanged
	Session   SessionState // EventSessionChanged
	Timestamp time.Time
}

// RouterStats holds frame routing counters.
type RouterStats struct {
	UnmatchedResults uint64
	UnknownFrames    uint64
	EventsDropped    uint64
}

// Router is the single consumer of decoded frames. It is the state store's
// only writer: broadcasts and value results are folded into the store in
// arrival order, ack/nak results resolve the dispatcher, and state changes
// fan out to subscribers through one notifier goroutine so event order
// matches frame order.
type Router struct {
	store      *StateStore
	dispatcher *Dispatcher

	queue chan Event
	done  *closeOnce
	wg    sync.WaitGroup

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int

	logger   Logger
	loggerMu sync.RWMutex

	unmatchedResults atomic.Uint64
	unknownFrames    atomic.Uint64
	eventsDropped    atomic.Uint64
}

// NewRouter creates a router writing into store and resolving commands in
// dispatcher.
func NewRouter(store *StateStore, dispatcher *Dispatcher) *Router {
	return &Router{
		store:      store,
		dispatcher: dispatcher,
		queue:      make(chan Event, eventQueueSize),
		done:       newCloseOnce(),
		subs:       make(map[int]func(Event)),
	}
}

// SetLogger sets the logger for this router.
func (r *Router) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// Start launches the notifier goroutine.
func (r *Router) Start() {
	r.wg.Add(1)
	go r.notifyLoop()
}

// Stop drains and stops event delivery. Safe to call multiple times.
func (r *Router) Stop() {
	r.done.Close()
	r.wg.Wait()
}

// Subscribe registers an event callback and returns its unsubscribe
// function. Callbacks run on the notifier goroutine and should not block.
func (r *Router) Subscribe(fn func(Event)) func() {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

// HandleFrame routes one decoded frame. Invoked on the session's read
// goroutine, so processing here is what defines arrival order.
func (r *Router) HandleFrame(f *Frame) {
	switch f.Kind() {
	case KindBroadcast:
		r.applyState(f)

	case KindValue:
		r.applyState(f)
		// A value result answers a get; resolve it if one is waiting.
		// Unmatched results are counted regardless of whether the store
		// absorbed a new value.
		if !r.dispatcher.Resolve(f.Feature, CommandResult{Feature: f.Feature, Value: f.Value}) {
			r.unmatchedResults.Add(1)
			r.logDebug("unmatched value result", "feature", f.Feature)
		}

	case KindAck:
		if !r.dispatcher.Resolve(f.Feature, CommandResult{Feature: f.Feature, Value: f.Value}) {
			r.unmatchedResults.Add(1)
			r.logWarn("unmatched ack", "feature", f.Feature)
		}

	case KindNak:
		err := fmt.Errorf("%w: %s", ErrDeviceRejected, f.Feature)
		if !r.dispatcher.Resolve(f.Feature, CommandResult{Feature: f.Feature, Err: err}) {
			r.unmatchedResults.Add(1)
			r.logWarn("unmatched nak", "feature", f.Feature)
		}

	default:
		r.unknownFrames.Add(1)
		r.logWarn("unknown frame dropped", "type", f.Type, "feature", f.Feature)
	}
}

// applyState folds a state-bearing frame into the store and emits a change
// event when the value is new.
func (r *Router) applyState(f *Frame) Change {
	change, err := r.store.ApplyFrame(f, time.Now())
	if err != nil {
		r.unknownFrames.Add(1)
		r.logWarn("state apply failed", "frame", f.String(), "error", err)
		return change
	}
	if !change.Changed {
		return change
	}

	if change.Zone != "" {
		snapshot, err := r.store.Snapshot(change.Zone)
		if err != nil {
			return change
		}
		r.emit(Event{
			Type:      EventZoneChanged,
			Zone:      change.Zone,
			State:     snapshot,
			Timestamp: time.Now(),
		})
		return change
	}

	r.emit(Event{
		Type:      EventDeviceChanged,
		Device:    r.store.Device(),
		Timestamp: time.Now(),
	})
	return change
}

// HandleSessionState reacts to session transitions. Connection loss fails
// every in-flight command and invalidates the state mirror, emitting one
// change event per zone that had known state.
func (r *Router) HandleSessionState(state SessionState) {
	if state == StateDisconnected {
		r.dispatcher.FailAll(ErrNotConnected)

		now := time.Now()
		for _, zone := range r.store.MarkAllUnknown(now) {
			snapshot, err := r.store.Snapshot(zone)
			if err != nil {
				continue
			}
			r.emit(Event{
				Type:      EventZoneChanged,
				Zone:      zone,
				State:     snapshot,
				Timestamp: now,
			})
		}
	}

	r.emit(Event{
		Type:      EventSessionChanged,
		Session:   state,
		Timestamp: time.Now(),
	})
}

// emit queues an event for delivery, dropping on overflow so a slow
// subscriber cannot stall the read path.
func (r *Router) emit(ev Event) {
	select {
	case r.queue <- ev:
	default:
		r.eventsDropped.Add(1)
		r.logWarn("event queue full, dropping event", "type", string(ev.Type))
	}
}

// notifyLoop delivers queued events to subscribers in order.
func (r *Router) notifyLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.done.Done():
			return
		case ev := <-r.queue:
			r.subMu.RLock()
			subs := make([]func(Event), 0, len(r.subs))
			for _, fn := range r.subs {
				subs = append(subs, fn)
			}
			r.subMu.RUnlock()

			for _, fn := range subs {
				func() {
					defer func() {
						if rec := recover(); rec != nil {
							r.logError("event callback panic", fmt.Errorf("%v", rec))
						}
					}()
					fn(ev)
				}()
			}
		}
	}
}

// Stats returns current routing counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		UnmatchedResults: r.unmatchedResults.Load(),
		UnknownFrames:    r.unknownFrames.Load(),
		EventsDropped:    r.eventsDropped.Load(),
	}
}

func (r *Router) logDebug(msg string, keysAndValues ...any) {
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()
	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (r *Router) logWarn(msg string, keysAndValues ...any) {
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (r *Router) logError(msg string, err error) {
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()
	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
