package trace

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrTraceNotFound is returned when a trace id has no recorded events.
var ErrTraceNotFound = errors.New("trace not found")

// Sink receives every recorded event after it has been appended. Sinks run
// on the recording goroutine and must return quickly.
type Sink func(traceID string, ev Event)

// DefaultSubscriberBuffer is the per-subscriber channel capacity. When a
// subscriber falls this far behind, appends block on its channel
// (backpressure) rather than dropping events.
const DefaultSubscriberBuffer = 256

// Recorder appends trace events and fans them out to subscribers. Each
// trace has its own lock so concurrent queries never contend with each
// other on the append path.
type Recorder struct {
	mu      sync.RWMutex
	traces  map[string]*traceLog
	sinks   []Sink
	bufSize int
	logger  *zap.Logger
}

type traceLog struct {
	mu     sync.Mutex
	events []Event
	subs   []chan Event
	closed bool
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSubscriberBuffer overrides the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.bufSize = n
		}
	}
}

// WithSink registers a sink invoked for every recorded event.
func WithSink(s Sink) Option {
	return func(r *Recorder) {
		r.sinks = append(r.sinks, s)
	}
}

// NewRecorder creates a recorder.
func NewRecorder(logger *zap.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		traces:  make(map[string]*traceLog),
		bufSize: DefaultSubscriberBuffer,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) log(traceID string) *traceLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.traces[traceID]
	if !ok {
		t = &traceLog{}
		r.traces[traceID] = t
	}
	return t
}

// Append records one event for the trace and pushes it to subscribers.
// Appending to a closed trace is ignored: traces are immutable once their
// run has reached a terminal state.
func (r *Recorder) Append(traceID, agent string, typ EventType, payload map[string]any) Event {
	ev := newEvent(agent, typ, payload)
	t := r.log(traceID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		r.logger.Warn("append to closed trace dropped",
			zap.String("trace_id", traceID),
			zap.String("event_type", string(typ)),
		)
		return ev
	}
	t.events = append(t.events, ev)
	for _, sub := range t.subs {
		sub <- ev
	}
	for _, sink := range r.sinks {
		sink(traceID, ev)
	}
	return ev
}

// Subscribe returns a channel that replays all events recorded so far and
// then delivers new events as they are appended. The returned cancel func
// detaches the subscriber; the channel is closed when the trace closes or
// the subscriber cancels.
func (r *Recorder) Subscribe(traceID string) (<-chan Event, func()) {
	t := r.log(traceID)

	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Event, r.bufSize+len(t.events))
	for _, ev := range t.events {
		ch <- ev
	}
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	t.subs = append(t.subs, ch)

	cancel := func() {
		// Drain in the background so an append blocked on this
		// subscriber's full channel can finish and release the lock.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for range ch {
			}
		}()
		t.mu.Lock()
		for i, sub := range t.subs {
			if sub == ch {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				close(ch)
				break
			}
		}
		t.mu.Unlock()
		<-done
	}
	return ch, cancel
}

// Events returns a copy of all events recorded for the trace.
func (r *Recorder) Events(traceID string) ([]Event, error) {
	r.mu.RLock()
	t, ok := r.traces[traceID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrTraceNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out, nil
}

// Close marks the trace terminal and closes all subscriber channels.
func (r *Recorder) Close(traceID string) {
	t := r.log(traceID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, sub := range t.subs {
		close(sub)
	}
	t.subs = nil
}

// Drop forgets an in-memory trace. Used after the trace has been persisted
// or discarded; kept separate from Close so streaming consumers can drain.
func (r *Recorder) Drop(traceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.traces, traceID)
}
