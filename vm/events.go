package vm

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// EventKind classifies tiering events.
type EventKind uint8

const (
	EventTierTransition EventKind = iota
	EventDeopt
	EventCompileQueued
	EventCompileFinished
	EventCompileFailed
	EventCompileDiscarded
	EventOSREntry
	EventInvalidation
)

var eventKindNames = [...]string{
	"tier-transition", "deopt", "compile-queued", "compile-finished",
	"compile-failed", "compile-discarded", "osr-entry", "invalidation",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "unknown"
}

// Event is one observable tiering decision.
type Event struct {
	Kind     EventKind
	Time     time.Time
	Session  uuid.UUID
	Function string
	From, To TierState
	// Deopt details
	DeoptKind DeoptKind
	Reason    DeoptReason
	Offset    int // bytecode offset
	// Compile details
	Job      uuid.UUID
	Duration time.Duration
	Detail   string
}

// EventSink receives engine events. Emit is called on the goroutine that
// caused the event and must not block.
type EventSink interface {
	Emit(Event)
}

type discardSink struct{}

func (discardSink) Emit(Event) {}

// ---------------------------------------------------------------------------
// LogSink
// ---------------------------------------------------------------------------

// LogSink writes events to a commonlog logger.
type LogSink struct {
	log commonlog.Logger
}

// NewLogSink creates a sink logging under the given name.
func NewLogSink(name string) *LogSink {
	return &LogSink{log: commonlog.GetLogger(name)}
}

func (s *LogSink) Emit(e Event) {
	switch e.Kind {
	case EventDeopt:
		s.log.Info("deopt",
			"function", e.Function, "kind", e.DeoptKind.String(),
			"reason", e.Reason.String(), "offset", e.Offset)
	case EventTierTransition:
		s.log.Info("tier transition",
			"function", e.Function, "from", e.From.String(), "to", e.To.String())
	case EventCompileFailed:
		s.log.Warning("compile failed",
			"function", e.Function, "job", e.Job.String(), "error", e.Detail)
	case EventInvalidation:
		s.log.Info("invalidation", "function", e.Function, "detail", e.Detail)
	default:
		s.log.Debug(e.Kind.String(),
			"function", e.Function, "job", e.Job.String(), "detail", e.Detail)
	}
}

// ---------------------------------------------------------------------------
// ChannelSink
// ---------------------------------------------------------------------------

// ChannelSink delivers events on a buffered channel, dropping events when
// the consumer falls behind.
type ChannelSink struct {
	C       chan Event
	mu      sync.Mutex
	dropped uint64
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{C: make(chan Event, size)}
}

func (s *ChannelSink) Emit(e Event) {
	select {
	case s.C <- e:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Dropped returns how many events were discarded.
func (s *ChannelSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// ---------------------------------------------------------------------------
// RecordingSink
// ---------------------------------------------------------------------------

// RecordingSink keeps every event in memory.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *RecordingSink) Emit(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Count returns how many events of kind were recorded for function fn.
// An empty fn matches every function.
func (s *RecordingSink) Count(kind EventKind, fn string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind && (fn == "" || e.Function == fn) {
			n++
		}
	}
	return n
}

// Reset discards recorded events.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// MultiSink
// ---------------------------------------------------------------------------

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// ---------------------------------------------------------------------------
// Subscribers
// ---------------------------------------------------------------------------

// eventHub lets observers attach sinks after the engine starts.
type eventHub struct {
	base EventSink
	mu   sync.RWMutex
	subs map[*ChannelSink]struct{}
}

func (h *eventHub) Emit(e Event) {
	h.base.Emit(e)
	h.mu.RLock()
	for s := range h.subs {
		s.Emit(e)
	}
	h.mu.RUnlock()
}

func (h *eventHub) subscribe(size int) *ChannelSink {
	s := NewChannelSink(size)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[*ChannelSink]struct{})
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *eventHub) unsubscribe(s *ChannelSink) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}
