// Package eventbus fans out per-project progress events, in order, to an
// arbitrary number of live subscribers. A slow subscriber can never block
// another: each has its own bounded buffer, and overflow is handled by
// dropping the oldest non-terminal events and inserting a synthetic
// Lagged marker. Publishing never blocks.
package eventbus

import (
	"sync"
	"time"

	"github.com/waypoint-labs/sessionctl/internal/metrics"
)

// EventType tags the variant carried by an Event's Payload.
type EventType string

const (
	SessionStarted   EventType = "session_started"
	ToolUse          EventType = "tool_use"
	AssistantMessage EventType = "assistant_message"
	ProgressUpdate   EventType = "progress_update"
	SessionComplete  EventType = "session_complete"
	SessionError     EventType = "session_error"
	// Lagged is synthetic: the bus inserts it itself when a subscriber's
	// buffer overflowed, never emitted by the orchestrator directly.
	Lagged EventType = "lagged"
)

func isTerminal(t EventType) bool {
	return t == SessionComplete || t == SessionError
}

// Payload types, one per non-synthetic EventType.

type SessionStartedPayload struct {
	SessionID string
	Number    int
	Type      string
}

type ToolUsePayload struct {
	ToolName        string
	CumulativeCount int
}

type AssistantMessagePayload struct {
	Text string
	At   time.Time
}

type ProgressUpdatePayload struct {
	EpicsCompleted int
	TasksCompleted int
	TasksTotal     int
	NextTaskID     string
}

type SessionCompletePayload struct {
	SessionID string
	Status    string
	DurationS float64
}

type SessionErrorPayload struct {
	SessionID string
	Code      string
	Detail    string
}

type LaggedPayload struct {
	DroppedN int
}

// Event is one item in a project's ordered event stream.
type Event struct {
	Type      EventType
	ProjectID string
	Seq       uint64
	Payload   any
}

// EventBus owns one topic per project.
type EventBus struct {
	mu         sync.RWMutex
	topics     map[string]*topic
	bufferSize int
	metrics    *metrics.Metrics
}

// New creates an EventBus whose subscriber buffers hold bufferSize
// events each (64 when bufferSize <= 0).
func New(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &EventBus{topics: make(map[string]*topic), bufferSize: bufferSize}
}

// SetMetrics attaches the process-wide collectors; nil disables
// instrumentation. Call before the first Subscribe.
func (b *EventBus) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

func (b *EventBus) topicFor(projectID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[projectID]
	if !ok {
		t = &topic{subs: make(map[uint64]*subscriber), bufSize: b.bufferSize, metrics: b.metrics}
		b.topics[projectID] = t
	}
	return t
}

// Publish broadcasts an event to every live subscriber of projectID, in
// the order Publish is called for that project.
func (b *EventBus) Publish(projectID string, eventType EventType, payload any) {
	t := b.topicFor(projectID)
	t.publish(projectID, eventType, payload)
}

// Subscribe registers a new subscriber for projectID. The returned
// unsubscribe function is idempotent and releases the buffer. A fresh
// subscriber receives only events published after Subscribe returns —
// there is no history replay.
func (b *EventBus) Subscribe(projectID string) (events <-chan Event, unsubscribe func()) {
	t := b.topicFor(projectID)
	return t.subscribe()
}

type topic struct {
	mu      sync.Mutex
	subs    map[uint64]*subscriber
	nextID  uint64
	seq     uint64
	bufSize int
	metrics *metrics.Metrics
}

func (t *topic) publish(projectID string, eventType EventType, payload any) {
	t.mu.Lock()
	t.seq++
	ev := Event{Type: eventType, ProjectID: projectID, Seq: t.seq, Payload: payload}
	subs := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.send(ev)
	}
}

func (t *topic) subscribe() (<-chan Event, func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	s := &subscriber{ch: make(chan Event, t.bufSize), metrics: t.metrics}
	t.subs[id] = s
	t.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			// Close under the subscriber's own lock so a publish that
			// snapshotted this subscriber before removal cannot send on a
			// closed channel.
			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		})
	}
	return s.ch, unsubscribe
}

type subscriber struct {
	mu         sync.Mutex
	ch         chan Event
	closed     bool
	dropped    int
	needLagged bool
	metrics    *metrics.Metrics
}

func (s *subscriber) countDrop(projectID string) {
	s.dropped++
	if s.metrics != nil {
		s.metrics.EventBusDrops.WithLabelValues(projectID).Inc()
	}
}

// send delivers ev to the subscriber's channel without blocking the
// publisher. On overflow it evicts the oldest buffered event to make
// room, provided that event is not terminal; terminal events
// (SessionComplete, SessionError) are never dropped, since nothing is
// ever emitted after one for the same session and losing it would
// silently strand a caller awaiting session completion.
func (s *subscriber) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if len(s.ch) == cap(s.ch) {
		select {
		case old := <-s.ch:
			if isTerminal(old.Type) {
				// Should not happen in correct usage; preserve it and
				// drop the incoming event instead, unless it is itself
				// terminal, in which case force room.
				select {
				case s.ch <- old:
				default:
				}
				if !isTerminal(ev.Type) {
					return
				}
				<-s.ch
			} else {
				s.countDrop(ev.ProjectID)
				s.needLagged = true
			}
		default:
		}
	}

	if s.needLagged {
		s.needLagged = false
		lagged := Event{Type: Lagged, ProjectID: ev.ProjectID, Seq: ev.Seq, Payload: LaggedPayload{DroppedN: s.dropped}}
		s.dropped = 0
		select {
		case s.ch <- lagged:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- lagged:
			default:
			}
		}
	}

	select {
	case s.ch <- ev:
	default:
		if isTerminal(ev.Type) {
			select {
			case <-s.ch:
			default:
			}
			s.ch <- ev
		} else {
			s.countDrop(ev.ProjectID)
		}
	}
}
