package auth

import (
	"sync"
	"time"
)

type EventName string

const (
	EventSignUp  EventName = "signUp"
	EventSignIn  EventName = "signIn"
	EventSignOut EventName = "signOut"
	EventRestore EventName = "restore"
)

type Reason string

const (
	ReasonManual  Reason = "manual"
	ReasonIdle    Reason = "idle"
	ReasonExpired Reason = "expired"
)

type Step string

const (
	StepDeriving   Step = "deriving"
	StepPreparing  Step = "preparing"
	StepFetching   Step = "fetching"
	StepPersisting Step = "persisting"
)

// Event is one of ProgressEvent, AuthEvent or ErrorEvent.
type Event interface {
	eventName() string
}

type ProgressEvent struct {
	Op            EventName
	Step          Step
	CorrelationID string
}

type AuthEvent struct {
	Event     EventName
	Reason    Reason
	Principal string
	ExpiresAt time.Time
	IsNewUser bool
}

type ErrorEvent struct {
	Op            EventName
	Err           error
	CorrelationID string
}

func (ProgressEvent) eventName() string { return "progress" }
func (AuthEvent) eventName() string     { return "auth" }
func (ErrorEvent) eventName() string    { return "error" }

type Observer interface {
	OnEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Notification is a published event with its sequence number.
type Notification struct {
	Seq       int64
	Event     Event
	Timestamp time.Time
}

// hub fans events out to synchronous observers and to buffered channel
// subscribers. Channel subscribers that fall behind are dropped.
type hub struct {
	mu        sync.Mutex
	nextSeq   int64
	limit     int
	history   []Notification
	observers map[int]Observer
	subs      map[int]chan Notification
	nextID    int
	now       func() time.Time
}

func newHub(limit int, now func() time.Time) *hub {
	if limit < 1 {
		limit = 1
	}
	return &hub{
		limit:     limit,
		observers: make(map[int]Observer),
		subs:      make(map[int]chan Notification),
		now:       now,
	}
}

func (h *hub) publish(e Event) {
	h.mu.Lock()
	h.nextSeq++
	n := Notification{Seq: h.nextSeq, Event: e, Timestamp: h.now()}
	h.history = append(h.history, n)
	if len(h.history) > h.limit {
		h.history = append([]Notification(nil), h.history[len(h.history)-h.limit:]...)
	}
	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
	observers := make([]Observer, 0, len(h.observers))
	for _, o := range h.observers {
		observers = append(observers, o)
	}
	h.mu.Unlock()

	for _, o := range observers {
		o.OnEvent(e)
	}
}

func (h *hub) subscribe(o Observer) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.observers[id] = o
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.observers, id)
	}
}

func (h *hub) subscribeChan(fromSeq int64) ([]Notification, <-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var replay []Notification
	for _, n := range h.history {
		if n.Seq > fromSeq {
			replay = append(replay, n)
		}
	}
	id := h.nextID
	h.nextID++
	ch := make(chan Notification, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
	for id := range h.observers {
		delete(h.observers, id)
	}
}
