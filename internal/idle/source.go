package idle

import "sync"

type Signal int

const (
	SignalPointer Signal = iota
	SignalKeyboard
	SignalTouch
	SignalScroll
)

func (s Signal) String() string {
	switch s {
	case SignalPointer:
		return "pointer"
	case SignalKeyboard:
		return "keyboard"
	case SignalTouch:
		return "touch"
	case SignalScroll:
		return "scroll"
	default:
		return "unknown"
	}
}

// ActivitySource delivers user-activity signals. The returned func removes
// exactly the listener that was added.
type ActivitySource interface {
	AddListener(sig Signal, fn func()) (remove func())
}

// Bus is an in-process ActivitySource.
type Bus struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[Signal]map[uint64]func()
}

func NewBus() *Bus {
	return &Bus{listeners: make(map[Signal]map[uint64]func())}
}

func (b *Bus) AddListener(sig Signal, fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.listeners[sig] == nil {
		b.listeners[sig] = make(map[uint64]func())
	}
	b.listeners[sig][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners[sig], id)
		})
	}
}

// Emit calls every listener registered for sig, outside the bus lock.
func (b *Bus) Emit(sig Signal) {
	b.mu.Lock()
	fns := make([]func(), 0, len(b.listeners[sig]))
	for _, fn := range b.listeners[sig] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (b *Bus) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.listeners {
		n += len(set)
	}
	return n
}
