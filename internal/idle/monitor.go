// Package idle signs a session out after a period without user activity.
package idle

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout        = 10 * time.Minute
	DefaultScrollDebounce = 100 * time.Millisecond
)

type Config struct {
	Timeout        time.Duration
	CaptureScroll  bool
	ScrollDebounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ScrollDebounce <= 0 {
		c.ScrollDebounce = DefaultScrollDebounce
	}
	return c
}

// Monitor runs a single timer that every activity signal pushes back.
// When the timer fires the monitor stops itself and calls onIdle once.
type Monitor struct {
	mu       sync.Mutex
	cfg      Config
	clock    clock.Clock
	source   ActivitySource
	onIdle   func()
	scroll   *rate.Limiter
	removers []func()
	timer    *clock.Timer
	gen      uint64
	running  bool
}

func New(source ActivitySource, clk clock.Clock, cfg Config, onIdle func()) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:    cfg,
		clock:  clk,
		source: source,
		onIdle: onIdle,
		scroll: rate.NewLimiter(rate.Every(cfg.ScrollDebounce), 1),
	}
}

func (m *Monitor) Timeout() time.Duration {
	return m.cfg.Timeout
}

// Start subscribes to the activity source and arms the idle timer. Calling
// Start on a running monitor does nothing.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.gen++
	m.armLocked()

	if m.source == nil {
		return
	}
	for _, sig := range []Signal{SignalPointer, SignalKeyboard, SignalTouch} {
		m.removers = append(m.removers, m.source.AddListener(sig, m.RecordActivity))
	}
	if m.cfg.CaptureScroll {
		m.removers = append(m.removers, m.source.AddListener(SignalScroll, m.recordScroll))
	}
}

// Stop removes the listeners Start added and cancels the timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	removers := m.stopLocked()
	m.mu.Unlock()
	for _, rm := range removers {
		rm()
	}
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RecordActivity restarts the idle countdown.
func (m *Monitor) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.gen++
	m.armLocked()
}

func (m *Monitor) recordScroll() {
	if !m.scroll.AllowN(m.clock.Now(), 1) {
		return
	}
	m.RecordActivity()
}

func (m *Monitor) armLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	gen := m.gen
	m.timer = m.clock.AfterFunc(m.cfg.Timeout, func() { m.fire(gen) })
}

func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}
	removers := m.stopLocked()
	cb := m.onIdle
	m.mu.Unlock()

	for _, rm := range removers {
		rm()
	}
	if cb != nil {
		cb()
	}
}

func (m *Monitor) stopLocked() []func() {
	if !m.running {
		return nil
	}
	m.running = false
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	removers := m.removers
	m.removers = nil
	return removers
}
