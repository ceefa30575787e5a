package view

import (
	"sync"
	"time"
)

// FPSMeter measures a tick rate over fixed windows.
type FPSMeter struct {
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	start time.Time
	ticks int
	rate  float64
}

// NewFPSMeter creates a meter that updates once per window.
func NewFPSMeter(window time.Duration) *FPSMeter {
	return &FPSMeter{window: window, now: time.Now}
}

// Tick records one frame.
func (m *FPSMeter) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.start.IsZero() {
		m.start = now
	}
	m.ticks++
	if elapsed := now.Sub(m.start); elapsed >= m.window {
		m.rate = float64(m.ticks) / elapsed.Seconds()
		m.ticks = 0
		m.start = now
	}
}

// Rate returns the rate measured over the last complete window.
func (m *FPSMeter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// Reset clears the measurement.
func (m *FPSMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start = time.Time{}
	m.ticks = 0
	m.rate = 0
}
