package alerts

import (
	"fmt"
	"sync"
)

// Sink is the minimal alert destination the monitor needs.
type Sink interface {
	Send(eventType, message, details string)
}

// RateMonitor watches callback outcomes over a trailing window and raises
// a failure_rate alert when the failed fraction crosses the threshold.
// It re-arms only after the rate drops back below the threshold, so a
// sustained outage produces one alert, not one per delivery.
type RateMonitor struct {
	sink      Sink
	threshold float64
	window    []bool // true = failure
	size      int

	mu      sync.Mutex
	idx     int
	filled  int
	tripped bool
}

// NewRateMonitor builds a monitor over the given window size (number of
// recent deliveries considered).
func NewRateMonitor(sink Sink, windowSize int, threshold float64) *RateMonitor {
	if windowSize <= 0 {
		windowSize = 50
	}
	return &RateMonitor{
		sink:      sink,
		threshold: threshold,
		window:    make([]bool, windowSize),
		size:      windowSize,
	}
}

// Record adds one delivery outcome and evaluates the window.
func (m *RateMonitor) Record(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window[m.idx] = !success
	m.idx = (m.idx + 1) % m.size
	if m.filled < m.size {
		m.filled++
	}

	failures := 0
	for i := 0; i < m.filled; i++ {
		if m.window[i] {
			failures++
		}
	}
	rate := float64(failures) / float64(m.filled)

	if rate >= m.threshold && m.filled == m.size {
		if !m.tripped && m.sink != nil {
			m.sink.Send("failure_rate",
				fmt.Sprintf("Callback failure rate %.0f%% over last %d deliveries", rate*100, m.size),
				fmt.Sprintf("failures=%d window=%d threshold=%.2f", failures, m.size, m.threshold))
		}
		m.tripped = true
		return
	}
	if rate < m.threshold {
		m.tripped = false
	}
}
