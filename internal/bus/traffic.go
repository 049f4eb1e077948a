// Package bus owns the shared storage interface: the traffic monitor
// that watches the therapy device's bus activity, and the arbiter that
// switches the physical mux and mounts the card.
package bus

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ActivityCounter reads a monotonically increasing count of observed
// bus transitions. The production counter is a kernel pulse counter
// exposed as a file; tests inject a fake.
type ActivityCounter interface {
	Read() (uint64, error)
}

// FileCounter reads the counter value from a sysfs-style file holding a
// single decimal integer.
type FileCounter struct {
	Path string
}

func (f *FileCounter) Read() (uint64, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to read activity counter: %w", err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed activity counter value: %w", err)
	}
	return n, nil
}

// TrafficStats is a snapshot of monitor statistics since the last
// ResetStatistics call.
type TrafficStats struct {
	TotalSamples  uint64        `json:"total_samples"`
	ActiveSamples uint64        `json:"active_samples"`
	TotalPulses   uint64        `json:"total_pulses"`
	IdleFor       time.Duration `json:"idle_for"`
	CounterBroken bool          `json:"counter_broken"`
}

// TrafficMonitor tracks consecutive bus silence by sampling an activity
// counter. Update is expected to be called on a short fixed interval by
// the controller loop; all methods are safe for concurrent use so the
// diagnostic surface can read while the loop samples.
//
// A counter read failure degrades to "never idle": with no evidence of
// silence, the card is presumed busy and is never taken.
type TrafficMonitor struct {
	counter ActivityCounter
	now     func() time.Time
	log     *slog.Logger

	mu            sync.Mutex
	primed        bool
	lastCount     uint64
	lastActive    time.Time
	totalSamples  uint64
	activeSamples uint64
	totalPulses   uint64
	broken        bool
}

// NewTrafficMonitor creates a monitor over the given counter.
func NewTrafficMonitor(counter ActivityCounter, logger *slog.Logger) *TrafficMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrafficMonitor{
		counter: counter,
		now:     time.Now,
		log:     logger,
	}
}

// Update takes one sample. The first sample only primes the baseline
// and counts as activity.
func (m *TrafficMonitor) Update() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count, err := m.counter.Read()
	if err != nil {
		if !m.broken {
			m.log.Warn("activity counter read failed, treating bus as busy", "error", err)
		}
		m.broken = true
		m.lastActive = now
		return
	}
	if m.broken {
		m.log.Info("activity counter recovered")
		m.broken = false
		m.primed = false
	}

	m.totalSamples++
	if !m.primed {
		m.primed = true
		m.lastCount = count
		m.lastActive = now
		return
	}

	delta := count - m.lastCount
	m.lastCount = count
	if delta != 0 {
		m.totalPulses += delta
		m.activeSamples++
		m.lastActive = now
	}
}

// IsIdleFor reports whether the bus has been continuously silent for at
// least d. A monitor that has never observed a sample, or whose counter
// is broken, is never idle.
func (m *TrafficMonitor) IsIdleFor(d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.broken || !m.primed {
		return false
	}
	return m.now().Sub(m.lastActive) >= d
}

// IdleFor returns the current continuous silence duration.
func (m *TrafficMonitor) IdleFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.broken || !m.primed {
		return 0
	}
	return m.now().Sub(m.lastActive)
}

// ResetIdleTracking restarts the silence clock without touching the
// cumulative statistics. Used when the controller regains interest in
// the bus (e.g. after a release) so stale silence is not trusted.
func (m *TrafficMonitor) ResetIdleTracking() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.primed = false
	m.lastActive = m.now()
}

// ResetStatistics zeroes the cumulative counters and the silence clock.
func (m *TrafficMonitor) ResetStatistics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalSamples = 0
	m.activeSamples = 0
	m.totalPulses = 0
	m.primed = false
	m.lastActive = m.now()
}

// Stats returns a snapshot of the monitor state.
func (m *TrafficMonitor) Stats() TrafficStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := TrafficStats{
		TotalSamples:  m.totalSamples,
		ActiveSamples: m.activeSamples,
		TotalPulses:   m.totalPulses,
		CounterBroken: m.broken,
	}
	if m.primed && !m.broken {
		s.IdleFor = m.now().Sub(m.lastActive)
	}
	return s
}
