// Package budget implements the session time budget that keeps the
// card borrow window bounded. A session tracks active transfer time,
// learns the real transfer rate from completed uploads, and refuses
// files that would not finish inside the remaining budget.
package budget

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRate is the conservative transfer-rate assumption used
	// until enough real samples exist.
	DefaultRate = 40 * 1024 // bytes per second

	// minSampleBytes filters out tiny transfers whose timing is mostly
	// fixed overhead and would poison the rate estimate.
	minSampleBytes = 16 * 1024

	// rateSamples is the size of the smoothing ring.
	rateSamples = 5
)

// TimeBudget is a per-session time accountant. All methods are safe for
// concurrent use; the worker records uploads while the controller polls
// HasBudget.
type TimeBudget struct {
	ceiling time.Duration // hard exclusive-access cap
	now     func() time.Time
	log     *slog.Logger

	mu           sync.Mutex
	active       bool
	paused       bool
	budget       time.Duration
	accumulated  time.Duration // active time in closed segments
	segmentStart time.Time     // start of the current running segment

	rates   [rateSamples]float64 // bytes per second
	rateLen int
	rateIdx int
}

// New creates a budget with the given exclusive-access ceiling.
func New(ceiling time.Duration, logger *slog.Logger) *TimeBudget {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeBudget{
		ceiling: ceiling,
		now:     time.Now,
		log:     logger,
	}
}

// StartSession opens a new session with the given base duration scaled
// by the retry multiplier. The result never exceeds the ceiling; the
// ceiling always wins. Any previous session state is discarded, but the
// learned transfer rate carries over.
func (b *TimeBudget) StartSession(duration time.Duration, multiplier float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if multiplier < 1 {
		multiplier = 1
	}
	budget := time.Duration(float64(duration) * multiplier)
	if budget > b.ceiling {
		budget = b.ceiling
	}

	b.active = true
	b.paused = false
	b.budget = budget
	b.accumulated = 0
	b.segmentStart = b.now()
	b.log.Info("budget session started",
		"budget", budget.Round(time.Second),
		"multiplier", multiplier)
}

// EndSession closes the session. HasBudget reports false afterwards.
func (b *TimeBudget) EndSession() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active && !b.paused {
		b.accumulated += b.now().Sub(b.segmentStart)
	}
	b.active = false
}

// PauseActiveTime stops the active-time clock, e.g. while the bus is
// voluntarily yielded between folders.
func (b *TimeBudget) PauseActiveTime() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active || b.paused {
		return
	}
	b.accumulated += b.now().Sub(b.segmentStart)
	b.paused = true
}

// ResumeActiveTime restarts the clock after a pause.
func (b *TimeBudget) ResumeActiveTime() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active || !b.paused {
		return
	}
	b.segmentStart = b.now()
	b.paused = false
}

func (b *TimeBudget) elapsedLocked() time.Duration {
	e := b.accumulated
	if b.active && !b.paused {
		e += b.now().Sub(b.segmentStart)
	}
	return e
}

// Elapsed returns the active time consumed so far.
func (b *TimeBudget) Elapsed() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.elapsedLocked()
}

// Remaining returns the unconsumed budget, never negative.
func (b *TimeBudget) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active {
		return 0
	}
	r := b.budget - b.elapsedLocked()
	if r < 0 {
		r = 0
	}
	return r
}

// HasBudget reports whether the session is open with time left.
func (b *TimeBudget) HasBudget() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active && b.elapsedLocked() < b.budget
}

// Rate returns the smoothed transfer rate in bytes per second, or the
// conservative default while fewer samples than the ring holds exist.
func (b *TimeBudget) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rateLocked()
}

func (b *TimeBudget) rateLocked() float64 {
	if b.rateLen == 0 {
		return DefaultRate
	}
	var sum float64
	for i := 0; i < b.rateLen; i++ {
		sum += b.rates[i]
	}
	return sum / float64(b.rateLen)
}

// CanUploadFile reports whether a file of the given size is expected to
// finish within the remaining budget at the current rate estimate. A
// zero-size file is always admitted.
func (b *TimeBudget) CanUploadFile(size int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active {
		return false
	}
	if size <= 0 {
		return true
	}
	remaining := b.budget - b.elapsedLocked()
	if remaining <= 0 {
		return false
	}
	estimated := time.Duration(float64(size) / b.rateLocked() * float64(time.Second))
	return estimated <= remaining
}

// RecordUpload feeds one completed transfer into the rate estimator.
// Transfers below the minimum sample size are ignored, as is a zero
// elapsed time.
func (b *TimeBudget) RecordUpload(bytes int64, elapsed time.Duration) {
	if bytes < minSampleBytes || elapsed <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rate := float64(bytes) / elapsed.Seconds()
	b.rates[b.rateIdx] = rate
	b.rateIdx = (b.rateIdx + 1) % rateSamples
	if b.rateLen < rateSamples {
		b.rateLen++
	}
}
