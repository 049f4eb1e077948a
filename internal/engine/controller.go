package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sdsync/sdsync/internal/budget"
	"github.com/sdsync/sdsync/internal/bus"
	"github.com/sdsync/sdsync/internal/catalog"
	"github.com/sdsync/sdsync/internal/metrics"
	"github.com/sdsync/sdsync/internal/model"
	"github.com/sdsync/sdsync/internal/schedule"
)

// retryMultiplierStep and retryMultiplierCap bound the budget growth
// granted to a folder that keeps failing: each retry buys half a base
// session more, up to triple.
const (
	retryMultiplierStep = 0.5
	retryMultiplierCap  = 3.0
)

// Controller is the upload cycle state machine. It samples the traffic
// monitor on every tick, acquires the bus only after proven silence,
// runs the orchestrator on a worker goroutine, and always releases the
// bus after the worker finishes, regardless of outcome.
type Controller struct {
	monitor *bus.TrafficMonitor
	arbiter *bus.Arbiter
	budget  *budget.TimeBudget
	sched   *schedule.Scheduler
	catalog *catalog.Store
	orch    *Orchestrator
	log     *slog.Logger
	now     func() time.Time

	silence         time.Duration
	sessionDuration time.Duration
	cooldown        time.Duration
	tickInterval    time.Duration

	mu             sync.Mutex
	state          model.CycleState
	stateEnteredAt time.Time
	hadTimeout     bool
	forced         bool
	filter         model.DataFilter
	lastResult     *model.PassResult

	// Edge-triggered diagnostic requests, consumed exactly once.
	reqUpload  bool
	reqReset   bool
	reqMonitor *bool // nil = none, true = start, false = stop

	workerCancel context.CancelFunc
	resultCh     chan model.PassResult
}

// ControllerOptions wires a Controller.
type ControllerOptions struct {
	Monitor         *bus.TrafficMonitor
	Arbiter         *bus.Arbiter
	Budget          *budget.TimeBudget
	Scheduler       *schedule.Scheduler
	Catalog         *catalog.Store
	Orchestrator    *Orchestrator
	SilenceDuration time.Duration
	SessionDuration time.Duration
	Cooldown        time.Duration
	TickInterval    time.Duration
	Logger          *slog.Logger
}

// NewController creates a controller in its initial state: Idle for
// scheduled mode, Listening for smart mode.
func NewController(opts ControllerOptions) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 100 * time.Millisecond
	}
	initial := model.StateIdle
	if opts.Scheduler.IsSmartMode() {
		initial = model.StateListening
	}
	c := &Controller{
		monitor:         opts.Monitor,
		arbiter:         opts.Arbiter,
		budget:          opts.Budget,
		sched:           opts.Scheduler,
		catalog:         opts.Catalog,
		orch:            opts.Orchestrator,
		log:             logger,
		now:             time.Now,
		silence:         opts.SilenceDuration,
		sessionDuration: opts.SessionDuration,
		cooldown:        opts.Cooldown,
		tickInterval:    opts.TickInterval,
		state:           initial,
	}
	c.stateEnteredAt = c.now()
	metrics.CycleState.WithLabelValues(string(initial)).Set(1)
	return c
}

// Run executes the cycle until ctx is cancelled. On exit any held bus
// is released.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.C:
			c.monitor.Update()
			c.step(ctx)
		}
	}
}

// shutdown drains a running worker and releases the bus.
func (c *Controller) shutdown() {
	c.mu.Lock()
	cancel := c.workerCancel
	ch := c.resultCh
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		<-ch
	}
	if err := c.arbiter.ReleaseControl(); err != nil {
		c.log.Error("release on shutdown failed", "error", err)
	}
}

// RequestUploadNow asks for an immediate upload attempt, bypassing the
// schedule gates. Consumed once.
func (c *Controller) RequestUploadNow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqUpload = true
}

// RequestReset clears the sticky timeout flag and monitor statistics.
// Consumed once; ignored while the bus is held.
func (c *Controller) RequestReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqReset = true
}

// RequestMonitoring starts or stops the diagnostic monitoring state.
// Consumed once.
func (c *Controller) RequestMonitoring(start bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := start
	c.reqMonitor = &v
}

// Status returns a snapshot for the diagnostic surface.
func (c *Controller) Status() model.CycleStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.CycleStatus{
		State:          c.state,
		StateEnteredAt: c.stateEnteredAt,
		HadTimeout:     c.hadTimeout,
		BusOwner:       c.arbiter.Owner(),
		IdleFor:        c.monitor.IdleFor(),
		LastResult:     c.lastResult,
	}
}

// transition moves to a new state. Caller holds c.mu. Entering
// Listening or Monitoring discards accumulated silence so only fresh
// quiet counts toward the next acquisition.
func (c *Controller) transition(to model.CycleState) {
	from := c.state
	if from == to {
		return
	}
	metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	metrics.CycleState.WithLabelValues(string(from)).Set(0)
	metrics.CycleState.WithLabelValues(string(to)).Set(1)
	c.state = to
	c.stateEnteredAt = c.now()
	if to == model.StateListening || to == model.StateMonitoring {
		c.monitor.ResetIdleTracking()
	}
	c.log.Info("cycle transition", "from", from, "to", to)
}

// step advances the state machine by one tick.
func (c *Controller) step(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Reset is honored only while the bus is free.
	if c.reqReset && c.state != model.StateUploading && c.state != model.StateAcquiring &&
		c.state != model.StateComplete && c.state != model.StateReleasing {
		c.reqReset = false
		c.hadTimeout = false
		c.lastResult = nil
		c.monitor.ResetStatistics()
		c.log.Info("cycle state reset by request")
		c.transition(model.StateIdle)
		return
	}

	switch c.state {
	case model.StateIdle:
		if c.reqMonitor != nil {
			start := *c.reqMonitor
			c.reqMonitor = nil
			if start {
				c.transition(model.StateMonitoring)
				return
			}
		}
		if c.reqUpload {
			c.reqUpload = false
			c.forced = true
			c.transition(model.StateListening)
			return
		}
		if c.sched.IsUploadTime() {
			c.forced = false
			c.transition(model.StateListening)
		}

	case model.StateListening:
		if !c.forced && !c.sched.IsUploadTime() {
			c.transition(model.StateIdle)
			return
		}
		if c.monitor.IsIdleFor(c.silence) {
			// A new cycle begins here; the timeout flag describes this
			// cycle only.
			c.hadTimeout = false
			c.transition(model.StateAcquiring)
		}

	case model.StateAcquiring:
		filter := model.FilterAllData
		if !c.forced {
			f, ok := c.sched.AllowedFilter()
			if !ok {
				c.transition(model.StateIdle)
				return
			}
			filter = f
		}
		if err := c.arbiter.TakeControl(false); err != nil {
			metrics.BusAcquisitions.WithLabelValues("failure").Inc()
			c.log.Warn("bus acquisition failed", "error", err)
			c.transition(model.StateListening)
			return
		}
		metrics.BusAcquisitions.WithLabelValues("success").Inc()
		c.filter = filter
		c.startWorker(ctx)
		c.transition(model.StateUploading)

	case model.StateUploading:
		select {
		case res := <-c.resultCh:
			c.resultCh = nil
			c.workerCancel = nil
			c.lastResult = &res
			c.forced = false
			metrics.PassOutcomes.WithLabelValues(string(res.Outcome)).Inc()
			if res.Err != nil {
				c.log.Warn("upload pass finished with error", "outcome", res.Outcome, "error", res.Err)
			} else {
				c.log.Info("upload pass finished", "outcome", res.Outcome,
					"uploaded", res.FilesUploaded, "skipped", res.FilesSkipped,
					"bytes", res.BytesUploaded, "elapsed", res.Elapsed.Round(time.Second))
			}
			if res.Outcome == model.PassComplete {
				c.transition(model.StateComplete)
				return
			}
			if res.Outcome == model.PassTimeout {
				c.hadTimeout = true
			}
			c.transition(model.StateReleasing)
		default:
			// Ceiling enforcement: cancel the worker when the budget is
			// gone; the bus is released only after it returns.
			if !c.budget.HasBudget() && c.workerCancel != nil {
				c.workerCancel()
				c.workerCancel = nil
			}
		}

	case model.StateComplete:
		// Reached only after a full, error-free pass.
		c.sched.MarkUploadCompleted()
		c.transition(model.StateReleasing)

	case model.StateReleasing:
		if err := c.arbiter.ReleaseControl(); err != nil {
			c.log.Error("bus release reported errors", "error", err)
		}
		c.budget.EndSession()
		if err := c.catalog.Save(context.Background()); err != nil {
			c.log.Warn("catalog checkpoint failed", "error", err)
		}
		if c.reqMonitor != nil && *c.reqMonitor {
			c.reqMonitor = nil
			c.transition(model.StateMonitoring)
			return
		}
		c.transition(model.StateCooldown)

	case model.StateCooldown:
		if c.now().Sub(c.stateEnteredAt) >= c.cooldown {
			if c.sched.IsUploadTime() {
				c.transition(model.StateListening)
			} else {
				c.transition(model.StateIdle)
			}
		}

	case model.StateMonitoring:
		// Sampling happens every tick already; just watch for the stop
		// request.
		if c.reqMonitor != nil {
			stop := !*c.reqMonitor
			c.reqMonitor = nil
			if stop {
				if c.sched.IsUploadTime() {
					c.transition(model.StateListening)
				} else {
					c.transition(model.StateIdle)
				}
			}
		}
	}
}

// startWorker opens the budget session and launches the upload pass on
// its own goroutine with a one-shot result channel. Caller holds c.mu.
func (c *Controller) startWorker(ctx context.Context) {
	mult := 1.0 + retryMultiplierStep*float64(c.catalog.Stats().RetryCount)
	if mult > retryMultiplierCap {
		mult = retryMultiplierCap
	}
	c.budget.StartSession(c.sessionDuration, mult)

	wctx, cancel := context.WithCancel(ctx)
	c.workerCancel = cancel
	ch := make(chan model.PassResult, 1)
	c.resultCh = ch
	filter := c.filter

	start := c.now()
	go func() {
		defer cancel()
		res := c.orch.RunPass(wctx, filter)
		metrics.BusHoldSeconds.Observe(time.Since(start).Seconds())
		ch <- res
	}()
}
