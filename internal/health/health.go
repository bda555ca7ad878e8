// Package health tracks the reachability of the service's dependencies
// (the SQL database and the model provider) for the /health endpoint.
//
// Each dependency is probed in the background: first with exponential
// backoff until it answers once, then on a fixed interval. Request
// handling never waits on a probe; it reads the last recorded result.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Probe checks one dependency. Return nil when it is reachable.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the wait after the first failed startup probe.
	InitialDelay time.Duration
	// MaxDelay caps startup backoff growth.
	MaxDelay time.Duration
	// StartupAttempts bounds the backoff phase before falling back
	// to interval polling.
	StartupAttempts int
	// Interval is the steady-state polling period.
	Interval time.Duration
	// Timeout bounds a single probe call.
	Timeout time.Duration
}

// DefaultSchedule probes at 1s, 2s, 4s ... capped at 30s for up to eight
// attempts, then every 30s.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		StartupAttempts: 8,
		Interval:        30 * time.Second,
		Timeout:         5 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.StartupAttempts <= 0 {
		s.StartupAttempts = d.StartupAttempts
	}
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// Status is the last known state of one dependency.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type check struct {
	name  string
	probe Probe

	mu     sync.Mutex
	status Status
}

func (c *check) record(err error, at time.Time) (changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ready := err == nil
	changed = c.status.LastCheck.IsZero() || c.status.Ready != ready
	c.status.Ready = ready
	c.status.LastCheck = at
	c.status.LastError = ""
	if err != nil {
		c.status.LastError = err.Error()
	}
	return changed
}

func (c *check) snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Monitor probes registered dependencies in the background.
type Monitor struct {
	schedule Schedule
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	checks []*check
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor. Zero Schedule fields take defaults.
func NewMonitor(schedule Schedule, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		schedule: schedule.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// Register starts probing a dependency until ctx is cancelled. Panics on
// an empty name or nil probe.
func (m *Monitor) Register(ctx context.Context, name string, probe Probe) {
	if name == "" || probe == nil {
		panic("health: Register requires a name and a probe")
	}
	c := &check{name: name, probe: probe, status: Status{Name: name}}

	m.mu.Lock()
	m.checks = append(m.checks, c)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, c)
	}()
}

// Wait blocks until every probe goroutine has exited.
func (m *Monitor) Wait() { m.wg.Wait() }

// Status returns every dependency's last known state, sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every registered dependency answered its last
// probe.
func (m *Monitor) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

func (m *Monitor) run(ctx context.Context, c *check) {
	s := m.schedule

	delay := s.InitialDelay
	for attempt := 1; attempt <= s.StartupAttempts; attempt++ {
		err := m.probeOnce(ctx, c)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == s.StartupAttempts {
			m.logger.Warn("dependency unreachable at startup, polling",
				"dependency", c.name, "attempts", attempt, "error", err)
			break
		}
		m.logger.Debug("dependency probe failed, retrying",
			"dependency", c.name, "attempt", attempt, "next_delay", delay, "error", err)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay *= 2
		if delay > s.MaxDelay {
			delay = s.MaxDelay
		}
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx, c)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context, c *check) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.schedule.Timeout)
	defer cancel()

	err := c.probe(probeCtx)
	if ctx.Err() != nil {
		// Shutdown, not an outage.
		return ctx.Err()
	}
	if c.record(err, m.now()) {
		if err == nil {
			m.logger.Info("dependency ready", "dependency", c.name)
		} else {
			m.logger.Warn("dependency down", "dependency", c.name, "error", err)
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
