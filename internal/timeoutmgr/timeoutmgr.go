// Package timeoutmgr implements the hierarchical timeout hierarchy:
// nested deadlines where a child scope can never outlive its parent.
// Active scopes are tracked the way session.Manager tracks live
// sessions — a mutex-guarded map swept by a background ticker — so an
// operation that forgets to release still gets force-cancelled instead
// of leaking forever.
package timeoutmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"protectcore/internal/settings"
)

// TimeoutError is returned when a scoped deadline elapses.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %q timed out after %s", e.Operation, e.Duration)
}

// Scope is the stack-linked record describing operation name,
// deadline, start time, and an optional parent.
type Scope struct {
	Operation string
	Deadline  time.Time
	StartTime time.Time
	Parent    *Scope

	id     uint64
	cancel context.CancelFunc
}

// Remaining returns the time left before the scope's deadline.
func (s *Scope) Remaining() time.Duration {
	return time.Until(s.Deadline)
}

// Manager hands out deadline-scoped contexts and force-cancels any that
// overrun the emergency cap.
type Manager struct {
	mu             sync.Mutex
	active         map[uint64]*Scope
	nextID         uint64
	emergencyCount int
	onCritical     func(count int)

	defaults settings.TimeoutRule
}

// New creates a Manager using the default durations from Settings.
// onCritical is invoked (if non-nil) once the process has triggered
// five emergency shutdowns in its lifetime.
func New(defaults settings.TimeoutRule, onCritical func(count int)) *Manager {
	return &Manager{
		active:     make(map[uint64]*Scope),
		defaults:   defaults,
		onCritical: onCritical,
	}
}

// Begin opens a new timeout scope. If parent is non-nil, the effective
// deadline is min(requested, parent.Remaining()) — a child can never
// outlive its parent. The returned release function must be called on
// every exit path (normal return, error, panic-recover); it is safe to
// call more than once.
func (m *Manager) Begin(ctx context.Context, operation string, duration time.Duration, parent *Scope) (context.Context, *Scope, func()) {
	effective := duration
	if parent != nil {
		if remaining := parent.Remaining(); remaining < effective {
			effective = remaining
		}
	}

	deadline := time.Now().Add(effective)
	cctx, cancel := context.WithDeadline(ctx, deadline)

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	scope := &Scope{
		Operation: operation,
		Deadline:  deadline,
		StartTime: time.Now(),
		Parent:    parent,
		id:        id,
		cancel:    cancel,
	}
	m.active[id] = scope
	m.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.active, id)
			m.mu.Unlock()
			cancel()
		})
	}

	return cctx, scope, release
}

// Wait blocks until ctx is done, returning a *TimeoutError if it ended
// because the deadline elapsed rather than being cancelled for another
// reason.
func (m *Manager) Wait(ctx context.Context, scope *Scope) error {
	<-ctx.Done()
	if ctx.Err() == context.DeadlineExceeded {
		return &TimeoutError{Operation: scope.Operation, Duration: time.Since(scope.StartTime)}
	}
	return ctx.Err()
}

// ActiveCount returns the number of open scopes, for monitoring.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Run drives the emergency-shutdown sweep: any scope that has exceeded
// the configured emergency cap is force-cancelled and logged. Five
// emergency shutdowns within the process lifetime trigger onCritical.
// The loop's only stop signal is ctx cancellation, matching
// session.Manager.Run's shutdown contract.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepEmergency()
		}
	}
}

func (m *Manager) sweepEmergency() {
	emergencyCap := m.defaults.EmergencyShutdown
	now := time.Now()

	m.mu.Lock()
	var expired []*Scope
	for id, scope := range m.active {
		if now.Sub(scope.StartTime) >= emergencyCap {
			expired = append(expired, scope)
			delete(m.active, id)
		}
	}
	if len(expired) > 0 {
		m.emergencyCount += len(expired)
	}
	count := m.emergencyCount
	m.mu.Unlock()

	for _, scope := range expired {
		scope.cancel()
		slog.Warn("emergency shutdown: operation exceeded cap",
			"operation", scope.Operation,
			"duration", now.Sub(scope.StartTime),
			"cap", emergencyCap,
		)
	}

	if len(expired) > 0 && count >= 5 && m.onCritical != nil {
		m.onCritical(count)
	}
}

// Defaults returns the configured durations for the named operation
// kinds it governs (total-agent, per-phase, per-LLM-call).
func (m *Manager) Defaults() settings.TimeoutRule {
	return m.defaults
}
