// Package ratelimit gates sensitive vault operations per tenant.
// Each operation has a fixed-window counter. On top of that, failures are
// tracked per tenant across operations and escalate to a hard block once an
// operation-specific threshold is crossed.
// Supports both in-memory (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
)

type Operation string

const (
	OpAPIKeyTest   Operation = "apiKeyTest"
	OpAPIKeyCreate Operation = "apiKeyCreate"
	OpBulkValidate Operation = "bulkValidate"
	OpExport       Operation = "export"
)

const (
	// CriticalFailures is the failure count at which alerts are raised.
	CriticalFailures = 5

	suspicionResetAfter = 24 * time.Hour
	suspicionRetention  = 7 * 24 * time.Hour
)

var ErrUnknownOperation = errors.New("unknown rate limit operation")

// Rule configures one operation. Once failures exceed SuspicionThreshold the
// tenant is blocked for BlockDuration regardless of the window state.
type Rule struct {
	MaxRequests        int
	Window             time.Duration
	SuspicionThreshold int
	BlockDuration      time.Duration
}

func DefaultRules() map[Operation]Rule {
	return map[Operation]Rule{
		OpAPIKeyTest:   {MaxRequests: 5, Window: time.Hour, SuspicionThreshold: 10, BlockDuration: time.Hour},
		OpAPIKeyCreate: {MaxRequests: 10, Window: 24 * time.Hour, SuspicionThreshold: 5, BlockDuration: 24 * time.Hour},
		OpBulkValidate: {MaxRequests: 3, Window: time.Hour, SuspicionThreshold: 5, BlockDuration: 2 * time.Hour},
		OpExport:       {MaxRequests: 2, Window: 24 * time.Hour, SuspicionThreshold: 3, BlockDuration: 24 * time.Hour},
	}
}

type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Reason    string
}

// Err converts a denied decision into a *domain.RateLimitedError.
func (d Decision) Err(op Operation) error {
	if d.Allowed {
		return nil
	}
	return &domain.RateLimitedError{Operation: string(op), ResetAt: d.ResetAt, Reason: d.Reason}
}

type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

func severityFor(attempts int) Severity {
	if attempts >= CriticalFailures {
		return SeverityCritical
	}
	return SeverityWarning
}

type Alert struct {
	TenantID  string
	Operation Operation
	Reason    string
	Attempts  int
	Severity  Severity
	At        time.Time
}

// AlertHandler is invoked for every failure that reaches SeverityCritical.
type AlertHandler func(ctx context.Context, alert Alert)

type Limiter interface {
	Check(ctx context.Context, tenantID string, op Operation) (Decision, error)
	RecordFailure(ctx context.Context, tenantID string, op Operation, reason string) (Severity, error)
}

// alerts fans critical failures out to the registered handlers.
type alerts struct {
	mu       sync.RWMutex
	handlers []AlertHandler
}

func (a *alerts) OnAlert(h AlertHandler) {
	a.mu.Lock()
	a.handlers = append(a.handlers, h)
	a.mu.Unlock()
}

func (a *alerts) fire(ctx context.Context, alert Alert) {
	slog.Warn("suspicious activity",
		"tenant_id", alert.TenantID,
		"operation", alert.Operation,
		"reason", alert.Reason,
		"attempts", alert.Attempts,
		"severity", alert.Severity.String(),
	)
	if alert.Severity != SeverityCritical {
		return
	}

	a.mu.RLock()
	handlers := append([]AlertHandler(nil), a.handlers...)
	a.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, alert)
	}
}

type window struct {
	count   int
	resetAt time.Time
}

type suspicion struct {
	attempts     int
	lastAttempt  time.Time
	blockedUntil time.Time
}

// InMemoryLimiter keeps windows and suspicion records in process memory.
// Suitable for single-instance deployments.
type InMemoryLimiter struct {
	alerts

	rules map[Operation]Rule
	now   func() time.Time

	mu         sync.Mutex
	windows    map[string]*window
	suspicions map[string]*suspicion
}

func NewInMemoryLimiter(rules map[Operation]Rule) *InMemoryLimiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &InMemoryLimiter{
		rules:      rules,
		now:        time.Now,
		windows:    make(map[string]*window),
		suspicions: make(map[string]*suspicion),
	}
}

func windowKey(tenantID string, op Operation) string {
	return tenantID + ":" + string(op)
}

func (l *InMemoryLimiter) Check(ctx context.Context, tenantID string, op Operation) (Decision, error) {
	rule, ok := l.rules[op]
	if !ok {
		return Decision{}, ErrUnknownOperation
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if s := l.activeSuspicion(tenantID, now); s != nil && now.Before(s.blockedUntil) {
		return Decision{Allowed: false, ResetAt: s.blockedUntil, Reason: "temporarily blocked due to suspicious activity"}, nil
	}

	key := windowKey(tenantID, op)
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rule.Window)}
		l.windows[key] = w
	}

	if w.count >= rule.MaxRequests {
		return Decision{Allowed: false, Remaining: 0, ResetAt: w.resetAt}, nil
	}

	w.count++
	return Decision{Allowed: true, Remaining: rule.MaxRequests - w.count, ResetAt: w.resetAt}, nil
}

// activeSuspicion returns the tenant's record, dropping it after 24h of inactivity.
func (l *InMemoryLimiter) activeSuspicion(tenantID string, now time.Time) *suspicion {
	s, ok := l.suspicions[tenantID]
	if !ok {
		return nil
	}
	if now.Sub(s.lastAttempt) > suspicionResetAfter && !now.Before(s.blockedUntil) {
		delete(l.suspicions, tenantID)
		return nil
	}
	return s
}

func (l *InMemoryLimiter) RecordFailure(ctx context.Context, tenantID string, op Operation, reason string) (Severity, error) {
	rule, ok := l.rules[op]
	if !ok {
		return SeverityNone, ErrUnknownOperation
	}

	l.mu.Lock()
	now := l.now()
	s := l.activeSuspicion(tenantID, now)
	if s == nil {
		s = &suspicion{}
		l.suspicions[tenantID] = s
	}
	s.attempts++
	s.lastAttempt = now
	if s.attempts > rule.SuspicionThreshold {
		s.blockedUntil = now.Add(rule.BlockDuration)
	}
	attempts := s.attempts
	l.mu.Unlock()

	severity := severityFor(attempts)
	l.fire(ctx, Alert{
		TenantID:  tenantID,
		Operation: op,
		Reason:    reason,
		Attempts:  attempts,
		Severity:  severity,
		At:        now,
	})
	return severity, nil
}

// Cleanup removes expired windows and suspicion records older than 7 days.
func (l *InMemoryLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
	for tenantID, s := range l.suspicions {
		if now.Sub(s.lastAttempt) > suspicionRetention && !now.Before(s.blockedUntil) {
			delete(l.suspicions, tenantID)
		}
	}
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (l *InMemoryLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}
