package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rules map[Operation]Rule) (*InMemoryLimiter, *clock) {
	c := &clock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewInMemoryLimiter(rules)
	l.now = c.now
	return l, c
}

func TestInMemoryLimiter_ScenarioD(t *testing.T) {
	l, _ := newTestLimiter(nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, "tenant_abcdefghij", OpAPIKeyTest)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
		if d.Remaining != 4-i {
			t.Errorf("call %d: remaining = %d, want %d", i+1, d.Remaining, 4-i)
		}
	}

	d, _ := l.Check(ctx, "tenant_abcdefghij", OpAPIKeyTest)
	if d.Allowed {
		t.Error("6th call within the hour should be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", d.Remaining)
	}

	var rlErr *domain.RateLimitedError
	if !errors.As(d.Err(OpAPIKeyTest), &rlErr) || rlErr.Operation != "apiKeyTest" {
		t.Errorf("Err() = %v, want RateLimitedError for apiKeyTest", d.Err(OpAPIKeyTest))
	}
}

func TestInMemoryLimiter_WindowReset(t *testing.T) {
	l, c := newTestLimiter(map[Operation]Rule{
		OpExport: {MaxRequests: 2, Window: time.Minute, SuspicionThreshold: 10, BlockDuration: time.Hour},
	})
	ctx := context.Background()

	l.Check(ctx, "tenant1", OpExport)
	first, _ := l.Check(ctx, "tenant1", OpExport)
	if d, _ := l.Check(ctx, "tenant1", OpExport); d.Allowed {
		t.Fatal("third call should be denied")
	}

	if want := c.now().Add(time.Minute); !first.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", first.ResetAt, want)
	}

	c.advance(time.Minute)
	d, _ := l.Check(ctx, "tenant1", OpExport)
	if !d.Allowed || d.Remaining != 1 {
		t.Errorf("after window: allowed=%v remaining=%d, want true/1", d.Allowed, d.Remaining)
	}
}

func TestInMemoryLimiter_Isolation(t *testing.T) {
	l, _ := newTestLimiter(nil)
	ctx := context.Background()

	l.Check(ctx, "tenant1", OpExport)
	l.Check(ctx, "tenant1", OpExport)

	tests := []struct {
		name   string
		tenant string
		op     Operation
		want   bool
	}{
		{"exhausted", "tenant1", OpExport, false},
		{"other operation", "tenant1", OpAPIKeyTest, true},
		{"other tenant", "tenant2", OpExport, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := l.Check(ctx, tt.tenant, tt.op)
			if d.Allowed != tt.want {
				t.Errorf("Allowed = %v, want %v", d.Allowed, tt.want)
			}
		})
	}
}

func TestInMemoryLimiter_UnknownOperation(t *testing.T) {
	l, _ := newTestLimiter(nil)
	if _, err := l.Check(context.Background(), "tenant1", "rotate"); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("Check() error = %v, want ErrUnknownOperation", err)
	}
	if _, err := l.RecordFailure(context.Background(), "tenant1", "rotate", ""); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("RecordFailure() error = %v, want ErrUnknownOperation", err)
	}
}

func TestInMemoryLimiter_SuspicionBlock(t *testing.T) {
	l, c := newTestLimiter(map[Operation]Rule{
		OpAPIKeyTest: {MaxRequests: 100, Window: time.Hour, SuspicionThreshold: 3, BlockDuration: 30 * time.Minute},
		OpExport:     {MaxRequests: 100, Window: time.Hour, SuspicionThreshold: 3, BlockDuration: 30 * time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.RecordFailure(ctx, "tenant1", OpAPIKeyTest, "invalid key")
	}
	if d, _ := l.Check(ctx, "tenant1", OpExport); !d.Allowed {
		t.Fatal("reaching the threshold should not block yet")
	}

	l.RecordFailure(ctx, "tenant1", OpAPIKeyTest, "invalid key")
	d, _ := l.Check(ctx, "tenant1", OpExport)
	if d.Allowed {
		t.Fatal("block should apply across operations")
	}
	if d.Reason == "" {
		t.Error("blocked decision should carry a reason")
	}

	c.advance(31 * time.Minute)
	if d, _ := l.Check(ctx, "tenant1", OpExport); !d.Allowed {
		t.Error("block should expire after BlockDuration")
	}
}

func TestInMemoryLimiter_SuspicionSelfResets(t *testing.T) {
	l, c := newTestLimiter(map[Operation]Rule{
		OpAPIKeyTest: {MaxRequests: 100, Window: time.Hour, SuspicionThreshold: 3, BlockDuration: time.Minute},
	})
	ctx := context.Background()

	l.RecordFailure(ctx, "tenant1", OpAPIKeyTest, "invalid key")
	l.RecordFailure(ctx, "tenant1", OpAPIKeyTest, "invalid key")

	c.advance(25 * time.Hour)
	l.RecordFailure(ctx, "tenant1", OpAPIKeyTest, "invalid key")

	if d, _ := l.Check(ctx, "tenant1", OpAPIKeyTest); !d.Allowed {
		t.Error("failures older than 24h should not count toward the block")
	}
}

func TestInMemoryLimiter_CriticalAlert(t *testing.T) {
	l, _ := newTestLimiter(nil)
	ctx := context.Background()

	var alerts []Alert
	l.OnAlert(func(ctx context.Context, a Alert) {
		alerts = append(alerts, a)
	})

	for i := 1; i <= CriticalFailures; i++ {
		sev, err := l.RecordFailure(ctx, "tenant1", OpAPIKeyTest, "invalid key")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := SeverityWarning
		if i >= CriticalFailures {
			want = SeverityCritical
		}
		if sev != want {
			t.Errorf("failure %d: severity = %v, want %v", i, sev, want)
		}
	}

	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	if alerts[0].Attempts != CriticalFailures || alerts[0].Operation != OpAPIKeyTest {
		t.Errorf("alert = %+v", alerts[0])
	}
}

func TestInMemoryLimiter_Cleanup(t *testing.T) {
	l, c := newTestLimiter(nil)
	ctx := context.Background()

	l.Check(ctx, "tenant1", OpAPIKeyTest)
	l.Check(ctx, "tenant1", OpAPIKeyCreate)
	l.RecordFailure(ctx, "tenant1", OpAPIKeyTest, "invalid key")

	c.advance(2 * time.Hour)
	l.Cleanup()
	if len(l.windows) != 1 {
		t.Errorf("windows = %d, want 1 (daily window still live)", len(l.windows))
	}
	if len(l.suspicions) != 1 {
		t.Errorf("suspicions = %d, want 1", len(l.suspicions))
	}

	c.advance(8 * 24 * time.Hour)
	l.Cleanup()
	if len(l.windows) != 0 || len(l.suspicions) != 0 {
		t.Errorf("after 8 days: windows=%d suspicions=%d, want 0/0", len(l.windows), len(l.suspicions))
	}
}

func TestInMemoryLimiter_ConcurrentAccess(t *testing.T) {
	l := NewInMemoryLimiter(map[Operation]Rule{
		OpAPIKeyTest: {MaxRequests: 100, Window: time.Hour, SuspicionThreshold: 1000, BlockDuration: time.Hour},
	})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				d, _ := l.Check(ctx, "tenant1", OpAPIKeyTest)
				if d.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Errorf("allowed = %d, want exactly 100", allowed)
	}
}

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		op     Operation
		max    int
		window time.Duration
	}{
		{OpAPIKeyTest, 5, time.Hour},
		{OpAPIKeyCreate, 10, 24 * time.Hour},
		{OpBulkValidate, 3, time.Hour},
		{OpExport, 2, 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			r, ok := rules[tt.op]
			if !ok {
				t.Fatalf("no rule for %s", tt.op)
			}
			if r.MaxRequests != tt.max || r.Window != tt.window {
				t.Errorf("rule = %+v, want %d per %v", r, tt.max, tt.window)
			}
		})
	}
}
