package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestAlerter(t *testing.T) (*AuditAlerter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewAuditAlerter(client, "test:alerts"), mr
}

func TestAuditAlerterObserveTriggers(t *testing.T) {
	alerter, _ := newTestAlerter(t)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		result, err := alerter.Observe(ctx, EventLogin, OutcomeFail, "127.0.0.1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if result.Count != int64(i) {
			t.Fatalf("attempt %d: count = %d", i, result.Count)
		}
		if result.Triggered != (i == 10) {
			t.Fatalf("attempt %d: triggered = %v", i, result.Triggered)
		}
	}
}

func TestAuditAlerterCountsPerClient(t *testing.T) {
	alerter, _ := newTestAlerter(t)
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		if _, err := alerter.Observe(ctx, EventLogin, OutcomeFail, "10.0.0.1"); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	result, err := alerter.Observe(ctx, EventLogin, OutcomeFail, "10.0.0.2")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Count != 1 || result.Triggered {
		t.Fatalf("other client should start fresh: %+v", result)
	}
}

func TestAuditAlerterWindowRollsOver(t *testing.T) {
	alerter, _ := newTestAlerter(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	alerter.now = func() time.Time { return now }
	for i := 0; i < 10; i++ {
		if _, err := alerter.Observe(ctx, EventRegister, OutcomeFail, "127.0.0.1"); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	now = now.Add(5 * time.Minute)
	result, err := alerter.Observe(ctx, EventRegister, OutcomeFail, "127.0.0.1")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Count != 1 || result.Triggered {
		t.Fatalf("expected a fresh window: %+v", result)
	}
}

func TestAuditAlerterObserveIgnoresUnknownRule(t *testing.T) {
	alerter, mr := newTestAlerter(t)
	result, err := alerter.Observe(context.Background(), EventLogin, OutcomeSuccess, "127.0.0.1")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Triggered || result.Count != 0 {
		t.Fatalf("unexpected result for success outcome: %+v", result)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("success outcome should not be counted, keys: %v", keys)
	}
}

func TestAuditAlerterNilIsNoop(t *testing.T) {
	var alerter *AuditAlerter
	if result, err := alerter.Observe(context.Background(), EventLogin, OutcomeFail, "127.0.0.1"); err != nil || result.Triggered {
		t.Fatalf("nil alerter: %+v %v", result, err)
	}
	if NewRedisAuditAlerter("", "", "") != nil {
		t.Fatalf("empty addr should disable alerting")
	}
	if err := alerter.Close(); err != nil {
		t.Fatalf("close nil alerter: %v", err)
	}
}

func TestAuditAlerterReportsRedisErrors(t *testing.T) {
	alerter, mr := newTestAlerter(t)
	mr.Close()
	if _, err := alerter.Observe(context.Background(), EventLogin, OutcomeFail, "127.0.0.1"); err == nil {
		t.Fatalf("expected error when redis is down")
	}
}
