package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Security event names and outcomes reported by the HTTP layer.
const (
	EventLogin     = "catalog.login"
	EventRegister  = "catalog.register"
	EventAuthorize = "catalog.authorize"

	OutcomeSuccess     = "success"
	OutcomeFail        = "fail"
	OutcomeRateLimited = "rate_limited"
)

// AlertResult contains alert evaluation output.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// AuditAlerter counts security events per client in Redis and reports when a
// rule's threshold is reached within its window. A nil AuditAlerter observes
// nothing.
type AuditAlerter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewAuditAlerter creates an alerter on an existing client. A nil client
// yields a nil alerter.
func NewAuditAlerter(client redis.UniversalClient, prefix string) *AuditAlerter {
	if client == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "catalog:alerts"
	}
	return &AuditAlerter{client: client, prefix: prefix, now: time.Now}
}

// NewRedisAuditAlerter dials addr. An empty addr disables alerting.
func NewRedisAuditAlerter(addr, password, prefix string) *AuditAlerter {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	return NewAuditAlerter(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), prefix)
}

// Observe records a security event and returns whether alert threshold is reached.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	result := AlertResult{}
	if a == nil || a.client == nil {
		return result, nil
	}
	threshold, window, ok := alertRule(event, outcome)
	if !ok {
		return result, nil
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = "unknown"
	}
	windowMs := window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, sanitizeSegment(event), sanitizeSegment(outcome), sanitizeSegment(ip), slot)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return result, fmt.Errorf("count security event: %w", err)
	}
	result.Count = count
	result.Threshold = threshold
	result.Window = window
	result.Triggered = count >= threshold
	return result, nil
}

// Close releases the Redis client.
func (a *AuditAlerter) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

func alertRule(event, outcome string) (threshold int64, window time.Duration, ok bool) {
	event = strings.TrimSpace(event)
	outcome = strings.TrimSpace(outcome)
	if outcome == OutcomeRateLimited {
		return 20, time.Minute, true
	}
	if outcome != OutcomeFail {
		return 0, 0, false
	}
	switch event {
	case EventLogin, EventRegister:
		return 10, 5 * time.Minute, true
	case EventAuthorize:
		return 25, 5 * time.Minute, true
	default:
		return 0, 0, false
	}
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(":", "_", "|", "_", " ", "_")
	return replacer.Replace(in)
}
