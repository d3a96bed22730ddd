package ratelimit

import (
	"context"
	"math"
	"time"
)

// Policy describes a fixed window admission budget
type Policy struct {
	Name        string
	MaxRequests int
	Window      time.Duration
}

// Decision is the outcome of one admission attempt
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	ResetAt   time.Time
	Remaining int
}

// RetryAfter returns the whole seconds until the window resets, at least 1
// when the request was rejected
func (d Decision) RetryAfter(now time.Time) int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter admits or rejects requests for a key under a policy.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, policy Policy, key string) (Decision, error)
}

// Default policies
var (
	RegisterPolicy = Policy{Name: "register", MaxRequests: 3, Window: time.Hour}
	SendPolicy     = Policy{Name: "send", MaxRequests: 3, Window: time.Minute}
	ReplyPolicy    = Policy{Name: "reply", MaxRequests: 5, Window: time.Minute}
)

func storageKey(policy Policy, key string) string {
	return policy.Name + ":" + key
}

func decide(policy Policy, count int, resetAt time.Time) Decision {
	remaining := policy.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= policy.MaxRequests,
		Count:     count,
		Limit:     policy.MaxRequests,
		ResetAt:   resetAt,
		Remaining: remaining,
	}
}
