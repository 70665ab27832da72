package server

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketKind names a rate-limit bucket family.
type BucketKind string

const (
	BucketMessage    BucketKind = "message"
	BucketImageChunk BucketKind = "image_chunk"
	BucketConnection BucketKind = "connection"
)

// RateLimits configures the per-kind budgets.
type RateLimits struct {
	// MessagesPerWindow and ImageChunksPerWindow are budgets per
	// 10-second window. ConnectionsPerMinute is per source IP.
	MessagesPerWindow    int
	ImageChunksPerWindow int
	ConnectionsPerMinute int

	// BanThreshold is the number of connection-rate violations before
	// the source IP is handed to the ban callback.
	BanThreshold int
}

// TempBanDuration is how long a rate-limit triggered IP ban lasts.
const TempBanDuration = 15 * time.Minute

const rateWindow = 10 * time.Second

type bucketKey struct {
	identity string
	kind     BucketKind
}

// RateLimiter applies independent token buckets per (identity, kind).
// Exhausting one bucket never affects another, so a client that spent
// its message budget can still receive. Connection buckets are keyed by
// source IP and feed an escalating temp-ban callback.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[bucketKey]*rate.Limiter
	violations map[string]int
	limits     RateLimits

	// onBan is invoked (outside the lock) when an IP crosses the
	// violation threshold.
	onBan func(ip string, d time.Duration)
}

// NewRateLimiter creates a limiter. onBan may be nil.
func NewRateLimiter(limits RateLimits, onBan func(ip string, d time.Duration)) *RateLimiter {
	return &RateLimiter{
		buckets:    make(map[bucketKey]*rate.Limiter),
		violations: make(map[string]int),
		limits:     limits,
		onBan:      onBan,
	}
}

func (l *RateLimiter) limiterFor(key bucketKey) *rate.Limiter {
	if lim, ok := l.buckets[key]; ok {
		return lim
	}
	var lim *rate.Limiter
	switch key.kind {
	case BucketMessage:
		lim = rate.NewLimiter(rate.Limit(float64(l.limits.MessagesPerWindow)/rateWindow.Seconds()), l.limits.MessagesPerWindow)
	case BucketImageChunk:
		lim = rate.NewLimiter(rate.Limit(float64(l.limits.ImageChunksPerWindow)/rateWindow.Seconds()), l.limits.ImageChunksPerWindow)
	case BucketConnection:
		lim = rate.NewLimiter(rate.Limit(float64(l.limits.ConnectionsPerMinute)/60.0), l.limits.ConnectionsPerMinute)
	default:
		lim = rate.NewLimiter(rate.Inf, 0)
	}
	l.buckets[key] = lim
	return lim
}

// Allow consumes one token from the (identity, kind) bucket. On denial
// it returns the number of whole seconds until a token is available.
// Connection denials count toward the identity's violation total.
func (l *RateLimiter) Allow(identity string, kind BucketKind) (allowed bool, retryAfter int) {
	l.mu.Lock()
	lim := l.limiterFor(bucketKey{identity: identity, kind: kind})

	res := lim.Reserve()
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
	}

	var banIP string
	if delay > 0 && kind == BucketConnection {
		l.violations[identity]++
		if l.limits.BanThreshold > 0 && l.violations[identity] >= l.limits.BanThreshold {
			banIP = identity
			delete(l.violations, identity)
		}
	}
	l.mu.Unlock()

	if banIP != "" && l.onBan != nil {
		l.onBan(banIP, TempBanDuration)
	}
	if delay > 0 {
		return false, int(math.Ceil(delay.Seconds()))
	}
	return true, 0
}

// Forget releases all buckets for an identity, typically on disconnect.
func (l *RateLimiter) Forget(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.buckets {
		if key.identity == identity {
			delete(l.buckets, key)
		}
	}
}
