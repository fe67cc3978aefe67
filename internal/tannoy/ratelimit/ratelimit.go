// Package ratelimit provides per-key token bucket admission control for the
// HTTP endpoints. Buckets are kept in an expiring cache so that one-off
// clients do not grow the bucket set without bound.
package ratelimit

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/tannoyproject/tannoy/internal/common/tannoyerrors"
	"github.com/tannoyproject/tannoy/internal/common/util"
)

// Policy describes one token bucket: Burst tokens are available immediately
// and refill at Rate tokens per second.
type Policy struct {
	Rate  float64
	Burst int
}

// KeyedLimiter maintains one token bucket per key (typically a client IP)
// under a shared policy. Idle buckets expire after IdleTTL and are removed by
// Prune, which the server runs as a background task.
type KeyedLimiter struct {
	name    string
	policy  Policy
	buckets *cache.Cache
	clock   util.Clock

	mu       sync.Mutex
	allowed  uint64
	rejected uint64
}

func New(name string, policy Policy, idleTTL time.Duration) *KeyedLimiter {
	// Pruning is driven by the server's background task loop rather than the
	// cache's own janitor, so there is a single owner of cleanup work.
	return &KeyedLimiter{
		name:    name,
		policy:  policy,
		buckets: cache.New(idleTTL, 0),
		clock:   &util.DefaultClock{},
	}
}

// Allow admits the request if the key's bucket has a token available and
// otherwise returns an *tannoyerrors.ErrRateLimited carrying how long the
// caller must wait for the next token.
func (l *KeyedLimiter) Allow(key string) error {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := l.bucketFor(key)
	reservation := bucket.ReserveN(now, 1)
	if !reservation.OK() {
		// A single request can never be satisfied under this policy.
		l.rejected++
		return errors.WithStack(&tannoyerrors.ErrRateLimited{
			Key:     key,
			Policy:  l.name,
			Message: "request exceeds bucket capacity",
		})
	}

	delay := reservation.DelayFrom(now)
	if delay > 0 {
		// No token right now; hand it back and tell the caller when to retry.
		reservation.CancelAt(now)
		l.rejected++
		return errors.WithStack(&tannoyerrors.ErrRateLimited{
			Key:        key,
			Policy:     l.name,
			RetryAfter: delay,
		})
	}

	l.allowed++
	return nil
}

// bucketFor returns the existing bucket for key, creating it if necessary.
// Every access refreshes the idle TTL. Callers hold l.mu.
func (l *KeyedLimiter) bucketFor(key string) *rate.Limiter {
	var bucket *rate.Limiter
	if cached, ok := l.buckets.Get(key); ok {
		bucket = cached.(*rate.Limiter)
	} else {
		bucket = rate.NewLimiter(rate.Limit(l.policy.Rate), l.policy.Burst)
	}
	l.buckets.Set(key, bucket, cache.DefaultExpiration)
	return bucket
}

// Prune removes buckets that have been idle longer than the TTL.
func (l *KeyedLimiter) Prune() {
	l.buckets.DeleteExpired()
}

func (l *KeyedLimiter) Name() string {
	return l.name
}

// BucketCount returns the number of live buckets, including any that have
// expired but not yet been pruned.
func (l *KeyedLimiter) BucketCount() int {
	return l.buckets.ItemCount()
}

// Counts returns the cumulative number of allowed and rejected requests.
func (l *KeyedLimiter) Counts() (allowed, rejected uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowed, l.rejected
}
