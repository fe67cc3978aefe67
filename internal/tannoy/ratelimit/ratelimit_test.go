package ratelimit

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tannoyproject/tannoy/internal/common/tannoyerrors"
	"github.com/tannoyproject/tannoy/internal/common/util"
)

func newTestLimiter(policy Policy, idleTTL time.Duration) (*KeyedLimiter, *util.DummyClock) {
	clock := &util.DummyClock{T: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter := New("test", policy, idleTTL)
	limiter.clock = clock
	return limiter, clock
}

func TestKeyedLimiter_BurstThenReject(t *testing.T) {
	limiter, _ := newTestLimiter(Policy{Rate: 1, Burst: 3}, time.Minute)

	for i := 0; i < 3; i++ {
		assert.NoError(t, limiter.Allow("10.0.0.1"))
	}

	err := limiter.Allow("10.0.0.1")
	require.Error(t, err)

	var rateLimited *tannoyerrors.ErrRateLimited
	require.True(t, errors.As(err, &rateLimited))
	assert.Equal(t, "10.0.0.1", rateLimited.Key)
	assert.Equal(t, "test", rateLimited.Policy)
	// With rate 1/s the next token is about a second away.
	assert.InDelta(t, time.Second.Seconds(), rateLimited.RetryAfter.Seconds(), 0.05)

	allowed, rejected := limiter.Counts()
	assert.Equal(t, uint64(3), allowed)
	assert.Equal(t, uint64(1), rejected)
}

func TestKeyedLimiter_RefillAdmitsExactlyOneMore(t *testing.T) {
	limiter, clock := newTestLimiter(Policy{Rate: 2, Burst: 2}, time.Minute)

	assert.NoError(t, limiter.Allow("k"))
	assert.NoError(t, limiter.Allow("k"))
	assert.Error(t, limiter.Allow("k"))

	// One refill interval later exactly one more request passes.
	clock.T = clock.T.Add(500 * time.Millisecond)
	assert.NoError(t, limiter.Allow("k"))
	assert.Error(t, limiter.Allow("k"))
}

func TestKeyedLimiter_KeysAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(Policy{Rate: 1, Burst: 1}, time.Minute)

	assert.NoError(t, limiter.Allow("10.0.0.1"))
	assert.Error(t, limiter.Allow("10.0.0.1"))

	// A different client is unaffected.
	assert.NoError(t, limiter.Allow("10.0.0.2"))

	assert.Equal(t, 2, limiter.BucketCount())
}

func TestKeyedLimiter_RejectionDoesNotConsumeTokens(t *testing.T) {
	limiter, clock := newTestLimiter(Policy{Rate: 1, Burst: 1}, time.Minute)

	assert.NoError(t, limiter.Allow("k"))

	// Rejected attempts hand their reservation back, so they do not push the
	// next token further into the future.
	for i := 0; i < 10; i++ {
		assert.Error(t, limiter.Allow("k"))
	}

	clock.T = clock.T.Add(time.Second)
	assert.NoError(t, limiter.Allow("k"))
}

func TestKeyedLimiter_ZeroBurstNeverAdmits(t *testing.T) {
	limiter, _ := newTestLimiter(Policy{Rate: 1, Burst: 0}, time.Minute)

	err := limiter.Allow("k")
	require.Error(t, err)

	var rateLimited *tannoyerrors.ErrRateLimited
	require.True(t, errors.As(err, &rateLimited))
	assert.Zero(t, rateLimited.RetryAfter)
}

func TestKeyedLimiter_PruneDropsIdleBuckets(t *testing.T) {
	limiter, _ := newTestLimiter(Policy{Rate: 1, Burst: 1}, 10*time.Millisecond)

	require.NoError(t, limiter.Allow("a"))
	require.NoError(t, limiter.Allow("b"))
	assert.Equal(t, 2, limiter.BucketCount())

	// The cache tracks expiry on its own wall clock.
	time.Sleep(20 * time.Millisecond)
	limiter.Prune()
	assert.Equal(t, 0, limiter.BucketCount())
}
