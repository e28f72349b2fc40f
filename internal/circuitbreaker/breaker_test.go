package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testGroup(now *time.Time) *Group {
	g := NewGroup()
	g.Now = func() time.Time { return *now }
	return g
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	now := time.Unix(1000, 0)
	b := testGroup(&now).Get("t1/dest-1")

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		assert.True(t, b.Allow())
		b.Failure()
	}
	assert.True(t, b.Allow(), "below threshold stays closed")
	b.Failure()
	assert.False(t, b.Allow(), "threshold crossed, breaker open")
	assert.True(t, b.Open())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	now := time.Unix(1000, 0)
	b := testGroup(&now).Get("t1/dest-1")

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.Failure()
	}
	b.Success()
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.Failure()
	}
	assert.True(t, b.Allow(), "count restarted after a success")
}

func TestHalfOpenProbeRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	b := testGroup(&now).Get("t1/dest-1")

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.Failure()
	}
	assert.False(t, b.Allow())

	now = now.Add(DefaultOpenFor)
	assert.True(t, b.Allow(), "cool-off elapsed, one probe allowed")
	assert.False(t, b.Allow(), "second concurrent probe blocked")

	b.Success()
	assert.True(t, b.Allow(), "probe landed, breaker closed")
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	b := testGroup(&now).Get("t1/dest-1")

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.Failure()
	}
	now = now.Add(DefaultOpenFor)
	assert.True(t, b.Allow())
	b.Failure()
	assert.False(t, b.Allow(), "failed probe reopens for a fresh cool-off")

	now = now.Add(DefaultOpenFor)
	assert.True(t, b.Allow())
}

func TestGroupKeysAreIndependent(t *testing.T) {
	now := time.Unix(1000, 0)
	g := testGroup(&now)
	a, b := g.Get("t1/dest-a"), g.Get("t1/dest-b")

	for i := 0; i < DefaultFailureThreshold; i++ {
		a.Failure()
	}
	assert.False(t, a.Allow())
	assert.True(t, b.Allow())
	assert.Same(t, a, g.Get("t1/dest-a"))
}
