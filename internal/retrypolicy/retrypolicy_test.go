package retrypolicy

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/swarmguard/swarmlite/internal/workflow"
)

func TestDelayWithoutJitterIsExact(t *testing.T) {
	p := workflow.RetryPolicy{DelaySeconds: 2, ExponentialBackoff: true, JitterFraction: 0}
	rng := rand.New(rand.NewSource(1))

	assert.Equal(t, 2*time.Second, Delay(p, 1, rng))
	assert.Equal(t, 4*time.Second, Delay(p, 2, rng))
	assert.Equal(t, 8*time.Second, Delay(p, 3, rng))
}

func TestDelayWithoutExponentialIsConstant(t *testing.T) {
	p := workflow.RetryPolicy{DelaySeconds: 5, ExponentialBackoff: false, JitterFraction: 0}
	rng := rand.New(rand.NewSource(1))

	assert.Equal(t, 5*time.Second, Delay(p, 1, rng))
	assert.Equal(t, 5*time.Second, Delay(p, 7, rng))
}

func TestDelayJitterStaysWithinBounds(t *testing.T) {
	p := workflow.RetryPolicy{DelaySeconds: 10, ExponentialBackoff: false, JitterFraction: 0.2}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 1000; i++ {
		d := Delay(p, 1, rng)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}

func TestDelayNeverNegative(t *testing.T) {
	p := workflow.RetryPolicy{DelaySeconds: 1, ExponentialBackoff: false, JitterFraction: 1}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 1000; i++ {
		assert.GreaterOrEqual(t, Delay(p, 1, rng), time.Duration(0))
	}
}

func TestShouldRetryRespectsMaxAttempts(t *testing.T) {
	p := workflow.RetryPolicy{MaxAttempts: 3}
	assert.True(t, ShouldRetry(p, 0))
	assert.True(t, ShouldRetry(p, 2))
	assert.False(t, ShouldRetry(p, 3))
}
