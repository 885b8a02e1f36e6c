package tdp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunOnceNeverRetries(t *testing.T) {
	policy := NewRunOnce()
	policy.Begin()

	assert.False(t, policy.AllowRetry())

	policy.Failure(errors.New("boom"))
	assert.False(t, policy.AllowRetry())
	assert.Equal(t, 1, policy.AttemptCount())
}

func TestRetryNTimesAllowsNAttempts(t *testing.T) {
	policy := NewRetryNTimes(3)
	policy.Begin()

	policy.Failure(errors.New("one"))
	assert.True(t, policy.AllowRetry())

	policy.Failure(errors.New("two"))
	assert.True(t, policy.AllowRetry())

	policy.Failure(errors.New("three"))
	assert.False(t, policy.AllowRetry())
	assert.Equal(t, 3, policy.AttemptCount())
}

func TestRetryNTimesStopsAfterSuccess(t *testing.T) {
	policy := NewRetryNTimes(3)
	policy.Begin()

	policy.Failure(errors.New("boom"))
	policy.Success()

	assert.False(t, policy.AllowRetry())
	assert.Equal(t, 2, policy.AttemptCount())
}

func TestExponentialBackoffPausesBetweenRetries(t *testing.T) {
	policy := NewExponentialBackoff(3, 20*time.Millisecond)
	policy.Begin()

	policy.Failure(errors.New("boom"))

	started := time.Now()
	assert.True(t, policy.AllowRetry())
	assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)
}

func TestRetryPolicyFactoryProducesFreshPolicies(t *testing.T) {
	factory := RetryNTimesFactory(2)

	first := factory.GetRetryPolicy()
	first.Begin()
	first.Failure(errors.New("boom"))

	second := factory.GetRetryPolicy()
	assert.Equal(t, 0, second.AttemptCount())
	assert.Equal(t, 1, first.AttemptCount())
}
