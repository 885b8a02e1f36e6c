package tdp

import (
	"sync/atomic"
	"time"
)

// RetryPolicy is per-operation mutable retry state. A fresh policy is created
// from the factory for every operation.
type RetryPolicy interface {
	Begin()
	Success()
	Failure(err error)
	AllowRetry() bool
	AttemptCount() int
}

// RetryPolicyFactory creates a fresh RetryPolicy per operation.
type RetryPolicyFactory interface {
	GetRetryPolicy() RetryPolicy
}

// RetryPolicyFactoryFunc adapts a function to the RetryPolicyFactory interface.
type RetryPolicyFactoryFunc func() RetryPolicy

// GetRetryPolicy calls f.
func (f RetryPolicyFactoryFunc) GetRetryPolicy() RetryPolicy {
	return f()
}

// RunOnce allows a single attempt and no retries.
type RunOnce struct {
	attempts int32
	success  int32
}

// NewRunOnce creates a single-attempt policy.
func NewRunOnce() *RunOnce {
	return &RunOnce{}
}

// RunOnceFactory returns a factory producing RunOnce policies.
func RunOnceFactory() RetryPolicyFactory {
	return RetryPolicyFactoryFunc(func() RetryPolicy { return NewRunOnce() })
}

func (r *RunOnce) Begin() {}

func (r *RunOnce) Success() {
	atomic.AddInt32(&r.attempts, 1)
	atomic.StoreInt32(&r.success, 1)
}

func (r *RunOnce) Failure(_ error) {
	atomic.AddInt32(&r.attempts, 1)
}

func (r *RunOnce) AllowRetry() bool {
	return false
}

func (r *RunOnce) AttemptCount() int {
	return int(atomic.LoadInt32(&r.attempts))
}

// RetryNTimes allows up to n attempts total before giving up.
type RetryNTimes struct {
	n        int
	attempts int32
	success  int32
}

// NewRetryNTimes creates a policy allowing n total attempts.
func NewRetryNTimes(n int) *RetryNTimes {
	return &RetryNTimes{n: n}
}

// RetryNTimesFactory returns a factory producing RetryNTimes policies.
func RetryNTimesFactory(n int) RetryPolicyFactory {
	return RetryPolicyFactoryFunc(func() RetryPolicy { return NewRetryNTimes(n) })
}

func (r *RetryNTimes) Begin() {}

func (r *RetryNTimes) Success() {
	atomic.AddInt32(&r.attempts, 1)
	atomic.StoreInt32(&r.success, 1)
}

func (r *RetryNTimes) Failure(_ error) {
	atomic.AddInt32(&r.attempts, 1)
}

func (r *RetryNTimes) AllowRetry() bool {
	return atomic.LoadInt32(&r.success) == 0 && int(atomic.LoadInt32(&r.attempts)) < r.n
}

func (r *RetryNTimes) AttemptCount() int {
	return int(atomic.LoadInt32(&r.attempts))
}

// ExponentialBackoff allows up to n attempts, pausing before each retry with
// an exponentially growing sleep capped at maxSleep.
type ExponentialBackoff struct {
	RetryNTimes
	baseSleep time.Duration
	maxSleep  time.Duration
}

// NewExponentialBackoff creates a policy allowing n total attempts with
// exponential pauses starting at baseSleep.
func NewExponentialBackoff(n int, baseSleep time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{
		RetryNTimes: RetryNTimes{n: n},
		baseSleep:   baseSleep,
		maxSleep:    30 * time.Second,
	}
}

// ExponentialBackoffFactory returns a factory producing ExponentialBackoff policies.
func ExponentialBackoffFactory(n int, baseSleep time.Duration) RetryPolicyFactory {
	return RetryPolicyFactoryFunc(func() RetryPolicy { return NewExponentialBackoff(n, baseSleep) })
}

// AllowRetry pauses before permitting the next attempt.
func (r *ExponentialBackoff) AllowRetry() bool {
	if !r.RetryNTimes.AllowRetry() {
		return false
	}

	sleep := r.baseSleep << uint(r.AttemptCount()-1)
	if sleep > r.maxSleep || sleep <= 0 {
		sleep = r.maxSleep
	}
	time.Sleep(sleep)

	return true
}
