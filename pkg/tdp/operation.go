package tdp

import (
	"sync"
	"time"
)

// Operation is one unit of work targeted at a logical key. Execute receives
// the connection's underlying client (a *redis.Client for RedisConnection).
type Operation interface {
	Name() string
	Key() string
	Execute(client interface{}) (interface{}, error)
}

// OperationFunc is a convenience Operation built from a function.
type OperationFunc struct {
	OpName string
	OpKey  string
	Fn     func(client interface{}) (interface{}, error)
}

func (o *OperationFunc) Name() string { return o.OpName }

func (o *OperationFunc) Key() string { return o.OpKey }

func (o *OperationFunc) Execute(client interface{}) (interface{}, error) {
	return o.Fn(client)
}

// OperationResult is the payload of a successful attempt, decorated with the
// node that served it and the connection context metadata at success.
type OperationResult struct {
	Value         interface{}
	node          Host
	latency       time.Duration
	attemptsCount int
	metadata      map[string]interface{}
}

// NewOperationResult wraps a raw operation value.
func NewOperationResult(value interface{}) *OperationResult {
	return &OperationResult{Value: value}
}

// Node returns the host that served the operation.
func (r *OperationResult) Node() Host {
	return r.node
}

// SetNode records the host that served the operation.
func (r *OperationResult) SetNode(host Host) *OperationResult {
	r.node = host
	return r
}

// Latency returns the recorded end-to-end operation latency.
func (r *OperationResult) Latency() time.Duration {
	return r.latency
}

// SetLatency records the end-to-end operation latency.
func (r *OperationResult) SetLatency(d time.Duration) *OperationResult {
	r.latency = d
	return r
}

// AttemptsCount returns how many attempts the operation took.
func (r *OperationResult) AttemptsCount() int {
	return r.attemptsCount
}

// SetAttemptsCount records how many attempts the operation took.
func (r *OperationResult) SetAttemptsCount(count int) *OperationResult {
	r.attemptsCount = count
	return r
}

// Metadata returns the context metadata snapshot captured at success.
func (r *OperationResult) Metadata() map[string]interface{} {
	return r.metadata
}

// AddMetadata merges entries into the result's metadata.
func (r *OperationResult) AddMetadata(entries map[string]interface{}) *OperationResult {
	if len(entries) == 0 {
		return r
	}
	if r.metadata == nil {
		r.metadata = make(map[string]interface{}, len(entries))
	}
	for k, v := range entries {
		r.metadata[k] = v
	}
	return r
}

// OperationFuture is the completion handle for an asynchronously executed
// operation.
type OperationFuture struct {
	done   chan struct{}
	once   sync.Once
	result *OperationResult
	err    error
}

// NewOperationFuture creates an incomplete future.
func NewOperationFuture() *OperationFuture {
	return &OperationFuture{done: make(chan struct{})}
}

// NewCompletedOperationFuture creates a future already resolved with result.
func NewCompletedOperationFuture(result *OperationResult) *OperationFuture {
	f := NewOperationFuture()
	f.complete(result, nil)
	return f
}

// NewFailedOperationFuture creates a future already resolved with err.
func NewFailedOperationFuture(err error) *OperationFuture {
	f := NewOperationFuture()
	f.complete(nil, err)
	return f
}

func (f *OperationFuture) complete(result *OperationResult, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future resolves.
func (f *OperationFuture) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the future resolves.
func (f *OperationFuture) Result() (*OperationResult, error) {
	<-f.done
	return f.result, f.err
}

// BoolFuture is an already-completed future carrying a boolean, matching the
// synchronous-result contract of Start and UpdateHosts. The work is done by
// the time the future is handed back.
type BoolFuture struct {
	value bool
}

// NewBoolFuture creates a completed boolean future.
func NewBoolFuture(value bool) *BoolFuture {
	return &BoolFuture{value: value}
}

// Get returns the carried value without blocking.
func (f *BoolFuture) Get() bool {
	return f.value
}
