package tdp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ConnectionContext carries per-attempt metadata on a borrowed connection.
// Reset is called before every return to the sub-pool.
type ConnectionContext struct {
	lock sync.Mutex
	data map[string]interface{}
}

// NewConnectionContext creates an empty context.
func NewConnectionContext() *ConnectionContext {
	return &ConnectionContext{data: make(map[string]interface{})}
}

// Set stores one metadata entry.
func (cc *ConnectionContext) Set(key string, value interface{}) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	cc.data[key] = value
}

// GetAll returns a copy of the current metadata.
func (cc *ConnectionContext) GetAll() map[string]interface{} {
	cc.lock.Lock()
	defer cc.lock.Unlock()

	if len(cc.data) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(cc.data))
	for k, v := range cc.data {
		out[k] = v
	}
	return out
}

// Reset clears all metadata.
func (cc *ConnectionContext) Reset() {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	cc.data = make(map[string]interface{})
}

// Connection is one live connection to a host, owned by the caller for the
// duration of a single attempt. A borrowed connection must be returned to its
// parent sub-pool on every exit path.
type Connection interface {
	Execute(op Operation) (*OperationResult, error)
	ExecuteAsync(op Operation) *OperationFuture
	Host() Host
	Context() *ConnectionContext
	ParentConnectionPool() HostConnectionPool
	Ping(ctx context.Context) error
	Close() error
}

// ConnectionFactory opens connections for sub-pools.
type ConnectionFactory interface {
	CreateConnection(host Host, parent HostConnectionPool) (Connection, error)
}

// RedisConnection is a Connection over a single RESP socket to one host.
type RedisConnection struct {
	ConnectionID uuid.UUID
	client       *redis.Client
	host         Host
	parent       HostConnectionPool
	opTimeout    time.Duration
	connContext  *ConnectionContext
}

// RedisConnectionFactory dials RESP connections using the pool configuration's
// connect and operation timeouts.
type RedisConnectionFactory struct {
	Config *PoolConfig
}

// NewRedisConnectionFactory creates the default connection factory.
func NewRedisConnectionFactory(config *PoolConfig) *RedisConnectionFactory {
	return &RedisConnectionFactory{Config: config}
}

// CreateConnection dials host and verifies liveness with a ping before handing
// the connection to the sub-pool.
func (f *RedisConnectionFactory) CreateConnection(host Host, parent HostConnectionPool) (Connection, error) {

	opTimeout := f.Config.OperationTimeoutDuration()

	client := redis.NewClient(&redis.Options{
		Addr:            host.Address(),
		DialTimeout:     f.Config.ConnectTimeoutDuration(),
		ReadTimeout:     opTimeout,
		WriteTimeout:    opTimeout,
		PoolSize:        1,
		MaxRetries:      -1, // the pool owns retry behavior
		MinIdleConns:    0,
		ConnMaxIdleTime: -1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), f.Config.ConnectTimeoutDuration())
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, NewDynoError(host, "connect failed", err)
	}

	return &RedisConnection{
		ConnectionID: uuid.New(),
		client:       client,
		host:         host,
		parent:       parent,
		opTimeout:    opTimeout,
		connContext:  NewConnectionContext(),
	}, nil
}

// Execute runs op against this connection's client under the operation timeout.
func (rc *RedisConnection) Execute(op Operation) (*OperationResult, error) {

	value, err := op.Execute(rc.client)
	if err != nil {
		return nil, rc.classify(err)
	}

	return NewOperationResult(value), nil
}

// ExecuteAsync initiates op and resolves the returned future on completion.
// The connection must still be returned after initiation, not after completion.
func (rc *RedisConnection) ExecuteAsync(op Operation) *OperationFuture {

	future := NewOperationFuture()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				future.complete(nil, &FatalError{Cause: NewDynoError(rc.host, "async execute panicked", nil)})
			}
		}()

		value, err := op.Execute(rc.client)
		if err != nil {
			future.complete(nil, rc.classify(err))
			return
		}
		future.complete(NewOperationResult(value).SetNode(rc.host), nil)
	}()

	return future
}

// Host returns the host this connection is connected to.
func (rc *RedisConnection) Host() Host {
	return rc.host
}

// Context returns the per-attempt metadata map.
func (rc *RedisConnection) Context() *ConnectionContext {
	return rc.connContext
}

// ParentConnectionPool returns the sub-pool this connection belongs to.
func (rc *RedisConnection) ParentConnectionPool() HostConnectionPool {
	return rc.parent
}

// Ping checks transport liveness.
func (rc *RedisConnection) Ping(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return NewDynoError(rc.host, "ping failed", err)
	}
	return nil
}

// Close tears the socket down. The connection is unusable afterwards.
func (rc *RedisConnection) Close() error {
	return rc.client.Close()
}

// classify maps transport failures to recoverable DynoErrors; anything else is
// handed back untouched for the orchestrator to surface.
func (rc *RedisConnection) classify(err error) error {
	if err == nil {
		return nil
	}

	var dynoErr *DynoError
	if errors.As(err, &dynoErr) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewDynoError(rc.host, "transport error", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewDynoError(rc.host, "operation timed out", err)
	}

	return err
}
