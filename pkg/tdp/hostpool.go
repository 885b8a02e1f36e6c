package tdp

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/zap"
)

// HostConnectionPool is a bounded collection of live connections to one host.
// Created on addHost, shut down on removeHost or on recycle by the health
// tracker, and never reused after shutdown.
type HostConnectionPool interface {
	PrimeConnections() (int, error)
	IsActive() bool
	IsShutdown() bool
	BorrowConnection(timeout time.Duration) (Connection, error)
	ReturnConnection(conn Connection)
	Shutdown()
	Host() Host
	Size() int
}

// HostConnectionPoolFactory creates a sub-pool for one host. The orchestrator
// picks the Sync or Async factory from the configured pool type.
type HostConnectionPoolFactory func(host Host, parent *ConnectionPool) HostConnectionPool

// SyncHostConnectionPool owns the live connections to one host behind a
// blocking queue. Borrowers pull from the queue under a deadline; returners
// push back.
type SyncHostConnectionPool struct {
	host        Host
	connFactory ConnectionFactory
	config      *PoolConfig
	monitor     ConnectionPoolMonitor
	logger      *zap.Logger

	connections *queue.Queue
	primedCount int32
	active      int32
	shutdown    int32
	shutdownWG  sync.WaitGroup
}

// NewSyncHostConnectionPool creates an unprimed sub-pool for host.
func NewSyncHostConnectionPool(
	host Host,
	connFactory ConnectionFactory,
	config *PoolConfig,
	monitor ConnectionPoolMonitor,
	logger *zap.Logger) *SyncHostConnectionPool {

	return &SyncHostConnectionPool{
		host:        host,
		connFactory: connFactory,
		config:      config,
		monitor:     monitor,
		logger:      logger,
		connections: queue.New(int64(config.MaxConnsPerHost)),
	}
}

// PrimeConnections attempts to open up to MaxConnsPerHost connections and
// reports how many succeeded. The pool is active once at least one connection
// primed. An error is returned only when nothing primed at all.
func (hp *SyncHostConnectionPool) PrimeConnections() (int, error) {

	if hp.IsShutdown() {
		return 0, ErrConnectionPoolClosed
	}

	var lastErr error
	primed := 0

	for i := 0; i < hp.config.MaxConnsPerHost; i++ {

		conn, err := hp.connFactory.CreateConnection(hp.host, hp)
		if err != nil {
			lastErr = err
			hp.logger.Warn("failed to prime connection",
				zap.String("host", hp.host.Address()),
				zap.Error(err))
			continue
		}

		if err = hp.connections.Put(conn); err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}

		primed++
	}

	atomic.StoreInt32(&hp.primedCount, int32(primed))
	if primed > 0 {
		atomic.StoreInt32(&hp.active, 1)
		return primed, nil
	}

	if lastErr == nil {
		lastErr = NewDynoError(hp.host, "primed zero connections", nil)
	}
	return 0, lastErr
}

// IsActive reports whether the pool primed enough connections to take traffic.
func (hp *SyncHostConnectionPool) IsActive() bool {
	return atomic.LoadInt32(&hp.active) == 1 && !hp.IsShutdown()
}

// IsShutdown reports whether Shutdown has been triggered.
func (hp *SyncHostConnectionPool) IsShutdown() bool {
	return atomic.LoadInt32(&hp.shutdown) == 1
}

// BorrowConnection pulls a connection from the queue, waiting up to timeout
// when every connection is handed out.
func (hp *SyncHostConnectionPool) BorrowConnection(timeout time.Duration) (Connection, error) {

	if hp.IsShutdown() {
		return nil, ErrConnectionPoolClosed
	}

	items, err := hp.connections.Poll(1, timeout)
	if err != nil {
		if errors.Is(err, queue.ErrTimeout) {
			return nil, &PoolExhaustedError{Host: hp.host, Timeout: timeout}
		}
		if errors.Is(err, queue.ErrDisposed) {
			return nil, ErrConnectionPoolClosed
		}
		return nil, NewDynoError(hp.host, "borrow failed", err)
	}

	conn, ok := items[0].(Connection)
	if !ok {
		return nil, &FatalError{Cause: errors.New("invalid type found in host pool queue")}
	}

	return conn, nil
}

// ReturnConnection puts the connection back in the queue. Connections returned
// after shutdown are closed instead of pooled.
func (hp *SyncHostConnectionPool) ReturnConnection(conn Connection) {

	if conn == nil {
		return
	}

	if hp.IsShutdown() {
		hp.closeConnection(conn)
		return
	}

	if err := hp.connections.Put(conn); err != nil {
		// Queue was disposed between the check and the put.
		hp.closeConnection(conn)
	}
}

// Shutdown disposes the queue and closes every pooled connection. Idempotent;
// a borrowed connection still out is closed when it comes back.
func (hp *SyncHostConnectionPool) Shutdown() {

	if !atomic.CompareAndSwapInt32(&hp.shutdown, 0, 1) {
		return
	}
	atomic.StoreInt32(&hp.active, 0)

	remaining := hp.connections.Dispose()
	for _, item := range remaining {
		conn, ok := item.(Connection)
		if !ok {
			continue
		}
		hp.shutdownWG.Add(1)
		go func(c Connection) {
			defer hp.shutdownWG.Done()
			defer func() { _ = recover() }()

			_ = c.Close()
		}(conn)
	}
	hp.shutdownWG.Wait()
}

// Host returns the host this sub-pool serves.
func (hp *SyncHostConnectionPool) Host() Host {
	return hp.host
}

// Size returns the number of connections primed into the pool.
func (hp *SyncHostConnectionPool) Size() int {
	return int(atomic.LoadInt32(&hp.primedCount))
}

func (hp *SyncHostConnectionPool) closeConnection(conn Connection) {
	go func(c Connection) {
		defer func() { _ = recover() }()

		_ = c.Close()
	}(conn)
}

// AsyncHostConnectionPool serves connections whose operations are initiated
// without waiting for completion. Borrow/return mechanics are shared with the
// sync pool; the orchestrator additionally registers async pools with the
// health tracker for ping-based liveness, because many async operations
// complete before the transport learns of a failure.
type AsyncHostConnectionPool struct {
	*SyncHostConnectionPool
}

// NewAsyncHostConnectionPool creates an unprimed async sub-pool for host.
func NewAsyncHostConnectionPool(
	host Host,
	connFactory ConnectionFactory,
	config *PoolConfig,
	monitor ConnectionPoolMonitor,
	logger *zap.Logger) *AsyncHostConnectionPool {

	return &AsyncHostConnectionPool{
		SyncHostConnectionPool: NewSyncHostConnectionPool(host, connFactory, config, monitor, logger),
	}
}
