package tdp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"go.uber.org/zap"
)

// Pool lifecycle states.
const (
	PoolNew int32 = iota
	PoolStarted
	PoolStopped
)

// ConnectionPool brings the components together: it manages one sub-pool per
// host reported by the host supplier, keeps the selection strategy in sync
// with membership, and executes operations with failover, ring fanout, and
// async initiation. Safe for concurrent callers on the execute methods and on
// AddHost/RemoveHost.
type ConnectionPool struct {
	Config *PoolConfig

	cpMap         cmap.ConcurrentMap // host key -> HostConnectionPool
	healthTracker *ConnectionPoolHealthTracker
	hostsUpdater  *HostsUpdater

	hostPoolFactory HostConnectionPoolFactory
	connFactory     ConnectionFactory
	retryFactory    RetryPolicyFactory
	tokenSupplier   TokenSupplier
	monitor         ConnectionPoolMonitor
	logger          *zap.Logger
	errorHandler    func(error)

	state       int32
	selection   atomic.Value // *selectionBox
	stopRefresh chan struct{}
	refreshOnce sync.Once
}

// selectionBox keeps the atomic.Value concrete type stable.
type selectionBox struct {
	strategy HostSelectionStrategy
}

// NewConnectionPool creates the pool with a counting monitor and no logging.
func NewConnectionPool(seasoning *DynoSeasoning, hostSupplier HostSupplier, tokenSupplier TokenSupplier) (*ConnectionPool, error) {
	return NewConnectionPoolWithMonitor(seasoning, hostSupplier, tokenSupplier, nil, nil)
}

// NewConnectionPoolWithMonitor creates the pool with an explicit monitor
// and/or logger.
func NewConnectionPoolWithMonitor(
	seasoning *DynoSeasoning,
	hostSupplier HostSupplier,
	tokenSupplier TokenSupplier,
	monitor ConnectionPoolMonitor,
	logger *zap.Logger) (*ConnectionPool, error) {

	return NewConnectionPoolWithFactories(seasoning, hostSupplier, tokenSupplier, monitor, logger, nil, nil)
}

// NewConnectionPoolWithHandlers creates the pool with an error handler that
// observes admission and priming failures.
func NewConnectionPoolWithHandlers(
	seasoning *DynoSeasoning,
	hostSupplier HostSupplier,
	tokenSupplier TokenSupplier,
	errorHandler func(error)) (*ConnectionPool, error) {

	cp, err := NewConnectionPoolWithFactories(seasoning, hostSupplier, tokenSupplier, nil, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	cp.errorHandler = errorHandler
	return cp, nil
}

// NewConnectionPoolWithFactories creates the pool with every collaborator
// explicit. Nil collaborators fall back to defaults: a counting monitor, a
// nop logger, the RESP connection factory, and RetryNTimes from the
// configured attempt budget.
func NewConnectionPoolWithFactories(
	seasoning *DynoSeasoning,
	hostSupplier HostSupplier,
	tokenSupplier TokenSupplier,
	monitor ConnectionPoolMonitor,
	logger *zap.Logger,
	connFactory ConnectionFactory,
	retryFactory RetryPolicyFactory) (*ConnectionPool, error) {

	if seasoning == nil || seasoning.PoolConfig == nil {
		return nil, fmt.Errorf("%w: pool config can't be nil", ErrMisconfiguration)
	}
	if hostSupplier == nil {
		return nil, fmt.Errorf("%w: host supplier is required", ErrMisconfiguration)
	}
	if tokenSupplier == nil {
		return nil, fmt.Errorf("%w: token supplier is required", ErrMisconfiguration)
	}

	config := seasoning.PoolConfig
	config.ApplyDefaults()
	if config.Name == "" {
		config.Name = "turbodynopool"
	}

	if monitor == nil {
		monitor = NewCountingConnectionPoolMonitor()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if connFactory == nil {
		connFactory = NewRedisConnectionFactory(config)
	}
	if retryFactory == nil {
		retryFactory = RetryNTimesFactory(config.RetryAttempts)
	}

	cp := &ConnectionPool{
		Config:        config,
		cpMap:         cmap.New(),
		hostsUpdater:  NewHostsUpdater(hostSupplier, logger),
		connFactory:   connFactory,
		retryFactory:  retryFactory,
		tokenSupplier: tokenSupplier,
		monitor:       monitor,
		logger:        logger,
		stopRefresh:   make(chan struct{}),
	}
	cp.healthTracker = NewConnectionPoolHealthTracker(config, cp, logger)

	switch config.PoolType {
	case AsyncPoolType:
		cp.hostPoolFactory = func(host Host, parent *ConnectionPool) HostConnectionPool {
			return NewAsyncHostConnectionPool(host, parent.connFactory, parent.Config, parent.monitor, parent.logger)
		}
	case SyncPoolType:
		cp.hostPoolFactory = func(host Host, parent *ConnectionPool) HostConnectionPool {
			return NewSyncHostConnectionPool(host, parent.connFactory, parent.Config, parent.monitor, parent.logger)
		}
	default:
		return nil, fmt.Errorf("%w: unknown pool type %q", ErrMisconfiguration, config.PoolType)
	}

	return cp, nil
}

// GetName returns the pool identity string.
func (cp *ConnectionPool) GetName() string {
	return cp.Config.Name
}

// GetMonitor returns the pool's monitor.
func (cp *ConnectionPool) GetMonitor() ConnectionPoolMonitor {
	return cp.monitor
}

// GetHealthTracker returns the pool's health tracker.
func (cp *ConnectionPool) GetHealthTracker() *ConnectionPoolHealthTracker {
	return cp.healthTracker
}

// Start performs the first membership refresh, primes sub-pools for every up
// host in parallel, installs the selection strategy, starts the health
// tracker, and schedules the periodic refresh. Idempotent: only the first
// caller transitions the pool; later calls get a false future.
func (cp *ConnectionPool) Start() (*BoolFuture, error) {

	if atomic.LoadInt32(&cp.state) != PoolNew {
		return NewBoolFuture(false), nil
	}

	status, err := cp.hostsUpdater.RefreshHosts()
	if err != nil {
		return nil, err
	}
	cp.monitor.SetHostCount(status.HostCount())

	upHosts := status.ActiveHosts()
	if len(upHosts) == 0 {
		return nil, fmt.Errorf("no up hosts on first refresh: %w", ErrNoAvailableHosts)
	}

	// Prime every host without rebuilding the selection strategy per host;
	// the ring is built once, holistically, after the fan-out.
	workers := len(upHosts)
	if workers < 10 {
		workers = 10
	}
	semaphore := make(chan struct{}, workers)
	wg := &sync.WaitGroup{}

	for _, host := range upHosts {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(h Host) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if !cp.AddHost(h, false) {
				cp.logger.Warn("host not admitted during startup", zap.String("host", h.Address()))
			}
		}(host)
	}
	wg.Wait()

	if !atomic.CompareAndSwapInt32(&cp.state, PoolNew, PoolStarted) {
		// A concurrent starter won the transition and owns installation.
		return NewBoolFuture(true), nil
	}

	selection := NewTokenAwareSelection(cp.tokenSupplier, cp.Config, cp.logger)
	selection.InitWithHosts(cp.poolsByHost())
	cp.selection.Store(&selectionBox{strategy: selection})

	cp.healthTracker.Start()
	go cp.refreshLoop()

	DefaultMonitorConsole.RegisterConnectionPool(cp, cp.logger)

	cp.logger.Info("connection pool started",
		zap.String("pool", cp.Config.Name),
		zap.Int("hosts", cp.cpMap.Count()))

	return NewBoolFuture(true), nil
}

// Shutdown removes every host, stops the health tracker and hosts updater,
// cancels the refresh scheduler, and detaches from the monitor console.
// A second call is a no-op.
func (cp *ConnectionPool) Shutdown() {

	prev := atomic.SwapInt32(&cp.state, PoolStopped)
	if prev == PoolStopped {
		return
	}

	for _, key := range cp.cpMap.Keys() {
		if v, ok := cp.cpMap.Get(key); ok {
			cp.RemoveHost(v.(HostConnectionPool).Host())
		}
	}

	cp.healthTracker.Stop()
	cp.hostsUpdater.Stop()
	cp.refreshOnce.Do(func() { close(cp.stopRefresh) })

	if prev == PoolStarted {
		DefaultMonitorConsole.DeregisterConnectionPool(cp.Config.Name, cp.logger)
	}

	cp.logger.Info("connection pool shut down", zap.String("pool", cp.Config.Name))
}

// AddHost admits host into the pool: creates its sub-pool, primes it, and on
// success informs the selection strategy (when refreshLoadBalancer) and the
// monitor. Returns true iff the host is newly admitted with at least one
// primed connection. A host whose sub-pool fails to prime is rolled back out
// of the membership map; a later refresh may retry it.
func (cp *ConnectionPool) AddHost(host Host, refreshLoadBalancer bool) bool {

	if cp.Config.Port > 0 {
		host.Port = cp.Config.Port
	}
	key := host.Key()

	if cp.cpMap.Has(key) {
		cp.logger.Debug("host pool already exists, ignoring addHost", zap.String("host", key))
		return false
	}

	hostPool := cp.hostPoolFactory(host, cp)
	if ok := cp.cpMap.SetIfAbsent(key, hostPool); !ok {
		// A concurrent insert won.
		return false
	}

	cp.logger.Info("adding host connection pool", zap.String("host", key))

	primed, err := hostPool.PrimeConnections()
	if err != nil {
		cp.logger.Info("failed to init host pool",
			zap.String("host", key),
			zap.Error(err))
		cp.handleError(err)
		cp.cpMap.Remove(key)
		return false
	}

	cp.logger.Info("primed host connections",
		zap.String("host", key),
		zap.Int("primed", primed),
		zap.Int("max", cp.Config.MaxConnsPerHost))

	if !hostPool.IsActive() {
		cp.logger.Info("not enough connections primed for host to take traffic, will retry",
			zap.String("host", key))
		cp.cpMap.Remove(key)
		return false
	}

	if refreshLoadBalancer {
		if sel := cp.loadSelection(); sel != nil {
			sel.AddHost(host, hostPool)
		}
	}

	// Ping based monitoring only for async pools; sync pools get monitored
	// from feedback of operation executions on the pool itself.
	if cp.Config.PoolType == AsyncPoolType {
		cp.healthTracker.InitialPingHealthchecksForPool(hostPool)
	}

	cp.monitor.HostAdded(host, hostPool)

	return primed > 0
}

// RemoveHost drops host from membership, informs the selection strategy and
// health tracker, and shuts the sub-pool down. Returns true iff the host was
// present.
func (cp *ConnectionPool) RemoveHost(host Host) bool {

	if cp.Config.Port > 0 {
		host.Port = cp.Config.Port
	}
	key := host.Key()

	var hostPool HostConnectionPool
	removed := cp.cpMap.RemoveCb(key, func(_ string, v interface{}, exists bool) bool {
		if exists {
			hostPool = v.(HostConnectionPool)
		}
		return exists
	})

	if !removed {
		cp.logger.Debug("host not found in connection pool", zap.String("host", key))
		return false
	}

	cp.logger.Info("removing host from connection pool", zap.String("host", key))

	if sel := cp.loadSelection(); sel != nil {
		sel.RemoveHost(host, hostPool)
	}
	cp.healthTracker.RemoveHost(host)
	cp.monitor.HostRemoved(host)
	hostPool.Shutdown()

	return true
}

// UpdateHosts applies AddHost for each up host and RemoveHost for each down
// host; the future carries the logical-or of the individual results.
func (cp *ConnectionPool) UpdateHosts(hostsUp []Host, hostsDown []Host) *BoolFuture {

	changed := false
	for _, host := range hostsUp {
		changed = cp.AddHost(host, true) || changed
	}
	for _, host := range hostsDown {
		changed = cp.RemoveHost(host) || changed
	}
	return NewBoolFuture(changed)
}

// IsHostUp reports whether host is a member with an active sub-pool.
func (cp *ConnectionPool) IsHostUp(host Host) bool {
	if v, ok := cp.cpMap.Get(host.Key()); ok {
		return v.(HostConnectionPool).IsActive()
	}
	return false
}

// HasHost reports whether host is a member.
func (cp *ConnectionPool) HasHost(host Host) bool {
	return cp.cpMap.Has(host.Key())
}

// GetPools returns every member sub-pool.
func (cp *ConnectionPool) GetPools() []HostConnectionPool {
	pools := make([]HostConnectionPool, 0, cp.cpMap.Count())
	for tuple := range cp.cpMap.IterBuffered() {
		pools = append(pools, tuple.Val.(HostConnectionPool))
	}
	return pools
}

// GetActivePools returns the member sub-pools currently taking traffic.
func (cp *ConnectionPool) GetActivePools() []HostConnectionPool {
	pools := make([]HostConnectionPool, 0, cp.cpMap.Count())
	for _, pool := range cp.GetPools() {
		if pool.IsActive() {
			pools = append(pools, pool)
		}
	}
	return pools
}

// GetHostPool returns the sub-pool for host, if present.
func (cp *ConnectionPool) GetHostPool(host Host) (HostConnectionPool, bool) {
	v, ok := cp.cpMap.Get(host.Key())
	if !ok {
		return nil, false
	}
	return v.(HostConnectionPool), true
}

// ExecuteWithFailover attempts op until success or the retry policy forbids
// further attempts; each attempt may land on a different host chosen by the
// selection strategy. A NoAvailableHosts selection failure is non-retriable.
func (cp *ConnectionPool) ExecuteWithFailover(op Operation) (*OperationResult, error) {

	sel, err := cp.requireStarted()
	if err != nil {
		return nil, err
	}

	startTime := time.Now()

	retry := cp.retryFactory.GetRetryPolicy()
	retry.Begin()

	var lastErr error

	for {
		conn, selErr := sel.GetConnectionWithRetry(op, cp.Config.MaxExhaustedTimeout(), retry)
		if selErr != nil {
			if errors.Is(selErr, ErrNoAvailableHosts) {
				cp.monitor.IncOperationFailure(nil, selErr)
				return nil, selErr
			}

			retry.Failure(selErr)
			lastErr = selErr
			cp.monitor.IncOperationFailure(nil, selErr)
			if retry.AllowRetry() {
				continue
			}
			return nil, lastErr
		}

		host := conn.Host()
		parentPool := conn.ParentConnectionPool()

		result, execErr := cp.runAttempt(conn, op)
		if execErr == nil {
			retry.Success()
			latency := time.Since(startTime)
			cp.monitor.IncOperationSuccess(host, latency)
			result.SetLatency(latency).SetAttemptsCount(retry.AttemptCount())
			return result, nil
		}

		if !IsRecoverable(execErr) {
			cp.monitor.IncOperationFailure(&host, execErr)
			var fatal *FatalError
			if errors.As(execErr, &fatal) {
				return nil, execErr
			}
			return nil, &FatalError{Cause: execErr}
		}

		retry.Failure(execErr)
		lastErr = execErr
		cp.monitor.IncOperationFailure(&host, execErr)

		if retry.AllowRetry() {
			cp.monitor.IncFailover(host, execErr)
		}

		// Track connection health so the pool can be recycled at a later point.
		cp.healthTracker.TrackConnectionError(parentPool, execErr)

		if !retry.AllowRetry() {
			return nil, lastErr
		}
	}
}

// ExecuteWithRing runs op against one representative connection per token
// range. All successes are collected; a connection that ultimately fails
// terminates the call with its error, and the remaining queued connections
// are drained and returned without execution.
func (cp *ConnectionPool) ExecuteWithRing(op Operation) ([]*OperationResult, error) {

	sel, err := cp.requireStarted()
	if err != nil {
		return nil, err
	}

	startTime := time.Now()

	conns, err := sel.GetConnectionsToRing(cp.Config.MaxExhaustedTimeout())
	if err != nil {
		cp.monitor.IncOperationFailure(nil, err)
		return nil, err
	}

	results := make([]*OperationResult, 0, len(conns))

	for i, conn := range conns {

		retry := cp.retryFactory.GetRetryPolicy()
		retry.Begin()

		current := conn
		for {
			host := current.Host()
			parentPool := current.ParentConnectionPool()

			result, execErr := cp.runAttempt(current, op)
			if execErr == nil {
				retry.Success()
				latency := time.Since(startTime)
				cp.monitor.IncOperationSuccess(host, latency)
				result.SetLatency(latency).SetAttemptsCount(retry.AttemptCount())
				results = append(results, result)
				break
			}

			if !IsRecoverable(execErr) {
				cp.monitor.IncOperationFailure(&host, execErr)
				cp.drainRingConnections(conns[i+1:])
				var fatal *FatalError
				if errors.As(execErr, &fatal) {
					return nil, execErr
				}
				return nil, &FatalError{Cause: execErr}
			}

			retry.Failure(execErr)
			cp.monitor.IncOperationFailure(&host, execErr)
			cp.healthTracker.TrackConnectionError(parentPool, execErr)

			if !retry.AllowRetry() {
				// Fail the entire operation on a partial failure; clean up the
				// rest of the pending connections.
				cp.drainRingConnections(conns[i+1:])
				return nil, fmt.Errorf("ring execution failed after %d of %d ranges: %w",
					len(results), len(conns), execErr)
			}

			// Retries borrow a fresh connection from the same host's pool; the
			// original ring connection was already returned by the attempt.
			cp.monitor.IncFailover(host, execErr)
			next, borrowErr := parentPool.BorrowConnection(cp.Config.MaxExhaustedTimeout())
			if borrowErr != nil {
				cp.monitor.IncOperationFailure(&host, borrowErr)
				cp.drainRingConnections(conns[i+1:])
				return nil, fmt.Errorf("ring execution failed after %d of %d ranges: %w",
					len(results), len(conns), execErr)
			}
			current = next
		}
	}

	return results, nil
}

// ExecuteAsync initiates op on a borrowed connection and returns the
// connection's async future. The connection is returned immediately after
// initiation, not after completion. The future is always non-nil; failures
// resolve it with the error.
func (cp *ConnectionPool) ExecuteAsync(op Operation) *OperationFuture {

	sel, err := cp.requireStarted()
	if err != nil {
		return NewFailedOperationFuture(err)
	}

	startTime := time.Now()

	conn, selErr := sel.GetConnection(op, cp.Config.MaxExhaustedTimeout())
	if selErr != nil {
		cp.monitor.IncOperationFailure(nil, selErr)
		return NewFailedOperationFuture(selErr)
	}

	host := conn.Host()
	parentPool := conn.ParentConnectionPool()

	future := func() (f *OperationFuture) {
		defer func() {
			if r := recover(); r != nil {
				initErr := &FatalError{Cause: fmt.Errorf("async initiation panicked: %v", r)}
				cp.monitor.IncOperationFailure(&host, initErr)
				cp.healthTracker.TrackConnectionError(parentPool, initErr)
				f = NewFailedOperationFuture(initErr)
			}
			conn.Context().Reset()
			parentPool.ReturnConnection(conn)
		}()

		return conn.ExecuteAsync(op)
	}()

	cp.monitor.IncOperationSuccess(host, time.Since(startTime))

	return future
}

// GetConnectionForOperation borrows a connection for op under the connect
// timeout and hands ownership to the caller.
//
// Use with EXTREME CAUTION: a connection borrowed here must be returned to
// its parent pool by the caller, else the pool will be exhausted. Prefer
// WithConnection for a guaranteed release.
func (cp *ConnectionPool) GetConnectionForOperation(op Operation) (Connection, error) {
	sel, err := cp.requireStarted()
	if err != nil {
		return nil, err
	}
	return sel.GetConnection(op, cp.Config.ConnectTimeoutDuration())
}

// WithConnection borrows a connection for op, invokes fn with it, and
// guarantees the context reset and return on every exit path.
func (cp *ConnectionPool) WithConnection(op Operation, fn func(Connection) error) error {

	conn, err := cp.GetConnectionForOperation(op)
	if err != nil {
		return err
	}
	defer func() {
		conn.Context().Reset()
		conn.ParentConnectionPool().ReturnConnection(conn)
	}()

	return fn(conn)
}

// GetTopology returns the selection strategy's current token layout, or nil
// before Start.
func (cp *ConnectionPool) GetTopology() *TokenPoolTopology {
	sel := cp.loadSelection()
	if sel == nil {
		return nil
	}
	return sel.GetTokenPoolTopology()
}

// RecyclePool tears down host's sub-pool and re-admits it. Called by the
// health tracker when a host's error rate crosses the threshold.
func (cp *ConnectionPool) RecyclePool(host Host) bool {

	if atomic.LoadInt32(&cp.state) != PoolStarted {
		return false
	}
	if !cp.RemoveHost(host) {
		return false
	}
	return cp.AddHost(host, true)
}

// HostForKey resolves a membership key back to its Host identity.
func (cp *ConnectionPool) HostForKey(key string) (Host, bool) {
	v, ok := cp.cpMap.Get(key)
	if !ok {
		return Host{}, false
	}
	return v.(HostConnectionPool).Host(), true
}

// runAttempt executes op on conn and guarantees the context reset and return
// to the parent sub-pool on every exit path, success, backend error, or panic.
func (cp *ConnectionPool) runAttempt(conn Connection, op Operation) (result *OperationResult, err error) {

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &FatalError{Cause: fmt.Errorf("panic during operation %q: %v", op.Name(), r)}
		}
		conn.Context().Reset()
		conn.ParentConnectionPool().ReturnConnection(conn)
	}()

	result, err = conn.Execute(op)
	if err != nil {
		return nil, err
	}

	// Decorate the result with context from the successful execution before
	// the deferred reset wipes it.
	result.SetNode(conn.Host()).AddMetadata(conn.Context().GetAll())
	return result, nil
}

// refreshLoop periodically diffs the supplier against the current snapshot
// and applies the changes. Errors inside a tick are logged and swallowed;
// the ticker never dies.
func (cp *ConnectionPool) refreshLoop() {

	timer := time.NewTimer(cp.Config.RefreshInitialDelay())
	defer timer.Stop()

	select {
	case <-timer.C:
		cp.refreshTick()
	case <-cp.stopRefresh:
		return
	}

	ticker := time.NewTicker(cp.Config.RefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cp.refreshTick()
		case <-cp.stopRefresh:
			return
		}
	}
}

func (cp *ConnectionPool) refreshTick() {

	defer func() {
		if r := recover(); r != nil {
			cp.logger.Error("panic in hosts refresh tick", zap.Any("panic", r))
		}
	}()

	status, err := cp.hostsUpdater.RefreshHosts()
	if err != nil {
		cp.logger.Error("failed to update hosts cache", zap.Error(err))
		return
	}

	cp.monitor.SetHostCount(status.HostCount())
	cp.UpdateHosts(status.ActiveHosts(), status.InactiveHosts())
}

func (cp *ConnectionPool) drainRingConnections(conns []Connection) {
	for _, conn := range conns {
		func(c Connection) {
			defer func() { _ = recover() }()

			c.Context().Reset()
			c.ParentConnectionPool().ReturnConnection(c)
		}(conn)
	}
}

func (cp *ConnectionPool) poolsByHost() map[Host]HostConnectionPool {
	pools := make(map[Host]HostConnectionPool, cp.cpMap.Count())
	for tuple := range cp.cpMap.IterBuffered() {
		pool := tuple.Val.(HostConnectionPool)
		pools[pool.Host()] = pool
	}
	return pools
}

func (cp *ConnectionPool) requireStarted() (HostSelectionStrategy, error) {
	if atomic.LoadInt32(&cp.state) != PoolStarted {
		return nil, ErrPoolNotStarted
	}
	sel := cp.loadSelection()
	if sel == nil {
		return nil, ErrPoolNotStarted
	}
	return sel, nil
}

func (cp *ConnectionPool) loadSelection() HostSelectionStrategy {
	v := cp.selection.Load()
	if v == nil {
		return nil
	}
	return v.(*selectionBox).strategy
}

func (cp *ConnectionPool) handleError(err error) {
	if cp.errorHandler != nil {
		cp.errorHandler(err)
	}
}
