package tdp

import (
	cmap "github.com/orcaman/concurrent-map"
	"go.uber.org/zap"
)

// MonitorConsole is the observer surface: a process-wide registry of running
// connection pools keyed by pool name, for management and diagnostic tooling.
// Registration problems are logged and ignored; they never fail pool startup
// or shutdown.
type MonitorConsole struct {
	pools cmap.ConcurrentMap
}

// DefaultMonitorConsole is the registry pools attach to on Start.
var DefaultMonitorConsole = NewMonitorConsole()

// NewMonitorConsole creates an empty console registry.
func NewMonitorConsole() *MonitorConsole {
	return &MonitorConsole{pools: cmap.New()}
}

// RegisterConnectionPool attaches pool under its configured name.
func (mc *MonitorConsole) RegisterConnectionPool(pool *ConnectionPool, logger *zap.Logger) {
	if pool == nil || pool.Config == nil {
		return
	}
	if ok := mc.pools.SetIfAbsent(pool.Config.Name, pool); !ok {
		logger.Warn("monitor console already has a pool registered under this name",
			zap.String("pool", pool.Config.Name))
		return
	}
	logger.Info("registered connection pool with monitor console",
		zap.String("pool", pool.Config.Name))
}

// DeregisterConnectionPool detaches the pool registered under name.
func (mc *MonitorConsole) DeregisterConnectionPool(name string, logger *zap.Logger) {
	removed := mc.pools.RemoveCb(name, func(_ string, _ interface{}, exists bool) bool {
		return exists
	})
	if !removed {
		logger.Warn("monitor console has no pool registered under this name",
			zap.String("pool", name))
		return
	}
	logger.Info("deregistered connection pool from monitor console",
		zap.String("pool", name))
}

// PoolNames lists the registered pool names.
func (mc *MonitorConsole) PoolNames() []string {
	return mc.pools.Keys()
}

// GetPool returns the pool registered under name, if any.
func (mc *MonitorConsole) GetPool(name string) (*ConnectionPool, bool) {
	v, ok := mc.pools.Get(name)
	if !ok {
		return nil, false
	}
	pool, ok := v.(*ConnectionPool)
	return pool, ok
}

// GetTopology returns the named pool's token topology, if the pool is registered.
func (mc *MonitorConsole) GetTopology(name string) (*TokenPoolTopology, bool) {
	pool, ok := mc.GetPool(name)
	if !ok {
		return nil, false
	}
	topology := pool.GetTopology()
	if topology == nil {
		return nil, false
	}
	return topology, true
}
