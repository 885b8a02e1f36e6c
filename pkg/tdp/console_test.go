package tdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMonitorConsoleRegisterAndDeregister(t *testing.T) {
	console := NewMonitorConsole()

	tp := newTestPool(t, hostA)

	console.RegisterConnectionPool(tp.cp, zap.NewNop())
	assert.Contains(t, console.PoolNames(), tp.cp.GetName())

	pool, ok := console.GetPool(tp.cp.GetName())
	assert.True(t, ok)
	assert.Same(t, tp.cp, pool)

	// Duplicate registration is logged and ignored.
	console.RegisterConnectionPool(tp.cp, zap.NewNop())
	assert.Len(t, console.PoolNames(), 1)

	console.DeregisterConnectionPool(tp.cp.GetName(), zap.NewNop())
	_, ok = console.GetPool(tp.cp.GetName())
	assert.False(t, ok)

	// Deregistering again is harmless.
	console.DeregisterConnectionPool(tp.cp.GetName(), zap.NewNop())
}

func TestMonitorConsoleTopology(t *testing.T) {
	console := NewMonitorConsole()

	tp := newTestPool(t, hostA, hostB)
	tp.mustStart(t)
	defer tp.cp.Shutdown()

	console.RegisterConnectionPool(tp.cp, zap.NewNop())
	defer console.DeregisterConnectionPool(tp.cp.GetName(), zap.NewNop())

	topology, ok := console.GetTopology(tp.cp.GetName())
	assert.True(t, ok)
	assert.Equal(t, []string{"rack1"}, topology.Racks())
	assert.Len(t, topology.TokensForRack("rack1"), 2)
}

func TestCountingMonitorTracksPerHost(t *testing.T) {
	monitor := NewCountingConnectionPoolMonitor()

	monitor.IncOperationSuccess(hostA, 10)
	monitor.IncOperationSuccess(hostA, 20)
	monitor.IncOperationFailure(&hostB, NewDynoError(hostB, "boom", nil))
	monitor.IncOperationFailure(nil, ErrNoAvailableHosts)
	monitor.IncFailover(hostB, NewDynoError(hostB, "boom", nil))
	monitor.HostAdded(hostA, nil)
	monitor.HostRemoved(hostA)
	monitor.SetHostCount(5)

	assert.EqualValues(t, 2, monitor.OperationSuccessCount())
	assert.EqualValues(t, 2, monitor.HostSuccessCount(hostA))
	assert.EqualValues(t, 2, monitor.OperationFailureCount())
	assert.EqualValues(t, 1, monitor.HostFailureCount(hostB))
	assert.EqualValues(t, 1, monitor.NoHostFailureCount())
	assert.EqualValues(t, 1, monitor.FailoverCount())
	assert.EqualValues(t, 1, monitor.HostAddedCount())
	assert.EqualValues(t, 1, monitor.HostRemovedCount())
	assert.EqualValues(t, 5, monitor.HostCount())
}
