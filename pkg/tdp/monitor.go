package tdp

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionPoolMonitor receives one event per attempt outcome. Implementations
// must be safe for concurrent callers.
type ConnectionPoolMonitor interface {
	IncOperationSuccess(host Host, latency time.Duration)
	// IncOperationFailure takes a nil host when the failure happened before a
	// connection was selected ("no host").
	IncOperationFailure(host *Host, err error)
	IncFailover(host Host, err error)
	HostAdded(host Host, pool HostConnectionPool)
	HostRemoved(host Host)
	SetHostCount(count int)
}

// CountingConnectionPoolMonitor keeps in-memory counters of pool activity.
type CountingConnectionPoolMonitor struct {
	operationSuccess int64
	operationFailure int64
	failover         int64
	noHostFailure    int64
	hostsAdded       int64
	hostsRemoved     int64
	hostCount        int64

	lock        sync.Mutex
	perHostOK   map[string]int64
	perHostFail map[string]int64
	perHostOver map[string]int64
}

// NewCountingConnectionPoolMonitor creates a zeroed monitor.
func NewCountingConnectionPoolMonitor() *CountingConnectionPoolMonitor {
	return &CountingConnectionPoolMonitor{
		perHostOK:   make(map[string]int64),
		perHostFail: make(map[string]int64),
		perHostOver: make(map[string]int64),
	}
}

func (m *CountingConnectionPoolMonitor) IncOperationSuccess(host Host, _ time.Duration) {
	atomic.AddInt64(&m.operationSuccess, 1)
	m.lock.Lock()
	m.perHostOK[host.Key()]++
	m.lock.Unlock()
}

func (m *CountingConnectionPoolMonitor) IncOperationFailure(host *Host, _ error) {
	atomic.AddInt64(&m.operationFailure, 1)
	if host == nil {
		atomic.AddInt64(&m.noHostFailure, 1)
		return
	}
	m.lock.Lock()
	m.perHostFail[host.Key()]++
	m.lock.Unlock()
}

func (m *CountingConnectionPoolMonitor) IncFailover(host Host, _ error) {
	atomic.AddInt64(&m.failover, 1)
	m.lock.Lock()
	m.perHostOver[host.Key()]++
	m.lock.Unlock()
}

func (m *CountingConnectionPoolMonitor) HostAdded(_ Host, _ HostConnectionPool) {
	atomic.AddInt64(&m.hostsAdded, 1)
}

func (m *CountingConnectionPoolMonitor) HostRemoved(_ Host) {
	atomic.AddInt64(&m.hostsRemoved, 1)
}

func (m *CountingConnectionPoolMonitor) SetHostCount(count int) {
	atomic.StoreInt64(&m.hostCount, int64(count))
}

// OperationSuccessCount returns the total successful operations recorded.
func (m *CountingConnectionPoolMonitor) OperationSuccessCount() int64 {
	return atomic.LoadInt64(&m.operationSuccess)
}

// OperationFailureCount returns the total failed attempts recorded.
func (m *CountingConnectionPoolMonitor) OperationFailureCount() int64 {
	return atomic.LoadInt64(&m.operationFailure)
}

// FailoverCount returns how many failed attempts were followed by a retry.
func (m *CountingConnectionPoolMonitor) FailoverCount() int64 {
	return atomic.LoadInt64(&m.failover)
}

// NoHostFailureCount returns failures recorded before any host was selected.
func (m *CountingConnectionPoolMonitor) NoHostFailureCount() int64 {
	return atomic.LoadInt64(&m.noHostFailure)
}

// HostAddedCount returns the number of host admissions observed.
func (m *CountingConnectionPoolMonitor) HostAddedCount() int64 {
	return atomic.LoadInt64(&m.hostsAdded)
}

// HostRemovedCount returns the number of host removals observed.
func (m *CountingConnectionPoolMonitor) HostRemovedCount() int64 {
	return atomic.LoadInt64(&m.hostsRemoved)
}

// HostCount returns the last published membership size.
func (m *CountingConnectionPoolMonitor) HostCount() int64 {
	return atomic.LoadInt64(&m.hostCount)
}

// HostSuccessCount returns successes recorded against one host.
func (m *CountingConnectionPoolMonitor) HostSuccessCount(host Host) int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.perHostOK[host.Key()]
}

// HostFailureCount returns failures recorded against one host.
func (m *CountingConnectionPoolMonitor) HostFailureCount(host Host) int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.perHostFail[host.Key()]
}

// HostFailoverCount returns failovers recorded against one host.
func (m *CountingConnectionPoolMonitor) HostFailoverCount(host Host) int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.perHostOver[host.Key()]
}
