package tdp

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusMonitorPublishesCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	monitor, err := NewPrometheusMonitor("test-pool", registry)
	assert.NoError(t, err)

	monitor.IncOperationSuccess(hostA, 5*time.Millisecond)
	monitor.IncOperationFailure(&hostB, NewDynoError(hostB, "boom", nil))
	monitor.IncOperationFailure(nil, ErrNoAvailableHosts)
	monitor.IncFailover(hostB, NewDynoError(hostB, "boom", nil))
	monitor.HostAdded(hostA, nil)
	monitor.HostRemoved(hostA)
	monitor.SetHostCount(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(monitor.operationSuccess.WithLabelValues(hostA.Address())))
	assert.Equal(t, 1.0, testutil.ToFloat64(monitor.operationFailure.WithLabelValues(hostB.Address())))
	assert.Equal(t, 1.0, testutil.ToFloat64(monitor.operationFailure.WithLabelValues(noHostLabel)))
	assert.Equal(t, 1.0, testutil.ToFloat64(monitor.failover.WithLabelValues(hostB.Address())))
	assert.Equal(t, 1.0, testutil.ToFloat64(monitor.hostsAdded))
	assert.Equal(t, 1.0, testutil.ToFloat64(monitor.hostsRemoved))
	assert.Equal(t, 3.0, testutil.ToFloat64(monitor.hostCount))
}

func TestPrometheusMonitorDoubleRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()

	_, err := NewPrometheusMonitor("test-pool", registry)
	assert.NoError(t, err)

	_, err = NewPrometheusMonitor("test-pool", registry)
	assert.Error(t, err)
}
