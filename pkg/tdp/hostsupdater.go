package tdp

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// HostsUpdater polls the host supplier and diffs the result against the last
// published snapshot. Refreshes happen from Start and from the scheduler tick
// only; the updater itself is single-caller at a time.
type HostsUpdater struct {
	supplier HostSupplier
	logger   *zap.Logger

	lock       sync.Mutex
	lastStatus *HostStatusTracker
	stopped    int32
}

// NewHostsUpdater creates an updater with an empty prior snapshot.
func NewHostsUpdater(supplier HostSupplier, logger *zap.Logger) *HostsUpdater {
	return &HostsUpdater{
		supplier:   supplier,
		logger:     logger,
		lastStatus: NewHostStatusTracker(nil, nil),
	}
}

// RefreshHosts fetches the supplier's current membership and returns the new
// snapshot, with inactive hosts computed against the prior one.
func (hu *HostsUpdater) RefreshHosts() (*HostStatusTracker, error) {

	if atomic.LoadInt32(&hu.stopped) == 1 {
		return nil, ErrUpdaterStopped
	}

	hosts, err := hu.supplier.GetHosts()
	if err != nil {
		return nil, NewDynoError(Host{}, "host supplier failed", err)
	}

	hu.lock.Lock()
	defer hu.lock.Unlock()

	if hu.lastStatus.CheckLastStatus(hosts) {
		hu.logger.Debug("host membership unchanged", zap.Int("hosts", len(hosts)))
		return hu.lastStatus.ComputeNewHostStatus(hosts), nil
	}

	next := hu.lastStatus.ComputeNewHostStatus(hosts)
	hu.logger.Info("host membership changed",
		zap.Int("up", next.HostCount()),
		zap.Int("down", len(next.InactiveHosts())))

	hu.lastStatus = next
	return next, nil
}

// Stop makes further refreshes fail fast with ErrUpdaterStopped.
func (hu *HostsUpdater) Stop() {
	atomic.StoreInt32(&hu.stopped, 1)
}
