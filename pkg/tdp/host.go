package tdp

import (
	"fmt"
	"sort"
)

// Host is one backend server identity in the token ring. Hosts are value
// compared by hostname and port; rack and datacenter drive fallback preference
// during selection.
type Host struct {
	HostName   string `json:"HostName" yaml:"HostName"`
	Port       int    `json:"Port" yaml:"Port"`
	Rack       string `json:"Rack" yaml:"Rack"`
	Datacenter string `json:"Datacenter" yaml:"Datacenter"`
}

// NewHost creates a Host with the provided identity.
func NewHost(hostName string, port int, rack string, datacenter string) Host {
	return Host{HostName: hostName, Port: port, Rack: rack, Datacenter: datacenter}
}

// Address returns the dialable hostname:port form.
func (h Host) Address() string {
	return fmt.Sprintf("%s:%d", h.HostName, h.Port)
}

// Key returns the membership map key for this host. Two hosts with the same
// hostname and port are the same pool member regardless of rack or DC labels.
func (h Host) Key() string {
	return h.Address()
}

func (h Host) String() string {
	return fmt.Sprintf("Host[%s, rack=%s, dc=%s]", h.Address(), h.Rack, h.Datacenter)
}

// Equals compares hosts by hostname and port only.
func (h Host) Equals(other Host) bool {
	return h.HostName == other.HostName && h.Port == other.Port
}

// HostSupplier provides the current cluster membership. Called by the
// HostsUpdater on start and on every refresh tick.
type HostSupplier interface {
	GetHosts() ([]Host, error)
}

// StaticHostSupplier serves a fixed host list, useful for tests and simple
// deployments without a discovery service.
type StaticHostSupplier struct {
	hosts []Host
}

// NewStaticHostSupplier creates a supplier over a fixed host list.
func NewStaticHostSupplier(hosts ...Host) *StaticHostSupplier {
	return &StaticHostSupplier{hosts: hosts}
}

// GetHosts returns a copy of the configured host list.
func (s *StaticHostSupplier) GetHosts() ([]Host, error) {
	out := make([]Host, len(s.hosts))
	copy(out, s.hosts)
	return out, nil
}

// HostStatusTracker is an immutable snapshot of up and down hosts produced by
// the HostsUpdater. A host stays active until the supplier stops reporting it.
type HostStatusTracker struct {
	active   map[string]Host
	inactive map[string]Host
}

// NewHostStatusTracker builds a snapshot from explicit up and down sets.
func NewHostStatusTracker(activeHosts []Host, inactiveHosts []Host) *HostStatusTracker {
	hst := &HostStatusTracker{
		active:   make(map[string]Host, len(activeHosts)),
		inactive: make(map[string]Host, len(inactiveHosts)),
	}
	for _, h := range activeHosts {
		hst.active[h.Key()] = h
	}
	for _, h := range inactiveHosts {
		if _, ok := hst.active[h.Key()]; !ok {
			hst.inactive[h.Key()] = h
		}
	}
	return hst
}

// IsHostUp reports whether host is in the active set.
func (hst *HostStatusTracker) IsHostUp(host Host) bool {
	_, ok := hst.active[host.Key()]
	return ok
}

// ActiveHosts returns the up hosts, sorted by address for stable iteration.
func (hst *HostStatusTracker) ActiveHosts() []Host {
	return sortedHosts(hst.active)
}

// InactiveHosts returns the hosts that went down since the prior snapshot.
func (hst *HostStatusTracker) InactiveHosts() []Host {
	return sortedHosts(hst.inactive)
}

// HostCount returns the number of active hosts.
func (hst *HostStatusTracker) HostCount() int {
	return len(hst.active)
}

// ComputeNewHostStatus diffs this snapshot against the supplier's latest host
// list. Hosts newly reported are up; hosts previously active but now absent
// are down.
func (hst *HostStatusTracker) ComputeNewHostStatus(currentHosts []Host) *HostStatusTracker {
	next := make(map[string]Host, len(currentHosts))
	for _, h := range currentHosts {
		next[h.Key()] = h
	}

	down := make(map[string]Host)
	for key, h := range hst.active {
		if _, stillUp := next[key]; !stillUp {
			down[key] = h
		}
	}

	return &HostStatusTracker{active: next, inactive: down}
}

// CheckLastStatus reports whether the supplier's latest host list matches the
// active membership of this snapshot, letting callers skip no-op refreshes.
func (hst *HostStatusTracker) CheckLastStatus(currentHosts []Host) bool {
	if len(currentHosts) != len(hst.active) {
		return false
	}
	for _, h := range currentHosts {
		if _, ok := hst.active[h.Key()]; !ok {
			return false
		}
	}
	return true
}

func (hst *HostStatusTracker) String() string {
	return fmt.Sprintf("HostStatusTracker[up=%d, down=%d]", len(hst.active), len(hst.inactive))
}

func sortedHosts(m map[string]Host) []Host {
	hosts := make([]Host, 0, len(m))
	for _, h := range m {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool {
		return hosts[i].Address() < hosts[j].Address()
	})
	return hosts
}
