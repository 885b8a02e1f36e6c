package tdp

import (
	"fmt"
	"sort"
	"strings"
)

// TokenStatus is one ring position: the token, its owning host, and whether
// the host's sub-pool is currently taking traffic.
type TokenStatus struct {
	Token  uint64
	Host   Host
	Active bool
}

// TokenPoolTopology is a per-rack view of the token ring, derived from the
// selection strategy's current snapshot. Intended for console and monitoring
// surfaces.
type TokenPoolTopology struct {
	racks map[string][]TokenStatus
}

// NewTokenPoolTopology creates an empty topology.
func NewTokenPoolTopology() *TokenPoolTopology {
	return &TokenPoolTopology{racks: make(map[string][]TokenStatus)}
}

func (t *TokenPoolTopology) addEntry(rack string, token uint64, host Host, active bool) {
	t.racks[rack] = append(t.racks[rack], TokenStatus{Token: token, Host: host, Active: active})
}

func (t *TokenPoolTopology) sortRacks() {
	for rack := range t.racks {
		entries := t.racks[rack]
		sort.Slice(entries, func(i, j int) bool { return entries[i].Token < entries[j].Token })
		t.racks[rack] = entries
	}
}

// Racks returns the rack names present in the topology, sorted.
func (t *TokenPoolTopology) Racks() []string {
	racks := make([]string, 0, len(t.racks))
	for rack := range t.racks {
		racks = append(racks, rack)
	}
	sort.Strings(racks)
	return racks
}

// TokensForRack returns the rack's ring positions in token order.
func (t *TokenPoolTopology) TokensForRack(rack string) []TokenStatus {
	entries := t.racks[rack]
	out := make([]TokenStatus, len(entries))
	copy(out, entries)
	return out
}

func (t *TokenPoolTopology) String() string {
	var sb strings.Builder
	for _, rack := range t.Racks() {
		sb.WriteString(rack)
		sb.WriteString(": ")
		for _, ts := range t.racks[rack] {
			fmt.Fprintf(&sb, "[%d -> %s active=%t] ", ts.Token, ts.Host.Address(), ts.Active)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
