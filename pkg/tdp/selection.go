package tdp

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// TokenSupplier assigns each host its token in the ring. Required before Start.
type TokenSupplier interface {
	GetTokenForHost(host Host) (uint64, bool)
}

// StaticTokenSupplier serves a fixed host-to-token assignment.
type StaticTokenSupplier struct {
	tokens map[string]uint64
}

// NewStaticTokenSupplier creates a supplier from explicit host tokens.
func NewStaticTokenSupplier(tokens map[string]uint64) *StaticTokenSupplier {
	return &StaticTokenSupplier{tokens: tokens}
}

// GetTokenForHost looks up the host's assigned token by its membership key.
func (s *StaticTokenSupplier) GetTokenForHost(host Host) (uint64, bool) {
	token, ok := s.tokens[host.Key()]
	return token, ok
}

// HashedTokenSupplier derives each host's token from a hash of its address,
// for clusters without an external token map.
type HashedTokenSupplier struct{}

// NewHashedTokenSupplier creates the hash-derived supplier.
func NewHashedTokenSupplier() *HashedTokenSupplier {
	return &HashedTokenSupplier{}
}

// GetTokenForHost hashes the host address into a ring token.
func (s *HashedTokenSupplier) GetTokenForHost(host Host) (uint64, bool) {
	return xxhash.Sum64String(host.Address()), true
}

// HostSelectionStrategy maps operations to connections with token affinity and
// rack/DC fallback. Implementations present an immutable ring snapshot to
// readers during rebuilds.
type HostSelectionStrategy interface {
	InitWithHosts(pools map[Host]HostConnectionPool)
	AddHost(host Host, pool HostConnectionPool)
	RemoveHost(host Host, pool HostConnectionPool)
	GetConnection(op Operation, timeout time.Duration) (Connection, error)
	// GetConnectionWithRetry steers retry attempts away from the token owner:
	// once a policy records a failed attempt, fallback hosts are tried first,
	// rotating across calls.
	GetConnectionWithRetry(op Operation, timeout time.Duration, retry RetryPolicy) (Connection, error)
	GetConnectionsToRing(timeout time.Duration) ([]Connection, error)
	GetTokenPoolTopology() *TokenPoolTopology
}

type ringEntry struct {
	token uint64
	host  Host
	pool  HostConnectionPool
}

// ringSnapshot is the immutable view handed to readers. Rebuilds swap in a new
// snapshot; readers never observe a partially updated ring.
type ringSnapshot struct {
	sortedTokens []uint64
	byToken      map[uint64]*ringEntry
	entries      []*ringEntry
}

func (rs *ringSnapshot) ownerIndex(token uint64) int {
	idx := sort.Search(len(rs.sortedTokens), func(i int) bool {
		return rs.sortedTokens[i] >= token
	})
	if idx >= len(rs.sortedTokens) {
		idx = 0
	}
	return idx
}

// TokenAwareSelection is the token ring selection strategy. The operation
// key's hash picks a primary host; fallbacks prefer the local rack, then the
// local datacenter, then the remainder of the ring.
type TokenAwareSelection struct {
	tokenSupplier   TokenSupplier
	localRack       string
	localDatacenter string
	logger          *zap.Logger

	rebuildLock sync.Mutex
	snapshot    atomic.Value // *ringSnapshot
	fallbackSeq uint64
}

// NewTokenAwareSelection creates the selection strategy with an empty ring.
func NewTokenAwareSelection(tokenSupplier TokenSupplier, config *PoolConfig, logger *zap.Logger) *TokenAwareSelection {
	ts := &TokenAwareSelection{
		tokenSupplier:   tokenSupplier,
		localRack:       config.LocalRack,
		localDatacenter: config.LocalDatacenter,
		logger:          logger,
	}
	ts.snapshot.Store(&ringSnapshot{byToken: make(map[uint64]*ringEntry)})
	return ts
}

// InitWithHosts seeds the ring holistically from the membership map.
func (ts *TokenAwareSelection) InitWithHosts(pools map[Host]HostConnectionPool) {
	ts.rebuildLock.Lock()
	defer ts.rebuildLock.Unlock()

	entries := make([]*ringEntry, 0, len(pools))
	for host, pool := range pools {
		entry, ok := ts.newEntry(host, pool)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	ts.storeSnapshot(entries)
}

// AddHost inserts one host into the ring.
func (ts *TokenAwareSelection) AddHost(host Host, pool HostConnectionPool) {
	ts.rebuildLock.Lock()
	defer ts.rebuildLock.Unlock()

	current := ts.loadSnapshot()
	entries := make([]*ringEntry, 0, len(current.entries)+1)
	for _, e := range current.entries {
		if e.host.Equals(host) {
			continue
		}
		entries = append(entries, e)
	}

	entry, ok := ts.newEntry(host, pool)
	if ok {
		entries = append(entries, entry)
	}
	ts.storeSnapshot(entries)
}

// RemoveHost drops one host from the ring.
func (ts *TokenAwareSelection) RemoveHost(host Host, _ HostConnectionPool) {
	ts.rebuildLock.Lock()
	defer ts.rebuildLock.Unlock()

	current := ts.loadSnapshot()
	entries := make([]*ringEntry, 0, len(current.entries))
	for _, e := range current.entries {
		if e.host.Equals(host) {
			continue
		}
		entries = append(entries, e)
	}
	ts.storeSnapshot(entries)
}

// GetConnection borrows a connection for op, starting at the token owner and
// falling back along rack/DC preference. Fails with ErrNoAvailableHosts when
// no candidate can produce a connection within the timeout.
func (ts *TokenAwareSelection) GetConnection(op Operation, timeout time.Duration) (Connection, error) {
	return ts.GetConnectionWithRetry(op, timeout, nil)
}

// GetConnectionWithRetry borrows a connection for op. First attempts go to
// the token owner; once the retry policy records a failed attempt, fallback
// hosts take priority, rotated so consecutive retries spread across them.
func (ts *TokenAwareSelection) GetConnectionWithRetry(op Operation, timeout time.Duration, retry RetryPolicy) (Connection, error) {

	rs := ts.loadSnapshot()
	if len(rs.entries) == 0 {
		return nil, ErrNoAvailableHosts
	}

	token := xxhash.Sum64String(op.Key())
	candidates := ts.orderedCandidates(rs, token)

	if retry != nil && retry.AttemptCount() > 0 && len(candidates) > 1 {
		candidates = ts.rotateToFallback(candidates)
	}

	for _, entry := range candidates {
		if entry.pool.IsShutdown() || !entry.pool.IsActive() {
			continue
		}

		conn, err := entry.pool.BorrowConnection(timeout)
		if err != nil {
			ts.logger.Debug("borrow failed, trying fallback",
				zap.String("host", entry.host.Address()),
				zap.Error(err))
			continue
		}
		return conn, nil
	}

	return nil, ErrNoAvailableHosts
}

// GetConnectionsToRing borrows one connection per token range. On any borrow
// failure the connections already borrowed are returned before the error is
// surfaced.
func (ts *TokenAwareSelection) GetConnectionsToRing(timeout time.Duration) ([]Connection, error) {

	rs := ts.loadSnapshot()
	if len(rs.entries) == 0 {
		return nil, ErrNoAvailableHosts
	}

	conns := make([]Connection, 0, len(rs.entries))
	for _, entry := range rs.entries {
		if entry.pool.IsShutdown() || !entry.pool.IsActive() {
			continue
		}

		conn, err := entry.pool.BorrowConnection(timeout)
		if err != nil {
			for _, borrowed := range conns {
				borrowed.Context().Reset()
				borrowed.ParentConnectionPool().ReturnConnection(borrowed)
			}
			return nil, ErrNoAvailableHosts
		}
		conns = append(conns, conn)
	}

	if len(conns) == 0 {
		return nil, ErrNoAvailableHosts
	}
	return conns, nil
}

// GetTokenPoolTopology returns the current per-rack token layout.
func (ts *TokenAwareSelection) GetTokenPoolTopology() *TokenPoolTopology {

	rs := ts.loadSnapshot()
	topology := NewTokenPoolTopology()
	for _, entry := range rs.entries {
		topology.addEntry(entry.host.Rack, entry.token, entry.host, entry.pool.IsActive())
	}
	topology.sortRacks()
	return topology
}

// orderedCandidates walks the ring clockwise from the token owner, then ranks
// the remainder by rack and datacenter proximity to the local zone.
func (ts *TokenAwareSelection) orderedCandidates(rs *ringSnapshot, token uint64) []*ringEntry {

	ownerIdx := rs.ownerIndex(token)
	n := len(rs.sortedTokens)

	ordered := make([]*ringEntry, 0, n)
	ordered = append(ordered, rs.byToken[rs.sortedTokens[ownerIdx]])

	fallbacks := make([]*ringEntry, 0, n-1)
	for i := 1; i < n; i++ {
		fallbacks = append(fallbacks, rs.byToken[rs.sortedTokens[(ownerIdx+i)%n]])
	}

	sort.SliceStable(fallbacks, func(i, j int) bool {
		return ts.zoneRank(fallbacks[i].host) < ts.zoneRank(fallbacks[j].host)
	})

	return append(ordered, fallbacks...)
}

// rotateToFallback moves the token owner to the back and starts the fallback
// walk at a rotating offset, spreading consecutive retries across hosts.
func (ts *TokenAwareSelection) rotateToFallback(candidates []*ringEntry) []*ringEntry {

	fallbacks := candidates[1:]
	offset := int((atomic.AddUint64(&ts.fallbackSeq, 1) - 1) % uint64(len(fallbacks)))

	rotated := make([]*ringEntry, 0, len(candidates))
	for i := 0; i < len(fallbacks); i++ {
		rotated = append(rotated, fallbacks[(offset+i)%len(fallbacks)])
	}
	return append(rotated, candidates[0])
}

// zoneRank orders fallback hosts: same rack first, then same datacenter, then
// remote datacenters.
func (ts *TokenAwareSelection) zoneRank(host Host) int {
	if ts.localRack != "" && host.Rack == ts.localRack {
		return 0
	}
	if ts.localDatacenter != "" && host.Datacenter == ts.localDatacenter {
		return 1
	}
	return 2
}

func (ts *TokenAwareSelection) newEntry(host Host, pool HostConnectionPool) (*ringEntry, bool) {
	token, ok := ts.tokenSupplier.GetTokenForHost(host)
	if !ok {
		ts.logger.Warn("token supplier has no token for host, excluding from ring",
			zap.String("host", host.Address()))
		return nil, false
	}
	return &ringEntry{token: token, host: host, pool: pool}, true
}

func (ts *TokenAwareSelection) loadSnapshot() *ringSnapshot {
	return ts.snapshot.Load().(*ringSnapshot)
}

func (ts *TokenAwareSelection) storeSnapshot(entries []*ringEntry) {

	byToken := make(map[uint64]*ringEntry, len(entries))
	tokens := make([]uint64, 0, len(entries))
	kept := make([]*ringEntry, 0, len(entries))

	for _, entry := range entries {
		if _, dup := byToken[entry.token]; dup {
			ts.logger.Warn("duplicate token in ring, keeping first owner",
				zap.Uint64("token", entry.token),
				zap.String("host", entry.host.Address()))
			continue
		}
		byToken[entry.token] = entry
		tokens = append(tokens, entry.token)
		kept = append(kept, entry)
	}

	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	sort.Slice(kept, func(i, j int) bool { return kept[i].token < kept[j].token })

	ts.snapshot.Store(&ringSnapshot{
		sortedTokens: tokens,
		byToken:      byToken,
		entries:      kept,
	})
}
