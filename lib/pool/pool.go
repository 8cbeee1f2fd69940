// Copyright 2024 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pool implements the shared connection-pool contract used by both
// the SSH and Telnet transports: keyed caches of authenticated connections
// with refcounts, tab-reference tracking, idle eviction, health checks and
// usage statistics.
package pool

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/hexterm/termcore/lib/config"
	"github.com/hexterm/termcore/lib/errs"
	"github.com/hexterm/termcore/lib/metrics"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Transport is the live handle a Dialer produces. Both the SSH client and
// the Telnet client satisfy it.
type Transport interface {
	// Close tears down the underlying network connection.
	Close() error
	// Closed reports whether the transport has already been torn down,
	// either by us or by the remote end.
	Closed() bool
}

// Dialer authenticates and opens a Transport for entry. SSHPool and
// TelnetPool each supply one.
type Dialer interface {
	Dial(ctx context.Context, entry config.ConnectionEntry) (Transport, error)
}

// Connection is a pooled, shared, reference-counted transport.
type Connection struct {
	Key        Key
	Transport  Transport
	Entry      config.ConnectionEntry
	CreatedAt  time.Time
	LastUsedAt time.Time

	mu          sync.Mutex
	refCount    int
	tabRefs     map[string]struct{}
	ready       bool
	closing     bool
	accessCount int
}

// RefCount returns the current reference count under the connection's own
// lock (the pool lock is not required to read it once a *Connection has
// been returned to a caller).
func (c *Connection) RefCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refCount
}

// TabRefCount returns the number of tabs currently referencing c.
func (c *Connection) TabRefCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tabRefs)
}

// Ready reports whether the connection answers operations (state machine
// Ready|Busy, not Connecting|Closing|Closed).
func (c *Connection) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.closing
}

// Config holds the tunables for one Pool instance. SSH and Telnet pools
// may apply their own defaults on top of these.
type Config struct {
	MaxTotal            int
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
	Clock               clockwork.Clock
	Log                 log.FieldLogger

	// OnClose, when set, is invoked after a connection is torn down, with
	// the tabs that were referencing it, so derived per-tab state (SFTP
	// sessions) can be purged with it. Called from its own goroutine; no
	// pool locks are held.
	OnClose func(key Key, tabIDs []string)
}

func (c *Config) checkAndSetDefaults() {
	if c.MaxTotal <= 0 {
		c.MaxTotal = 50
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 90 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.StandardLogger().WithField(trace.Component, "pool")
	}
}

// Pool is the shared implementation behind both SSHPool and TelnetPool.
type Pool struct {
	Config
	dialer Dialer

	bytesTransferred int64 // atomic

	mu                sync.Mutex
	connections       map[Key]*Connection
	lastOrder         []Key // in creation order, most recent last; never trimmed
	lastHealthCheckAt time.Time

	stopSweep context.CancelFunc
}

// New constructs a Pool backed by dialer.
func New(dialer Dialer, cfg Config) *Pool {
	cfg.checkAndSetDefaults()
	if err := metrics.RegisterPrometheusCollectors(poolCollectors...); err != nil {
		cfg.Log.WithError(err).Warn("failed to register pool metrics")
	}
	return &Pool{
		Config:      cfg,
		dialer:      dialer,
		connections: make(map[Key]*Connection),
	}
}

// Acquire returns an existing healthy connection for key, or evicts an
// idle victim and creates one.
func (p *Pool) Acquire(ctx context.Context, key Key, entry config.ConnectionEntry, tabID string) (*Connection, error) {
	p.mu.Lock()
	if existing, ok := p.connections[key]; ok && existing.Ready() {
		existing.mu.Lock()
		existing.refCount++
		existing.LastUsedAt = p.Clock.Now()
		existing.accessCount++
		if tabID != "" {
			existing.tabRefs[tabID] = struct{}{}
		}
		existing.mu.Unlock()
		p.mu.Unlock()
		return existing, nil
	}

	if len(p.connections) >= p.MaxTotal {
		victim := p.pickEvictionVictimLocked()
		if victim == "" {
			p.mu.Unlock()
			return nil, errs.WithKey(errs.KindPoolFull, string(key), trace.LimitExceeded("pool is full"))
		}
		p.closeLocked(victim, closeReasonEvicted)
	}
	p.mu.Unlock()

	transport, err := p.dialer.Dial(ctx, entry)
	if err != nil {
		p.Log.WithError(err).WithField("key", key).Warn("failed to establish pooled connection")
		// The dialer may already have classified the failure (e.g. an
		// auth rejection); preserve that Kind instead of flattening
		// everything to KindNetwork.
		if ce, ok := errs.As(err); ok {
			return nil, errs.WithKey(ce.Kind, string(key), ce.Cause)
		}
		return nil, errs.WithKey(errs.KindNetwork, string(key), trace.Wrap(err))
	}
	connectionsCreated.Inc()

	now := p.Clock.Now()
	conn := &Connection{
		Key:         key,
		Transport:   transport,
		Entry:       entry,
		CreatedAt:   now,
		LastUsedAt:  now,
		refCount:    1,
		tabRefs:     make(map[string]struct{}),
		ready:       true,
		accessCount: 1,
	}
	if tabID != "" {
		conn.tabRefs[tabID] = struct{}{}
	}

	p.mu.Lock()
	p.connections[key] = conn
	p.lastOrder = append(p.lastOrder, key)
	p.mu.Unlock()

	return conn, nil
}

// pickEvictionVictimLocked selects the idle, unreferenced connection with
// the smallest LastUsedAt. Caller holds p.mu.
func (p *Pool) pickEvictionVictimLocked() Key {
	var victim Key
	var oldest time.Time
	for key, conn := range p.connections {
		conn.mu.Lock()
		idle := conn.refCount <= 0 && len(conn.tabRefs) == 0
		lastUsed := conn.LastUsedAt
		conn.mu.Unlock()
		if !idle {
			continue
		}
		if victim == "" || lastUsed.Before(oldest) {
			victim = key
			oldest = lastUsed
		}
	}
	return victim
}

// Release drops a tab's reference and refcount on key's connection.
func (p *Pool) Release(key Key, tabID string) {
	p.mu.Lock()
	conn, ok := p.connections[key]
	p.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	if conn.refCount > 0 {
		conn.refCount--
	}
	if tabID != "" {
		delete(conn.tabRefs, tabID)
	}
	conn.mu.Unlock()
}

// AddTabReference records an explicit tab -> connection edge.
func (p *Pool) AddTabReference(key Key, tabID string) {
	p.mu.Lock()
	conn, ok := p.connections[key]
	p.mu.Unlock()
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.tabRefs[tabID] = struct{}{}
	conn.mu.Unlock()
}

// RemoveTabReference removes an explicit tab -> connection edge without
// touching refCount.
func (p *Pool) RemoveTabReference(key Key, tabID string) {
	p.mu.Lock()
	conn, ok := p.connections[key]
	p.mu.Unlock()
	if !ok {
		return
	}
	conn.mu.Lock()
	delete(conn.tabRefs, tabID)
	conn.mu.Unlock()
}

// CloseConnection forces teardown of key regardless of refcount.
func (p *Pool) CloseConnection(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked(key, closeReasonForced)
}

// closeLocked closes and removes key. Caller holds p.mu.
func (p *Pool) closeLocked(key Key, reason string) {
	conn, ok := p.connections[key]
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.closing = true
	tabIDs := make([]string, 0, len(conn.tabRefs))
	for id := range conn.tabRefs {
		tabIDs = append(tabIDs, id)
	}
	conn.mu.Unlock()

	_ = conn.Transport.Close()
	delete(p.connections, key)

	connectionsClosed.WithLabelValues(reason).Inc()
	p.Log.WithFields(log.Fields{"key": key, "reason": reason}).Info("closed pooled connection")

	if p.OnClose != nil {
		go p.OnClose(key, tabIDs)
	}
}

// Lookup returns the pooled connection for key without touching its
// refcount or tab references, for callers (the tab registry, the SFTP
// session manager) that already hold a tab reference and just need the
// underlying transport handle.
func (p *Pool) Lookup(key Key) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.connections[key]
	return conn, ok
}

// PerformHealthCheck closes any connection whose transport reports closed,
// or that is idle past IdleTimeout and unreferenced.
func (p *Pool) PerformHealthCheck() {
	now := p.Clock.Now()
	healthChecksRun.Inc()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHealthCheckAt = now

	for key, conn := range p.connections {
		if conn.Transport.Closed() {
			p.closeLocked(key, closeReasonDeadTransport)
			continue
		}

		conn.mu.Lock()
		idle := conn.refCount <= 0 && len(conn.tabRefs) == 0
		expired := now.Sub(conn.LastUsedAt) > p.IdleTimeout
		conn.mu.Unlock()

		if idle && expired {
			p.closeLocked(key, closeReasonIdle)
		}
	}
}

// StartSweeper runs PerformHealthCheck every HealthCheckInterval until ctx
// is cancelled or Shutdown is called.
func (p *Pool) StartSweeper(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.stopSweep = cancel
	p.mu.Unlock()

	ticker := p.Clock.NewTicker(p.HealthCheckInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				p.PerformHealthCheck()
			}
		}
	}()
}

// Shutdown stops the sweeper and closes every pooled connection.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stopSweep != nil {
		p.stopSweep()
	}
	keys := make([]Key, 0, len(p.connections))
	for k := range p.connections {
		keys = append(keys, k)
	}
	for _, k := range keys {
		p.closeLocked(k, closeReasonShutdown)
	}
	p.mu.Unlock()
}

// AddBytesTransferred accumulates bytes moved over SFTP sessions bound to
// this pool's connections, for the stats snapshot.
func (p *Pool) AddBytesTransferred(n int64) {
	atomic.AddInt64(&p.bytesTransferred, n)
}

// BytesTransferred returns the accumulated SFTP byte count.
func (p *Pool) BytesTransferred() int64 {
	return atomic.LoadInt64(&p.bytesTransferred)
}

// Status is the coarse pool snapshot returned by GetStatus.
type Status struct {
	Total int
	Ready int
	Idle  int
}

// GetStatus returns coarse counts across the pool.
func (p *Pool) GetStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := Status{Total: len(p.connections)}
	for _, conn := range p.connections {
		conn.mu.Lock()
		if conn.ready && !conn.closing {
			status.Ready++
		}
		if conn.refCount <= 0 && len(conn.tabRefs) == 0 {
			status.Idle++
		}
		conn.mu.Unlock()
	}
	return status
}

// DetailedStat is one row of GetDetailedStats.
type DetailedStat struct {
	Key         Key
	RefCount    int
	TabRefs     int
	AccessCount int
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

// GetDetailedStats returns a per-connection snapshot for diagnostics.
func (p *Pool) GetDetailedStats() []DetailedStat {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]DetailedStat, 0, len(p.connections))
	for key, conn := range p.connections {
		conn.mu.Lock()
		out = append(out, DetailedStat{
			Key:         key,
			RefCount:    conn.refCount,
			TabRefs:     len(conn.tabRefs),
			AccessCount: conn.accessCount,
			CreatedAt:   conn.CreatedAt,
			LastUsedAt:  conn.LastUsedAt,
		})
		conn.mu.Unlock()
	}
	return out
}

// GetTopConnections returns the n connections with the highest access
// count, most-used first.
func (p *Pool) GetTopConnections(n int) []DetailedStat {
	stats := p.GetDetailedStats()
	sort.Slice(stats, func(i, j int) bool { return stats[i].AccessCount > stats[j].AccessCount })
	if n < len(stats) {
		stats = stats[:n]
	}
	return stats
}

// Stats is the full pool snapshot published on pool.stats events: coarse
// state counts, the top-N connections by usage, the last-N by recency, the
// total bytes moved over SFTP sessions bound to this pool's connections,
// and when the last health-check sweep ran.
type Stats struct {
	Status            Status
	Top               []DetailedStat
	Last              []Key
	BytesTransferred  int64
	LastHealthCheckAt time.Time
}

// GetStats assembles a Stats snapshot with n entries in the top/last lists.
func (p *Pool) GetStats(n int) Stats {
	p.mu.Lock()
	lastChecked := p.lastHealthCheckAt
	p.mu.Unlock()

	return Stats{
		Status:            p.GetStatus(),
		Top:               p.GetTopConnections(n),
		Last:              p.GetLastConnections(n),
		BytesTransferred:  p.BytesTransferred(),
		LastHealthCheckAt: lastChecked,
	}
}

// GetLastConnections returns the n most recently created connection keys.
func (p *Pool) GetLastConnections(n int) []Key {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := 0
	if len(p.lastOrder) > n {
		start = len(p.lastOrder) - n
	}
	out := make([]Key, len(p.lastOrder)-start)
	copy(out, p.lastOrder[start:])
	// most recent first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
