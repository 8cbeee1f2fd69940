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

package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hexterm/termcore/lib/config"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a no-op Transport for pool tests: it never fails to
// dial and only reports closed once Close has been called.
type fakeTransport struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	onDial  func(entry config.ConnectionEntry) (Transport, error)
	created []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, entry config.ConnectionEntry) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if d.onDial != nil {
		return d.onDial(entry)
	}
	t := &fakeTransport{}
	d.mu.Lock()
	d.created = append(d.created, t)
	d.mu.Unlock()
	return t, nil
}

func newTestPool(t *testing.T, clock clockwork.Clock, cfg Config) (*Pool, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	cfg.Clock = clock
	p := New(dialer, cfg)
	return p, dialer
}

func TestAcquireReusesExistingConnection(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p, dialer := newTestPool(t, clock, Config{})

	entry := config.ConnectionEntry{ID: "entry-1", Host: "example.com", Port: "22"}
	key := SSHKey(entry.Host, entry.Port, entry.Username, "tab-1")

	conn1, err := p.Acquire(context.Background(), key, entry, "tab-1")
	require.NoError(t, err)

	conn2, err := p.Acquire(context.Background(), key, entry, "tab-2")
	require.NoError(t, err)

	require.Same(t, conn1, conn2)
	require.Equal(t, 1, dialer.dials)
	require.Equal(t, 2, conn1.RefCount())
	require.Equal(t, 2, conn1.TabRefCount())
}

func TestReleaseDropsRefcountAndTabReference(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p, _ := newTestPool(t, clock, Config{})

	entry := config.ConnectionEntry{ID: "entry-1", Host: "example.com", Port: "22"}
	key := SSHKey(entry.Host, entry.Port, entry.Username, "tab-1")

	conn, err := p.Acquire(context.Background(), key, entry, "tab-1")
	require.NoError(t, err)
	require.Equal(t, 1, conn.RefCount())

	p.Release(key, "tab-1")
	require.Equal(t, 0, conn.RefCount())
	require.Equal(t, 0, conn.TabRefCount())
}

func TestPerformHealthCheckEvictsIdleExpiredConnections(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p, _ := newTestPool(t, clock, Config{IdleTimeout: 10 * time.Minute})

	entry := config.ConnectionEntry{ID: "entry-1", Host: "example.com", Port: "22"}
	key := SSHKey(entry.Host, entry.Port, entry.Username, "tab-1")

	conn, err := p.Acquire(context.Background(), key, entry, "tab-1")
	require.NoError(t, err)
	p.Release(key, "tab-1")

	// Not yet idle long enough: the sweep must not evict it.
	clock.Advance(5 * time.Minute)
	p.PerformHealthCheck()
	_, ok := p.Lookup(key)
	require.True(t, ok)
	require.False(t, conn.Transport.Closed())

	// Past IdleTimeout with no refs: the sweep evicts it and closes the
	// transport.
	clock.Advance(6 * time.Minute)
	p.PerformHealthCheck()
	_, ok = p.Lookup(key)
	require.False(t, ok)
	require.True(t, conn.Transport.Closed())
}

func TestPerformHealthCheckDoesNotEvictReferencedConnections(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p, _ := newTestPool(t, clock, Config{IdleTimeout: 10 * time.Minute})

	entry := config.ConnectionEntry{ID: "entry-1", Host: "example.com", Port: "22"}
	key := SSHKey(entry.Host, entry.Port, entry.Username, "tab-1")

	_, err := p.Acquire(context.Background(), key, entry, "tab-1")
	require.NoError(t, err)
	// tab-1's reference is never released.

	clock.Advance(time.Hour)
	p.PerformHealthCheck()

	_, ok := p.Lookup(key)
	require.True(t, ok, "a connection with a live tab reference must survive the sweep")
}

func TestPerformHealthCheckClosesTransportsThatReportClosed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p, _ := newTestPool(t, clock, Config{})

	entry := config.ConnectionEntry{ID: "entry-1", Host: "example.com", Port: "22"}
	key := SSHKey(entry.Host, entry.Port, entry.Username, "tab-1")

	conn, err := p.Acquire(context.Background(), key, entry, "tab-1")
	require.NoError(t, err)

	// The remote end hangs up without the pool's involvement.
	conn.Transport.Close()

	p.PerformHealthCheck()
	_, ok := p.Lookup(key)
	require.False(t, ok, "a connection whose transport reports closed must be swept even with live references")
}

func TestAcquireEvictsAnIdleVictimWhenFull(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p, dialer := newTestPool(t, clock, Config{MaxTotal: 1})

	oldEntry := config.ConnectionEntry{ID: "old", Host: "old.example.com", Port: "22"}
	oldKey := SSHKey(oldEntry.Host, oldEntry.Port, oldEntry.Username, "tab-1")
	_, err := p.Acquire(context.Background(), oldKey, oldEntry, "tab-1")
	require.NoError(t, err)
	p.Release(oldKey, "tab-1")

	newEntry := config.ConnectionEntry{ID: "new", Host: "new.example.com", Port: "22"}
	newKey := SSHKey(newEntry.Host, newEntry.Port, newEntry.Username, "tab-2")
	_, err = p.Acquire(context.Background(), newKey, newEntry, "tab-2")
	require.NoError(t, err)

	require.Equal(t, 2, dialer.dials)
	_, ok := p.Lookup(oldKey)
	require.False(t, ok, "the idle, unreferenced connection should have been evicted to make room")
}

func TestGetStatsReportsBytesAndHealthCheckTime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p, _ := newTestPool(t, clock, Config{})

	entry := config.ConnectionEntry{ID: "entry-1", Host: "example.com", Port: "22"}
	key := SSHKey(entry.Host, entry.Port, entry.Username, "tab-1")
	_, err := p.Acquire(context.Background(), key, entry, "tab-1")
	require.NoError(t, err)

	p.AddBytesTransferred(1024)
	p.AddBytesTransferred(512)
	p.PerformHealthCheck()

	stats := p.GetStats(5)
	require.EqualValues(t, 1536, stats.BytesTransferred)
	require.Equal(t, clock.Now(), stats.LastHealthCheckAt)
	require.Equal(t, 1, stats.Status.Total)
	require.Len(t, stats.Top, 1)
	require.Equal(t, []Key{key}, stats.Last)
}

func TestCloseConnectionInvokesOnCloseWithReferencingTabs(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p, _ := newTestPool(t, clock, Config{})

	closed := make(chan []string, 1)
	p.OnClose = func(key Key, tabIDs []string) { closed <- tabIDs }

	entry := config.ConnectionEntry{ID: "entry-1", Host: "example.com", Port: "22"}
	key := SSHKey(entry.Host, entry.Port, entry.Username, "tab-1")
	conn, err := p.Acquire(context.Background(), key, entry, "tab-1")
	require.NoError(t, err)

	p.CloseConnection(key)

	select {
	case tabs := <-closed:
		require.Equal(t, []string{"tab-1"}, tabs)
	case <-time.After(time.Second):
		t.Fatal("OnClose was not invoked")
	}
	require.True(t, conn.Transport.Closed())
}

func TestAcquireReturnsPoolFullWhenNoVictimExists(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p, _ := newTestPool(t, clock, Config{MaxTotal: 1})

	entry := config.ConnectionEntry{ID: "entry-1", Host: "example.com", Port: "22"}
	key := SSHKey(entry.Host, entry.Port, entry.Username, "tab-1")
	_, err := p.Acquire(context.Background(), key, entry, "tab-1")
	require.NoError(t, err)
	// tab-1 keeps its reference: no idle victim available.

	otherEntry := config.ConnectionEntry{ID: "entry-2", Host: "other.example.com", Port: "22"}
	otherKey := SSHKey(otherEntry.Host, otherEntry.Port, otherEntry.Username, "tab-2")
	_, err = p.Acquire(context.Background(), otherKey, otherEntry, "tab-2")
	require.Error(t, err)
}
