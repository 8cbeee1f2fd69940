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

package registry

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hexterm/termcore/lib/config"
	"github.com/hexterm/termcore/lib/pool"
	"github.com/hexterm/termcore/lib/sshtest"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// recordingSink collects registry events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	output bytes.Buffer
	ready  chan string
	closed chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ready: make(chan string, 4), closed: make(chan string, 4)}
}

func (s *recordingSink) TerminalOutput(tabID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output.Write(data)
}

func (s *recordingSink) outputString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.String()
}

func (s *recordingSink) TerminalReady(tabID string) { s.ready <- tabID }

func (s *recordingSink) TerminalClosed(tabID string, reason error) { s.closed <- tabID }

func newTestRegistry(t *testing.T) (*Registry, *recordingSink, *pool.Pool, *sshtest.Server) {
	t.Helper()
	server := sshtest.NewServer(t)
	sink := newRecordingSink()

	sshPool := pool.New(&pool.SSHDialer{ConnectTimeout: 5 * time.Second}, pool.Config{Clock: clockwork.NewRealClock()})
	telnetPool := pool.New(&pool.TelnetDialer{ConnectTimeout: 5 * time.Second}, pool.Config{Clock: clockwork.NewRealClock()})
	t.Cleanup(sshPool.Shutdown)
	t.Cleanup(telnetPool.Shutdown)

	return New(sshPool, telnetPool, sink), sink, sshPool, server
}

func testEntry(server *sshtest.Server) config.ConnectionEntry {
	return config.ConnectionEntry{
		ID:         "entry-1",
		Kind:       config.KindSSH,
		Host:       server.Host,
		Port:       server.Port,
		Username:   "test",
		Credential: config.Credential{Password: "test"},
	}
}

func TestOpenSSHSignalsReadyAndBindsTheTabKey(t *testing.T) {
	r, sink, sshPool, server := newTestRegistry(t)

	err := r.OpenSSH(context.Background(), testEntry(server), "tab-1")
	require.NoError(t, err)

	select {
	case tabID := <-sink.ready:
		require.Equal(t, "tab-1", tabID)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a terminal.ready event")
	}

	key, kind, ok := r.ConnectionKeyFor("tab-1")
	require.True(t, ok)
	require.Equal(t, KindSSH, kind)
	require.Equal(t, pool.SSHKey(server.Host, server.Port, "test", "tab-1"), key)

	conn, ok := sshPool.Lookup(key)
	require.True(t, ok)
	require.Equal(t, 1, conn.RefCount())
	require.Equal(t, 1, conn.TabRefCount())
}

func TestOpenSSHWithDistinctTabsYieldsDistinctConnections(t *testing.T) {
	r, _, sshPool, server := newTestRegistry(t)

	require.NoError(t, r.OpenSSH(context.Background(), testEntry(server), "tab-1"))
	require.NoError(t, r.OpenSSH(context.Background(), testEntry(server), "tab-2"))

	key1, _, _ := r.ConnectionKeyFor("tab-1")
	key2, _, _ := r.ConnectionKeyFor("tab-2")
	require.NotEqual(t, key1, key2, "tab-bound keys include the tab id")

	require.Equal(t, 2, sshPool.GetStatus().Total)
}

func TestSendInputRoundTripsThroughTheShell(t *testing.T) {
	r, sink, _, server := newTestRegistry(t)

	require.NoError(t, r.OpenSSH(context.Background(), testEntry(server), "tab-1"))
	<-sink.ready

	r.SendInput("tab-1", []byte("echo hello\n"))

	require.Eventually(t, func() bool {
		return sink.outputString() == "echo hello\n"
	}, 5*time.Second, 20*time.Millisecond, "the test shell echoes input back verbatim")
}

func TestKillReleasesThePoolReference(t *testing.T) {
	r, sink, sshPool, server := newTestRegistry(t)

	require.NoError(t, r.OpenSSH(context.Background(), testEntry(server), "tab-1"))
	<-sink.ready

	key, _, _ := r.ConnectionKeyFor("tab-1")
	r.Kill("tab-1")

	require.Nil(t, r.Get("tab-1"))

	conn, ok := sshPool.Lookup(key)
	require.True(t, ok, "the pooled connection survives the tab for the sweeper to reap")
	require.Equal(t, 0, conn.RefCount())
	require.Equal(t, 0, conn.TabRefCount())

	select {
	case tabID := <-sink.closed:
		require.Equal(t, "tab-1", tabID)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a terminal.closed event after Kill")
	}
}

func TestSendInputToUnknownTabIsDropped(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	r.SendInput("no-such-tab", []byte("data"))
}
