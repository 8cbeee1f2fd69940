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

package sftpsession

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hexterm/termcore/lib/errs"
	"github.com/hexterm/termcore/lib/sshtest"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// fakeResolver hands out a single live SSH client for one tab, standing in
// for the tab registry.
type fakeResolver struct {
	mu      sync.Mutex
	clients map[string]*ssh.Client
}

func (r *fakeResolver) SSHClientFor(tabID string) (*ssh.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[tabID]
	return c, ok
}

func newManagerWithServer(t *testing.T) (*Manager, *sshtest.Server) {
	t.Helper()
	server := sshtest.NewServer(t)
	resolver := &fakeResolver{clients: map[string]*ssh.Client{"tab-1": server.Dial(t)}}
	return New(resolver, clockwork.NewRealClock()), server
}

func TestGetReturnsTheSameSessionPerTab(t *testing.T) {
	m, _ := newManagerWithServer(t)
	defer m.Shutdown()

	first, err := m.Get("tab-1")
	require.NoError(t, err)
	second, err := m.Get("tab-1")
	require.NoError(t, err)
	require.Same(t, first, second, "a tab has at most one SFTP session")
}

func TestGetFailsForTabWithoutSSH(t *testing.T) {
	m, _ := newManagerWithServer(t)
	defer m.Shutdown()

	_, err := m.Get("tab-unknown")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindNoSshForTab))
}

func TestListRemoteReturnsDirectoryEntries(t *testing.T) {
	m, _ := newManagerWithServer(t)
	defer m.Shutdown()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	entries, err := m.ListRemote(context.Background(), "tab-1", dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := map[string]FileInfo{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	require.EqualValues(t, 5, byName["a.txt"].Size)
	require.False(t, byName["a.txt"].IsDir)
	require.True(t, byName["sub"].IsDir)
}

func TestEnqueueSerializesOperationsOnASession(t *testing.T) {
	m, _ := newManagerWithServer(t)
	defer m.Shutdown()

	const ops = 8
	var mu sync.Mutex
	var running, maxRunning int

	errC := make(chan error, ops)
	var wg sync.WaitGroup
	for i := 0; i < ops; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Enqueue(context.Background(), "tab-1", func(ctx context.Context, client *sftp.Client) (any, error) {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil, nil
			}, EnqueueOptions{Priority: PriorityNormal, Timeout: 5 * time.Second})
			errC <- err
		}()
	}
	wg.Wait()
	close(errC)

	for err := range errC {
		require.NoError(t, err)
	}
	require.Equal(t, 1, maxRunning, "no two operations on the same session may overlap")
}

func TestCloseRejectsQueuedOperations(t *testing.T) {
	m, _ := newManagerWithServer(t)
	defer m.Shutdown()

	// Prime a live session, then close it and verify the queue surface
	// reports SessionClosed for work already drained out.
	_, err := m.Get("tab-1")
	require.NoError(t, err)

	queue := m.queueFor("tab-1")
	item := &queuedOp{priority: PriorityNormal, resultC: make(chan opResult, 1)}
	require.True(t, queue.push(item))

	m.Close("tab-1")

	select {
	case res := <-item.resultC:
		require.Error(t, res.err)
		require.True(t, errs.Is(res.err, errs.KindSessionClosed))
	case <-time.After(time.Second):
		t.Fatal("close must reject pending queue items")
	}
}
