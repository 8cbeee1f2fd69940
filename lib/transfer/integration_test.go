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

package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hexterm/termcore/lib/sshtest"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
)

// testProvider satisfies SFTPClientProvider with one live client against
// the in-process SSH server.
type testProvider struct {
	mu     sync.Mutex
	client *sftp.Client
}

func (p *testProvider) Client(tabID string) (*sftp.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client, nil
}

// recordingTransferSink captures every published update for a task.
type recordingTransferSink struct {
	mu      sync.Mutex
	updates []Update
}

func (s *recordingTransferSink) TransferUpdated(tabID string, update Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
}

func (s *recordingTransferSink) all() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Update(nil), s.updates...)
}

func newTestEngine(t *testing.T) (*Engine, *recordingTransferSink) {
	t.Helper()
	server := sshtest.NewServer(t)
	sshClient := server.Dial(t)
	sftpClient, err := sftp.NewClient(sshClient)
	require.NoError(t, err)
	t.Cleanup(func() { sftpClient.Close() })

	sink := &recordingTransferSink{}
	engine := New(&testProvider{client: sftpClient}, sink, clockwork.NewRealClock())
	return engine, sink
}

func writeRandomFile(t *testing.T, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
	return data
}

func waitForTerminal(t *testing.T, task *Task) State {
	t.Helper()
	require.Eventually(t, func() bool {
		return task.State() == StateCompleted || task.State() == StateFailed || task.State() == StateCancelled
	}, 15*time.Second, 20*time.Millisecond)
	return task.State()
}

func TestUploadFileHappyPath(t *testing.T) {
	engine, _ := newTestEngine(t)

	local := filepath.Join(t.TempDir(), "x.bin")
	want := writeRandomFile(t, local, 2*1024*1024)
	wantMtime := time.Date(2023, 4, 5, 6, 7, 8, 0, time.UTC)
	require.NoError(t, os.Chtimes(local, wantMtime, wantMtime))
	remote := filepath.Join(t.TempDir(), "dest", "x.bin")

	task, err := engine.StartUploadFile(context.Background(), "tab-1", local, remote)
	require.NoError(t, err)

	require.Equal(t, StateCompleted, waitForTerminal(t, task))

	got, err := os.ReadFile(remote)
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, got), "uploaded bytes must match the source")

	info, err := os.Stat(remote)
	require.NoError(t, err)
	require.True(t, info.ModTime().Equal(wantMtime), "mtime is preserved best-effort on upload")

	snap := task.snapshot()
	require.EqualValues(t, len(want), snap.TotalBytes)
	require.Equal(t, snap.TotalBytes, snap.TransferredBytes, "transferredBytes equals totalBytes on completion")
	require.Equal(t, 1, snap.ProcessedFiles)
}

func TestDownloadFileHappyPath(t *testing.T) {
	engine, _ := newTestEngine(t)

	remote := filepath.Join(t.TempDir(), "remote.bin")
	want := writeRandomFile(t, remote, 512*1024)
	local := filepath.Join(t.TempDir(), "dl", "remote.bin")

	task, err := engine.StartDownloadFile(context.Background(), "tab-1", remote, local)
	require.NoError(t, err)

	require.Equal(t, StateCompleted, waitForTerminal(t, task))

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, got))
}

func TestUploadFolderTransfersEveryFile(t *testing.T) {
	engine, _ := newTestEngine(t)

	root := t.TempDir()
	writeRandomFile(t, filepath.Join(root, "a.txt"), 1024)
	writeRandomFile(t, filepath.Join(root, "sub", "b.txt"), 2048)
	writeRandomFile(t, filepath.Join(root, "sub", "deep", "c.txt"), 4096)
	remoteRoot := filepath.Join(t.TempDir(), "uploaded")

	task, err := engine.StartUploadFolder(context.Background(), "tab-1", root, remoteRoot)
	require.NoError(t, err)

	require.Equal(t, StateCompleted, waitForTerminal(t, task))

	snap := task.snapshot()
	require.Equal(t, 3, snap.FileCount)
	require.Equal(t, 3, snap.ProcessedFiles)
	require.EqualValues(t, 1024+2048+4096, snap.TransferredBytes)

	for _, rel := range []string{"a.txt", "sub/b.txt", "sub/deep/c.txt"} {
		_, err := os.Stat(filepath.Join(remoteRoot, filepath.FromSlash(rel)))
		require.NoError(t, err, "expected %s on the destination", rel)
	}
}

func TestProgressEventsAreMonotonic(t *testing.T) {
	engine, sink := newTestEngine(t)

	local := filepath.Join(t.TempDir(), "big.bin")
	writeRandomFile(t, local, 4*1024*1024)
	remote := filepath.Join(t.TempDir(), "big.bin")

	task, err := engine.StartUploadFile(context.Background(), "tab-1", local, remote)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, waitForTerminal(t, task))

	var prev int64 = -1
	for _, update := range sink.all() {
		require.GreaterOrEqual(t, update.TransferredBytes, prev, "progress must never decrease")
		require.LessOrEqual(t, update.TransferredBytes, update.TotalBytes)
		prev = update.TransferredBytes
	}
}

func TestPerFileErrorDoesNotAbortTheWholeFolder(t *testing.T) {
	engine, _ := newTestEngine(t)

	root := t.TempDir()
	writeRandomFile(t, filepath.Join(root, "good1.txt"), 1024)
	writeRandomFile(t, filepath.Join(root, "good2.txt"), 1024)
	// A dangling symlink opens with ENOENT: that file's transfer fails,
	// the others finish.
	badPath := filepath.Join(root, "bad.txt")
	require.NoError(t, os.Symlink(filepath.Join(root, "does-not-exist"), badPath))

	remoteRoot := filepath.Join(t.TempDir(), "out")
	task, err := engine.StartUploadFolder(context.Background(), "tab-1", root, remoteRoot)
	require.NoError(t, err)

	require.Equal(t, StateFailed, waitForTerminal(t, task))

	snap := task.snapshot()
	require.Equal(t, 3, snap.ProcessedFiles, "every file is accounted for, failed or not")
	perFile := task.PerFileErrors()
	require.Len(t, perFile, 1)

	for _, rel := range []string{"good1.txt", "good2.txt"} {
		_, err := os.Stat(filepath.Join(remoteRoot, rel))
		require.NoError(t, err, "a sibling failure must not abort %s", rel)
	}
}
