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

package runtime

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/hexterm/termcore/lib/transfer"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := New(Config{
		ConfigPath:       filepath.Join(t.TempDir(), "config.json"),
		ConfigPassphrase: "test-passphrase",
		Clock:            clockwork.NewFakeClock(),
	})
	t.Cleanup(rt.Shutdown)
	return rt
}

func TestNewConstructsEverySubsystem(t *testing.T) {
	rt := newTestRuntime(t)

	require.NotNil(t, rt.Store)
	require.NotNil(t, rt.Bus)
	require.NotNil(t, rt.SSHPool)
	require.NotNil(t, rt.Telnet)
	require.NotNil(t, rt.Registry)
	require.NotNil(t, rt.SFTP)
	require.NotNil(t, rt.Transfer)
	require.NotNil(t, rt.Proxy)
	require.NotNil(t, rt.Latency)
}

func TestUploadRejectsMismatchedKinds(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.Upload(ctx, "tab-1", []string{"/a", "/b"}, "/tmp", transfer.KindUploadFile)
	require.True(t, trace.IsBadParameter(err), "two paths with a single-file kind must be rejected")

	_, err = rt.Upload(ctx, "tab-1", []string{"/a", "/b"}, "/tmp", transfer.KindUploadFolder)
	require.True(t, trace.IsBadParameter(err))

	_, err = rt.Upload(ctx, "tab-1", []string{"/a"}, "/tmp", transfer.KindDownloadFile)
	require.True(t, trace.IsBadParameter(err), "a download kind is not an upload kind")
}

func TestDownloadRejectsMismatchedKinds(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.Download(ctx, "tab-1", nil, "/tmp", transfer.KindDownloadFile)
	require.True(t, trace.IsBadParameter(err))

	_, err = rt.Download(ctx, "tab-1", []string{"/a", "/b"}, "/tmp", transfer.KindDownloadFolder)
	require.True(t, trace.IsBadParameter(err))

	_, err = rt.Download(ctx, "tab-1", []string{"/a"}, "/tmp", transfer.KindUploadFile)
	require.True(t, trace.IsBadParameter(err))
}

func TestCancelTransferChecksOwnership(t *testing.T) {
	rt := newTestRuntime(t)

	err := rt.CancelTransfer("tab-1", "no-such-transfer")
	require.True(t, trace.IsNotFound(err))
}

func TestGetSSHConfigForUnknownTab(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.GetSSHConfig("tab-1")
	require.True(t, trace.IsNotFound(err))
}

func TestRecordConnectionUseRanksAndRotates(t *testing.T) {
	rt := newTestRuntime(t)

	rt.recordConnectionUse("conn-a")
	rt.recordConnectionUse("conn-b")
	rt.recordConnectionUse("conn-b")

	doc, err := rt.Store.Load()
	require.NoError(t, err)

	require.Len(t, doc.TopConnections, 2)
	require.Equal(t, "conn-b", doc.TopConnections[0].ID)
	require.Equal(t, 2, doc.TopConnections[0].Count)
	require.Equal(t, "conn-a", doc.TopConnections[1].ID)

	require.Equal(t, "conn-b", doc.LastConnections[0].ID)
	require.Equal(t, "conn-a", doc.LastConnections[1].ID)
	require.Len(t, doc.LastConnections, 2, "re-opening an entry must not duplicate it")
}
