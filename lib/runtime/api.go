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
	"path"
	"path/filepath"
	"sort"

	"github.com/gravitational/trace"
	"github.com/hexterm/termcore/lib/config"
	"github.com/hexterm/termcore/lib/registry"
	"github.com/hexterm/termcore/lib/sftpsession"
	"github.com/hexterm/termcore/lib/transfer"
)

// This file is the request surface the UI layer calls into. Every method
// delegates to the owning subsystem; the runtime's only job here is the
// cross-subsystem wiring a single component can't do alone (registering a
// latency probe when a tab opens, tearing down the SFTP session before the
// shell when it closes, recording connection usage in the store).

// lastConnectionsCap bounds the persisted most-recently-used list.
const lastConnectionsCap = 10

// OpenSSH opens an interactive SSH shell for tabID and starts its latency
// probe.
func (r *Runtime) OpenSSH(ctx context.Context, entry config.ConnectionEntry, tabID string) error {
	if err := r.Registry.OpenSSH(ctx, entry, tabID); err != nil {
		return trace.Wrap(err)
	}
	r.Latency.Register(tabID, entry.Host, entry.Port, entry.Proxy)
	go r.recordConnectionUse(entry.ID)
	return nil
}

// OpenTelnet opens an interactive Telnet session for tabID. The latency
// probe is registered too; its SSH-exec fallback simply never applies.
func (r *Runtime) OpenTelnet(ctx context.Context, entry config.ConnectionEntry, tabID string) error {
	if err := r.Registry.OpenTelnet(ctx, entry, tabID); err != nil {
		return trace.Wrap(err)
	}
	r.Latency.Register(tabID, entry.Host, entry.Port, entry.Proxy)
	go r.recordConnectionUse(entry.ID)
	return nil
}

// SendInput forwards keystrokes to tabID's shell stream.
func (r *Runtime) SendInput(tabID string, data []byte) {
	r.Registry.SendInput(tabID, data)
}

// BroadcastInput fans keystrokes out to every tab in a sync group.
func (r *Runtime) BroadcastInput(groupID string, data []byte) {
	r.Registry.BroadcastInput(groupID, data)
}

// Resize forwards a window-size change to tabID's channel.
func (r *Runtime) Resize(tabID string, cols, rows int) error {
	return trace.Wrap(r.Registry.Resize(tabID, cols, rows))
}

// CloseTab tears down everything owned by tabID: the latency probe, the
// SFTP session (rejecting its queued operations), and finally the shell
// stream with its pool reference. The pooled connection itself may survive
// for the sweeper to reap.
func (r *Runtime) CloseTab(tabID string) {
	r.Latency.Unregister(tabID)
	r.SFTP.Close(tabID)
	r.Registry.Kill(tabID)
}

// ListRemote lists a remote directory over tabID's SFTP session.
func (r *Runtime) ListRemote(ctx context.Context, tabID, remotePath string) ([]sftpsession.FileInfo, error) {
	entries, err := r.SFTP.ListRemote(ctx, tabID, remotePath)
	return entries, trace.Wrap(err)
}

// Upload starts an upload of localPaths into remoteDir. kind selects
// between a single file, a flat multi-file batch, and a recursive folder.
func (r *Runtime) Upload(ctx context.Context, tabID string, localPaths []string, remoteDir string, kind transfer.Kind) (*transfer.Task, error) {
	switch kind {
	case transfer.KindUploadFile:
		if len(localPaths) != 1 {
			return nil, trace.BadParameter("a single-file upload takes exactly one path, got %d", len(localPaths))
		}
		remotePath := path.Join(remoteDir, filepath.Base(localPaths[0]))
		task, err := r.Transfer.StartUploadFile(ctx, tabID, localPaths[0], remotePath)
		return task, trace.Wrap(err)
	case transfer.KindUploadMulti:
		task, err := r.Transfer.StartUploadMulti(ctx, tabID, localPaths, remoteDir)
		return task, trace.Wrap(err)
	case transfer.KindUploadFolder:
		if len(localPaths) != 1 {
			return nil, trace.BadParameter("a folder upload takes exactly one root, got %d", len(localPaths))
		}
		remoteRoot := path.Join(remoteDir, filepath.Base(localPaths[0]))
		task, err := r.Transfer.StartUploadFolder(ctx, tabID, localPaths[0], remoteRoot)
		return task, trace.Wrap(err)
	default:
		return nil, trace.BadParameter("%q is not an upload kind", kind)
	}
}

// Download starts downloads of remotePaths into localDir. A folder download
// takes a single remote root; a file download starts one task per remote
// path, each with its own progress and retry budget.
func (r *Runtime) Download(ctx context.Context, tabID string, remotePaths []string, localDir string, kind transfer.Kind) ([]*transfer.Task, error) {
	switch kind {
	case transfer.KindDownloadFile:
		if len(remotePaths) == 0 {
			return nil, trace.BadParameter("a file download takes at least one path")
		}
		tasks := make([]*transfer.Task, 0, len(remotePaths))
		for _, rp := range remotePaths {
			localPath := filepath.Join(localDir, path.Base(rp))
			task, err := r.Transfer.StartDownloadFile(ctx, tabID, rp, localPath)
			if err != nil {
				return tasks, trace.Wrap(err)
			}
			tasks = append(tasks, task)
		}
		return tasks, nil
	case transfer.KindDownloadFolder:
		if len(remotePaths) != 1 {
			return nil, trace.BadParameter("a folder download takes exactly one root, got %d", len(remotePaths))
		}
		localRoot := filepath.Join(localDir, path.Base(remotePaths[0]))
		task, err := r.Transfer.StartDownloadFolder(ctx, tabID, remotePaths[0], localRoot)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return []*transfer.Task{task}, nil
	default:
		return nil, trace.BadParameter("%q is not a download kind", kind)
	}
}

// CancelTransfer requests that tabID's transfer stop at its next chunk
// boundary. Partial destinations are left in place.
func (r *Runtime) CancelTransfer(tabID, transferID string) error {
	task, ok := r.Transfer.Get(transferID)
	if !ok {
		return trace.NotFound("transfer %q not found", transferID)
	}
	if task.TabID != tabID {
		return trace.AccessDenied("transfer %q does not belong to tab %q", transferID, tabID)
	}
	return trace.Wrap(r.Transfer.Cancel(transferID))
}

// TestLatency forces an immediate out-of-cycle latency measurement.
func (r *Runtime) TestLatency(tabID string) {
	r.Latency.TestNow(tabID)
}

// SSHConfig is the sanitized connection description GetSSHConfig returns;
// credentials never leave the core.
type SSHConfig struct {
	Host     string
	Port     string
	Username string
}

// GetSSHConfig returns the host/port/user behind tabID's SSH connection,
// used by the UI's external-editor integration to mount the same remote.
func (r *Runtime) GetSSHConfig(tabID string) (SSHConfig, error) {
	key, kind, ok := r.Registry.ConnectionKeyFor(tabID)
	if !ok || kind != registry.KindSSH {
		return SSHConfig{}, trace.NotFound("tab %q has no SSH connection", tabID)
	}
	conn, ok := r.SSHPool.Lookup(key)
	if !ok {
		return SSHConfig{}, trace.NotFound("no pooled connection for tab %q", tabID)
	}
	return SSHConfig{
		Host:     conn.Entry.Host,
		Port:     conn.Entry.Port,
		Username: conn.Entry.Username,
	}, nil
}

// recordConnectionUse bumps entryID in the persisted topConnections ranking
// and prepends it to lastConnections. Best-effort: a store failure is
// logged, never surfaced to the tab that just opened.
func (r *Runtime) recordConnectionUse(entryID string) {
	if entryID == "" {
		return
	}

	doc, err := r.Store.Load()
	if err != nil {
		r.log.WithError(err).Warn("could not load config to record connection use")
		return
	}

	found := false
	for i := range doc.TopConnections {
		if doc.TopConnections[i].ID == entryID {
			doc.TopConnections[i].Count++
			found = true
			break
		}
	}
	if !found {
		doc.TopConnections = append(doc.TopConnections, config.TopConnection{ID: entryID, Count: 1})
	}
	sort.SliceStable(doc.TopConnections, func(i, j int) bool {
		return doc.TopConnections[i].Count > doc.TopConnections[j].Count
	})

	last := []config.LastConnection{{ID: entryID, At: r.clock.Now().Unix()}}
	for _, lc := range doc.LastConnections {
		if lc.ID == entryID {
			continue
		}
		last = append(last, lc)
		if len(last) == lastConnectionsCap {
			break
		}
	}
	doc.LastConnections = last

	if err := r.Store.Save(doc); err != nil {
		r.log.WithError(err).Warn("could not persist connection usage")
	}
}
