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

// Package registry owns the interactive shell channel for each open tab,
// tracks readiness, and maintains per-tab state such as the editor-mode
// heuristic and the output buffer used for command extraction.
package registry

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/hexterm/termcore/lib/config"
	"github.com/hexterm/termcore/lib/errs"
	"github.com/hexterm/termcore/lib/pool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Sink receives the events the registry produces. Defined here, not
// imported from an eventbus package, so registry has no dependency on its
// consumer.
type Sink interface {
	TerminalOutput(tabID string, data []byte)
	TerminalReady(tabID string)
	TerminalClosed(tabID string, reason error)
}

// resizer is implemented by stream handles that support a window-size
// change. Only the SSH interactive session does.
type resizer interface {
	WindowChange(h, w int) error
}

// Kind identifies the transport behind a TabSession's stream.
type Kind string

const (
	KindSSH    Kind = "ssh"
	KindTelnet Kind = "telnet"
)

// TabSession is one open tab.
type TabSession struct {
	TabID         string
	ConnectionKey pool.Key
	Kind          Kind

	mu        sync.Mutex
	writer    io.Writer
	closer    io.Closer
	resize    resizer
	ready     bool
	extractor CommandExtractor
	lastCmd   string
}

func (t *TabSession) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// EditorMode reports the command-extraction heuristic's current guess at
// whether the tab is inside a full-screen program.
func (t *TabSession) EditorMode() bool {
	return t.extractor.EditorMode()
}

// LastCommand returns the most recently heuristically extracted command.
func (t *TabSession) LastCommand() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCmd
}

// Registry owns the interactive shell channel for every open tab. One
// Registry instance is shared by the whole process; SSH and Telnet each
// acquire connections from their own *pool.Pool.
type Registry struct {
	sshPool    *pool.Pool
	telnetPool *pool.Pool
	sink       Sink
	log        log.FieldLogger

	mu     sync.Mutex
	tabs   map[string]*TabSession
	groups map[string]*SyncGroup
}

// New constructs a Registry backed by sshPool and telnetPool.
func New(sshPool, telnetPool *pool.Pool, sink Sink) *Registry {
	return &Registry{
		sshPool:    sshPool,
		telnetPool: telnetPool,
		sink:       sink,
		log:        log.StandardLogger().WithField(trace.Component, "registry"),
		tabs:       make(map[string]*TabSession),
		groups:     make(map[string]*SyncGroup),
	}
}

// OpenSSH acquires a tab-bound SSH connection, opens an interactive PTY
// shell, and starts forwarding output.
func (r *Registry) OpenSSH(ctx context.Context, entry config.ConnectionEntry, tabID string) error {
	key := pool.SSHKey(entry.Host, entry.Port, entry.Username, tabID)
	conn, err := r.sshPool.Acquire(ctx, key, entry, tabID)
	if err != nil {
		return trace.Wrap(err)
	}

	client := pool.SSHClient(conn)
	session, err := client.NewSession()
	if err != nil {
		r.sshPool.Release(key, tabID)
		return errs.WithTab(errs.KindNetwork, tabID, trace.Wrap(err))
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		_ = session.Close()
		r.sshPool.Release(key, tabID)
		return errs.WithTab(errs.KindNetwork, tabID, trace.Wrap(err))
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		r.sshPool.Release(key, tabID)
		return errs.WithTab(errs.KindNetwork, tabID, trace.Wrap(err))
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		r.sshPool.Release(key, tabID)
		return errs.WithTab(errs.KindNetwork, tabID, trace.Wrap(err))
	}

	if err := session.Shell(); err != nil {
		_ = session.Close()
		r.sshPool.Release(key, tabID)
		return errs.WithTab(errs.KindNetwork, tabID, trace.Wrap(err))
	}

	tab := &TabSession{
		TabID:         tabID,
		ConnectionKey: key,
		Kind:          KindSSH,
		writer:        stdin,
		closer:        session,
		resize:        session,
		ready:         true,
		extractor:     newHeuristicExtractor(),
	}

	r.addTab(tab)
	r.log.WithFields(log.Fields{"tab": tabID, "key": key}).Info("opened interactive ssh shell")
	r.sink.TerminalReady(tabID)
	go r.pump(tab, stdout, func(reason error) {
		_ = session.Close()
		r.sshPool.Release(key, tabID)
	})

	return nil
}

// OpenTelnet opens a Telnet connection for the tab; the underlying stream
// is the Telnet client's net.Conn itself.
func (r *Registry) OpenTelnet(ctx context.Context, entry config.ConnectionEntry, tabID string) error {
	key := pool.TelnetKey(entry.Host, entry.Port, entry.Username, tabID)
	conn, err := r.telnetPool.Acquire(ctx, key, entry, tabID)
	if err != nil {
		return trace.Wrap(err)
	}

	netConn := pool.TelnetConn(conn)
	tab := &TabSession{
		TabID:         tabID,
		ConnectionKey: key,
		Kind:          KindTelnet,
		writer:        netConn,
		closer:        netConn,
		ready:         true,
		extractor:     newHeuristicExtractor(),
	}

	r.addTab(tab)
	r.log.WithFields(log.Fields{"tab": tabID, "key": key}).Info("opened telnet session")
	r.sink.TerminalReady(tabID)
	go r.pump(tab, netConn, func(reason error) {
		r.telnetPool.Release(key, tabID)
	})

	return nil
}

func (r *Registry) addTab(tab *TabSession) {
	r.mu.Lock()
	r.tabs[tab.TabID] = tab
	r.mu.Unlock()
}

// pump reads from src until it returns an error, forwarding every chunk to
// the sink verbatim and feeding it to the command extractor. cleanup
// releases the pool reference once the stream ends.
func (r *Registry) pump(tab *TabSession, src io.Reader, cleanup func(error)) {
	buf := make([]byte, 32*1024)
	var readErr error
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			r.sink.TerminalOutput(tab.TabID, chunk)
			if cmd, ok := tab.extractor.Feed(chunk); ok {
				tab.mu.Lock()
				tab.lastCmd = cmd
				tab.mu.Unlock()
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}

	tab.mu.Lock()
	tab.ready = false
	tab.mu.Unlock()

	cleanup(readErr)
	if readErr != nil && readErr != io.EOF {
		r.log.WithError(readErr).WithField("tab", tab.TabID).Warn("shell stream ended")
	} else {
		r.log.WithField("tab", tab.TabID).Debug("shell stream closed")
	}
	r.sink.TerminalClosed(tab.TabID, readErr)
}

// SendInput writes data to the tab's stream. Writes are dropped silently
// if the tab is not ready, since buffering pre-ready input is the caller's
// responsibility.
func (r *Registry) SendInput(tabID string, data []byte) {
	tab := r.get(tabID)
	if tab == nil {
		return
	}
	tab.mu.Lock()
	ready := tab.ready
	w := tab.writer
	tab.mu.Unlock()
	if !ready || w == nil {
		return
	}
	_, _ = w.Write(data)
}

// Resize forwards a window-size change, a no-op if the stream doesn't
// support it (SSH only).
func (r *Registry) Resize(tabID string, cols, rows int) error {
	tab := r.get(tabID)
	if tab == nil {
		return trace.NotFound("tab %q is not open", tabID)
	}
	tab.mu.Lock()
	resizer := tab.resize
	tab.mu.Unlock()
	if resizer == nil {
		return nil
	}
	return trace.Wrap(resizer.WindowChange(rows, cols))
}

// Kill detaches the stream, releases the pool reference, and removes the
// TabSession. The underlying pooled connection may survive if other tabs
// or refcounts still hold it.
func (r *Registry) Kill(tabID string) {
	r.mu.Lock()
	tab, ok := r.tabs[tabID]
	if ok {
		delete(r.tabs, tabID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	tab.mu.Lock()
	tab.ready = false
	closer := tab.closer
	tab.mu.Unlock()
	if closer != nil {
		_ = closer.Close()
	}

	switch tab.Kind {
	case KindSSH:
		r.sshPool.Release(tab.ConnectionKey, tabID)
	case KindTelnet:
		r.telnetPool.Release(tab.ConnectionKey, tabID)
	}

	r.leaveAllGroups(tabID)
	r.log.WithField("tab", tabID).Info("closed tab")
}

// Get returns the TabSession for tabID, or nil if the tab is not open.
func (r *Registry) Get(tabID string) *TabSession {
	return r.get(tabID)
}

func (r *Registry) get(tabID string) *TabSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tabs[tabID]
}

// ConnectionKeyFor returns the connection key bound to tabID's SSH session,
// used by the SFTP session manager to reach the same pooled connection.
func (r *Registry) ConnectionKeyFor(tabID string) (pool.Key, Kind, bool) {
	tab := r.get(tabID)
	if tab == nil {
		return "", "", false
	}
	return tab.ConnectionKey, tab.Kind, true
}

// SSHClientFor returns the *ssh.Client backing tabID's connection, used by
// the SFTP session manager and the latency probe's SSH-exec fallback.
func (r *Registry) SSHClientFor(tabID string) (*ssh.Client, bool) {
	tab := r.get(tabID)
	if tab == nil || tab.Kind != KindSSH {
		return nil, false
	}
	conn, ok := r.sshPool.Lookup(tab.ConnectionKey)
	if !ok {
		return nil, false
	}
	return pool.SSHClient(conn), true
}

// idleDrainGrace bounds how long Shutdown waits for in-flight pumps to
// notice their stream closed.
const idleDrainGrace = 200 * time.Millisecond

// Shutdown kills every open tab.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.tabs))
	for id := range r.tabs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Kill(id)
	}
	time.Sleep(idleDrainGrace)
}
