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

// Package sftpsession provides at most one SFTP channel per tab, built on
// the same pooled SSH connection, and serializes operations on it through
// a per-tab FIFO priority queue.
package sftpsession

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/hexterm/termcore/lib/errs"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const (
	// healthCheckInterval matches the connection pool's own cadence.
	healthCheckInterval = 90 * time.Second
	// healthCheckRaceTimeout bounds each session's readdir("/") probe.
	healthCheckRaceTimeout = 5 * time.Second
	// idleTimeout closes a session unused for this long.
	idleTimeout = 10 * time.Minute
	// maxTotalSessions bounds memory/fd use across all tabs.
	maxTotalSessions = 50
	// sessionCreationTimeout is kept for documentation parity with the
	// legacy 48h ceiling; no code path reads it. sftp.NewClient in Get runs
	// without a deadline, queued operations use their EnqueueOptions
	// timeout (30s by default), and transfer I/O is bounded by the transfer
	// engine's own per-file operation timeout.
	sessionCreationTimeout = 48 * time.Hour
)

// sessionRecoveryPatterns are substrings that mark an operation error as
// having invalidated the SFTP session rather than being a one-off failure.
// Classification is by variant first (errs.Kind) and falls back to this
// substring list only for errors surfaced raw from pkg/sftp or
// golang.org/x/crypto/ssh.
var sessionRecoveryPatterns = []string{
	"connection reset",
	"eof",
	"channel closed",
	"sftp stream closed",
	"not connected",
	"no response from server",
	"connection timed out",
	"disconnected",
}

// isSessionRecoveryError reports whether err should invalidate the SFTP
// session it occurred on.
func isSessionRecoveryError(err error) bool {
	if err == nil {
		return false
	}
	if errs.Is(err, errs.KindSessionClosed) || errs.Is(err, errs.KindNetwork) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range sessionRecoveryPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// SSHClientResolver returns the live *ssh.Client backing a tab's SSH
// connection. The tab registry implements this.
type SSHClientResolver interface {
	SSHClientFor(tabID string) (*ssh.Client, bool)
}

// Priority is an SFTP operation's queue priority: high, normal, or low,
// with high inserted ahead of all non-high items and ties within a class
// broken by submission order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Op is a unit of work run against a live *sftp.Client.
type Op func(ctx context.Context, client *sftp.Client) (any, error)

// Session is a per-tab SFTP channel.
type Session struct {
	TabID string

	mu            sync.Mutex
	client        *sftp.Client
	createdAt     time.Time
	lastUsedAt    time.Time
	lastCheckedAt time.Time
	busy          bool
	closed        bool
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsedAt = now
	s.mu.Unlock()
}

// Manager is the SFTP Session Manager.
type Manager struct {
	resolver SSHClientResolver
	clock    clockwork.Clock
	log      log.FieldLogger

	mu           sync.Mutex
	sessions     map[string]*Session
	creationLock map[string]*sync.Mutex
	queues       map[string]*opQueue
	workers      map[string]struct{}

	stopSweep context.CancelFunc
}

// New constructs a Manager resolving tab -> *ssh.Client through resolver.
func New(resolver SSHClientResolver, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		resolver:     resolver,
		clock:        clock,
		log:          log.StandardLogger().WithField(trace.Component, "sftpsession"),
		sessions:     make(map[string]*Session),
		creationLock: make(map[string]*sync.Mutex),
		queues:       make(map[string]*opQueue),
	}
}

// tabLock returns (creating it if necessary) the per-tab acquisition lock
// that prevents concurrent Get calls from racing to create two sessions.
func (m *Manager) tabLock(tabID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.creationLock[tabID]
	if !ok {
		lock = &sync.Mutex{}
		m.creationLock[tabID] = lock
	}
	return lock
}

// Get returns the tab's SFTP session, creating it if absent or dead.
func (m *Manager) Get(tabID string) (*Session, error) {
	lock := m.tabLock(tabID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	existing, ok := m.sessions[tabID]
	m.mu.Unlock()
	if ok && !m.isDead(existing) {
		return existing, nil
	}
	if ok {
		m.closeSession(tabID, existing)
	}

	client, ok := m.resolver.SSHClientFor(tabID)
	if !ok {
		return nil, errs.WithTab(errs.KindNoSshForTab, tabID, trace.NotFound("tab has no SSH connection"))
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, errs.WithTab(errs.KindSftpOpen, tabID, trace.Wrap(err))
	}

	m.log.WithField("tab", tabID).Info("opened sftp session")

	now := m.clock.Now()
	session := &Session{
		TabID:         tabID,
		client:        sftpClient,
		createdAt:     now,
		lastUsedAt:    now,
		lastCheckedAt: now,
	}

	m.mu.Lock()
	m.sessions[tabID] = session
	m.mu.Unlock()

	m.enforceCapacity()

	return session, nil
}

// Client returns the live *sftp.Client backing tabID's session, creating it
// if needed. The Transfer Engine uses this directly for chunked file I/O:
// pkg/sftp.Client pipelines concurrent requests over the single SFTP
// channel at the wire-protocol level, so per-chunk reads/writes on open
// file handles don't need the coarse-grained operation queue that
// discrete admin operations (listRemote, mkdir, stat) are serialized
// through.
func (m *Manager) Client(tabID string) (*sftp.Client, error) {
	session, err := m.Get(tabID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	session.touch(m.clock.Now())
	session.mu.Lock()
	client := session.client
	session.mu.Unlock()
	return client, nil
}

func (m *Manager) isDead(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close ends the SFTP channel, rejects any queued operations with
// SessionClosed, and unlinks the tab.
func (m *Manager) Close(tabID string) {
	m.mu.Lock()
	session, ok := m.sessions[tabID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.closeSession(tabID, session)
}

func (m *Manager) closeSession(tabID string, session *Session) {
	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		return
	}
	session.closed = true
	client := session.client
	session.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}

	m.mu.Lock()
	if m.sessions[tabID] == session {
		delete(m.sessions, tabID)
	}
	queue := m.queues[tabID]
	delete(m.queues, tabID)
	m.mu.Unlock()

	if queue != nil {
		queue.drain(errs.WithTab(errs.KindSessionClosed, tabID, trace.Errorf("sftp session closed")))
	}
}

// enforceCapacity closes the oldest sessions by createdAt until the total
// is within maxTotalSessions.
func (m *Manager) enforceCapacity() {
	m.mu.Lock()
	if len(m.sessions) <= maxTotalSessions {
		m.mu.Unlock()
		return
	}
	type entry struct {
		tabID string
		sess  *Session
	}
	all := make([]entry, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, entry{id, s})
	}
	m.mu.Unlock()

	for len(all) > maxTotalSessions {
		oldestIdx := 0
		for i, e := range all {
			if e.sess.createdAt.Before(all[oldestIdx].sess.createdAt) {
				oldestIdx = i
			}
		}
		victim := all[oldestIdx]
		m.log.WithField("tab", victim.tabID).Info("session budget exceeded, closing oldest sftp session")
		m.closeSession(victim.tabID, victim.sess)
		all = append(all[:oldestIdx], all[oldestIdx+1:]...)
	}
}

// StartSweeper runs the idle/health sweep every healthCheckInterval.
func (m *Manager) StartSweeper(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.stopSweep = cancel
	m.mu.Unlock()

	ticker := m.clock.NewTicker(healthCheckInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	m.mu.Lock()
	snapshot := make(map[string]*Session, len(m.sessions))
	for id, s := range m.sessions {
		snapshot[id] = s
	}
	m.mu.Unlock()

	now := m.clock.Now()
	for tabID, session := range snapshot {
		session.mu.Lock()
		idle := now.Sub(session.lastUsedAt) > idleTimeout
		client := session.client
		session.mu.Unlock()

		if idle {
			m.log.WithField("tab", tabID).Info("closing idle sftp session")
			m.closeSession(tabID, session)
			continue
		}

		if !m.healthCheck(client) {
			m.log.WithField("tab", tabID).Warn("sftp session failed health check, closing")
			m.closeSession(tabID, session)
			continue
		}
		session.mu.Lock()
		session.lastCheckedAt = now
		session.mu.Unlock()
	}
}

// healthCheck races a readdir("/") against healthCheckRaceTimeout.
func (m *Manager) healthCheck(client *sftp.Client) bool {
	done := make(chan error, 1)
	go func() {
		_, err := client.ReadDir("/")
		done <- err
	}()
	select {
	case err := <-done:
		return err == nil
	case <-time.After(healthCheckRaceTimeout):
		return false
	}
}

// Shutdown stops the sweeper and closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.stopSweep != nil {
		m.stopSweep()
	}
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}
