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
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/hexterm/termcore/lib/errs"
	"github.com/pkg/sftp"
)

// queuedOp is one pending operation on a tab's FIFO-with-priority queue.
type queuedOp struct {
	op       Op
	priority Priority
	timeout  time.Duration
	resultC  chan opResult
}

type opResult struct {
	value any
	err   error
}

// opQueue is the per-tab FIFO+priority queue serializing SFTP operations:
// at most one operation on a session executes at a time. High-priority
// items are inserted ahead of all non-high items; ties within a class
// preserve submission order.
type opQueue struct {
	mu      sync.Mutex
	items   *list.List
	wake    chan struct{}
	drained bool
}

func newOpQueue() *opQueue {
	return &opQueue{items: list.New(), wake: make(chan struct{}, 1)}
}

func (q *opQueue) push(item *queuedOp) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.drained {
		return false
	}

	if item.priority == PriorityHigh {
		// Ahead of all non-high items, but behind any earlier high item
		// (stable within class).
		inserted := false
		for e := q.items.Front(); e != nil; e = e.Next() {
			if e.Value.(*queuedOp).priority != PriorityHigh {
				q.items.InsertBefore(item, e)
				inserted = true
				break
			}
		}
		if !inserted {
			q.items.PushBack(item)
		}
	} else {
		q.items.PushBack(item)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *opQueue) pop() (*queuedOp, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return nil, false
	}
	q.items.Remove(front)
	return front.Value.(*queuedOp), true
}

// drain rejects every pending item with err.
func (q *opQueue) drain(err error) {
	q.mu.Lock()
	q.drained = true
	var pending []*queuedOp
	for e := q.items.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*queuedOp))
	}
	q.items.Init()
	q.mu.Unlock()

	for _, item := range pending {
		item.resultC <- opResult{err: err}
	}
}

// EnqueueOptions configures a single Enqueue call.
type EnqueueOptions struct {
	Priority Priority
	Timeout  time.Duration
}

// Enqueue appends op to tabID's FIFO, starts the tab's worker if not
// already running, and blocks the caller until the operation completes,
// times out, or ctx is cancelled. Session-recovery errors cause one
// re-creation-and-retry before surfacing to the caller.
func (m *Manager) Enqueue(ctx context.Context, tabID string, op Op, opts EnqueueOptions) (any, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	queue := m.queueFor(tabID)
	item := &queuedOp{op: op, priority: opts.Priority, timeout: timeout, resultC: make(chan opResult, 1)}
	if !queue.push(item) {
		return nil, errs.WithTab(errs.KindSessionClosed, tabID, trace.Errorf("sftp session closed"))
	}
	m.ensureWorker(tabID, queue)

	select {
	case res := <-item.resultC:
		return res.value, res.err
	case <-ctx.Done():
		return nil, errs.WithTab(errs.KindOperationTimeout, tabID, trace.Wrap(ctx.Err()))
	}
}

func (m *Manager) queueFor(tabID string) *opQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[tabID]
	if !ok {
		q = newOpQueue()
		m.queues[tabID] = q
	}
	return q
}

// ensureWorker starts exactly one worker goroutine per tab, the ordering
// primitive that keeps operations on a session serialized.
func (m *Manager) ensureWorker(tabID string, queue *opQueue) {
	m.mu.Lock()
	_, running := m.workers[tabID]
	if !running {
		if m.workers == nil {
			m.workers = make(map[string]struct{})
		}
		m.workers[tabID] = struct{}{}
	}
	m.mu.Unlock()
	if running {
		return
	}

	go m.runWorker(tabID, queue)
}

func (m *Manager) runWorker(tabID string, queue *opQueue) {
	defer func() {
		m.mu.Lock()
		delete(m.workers, tabID)
		m.mu.Unlock()
	}()

	for {
		item, ok := queue.pop()
		if !ok {
			select {
			case <-queue.wake:
				continue
			case <-time.After(idleTimeout):
				return
			}
		}
		m.execute(tabID, item)
	}
}

// execute runs a single operation against the tab's live session, racing it
// against item.timeout, and retries once after session re-creation if the
// error is classified as a session-recovery error.
func (m *Manager) execute(tabID string, item *queuedOp) {
	result := m.runOnce(tabID, item)
	if result.err != nil && isSessionRecoveryError(result.err) {
		m.log.WithError(result.err).WithField("tab", tabID).Warn("sftp session invalidated, recreating and retrying operation")
		m.Close(tabID)
		result = m.runOnce(tabID, item)
	}
	item.resultC <- result
}

func (m *Manager) runOnce(tabID string, item *queuedOp) opResult {
	session, err := m.Get(tabID)
	if err != nil {
		return opResult{err: err}
	}

	session.mu.Lock()
	session.busy = true
	client := session.client
	session.mu.Unlock()
	defer func() {
		session.mu.Lock()
		session.busy = false
		session.lastUsedAt = m.clock.Now()
		session.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), item.timeout)
	defer cancel()

	type runResult struct {
		value any
		err   error
	}
	done := make(chan runResult, 1)
	go func() {
		v, err := item.op(ctx, client)
		done <- runResult{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return opResult{err: errs.WithTab(errs.KindSftpOpen, tabID, trace.Wrap(r.err))}
		}
		return opResult{value: r.value}
	case <-ctx.Done():
		return opResult{err: errs.WithTab(errs.KindOperationTimeout, tabID, trace.Wrap(ctx.Err()))}
	}
}

// ListRemote lists a remote directory through the tab's operation queue.
func (m *Manager) ListRemote(ctx context.Context, tabID, path string) ([]FileInfo, error) {
	v, err := m.Enqueue(ctx, tabID, func(ctx context.Context, client *sftp.Client) (any, error) {
		entries, err := client.ReadDir(path)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out := make([]FileInfo, 0, len(entries))
		for _, e := range entries {
			out = append(out, FileInfo{
				Name:    e.Name(),
				Size:    e.Size(),
				Mode:    uint32(e.Mode()),
				ModTime: e.ModTime().Unix(),
				IsDir:   e.IsDir(),
			})
		}
		return out, nil
	}, EnqueueOptions{Priority: PriorityNormal, Timeout: 30 * time.Second})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return v.([]FileInfo), nil
}

// FileInfo is a remote directory entry returned by ListRemote.
type FileInfo struct {
	Name    string
	Size    int64
	Mode    uint32
	ModTime int64
	IsDir   bool
}
