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
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/hexterm/termcore/lib/errs"
	"github.com/hexterm/termcore/lib/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/sftp"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
)

// SFTPClientProvider resolves a tab's live *sftp.Client, creating the
// session if needed. *sftpsession.Manager implements this.
type SFTPClientProvider interface {
	Client(tabID string) (*sftp.Client, error)
}

// Engine is the Transfer Engine: it schedules and executes file and
// folder uploads/downloads against SFTP sessions.
type Engine struct {
	sftp  SFTPClientProvider
	sink  Sink
	clock clockwork.Clock
	log   log.FieldLogger

	// OnBytes, when set, observes every chunk's byte count in addition to
	// the task's own progress counters. The runtime points it at the SSH
	// pool's bytes-transferred accumulator.
	OnBytes func(n int64)

	mu    sync.Mutex
	tasks map[string]*Task
}

// New constructs an Engine. sink may be nil if progress notification is
// not needed (tests, CLI batch mode).
func New(sftpProvider SFTPClientProvider, sink Sink, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := log.StandardLogger().WithField(trace.Component, "transfer")
	if err := metrics.RegisterPrometheusCollectors(transferCollectors...); err != nil {
		logger.WithError(err).Warn("failed to register transfer metrics")
	}
	return &Engine{
		sftp:  sftpProvider,
		sink:  sink,
		clock: clock,
		log:   logger,
		tasks: make(map[string]*Task),
	}
}

// Get returns the task for transferID, if any.
func (e *Engine) Get(transferID string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[transferID]
	return t, ok
}

// List returns every task the engine has seen, including completed ones
// (callers are expected to garbage-collect via AutoRemove or their own
// retention policy).
func (e *Engine) List() []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t)
	}
	return out
}

// Cancel requests that transferID stop at its next chunk boundary. Any
// partially written destination bytes are left in place; the caller is
// responsible for cleanup if that's undesired.
func (e *Engine) Cancel(transferID string) error {
	e.mu.Lock()
	t, ok := e.tasks[transferID]
	e.mu.Unlock()
	if !ok {
		return trace.NotFound("transfer %q not found", transferID)
	}
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// job is one file's worth of transfer work, flattened from a PathPair plus
// any folder recursion.
type job struct {
	localPath  string
	remotePath string
	size       int64
	mode       os.FileMode
	modTime    time.Time
	upload     bool
}

// StartUploadFile uploads a single local file to a remote path.
func (e *Engine) StartUploadFile(ctx context.Context, tabID, localPath, remotePath string) (*Task, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if info.IsDir() {
		return nil, trace.BadParameter("%q is a directory, use StartUploadFolder", localPath)
	}
	task := NewTask(tabID, KindUploadFile, []PathPair{{Source: localPath, Destination: remotePath}}, false)
	jobs := []job{{localPath: localPath, remotePath: remotePath, size: info.Size(), mode: info.Mode(), modTime: info.ModTime(), upload: true}}
	e.launch(ctx, task, jobs)
	return task, nil
}

// StartUploadMulti uploads several independent local files into a single
// remote directory, sharing one task's progress and concurrency budget.
func (e *Engine) StartUploadMulti(ctx context.Context, tabID string, localPaths []string, remoteDir string) (*Task, error) {
	var jobs []job
	var pairs []PathPair
	for _, lp := range localPaths {
		info, err := os.Stat(lp)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if info.IsDir() {
			return nil, trace.BadParameter("%q is a directory, use StartUploadFolder", lp)
		}
		rp := path.Join(remoteDir, filepath.Base(lp))
		jobs = append(jobs, job{localPath: lp, remotePath: rp, size: info.Size(), mode: info.Mode(), modTime: info.ModTime(), upload: true})
		pairs = append(pairs, PathPair{Source: lp, Destination: rp})
	}
	task := NewTask(tabID, KindUploadMulti, pairs, false)
	e.launch(ctx, task, jobs)
	return task, nil
}

// StartUploadFolder recursively uploads localRoot to remoteRoot. Each
// file's remote parent directory is created (MkdirAll) by the worker just
// before that file is written; directories that contain no files are not
// created on the remote side.
func (e *Engine) StartUploadFolder(ctx context.Context, tabID, localRoot, remoteRoot string) (*Task, error) {
	refs, err := localWalk(localRoot)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	task := NewTask(tabID, KindUploadFolder, []PathPair{{Source: localRoot, Destination: remoteRoot}}, false)
	jobs := make([]job, 0, len(refs))
	for _, ref := range refs {
		jobs = append(jobs, job{
			localPath:  filepath.Join(localRoot, filepath.FromSlash(ref.relPath)),
			remotePath: path.Join(remoteRoot, ref.relPath),
			size:       ref.size,
			mode:       ref.mode,
			modTime:    ref.modTime,
			upload:     true,
		})
	}
	e.launch(ctx, task, jobs)
	return task, nil
}

// StartDownloadFile downloads a single remote file to a local path.
func (e *Engine) StartDownloadFile(ctx context.Context, tabID, remotePath, localPath string) (*Task, error) {
	client, err := e.sftp.Client(tabID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	info, err := client.Stat(remotePath)
	if err != nil {
		return nil, errs.WithTab(errs.KindSftpOpen, tabID, trace.Wrap(err))
	}
	task := NewTask(tabID, KindDownloadFile, []PathPair{{Source: remotePath, Destination: localPath}}, false)
	jobs := []job{{localPath: localPath, remotePath: remotePath, size: info.Size(), mode: info.Mode(), modTime: info.ModTime(), upload: false}}
	e.launch(ctx, task, jobs)
	return task, nil
}

// StartDownloadFolder recursively downloads remoteRoot to localRoot.
func (e *Engine) StartDownloadFolder(ctx context.Context, tabID, remoteRoot, localRoot string) (*Task, error) {
	client, err := e.sftp.Client(tabID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	refs, err := remoteWalk(client, remoteRoot)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	task := NewTask(tabID, KindDownloadFolder, []PathPair{{Source: remoteRoot, Destination: localRoot}}, false)
	jobs := make([]job, 0, len(refs))
	for _, ref := range refs {
		jobs = append(jobs, job{
			localPath:  filepath.Join(localRoot, filepath.FromSlash(ref.relPath)),
			remotePath: path.Join(remoteRoot, ref.relPath),
			size:       ref.size,
			mode:       ref.mode,
			modTime:    ref.modTime,
			upload:     false,
		})
	}
	e.launch(ctx, task, jobs)
	return task, nil
}

// launch registers task, computes its chunking/concurrency policy, and
// starts the worker pool in the background.
func (e *Engine) launch(parent context.Context, task *Task, jobs []job) {
	var total int64
	for _, j := range jobs {
		total += j.size
	}
	task.mu.Lock()
	task.totalBytes = total
	task.fileCount = len(jobs)
	task.startTime = e.clock.Now()
	task.lastProgressAt = task.startTime
	task.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	task.mu.Lock()
	task.cancel = cancel
	task.mu.Unlock()

	e.mu.Lock()
	e.tasks[task.TransferID] = task
	e.mu.Unlock()

	go e.run(ctx, task, jobs)
}

// run drives the worker pool for a single task to completion.
func (e *Engine) run(ctx context.Context, task *Task, jobs []job) {
	task.setState(StateRunning, nil)
	e.publish(task)

	concurrency := concurrencyFor(task.fileCount, task.totalBytes)
	jobsC := make(chan job, len(jobs))
	for _, j := range jobs {
		jobsC <- j
	}
	close(jobsC)

	stopProgress := e.startProgressTicker(ctx, task)
	defer stopProgress()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobsC {
				if ctx.Err() != nil {
					task.recordFileDone(j.remotePath, ctx.Err())
					continue
				}
				err := e.runFileWithRetry(ctx, task, j)
				task.recordFileDone(j.remotePath, err)
			}
		}()
	}
	wg.Wait()

	e.finish(ctx, task)
}

// finish resolves the task's terminal state from its accumulated per-file
// errors and the cancellation signal.
func (e *Engine) finish(ctx context.Context, task *Task) {
	errored := task.PerFileErrors()
	switch {
	case ctx.Err() != nil:
		task.setState(StateCancelled, ctx.Err())
	case len(errored) > 0:
		kind := task.FailureKind()
		if kind == "" {
			kind = errs.KindRetryExhausted
		}
		task.setState(StateFailed, errs.WithTab(kind, task.TabID, trace.Errorf("%d of %d files failed", len(errored), task.fileCount)))
	default:
		task.setState(StateCompleted, nil)
	}

	snap := task.snapshot()
	tasksFinished.WithLabelValues(string(snap.State)).Inc()
	fields := log.Fields{
		"transfer": task.TransferID,
		"tab":      task.TabID,
		"kind":     task.Kind,
		"files":    snap.ProcessedFiles,
		"bytes":    snap.TransferredBytes,
		"duration": e.clock.Now().Sub(task.startTime).String(),
	}
	switch snap.State {
	case StateFailed:
		e.log.WithFields(fields).WithField("error", snap.Error).Warn("transfer failed")
	default:
		e.log.WithFields(fields).WithField("state", snap.State).Info("transfer finished")
	}

	e.publish(task)

	if task.AutoRemove {
		go func() {
			e.clock.Sleep(autoRemoveDelay)
			e.mu.Lock()
			delete(e.tasks, task.TransferID)
			e.mu.Unlock()
		}()
	}
}

// runFileWithRetry runs one file's transfer up to maxOperationAttempts
// times, backing off between attempts, retrying only classified-retryable
// errors.
func (e *Engine) runFileWithRetry(ctx context.Context, task *Task, j job) error {
	var lastErr error
	for attempt := 1; attempt <= maxOperationAttempts; attempt++ {
		err := e.runFile(ctx, task, j)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) || attempt == maxOperationAttempts {
			break
		}
		select {
		case <-e.clock.After(backoffFor(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// runFile transfers one file, racing its chunked copy against a
// no-progress watchdog and an overall per-file operation deadline.
func (e *Engine) runFile(ctx context.Context, task *Task, j job) error {
	client, err := e.sftp.Client(task.TabID)
	if err != nil {
		return trace.Wrap(err)
	}

	chunkSize := chunkSizeFor(j.size)
	watchdog := noProgressTimeoutFor(j.size)

	fileCtx, fileCancel := context.WithTimeout(ctx, operationTimeoutFor(j.size))
	defer fileCancel()

	progressC := make(chan struct{}, 1)
	signal := func() {
		select {
		case progressC <- struct{}{}:
		default:
		}
	}

	var watchdogFired bool
	watchdogDone := make(chan struct{})
	go e.watchNoProgress(fileCtx, watchdog, progressC, fileCancel, watchdogDone, &watchdogFired)

	var copyErr error
	if j.upload {
		copyErr = e.uploadFile(fileCtx, client, task, j, chunkSize, signal)
	} else {
		copyErr = e.downloadFile(fileCtx, client, task, j, chunkSize, signal)
	}

	fileCancel()
	<-watchdogDone

	if copyErr == nil {
		return nil
	}

	switch {
	case watchdogFired:
		return errs.WithTab(errs.KindNoProgressTimeout, task.TabID, trace.Wrap(copyErr))
	case ctx.Err() == nil && errors.Is(fileCtx.Err(), context.DeadlineExceeded):
		return errs.WithTab(errs.KindOperationTimeout, task.TabID, trace.Wrap(copyErr))
	default:
		return trace.Wrap(copyErr)
	}
}

// watchNoProgress cancels cancel if no chunk completes within timeout of
// the last one (or of the watchdog starting), recording in fired that the
// cancellation was its doing rather than the caller's.
func (e *Engine) watchNoProgress(ctx context.Context, timeout time.Duration, progress <-chan struct{}, cancel context.CancelFunc, done chan<- struct{}, fired *bool) {
	defer close(done)
	timer := e.clock.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-progress:
			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
			timer.Reset(timeout)
		case <-timer.Chan():
			*fired = true
			cancel()
			return
		}
	}
}

func (e *Engine) uploadFile(ctx context.Context, client *sftp.Client, task *Task, j job, chunkSize int, signal func()) error {
	if err := client.MkdirAll(path.Dir(j.remotePath)); err != nil {
		return errs.WithTab(errs.KindSftpOpen, task.TabID, trace.Wrap(err))
	}
	src, err := os.Open(j.localPath)
	if err != nil {
		return trace.Wrap(err)
	}
	defer src.Close()

	dst, err := client.Create(j.remotePath)
	if err != nil {
		return errs.WithTab(errs.KindSftpOpen, task.TabID, trace.Wrap(err))
	}
	defer dst.Close()

	err = copyChunked(ctx.Done(), src, dst, chunkSize, func(n int64) {
		e.recordChunk(task, j.remotePath, n, signal)
	})
	if err != nil {
		return err
	}
	// Attribute preservation is best-effort; a server refusing setstat
	// must not fail an otherwise complete transfer.
	_ = client.Chmod(j.remotePath, j.mode)
	if !j.modTime.IsZero() {
		_ = client.Chtimes(j.remotePath, j.modTime, j.modTime)
	}
	return nil
}

func (e *Engine) downloadFile(ctx context.Context, client *sftp.Client, task *Task, j job, chunkSize int, signal func()) error {
	if err := os.MkdirAll(filepath.Dir(j.localPath), 0755); err != nil {
		return trace.Wrap(err)
	}
	src, err := client.Open(j.remotePath)
	if err != nil {
		return errs.WithTab(errs.KindSftpOpen, task.TabID, trace.Wrap(err))
	}
	defer src.Close()

	dst, err := os.Create(j.localPath)
	if err != nil {
		return trace.Wrap(err)
	}
	defer dst.Close()

	err = copyChunked(ctx.Done(), src, dst, chunkSize, func(n int64) {
		e.recordChunk(task, j.remotePath, n, signal)
	})
	if err != nil {
		return err
	}
	_ = os.Chmod(j.localPath, j.mode)
	if !j.modTime.IsZero() {
		_ = os.Chtimes(j.localPath, j.modTime, j.modTime)
	}
	return nil
}

func (e *Engine) recordChunk(task *Task, currentFile string, n int64, signal func()) {
	now := e.clock.Now()
	task.addProgress(n, currentFile, now)
	bytesTransferred.Add(float64(n))
	if e.OnBytes != nil {
		e.OnBytes(n)
	}
	signal()
}

// startProgressTicker publishes task snapshots on progressInterval,
// updating the smoothed transfer speed from bytes moved since the last
// tick.
func (e *Engine) startProgressTicker(ctx context.Context, task *Task) func() {
	ticker := e.clock.NewTicker(progressInterval)
	stop := make(chan struct{})
	go func() {
		var lastBytes int64
		lastTick := task.startTime
		for {
			select {
			case <-stop:
				ticker.Stop()
				return
			case <-ctx.Done():
				ticker.Stop()
				return
			case now := <-ticker.Chan():
				task.mu.Lock()
				transferred := task.transferredBytes
				task.mu.Unlock()

				elapsed := now.Sub(lastTick).Seconds()
				if elapsed > 0 {
					instant := float64(transferred-lastBytes) / elapsed
					task.updateSpeed(instant)
				}
				lastBytes = transferred
				lastTick = now

				e.publish(task)
			}
		}
	}()
	return func() { close(stop) }
}

func (e *Engine) publish(task *Task) {
	if e.sink == nil {
		return
	}
	e.sink.TransferUpdated(task.TabID, task.snapshot())
}

// NewProgressBar builds a terminal progress bar describing task's
// transferred/total bytes, for CLI-driven transfers.
func NewProgressBar(task *Task) *progressbar.ProgressBar {
	task.mu.Lock()
	total := task.totalBytes
	task.mu.Unlock()
	return progressbar.DefaultBytes(total, "transferring")
}
