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

// Package transfer schedules file and folder uploads/downloads on top of
// SFTP sessions, handling chunking, concurrency, progress, cancellation,
// retry/backoff and large-folder recursion.
package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hexterm/termcore/lib/errs"
)

// Kind is a TransferTask's kind.
type Kind string

const (
	KindUploadFile     Kind = "upload-file"
	KindUploadMulti    Kind = "upload-multi"
	KindUploadFolder   Kind = "upload-folder"
	KindDownloadFile   Kind = "download-file"
	KindDownloadFolder Kind = "download-folder"
)

// State is a TransferTask's lifecycle state: queued -> running ->
// (completed | cancelled | failed). Terminal states are sticky.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

func (s State) terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// PathPair is one source -> destination mapping within a task.
type PathPair struct {
	Source      string
	Destination string
}

// Update is the partial-update payload published to subscribers on every
// progress tick or state change.
type Update struct {
	TransferID       string
	Kind             Kind
	State            State
	TotalBytes       int64
	TransferredBytes int64
	FileCount        int
	ProcessedFiles   int
	CurrentFile      string
	SpeedBytesPerSec float64
	Error            string
}

// Sink receives transfer progress. Defined locally so the engine has no
// dependency on its eventbus consumer, mirroring registry.Sink.
type Sink interface {
	TransferUpdated(tabID string, update Update)
}

// Task is one in-flight or completed transfer.
type Task struct {
	TransferID string
	TabID      string
	Kind       Kind
	Paths      []PathPair
	AutoRemove bool

	mu               sync.Mutex
	totalBytes       int64
	transferredBytes int64
	fileCount        int
	processedFiles   int
	currentFile      string
	startTime        time.Time
	lastProgressAt   time.Time
	speed            float64
	state            State
	err              error
	attempt          int
	perFileErrors    map[string]string
	failureKind      errs.Kind

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTask constructs a queued Task with a freshly generated TransferID.
func NewTask(tabID string, kind Kind, paths []PathPair, autoRemove bool) *Task {
	return &Task{
		TransferID: uuid.NewString(),
		TabID:      tabID,
		Kind:       kind,
		Paths:      paths,
		AutoRemove: autoRemove,
		state:      StateQueued,
		done:       make(chan struct{}),
	}
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// snapshot returns an Update reflecting the task's current fields.
func (t *Task) snapshot() Update {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg := ""
	if t.err != nil {
		msg = t.err.Error()
	}
	return Update{
		TransferID:       t.TransferID,
		Kind:             t.Kind,
		State:            t.state,
		TotalBytes:       t.totalBytes,
		TransferredBytes: t.transferredBytes,
		FileCount:        t.fileCount,
		ProcessedFiles:   t.processedFiles,
		CurrentFile:      t.currentFile,
		SpeedBytesPerSec: t.speed,
		Error:            msg,
	}
}

// setState moves the task to state, a no-op once in a terminal state:
// transitions out of a terminal state are never allowed.
func (t *Task) setState(state State, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.terminal() {
		return false
	}
	t.state = state
	if err != nil {
		t.err = err
	}
	return true
}

// addProgress advances transferredBytes monotonically, clamped to
// totalBytes.
func (t *Task) addProgress(n int64, currentFile string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transferredBytes += n
	if t.transferredBytes > t.totalBytes {
		t.transferredBytes = t.totalBytes
	}
	t.currentFile = currentFile
	t.lastProgressAt = now
}

// recordFileDone increments processedFiles and optionally attaches a
// per-file error without aborting the whole task. A no-progress-timeout
// always wins the task's recorded failure classification, since it's the
// most actionable signal (a stalled transfer) among whatever else failed.
func (t *Task) recordFileDone(path string, fileErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processedFiles++
	if fileErr != nil {
		if t.perFileErrors == nil {
			t.perFileErrors = make(map[string]string)
		}
		t.perFileErrors[path] = fileErr.Error()
		if ce, ok := errs.As(fileErr); ok {
			if t.failureKind == "" || ce.Kind == errs.KindNoProgressTimeout {
				t.failureKind = ce.Kind
			}
		}
	}
}

// FailureKind returns the classified Kind of the task's recorded per-file
// failures, or the empty Kind if no file error carried one.
func (t *Task) FailureKind() errs.Kind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failureKind
}

// PerFileErrors returns a copy of any per-file errors recorded so far.
func (t *Task) PerFileErrors() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.perFileErrors))
	for k, v := range t.perFileErrors {
		out[k] = v
	}
	return out
}

// updateSpeed applies exponential smoothing with a 0.3 weight on the
// latest sample.
func (t *Task) updateSpeed(instant float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.speed == 0 {
		t.speed = instant
		return
	}
	t.speed = speedSmoothingFactor*instant + (1-speedSmoothingFactor)*t.speed
}

func (t *Task) lastProgressTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastProgressAt
}

// --- Tuning constants ---

const (
	progressInterval       = 100 * time.Millisecond
	speedSmoothingFactor   = 0.3
	maxOperationAttempts   = 3
	baseOperationTimeout   = 24 * time.Hour
	noProgressSmallTimeout = 30 * time.Second
	noProgressLargeTimeout = 60 * time.Second
	noProgressSizeCutoff   = 100 * 1024 * 1024 // 100 MiB

	chunkSmall  = 256 * 1024      // <= 10 MiB
	chunkMedium = 1 * 1024 * 1024 // <= 100 MiB
	chunkLarge  = 2 * 1024 * 1024 // > 100 MiB

	smallFileCutoff = 10 * 1024 * 1024  // 10 MiB
	largeFileCutoff = 100 * 1024 * 1024 // 100 MiB

	autoRemoveDelay = 1 * time.Second
)

// chunkSizeFor picks a chunk size by file size: <= 10 MiB: 256 KiB;
// <= 100 MiB: 1 MiB; otherwise 2 MiB. Fixed at task start.
func chunkSizeFor(fileSize int64) int {
	switch {
	case fileSize <= smallFileCutoff:
		return chunkSmall
	case fileSize <= largeFileCutoff:
		return chunkMedium
	default:
		return chunkLarge
	}
}

// noProgressTimeoutFor implements the watchdog threshold: 30s for files
// <= 100 MiB, 60s for larger ones.
func noProgressTimeoutFor(fileSize int64) time.Duration {
	if fileSize > noProgressSizeCutoff {
		return noProgressLargeTimeout
	}
	return noProgressSmallTimeout
}

// operationTimeoutFor bounds a file transfer's total duration: three times
// the expected transfer time at an assumed 1 MiB/s, floored at the 24h
// base timeout. The floor wins for files up to 28,800 MiB (about 28 GiB).
func operationTimeoutFor(fileSize int64) time.Duration {
	estimate := time.Duration(fileSize/(1024*1024)) * time.Second * 3
	if estimate > baseOperationTimeout {
		return estimate
	}
	return baseOperationTimeout
}

// concurrencyFor picks a worker count from the file-count/average-size
// mix: many small files (>= 8 files, average <= 10 MiB) -> 12; large
// (avg > 100 MiB) -> 2; medium (avg > 10 MiB) -> 4; default -> 4. Never
// exceeds fileCount.
func concurrencyFor(fileCount int, totalBytes int64) int {
	if fileCount <= 0 {
		return 1
	}
	avg := totalBytes / int64(fileCount)

	var n int
	switch {
	case fileCount >= 8 && avg <= smallFileCutoff:
		n = 12
	case avg > largeFileCutoff:
		n = 2
	case avg > smallFileCutoff:
		n = 4
	default:
		n = 4
	}
	if n > fileCount {
		n = fileCount
	}
	return n
}
