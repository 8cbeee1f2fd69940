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
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopyChunkedReportsEveryChunk(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte{0xAB}, 10*1024))
	var dst bytes.Buffer

	var chunks []int64
	err := copyChunked(nil, src, &dst, 4*1024, func(n int64) {
		chunks = append(chunks, n)
	})
	require.NoError(t, err)
	require.Equal(t, 10*1024, dst.Len())

	var total int64
	for _, n := range chunks {
		require.LessOrEqual(t, n, int64(4*1024))
		total += n
	}
	require.EqualValues(t, 10*1024, total)
}

// stallingReader delivers a fixed number of chunks freely, then blocks on a
// gate so the test can cancel while a read is in flight. Reads after the
// gate opens keep returning data: cancellation, not EOF, must end the copy.
type stallingReader struct {
	free    int
	chunk   []byte
	stalled chan struct{}
	resume  chan struct{}
	once    bool
}

func (r *stallingReader) Read(p []byte) (int, error) {
	if r.free == 0 {
		if !r.once {
			r.once = true
			close(r.stalled)
		}
		<-r.resume
	} else {
		r.free--
	}
	return copy(p, r.chunk), nil
}

func TestCopyChunkedStopsAtChunkBoundaryOnCancel(t *testing.T) {
	done := make(chan struct{})
	src := &stallingReader{
		free:    3,
		chunk:   bytes.Repeat([]byte{0x01}, 1024),
		stalled: make(chan struct{}),
		resume:  make(chan struct{}),
	}
	var dst bytes.Buffer

	result := make(chan error, 1)
	go func() {
		result <- copyChunked(done, src, &dst, 1024, func(int64) {})
	}()

	// Wait until a read is in flight, then cancel and let it complete: the
	// in-flight chunk finishes, and the next boundary observes the cancel.
	<-src.stalled
	close(done)
	close(src.resume)

	err := <-result
	require.Error(t, err)
	require.EqualValues(t, 4*1024, dst.Len(), "the in-flight chunk completes, nothing further starts")
}

func TestCopyChunkedPropagatesWriteErrors(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte{0x02}, 2048))
	err := copyChunked(nil, src, failingWriter{}, 1024, func(int64) {})
	require.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, io.ErrClosedPipe
}
