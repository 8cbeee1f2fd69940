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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func popAll(t *testing.T, q *opQueue, n int) []*queuedOp {
	t.Helper()
	out := make([]*queuedOp, 0, n)
	for i := 0; i < n; i++ {
		item, ok := q.pop()
		require.True(t, ok)
		out = append(out, item)
	}
	return out
}

func TestOpQueueIsFIFOWithinAPriorityClass(t *testing.T) {
	q := newOpQueue()

	first := &queuedOp{priority: PriorityNormal, resultC: make(chan opResult, 1)}
	second := &queuedOp{priority: PriorityNormal, resultC: make(chan opResult, 1)}
	third := &queuedOp{priority: PriorityNormal, resultC: make(chan opResult, 1)}

	require.True(t, q.push(first))
	require.True(t, q.push(second))
	require.True(t, q.push(third))

	ordered := popAll(t, q, 3)
	require.Same(t, first, ordered[0])
	require.Same(t, second, ordered[1])
	require.Same(t, third, ordered[2])
}

func TestOpQueuePrioritizesHighOverNormal(t *testing.T) {
	q := newOpQueue()

	normal1 := &queuedOp{priority: PriorityNormal, resultC: make(chan opResult, 1)}
	normal2 := &queuedOp{priority: PriorityNormal, resultC: make(chan opResult, 1)}
	high := &queuedOp{priority: PriorityHigh, resultC: make(chan opResult, 1)}

	require.True(t, q.push(normal1))
	require.True(t, q.push(normal2))
	require.True(t, q.push(high))

	ordered := popAll(t, q, 3)
	require.Same(t, high, ordered[0], "a high-priority item jumps ahead of already-queued normal items")
	require.Same(t, normal1, ordered[1])
	require.Same(t, normal2, ordered[2])
}

func TestOpQueueKeepsHighPriorityItemsInSubmissionOrder(t *testing.T) {
	q := newOpQueue()

	normal := &queuedOp{priority: PriorityNormal, resultC: make(chan opResult, 1)}
	high1 := &queuedOp{priority: PriorityHigh, resultC: make(chan opResult, 1)}
	high2 := &queuedOp{priority: PriorityHigh, resultC: make(chan opResult, 1)}

	require.True(t, q.push(normal))
	require.True(t, q.push(high1))
	require.True(t, q.push(high2))

	ordered := popAll(t, q, 3)
	require.Same(t, high1, ordered[0])
	require.Same(t, high2, ordered[1], "a later high-priority item stays behind an earlier one")
	require.Same(t, normal, ordered[2])
}

func TestOpQueueDrainRejectsAllPendingItems(t *testing.T) {
	q := newOpQueue()

	item1 := &queuedOp{priority: PriorityNormal, resultC: make(chan opResult, 1)}
	item2 := &queuedOp{priority: PriorityHigh, resultC: make(chan opResult, 1)}
	require.True(t, q.push(item1))
	require.True(t, q.push(item2))

	cause := errors.New("session closed")
	q.drain(cause)

	for _, item := range []*queuedOp{item1, item2} {
		select {
		case res := <-item.resultC:
			require.ErrorIs(t, res.err, cause)
		default:
			t.Fatal("drain must deliver a result to every pending item")
		}
	}

	// Once drained, further pushes are rejected rather than queued.
	require.False(t, q.push(&queuedOp{priority: PriorityNormal, resultC: make(chan opResult, 1)}))
}
