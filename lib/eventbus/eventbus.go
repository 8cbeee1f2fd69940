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

// Package eventbus fans out addressed messages -- terminal output,
// transfer progress, latency samples, pool stats -- to every subscribed
// UI connection. Subscribers each get their own buffered Go channel; a
// slow subscriber drops its own messages rather than blocking the
// producers or other subscribers.
package eventbus

import (
	"sync"

	"github.com/hexterm/termcore/lib/latency"
	"github.com/hexterm/termcore/lib/pool"
	"github.com/hexterm/termcore/lib/transfer"
	log "github.com/sirupsen/logrus"
)

// Type identifies a Message's payload shape.
type Type string

const (
	TypeTerminalOutput  Type = "terminal.output"
	TypeTerminalReady   Type = "terminal.ready"
	TypeTerminalClosed  Type = "terminal.closed"
	TypeTransferUpdated Type = "transfer.updated"
	TypeLatencyUpdated  Type = "latency.updated"
	TypeLatencyError    Type = "latency.error"
	TypePoolStats       Type = "pool.stats"
)

// PoolStats pairs the SSH and Telnet pool snapshots published together on
// every pool.stats broadcast: state counts, top-N by usage, last-N by
// recency, accumulated SFTP bytes, and the last health-check timestamp.
type PoolStats struct {
	SSH    pool.Stats
	Telnet pool.Stats
}

// Message is one addressed event. TabID is empty for process-wide events
// (pool.stats).
type Message struct {
	Type  Type
	TabID string

	TerminalOutput []byte
	CloseReason    error
	Transfer       transfer.Update
	Latency        latency.Sample
	LatencyErr     error
	PoolStats      PoolStats
}

// subscriberBuffer bounds how many messages a slow UI connection can fall
// behind by before new messages to it are dropped.
const subscriberBuffer = 256

// Bus is the Event Bus. One process-wide instance feeds every open UI
// connection.
type Bus struct {
	log log.FieldLogger

	mu   sync.Mutex
	subs map[int]chan Message
	next int
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		log:  log.StandardLogger().WithField("component", "eventbus"),
		subs: make(map[int]chan Message),
	}
}

// Subscribe registers a new UI connection and returns its channel plus an
// unsubscribe function. The channel is closed by Unsubscribe, never by
// the bus dropping the subscriber for being slow.
func (b *Bus) Subscribe() (<-chan Message, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Message, subscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// publish fans msg out to every subscriber, dropping it for any subscriber
// whose buffer is full instead of blocking.
func (b *Bus) publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.log.WithField("subscriber", id).Warn("event bus subscriber is backed up, dropping message")
		}
	}
}

// --- registry.Sink ---

func (b *Bus) TerminalOutput(tabID string, data []byte) {
	b.publish(Message{Type: TypeTerminalOutput, TabID: tabID, TerminalOutput: data})
}

func (b *Bus) TerminalReady(tabID string) {
	b.publish(Message{Type: TypeTerminalReady, TabID: tabID})
}

func (b *Bus) TerminalClosed(tabID string, reason error) {
	b.publish(Message{Type: TypeTerminalClosed, TabID: tabID, CloseReason: reason})
}

// --- transfer.Sink ---

func (b *Bus) TransferUpdated(tabID string, update transfer.Update) {
	b.publish(Message{Type: TypeTransferUpdated, TabID: tabID, Transfer: update})
}

// --- latency.Sink ---

func (b *Bus) LatencyUpdated(tabID string, sample latency.Sample) {
	b.publish(Message{Type: TypeLatencyUpdated, TabID: tabID, Latency: sample})
}

func (b *Bus) LatencyError(tabID string, err error) {
	b.publish(Message{Type: TypeLatencyError, TabID: tabID, LatencyErr: err})
}

// --- pool stats broadcast ---

// PublishPoolStats broadcasts a process-wide snapshot of both connection
// pools, intended to be called on a timer by the runtime rather than
// per-event.
func (b *Bus) PublishPoolStats(ssh, telnet pool.Stats) {
	b.publish(Message{Type: TypePoolStats, PoolStats: PoolStats{SSH: ssh, Telnet: telnet}})
}
