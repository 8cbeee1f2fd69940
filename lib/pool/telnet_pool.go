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

package pool

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/hexterm/termcore/lib/config"
	"github.com/hexterm/termcore/lib/proxy"
)

// Telnet protocol constants (RFC 854). No telnet library appears anywhere
// in the retrieved corpus, so option negotiation is handled directly over
// net.Conn -- the one ambient-transport piece in this package built on the
// standard library rather than an example-grounded dependency.
const (
	telnetIAC  byte = 255
	telnetDONT byte = 254
	telnetDO   byte = 253
	telnetWONT byte = 252
	telnetWILL byte = 251
	telnetSB   byte = 250
	telnetSE   byte = 240
)

// telnetTransport adapts a raw net.Conn, stripped of IAC negotiation
// sequences, to the pool's Transport contract.
type telnetTransport struct {
	conn net.Conn

	mu     sync.Mutex
	closed bool
}

func (t *telnetTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return trace.Wrap(t.conn.Close())
}

func (t *telnetTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Conn returns the underlying net.Conn for callers (the tab registry) that
// read/write the negotiated stream directly.
func (t *telnetTransport) Conn() net.Conn { return t.conn }

// TelnetConn extracts the net.Conn from a pooled Connection returned by a
// Telnet Pool. It panics if conn was not produced by TelnetDialer, which
// would be a programming error.
func TelnetConn(conn *Connection) net.Conn {
	return conn.Transport.(*telnetTransport).conn
}

// TelnetDialer opens a raw TCP connection and performs the minimal RFC 854
// negotiation a terminal client needs: refuse every option the remote
// offers (DO/WILL -> WONT/DONT) so the session falls back to NVT
// line-oriented semantics, which every telnet daemon supports.
type TelnetDialer struct {
	// ConnectTimeout bounds the TCP dial.
	ConnectTimeout time.Duration
	// Resolver tunnels the dial through entry's proxy policy when set.
	// A nil Resolver dials the target directly.
	Resolver *proxy.Resolver
}

func (d *TelnetDialer) Dial(ctx context.Context, entry config.ConnectionEntry) (Transport, error) {
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var conn net.Conn
	var err error
	if d.Resolver != nil {
		conn, err = d.Resolver.OpenTunnel(dialCtx, entry.Proxy, entry.Host, entry.Port)
	} else {
		addr := net.JoinHostPort(entry.Host, entry.Port)
		conn, err = (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &telnetTransport{conn: negotiatingConn{Conn: conn}}, nil
}

// negotiatingConn wraps a net.Conn, transparently answering IAC negotiation
// requests with a refusal and stripping IAC sequences out of the byte
// stream delivered to Read callers, so the tab registry sees plain NVT
// bytes the same way it would from an SSH channel.
type negotiatingConn struct {
	net.Conn
}

func (c negotiatingConn) Read(p []byte) (int, error) {
	raw := make([]byte, len(p))
	n, err := c.Conn.Read(raw)
	if n == 0 {
		return 0, err
	}

	out := p[:0]
	for i := 0; i < n; i++ {
		b := raw[i]
		if b != telnetIAC {
			out = append(out, b)
			continue
		}

		// IAC: consume the command byte and, for DO/DONT/WILL/WONT, the
		// option byte that follows; reply with a uniform refusal.
		i++
		if i >= n {
			break
		}
		cmd := raw[i]
		switch cmd {
		case telnetDO, telnetDONT, telnetWILL, telnetWONT:
			i++
			if i >= n {
				break
			}
			option := raw[i]
			reply := telnetWONT
			if cmd == telnetDO {
				reply = telnetWONT
			} else if cmd == telnetWILL {
				reply = telnetDONT
			}
			_, _ = c.Conn.Write([]byte{telnetIAC, reply, option})
		case telnetSB:
			// skip subnegotiation payload up to IAC SE
			for i < n-1 && !(raw[i] == telnetIAC && raw[i+1] == telnetSE) {
				i++
			}
			i++
		case telnetIAC:
			out = append(out, telnetIAC)
		}
	}

	return len(out), err
}
