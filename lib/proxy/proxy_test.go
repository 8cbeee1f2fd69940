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

package proxy

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hexterm/termcore/lib/config"
	"github.com/stretchr/testify/require"
)

// startEchoServer runs a TCP listener that echoes back anything written to
// it, used as the "real" destination a tunnel is expected to reach.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// startHTTPConnectProxy runs a minimal HTTP CONNECT proxy that tunnels to
// whatever target the client asks for, for exercising dialHTTPConnect
// without a real network host.
func startHTTPConnectProxy(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			client, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				reader := bufio.NewReader(c)
				line, err := reader.ReadString('\n')
				if err != nil {
					return
				}
				parts := strings.Fields(line)
				if len(parts) < 2 || parts[0] != "CONNECT" {
					c.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
					return
				}
				target := parts[1]

				// drain headers
				for {
					hline, err := reader.ReadString('\n')
					if err != nil || hline == "\r\n" {
						break
					}
				}

				upstream, err := net.Dial("tcp", target)
				if err != nil {
					c.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
					return
				}
				defer upstream.Close()

				c.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

				done := make(chan struct{}, 2)
				go func() { pipe(c, upstream); done <- struct{}{} }()
				go func() { pipe(upstream, c); done <- struct{}{} }()
				<-done
			}(client)
		}
	}()
	return ln.Addr().String()
}

func pipe(dst net.Conn, src net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func TestResolveModes(t *testing.T) {
	r := New()
	r.Default = Resolved{Kind: config.ProxyHTTP, Host: "default-proxy", Port: "8080"}

	require.Equal(t, Resolved{}, r.Resolve(config.ProxyPolicy{Mode: config.ProxyNone}))
	require.Equal(t, r.Default, r.Resolve(config.ProxyPolicy{Mode: config.ProxyDefault}))

	explicit := config.MarkExplicit(config.ProxySocks5, "socks-host", "1080", nil)
	require.Equal(t, Resolved{Kind: config.ProxySocks5, Host: "socks-host", Port: "1080"}, r.Resolve(explicit))
}

func TestOpenTunnelDirect(t *testing.T) {
	addr := startEchoServer(t)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	r := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := r.OpenTunnel(ctx, config.ProxyPolicy{Mode: config.ProxyNone}, host, port)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, roundTripEcho(conn))
}

func TestOpenTunnelHTTPConnect(t *testing.T) {
	targetAddr := startEchoServer(t)
	targetHost, targetPort, err := net.SplitHostPort(targetAddr)
	require.NoError(t, err)

	proxyAddr := startHTTPConnectProxy(t)
	proxyHost, proxyPort, err := net.SplitHostPort(proxyAddr)
	require.NoError(t, err)

	r := New()
	policy := config.MarkExplicit(config.ProxyHTTP, proxyHost, proxyPort, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := r.OpenTunnel(ctx, policy, targetHost, targetPort)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, roundTripEcho(conn))
}

func roundTripEcho(conn net.Conn) error {
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	payload := []byte("ping")
	if _, err := conn.Write(payload); err != nil {
		return err
	}
	buf := make([]byte, len(payload))
	if _, err := conn.Read(buf); err != nil {
		return err
	}
	if string(buf) != string(payload) {
		return errors.New("echoed payload did not match")
	}
	return nil
}
