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

// Package sshtest runs a minimal in-process SSH server with an SFTP
// subsystem and an exec handler, so session-manager, transfer and latency
// tests can exercise real wire behavior without a network host. The SFTP
// subsystem serves the local filesystem, which tests scope to temp dirs.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Server is one running in-process SSH server.
type Server struct {
	Addr string
	Host string
	Port string

	listener net.Listener
}

// NewServer starts a server on a random loopback port. It accepts any
// password, serves the "sftp" subsystem against the local filesystem, and
// answers "echo ..." exec requests. The server shuts down with the test.
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		tb.Fatalf("generating host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		tb.Fatalf("building host signer: %v", err)
	}

	serverConfig := &ssh.ServerConfig{
		PasswordCallback: func(md ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	serverConfig.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("listening: %v", err)
	}
	tb.Cleanup(func() { listener.Close() })

	srv := &Server{Addr: listener.Addr().String(), listener: listener}
	srv.Host, srv.Port, _ = net.SplitHostPort(srv.Addr)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn, serverConfig)
		}
	}()

	return srv
}

func (s *Server) handleConn(conn net.Conn, config *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go handleSession(ch, requests)
	}
}

func handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "subsystem":
			if subsystemName(req.Payload) != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = server.Serve()
			return
		case "exec":
			_ = req.Reply(true, nil)
			runExec(ch, execCommand(req.Payload))
			return
		case "shell":
			_ = req.Reply(true, nil)
			// The interactive "shell" just echoes stdin back as output,
			// which is enough for registry round-trip tests.
			go func() { _, _ = io.Copy(ch, ch) }()
		case "pty-req", "window-change", "env":
			_ = req.Reply(true, nil)
		default:
			_ = req.Reply(false, nil)
		}
	}
}

// runExec answers "echo ..." by writing the arguments back, which is all
// the latency probe's exec fallback needs.
func runExec(ch ssh.Channel, command string) {
	if rest, ok := strings.CutPrefix(command, "echo "); ok {
		_, _ = ch.Write([]byte(rest + "\n"))
	}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
}

// subsystemName and execCommand strip the uint32 length prefix SSH request
// payloads carry.
func subsystemName(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	return string(payload[4:])
}

func execCommand(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	return string(payload[4:])
}

// Dial opens an authenticated client to the server. The client closes with
// the test.
func (s *Server) Dial(tb testing.TB) *ssh.Client {
	tb.Helper()
	client, err := ssh.Dial("tcp", s.Addr, &ssh.ClientConfig{
		User:            "test",
		Auth:            []ssh.AuthMethod{ssh.Password("test")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	if err != nil {
		tb.Fatalf("dialing test ssh server: %v", err)
	}
	tb.Cleanup(func() { client.Close() })
	return client
}
