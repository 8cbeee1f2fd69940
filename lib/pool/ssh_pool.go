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
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/hexterm/termcore/lib/config"
	"github.com/hexterm/termcore/lib/errs"
	"github.com/hexterm/termcore/lib/proxy"
	"github.com/hexterm/termcore/lib/sshkeys"
	"golang.org/x/crypto/ssh"
)

// sshTransport adapts *ssh.Client to the pool's Transport contract.
type sshTransport struct {
	client *ssh.Client

	mu     sync.Mutex
	closed bool
}

func (t *sshTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return trace.Wrap(t.client.Close())
}

func (t *sshTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return true
	}
	// A client whose underlying connection died reports it the first time
	// a keepalive/session request fails; NewSession is cheap enough to use
	// as the liveness probe during health checks.
	sess, err := t.client.NewSession()
	if err != nil {
		return true
	}
	_ = sess.Close()
	return false
}

// Client returns the underlying *ssh.Client for callers (the tab registry,
// the SFTP session manager) that need it directly.
func (t *sshTransport) Client() *ssh.Client { return t.client }

// SSHClient extracts the *ssh.Client from a pooled Connection returned by
// SSHPool.Acquire. It panics if conn was not produced by an SSHPool, which
// would be a programming error.
func SSHClient(conn *Connection) *ssh.Client {
	return conn.Transport.(*sshTransport).client
}

// SSHDialer authenticates and dials with golang.org/x/crypto/ssh.
type SSHDialer struct {
	// ConnectTimeout bounds the TCP dial and handshake.
	ConnectTimeout time.Duration
	// HostKeyCallback validates the server's host key. Defaults to
	// ssh.InsecureIgnoreHostKey if unset, which is adequate for a
	// desktop terminal client that prompts the user out of band; a
	// production deployment should supply a known_hosts-backed callback.
	HostKeyCallback ssh.HostKeyCallback
	// Resolver tunnels the dial through entry's proxy policy when set.
	// A nil Resolver dials the target directly.
	Resolver *proxy.Resolver
}

func (d *SSHDialer) Dial(ctx context.Context, entry config.ConnectionEntry) (Transport, error) {
	authMethods, err := sshAuthMethods(entry)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	hostKeyCallback := d.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	clientConfig := &ssh.ClientConfig{
		User:            entry.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(entry.Host, entry.Port)
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var conn net.Conn
	if d.Resolver != nil {
		conn, err = d.Resolver.OpenTunnel(dialCtx, entry.Proxy, entry.Host, entry.Port)
	} else {
		conn, err = (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		if isAuthRejection(err) {
			return nil, errs.New(errs.KindAuth, trace.Wrap(err))
		}
		return nil, trace.Wrap(err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	return &sshTransport{client: client}, nil
}

// sshAuthMethods builds the auth method list for entry's credential: a
// private key (optionally passphrase-protected) takes priority over a
// plain password, mirroring how interactive SSH clients resolve auth.
func sshAuthMethods(entry config.ConnectionEntry) ([]ssh.AuthMethod, error) {
	cred := entry.Credential

	if cred.PrivateKeyPath != "" {
		signer, err := sshkeys.LoadSigner(cred.PrivateKeyPath, cred.Passphrase)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	if cred.Password != "" {
		return []ssh.AuthMethod{ssh.Password(cred.Password)}, nil
	}

	return nil, trace.BadParameter("connection entry %q has neither a password nor a private key", entry.ID)
}

// isAuthRejection reports whether err is the client-side error
// ssh.NewClientConn returns once every offered credential has been
// rejected, as distinct from a network-level dial or handshake failure.
// The client-side auth loop has no dedicated exported error type, so this
// matches on the message golang.org/x/crypto/ssh produces.
func isAuthRejection(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied")
}
