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

// Package errs defines the typed error kinds shared across the session and
// file-transfer core, so that pool, SFTP and transfer failures can be
// classified by variant instead of by matching error strings.
package errs

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// Kind enumerates the error categories the core can raise.
type Kind string

const (
	KindAuth              Kind = "auth"
	KindNetwork           Kind = "network"
	KindPoolFull          Kind = "pool_full"
	KindNoSshForTab       Kind = "no_ssh_for_tab"
	KindSftpOpen          Kind = "sftp_open"
	KindSessionClosed     Kind = "session_closed"
	KindOperationTimeout  Kind = "operation_timeout"
	KindNoProgressTimeout Kind = "no_progress_timeout"
	KindCancelled         Kind = "cancelled"
	KindRetryExhausted    Kind = "retry_exhausted"
	KindInvalidConfig     Kind = "invalid_config"
	KindProxyHandshake    Kind = "proxy_handshake"
	KindDecryptFailed     Kind = "decrypt_failed"
)

// CoreError is the typed error carried through the pool, SFTP session
// manager and transfer engine. It always wraps an underlying cause via
// trace so stack traces and errors.Is/As keep working.
type CoreError struct {
	Kind          Kind
	ConnectionKey string
	TabID         string
	Cause         error
}

func (e *CoreError) Error() string {
	msg := fmt.Sprintf("%s", e.Kind)
	if e.ConnectionKey != "" {
		msg += fmt.Sprintf(" key=%s", e.ConnectionKey)
	}
	if e.TabID != "" {
		msg += fmt.Sprintf(" tab=%s", e.TabID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CoreError) Unwrap() error { return e.Cause }

// New builds a CoreError and wraps it with trace so that call sites get a
// stack trace the same way the rest of the core does via trace.Wrap.
func New(kind Kind, cause error) error {
	return trace.Wrap(&CoreError{Kind: kind, Cause: cause})
}

// WithKey attaches a connection key to a Kind-classified error.
func WithKey(kind Kind, key string, cause error) error {
	return trace.Wrap(&CoreError{Kind: kind, ConnectionKey: key, Cause: cause})
}

// WithTab attaches a tab id to a Kind-classified error.
func WithTab(kind Kind, tabID string, cause error) error {
	return trace.Wrap(&CoreError{Kind: kind, TabID: tabID, Cause: cause})
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// As extracts the CoreError from err, if any is present in its chain.
func As(err error) (*CoreError, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
