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
	"strings"
	"time"

	"github.com/hexterm/termcore/lib/errs"
)

// retryablePatterns are substrings of an error that mark it as worth
// retrying rather than failing the task outright: transient network or
// session hiccups, as opposed to permission/space/path errors that will
// just fail again.
var retryablePatterns = []string{
	"connection reset",
	"broken pipe",
	"eof",
	"timed out",
	"timeout",
	"no response from server",
	"session closed",
	"not connected",
	"disconnected",
	"econnreset",
	"socket hang up",
	"epipe",
	"no_progress_timeout",
	"channel closed",
	"sftp stream closed",
	"connection lost",
	"operation has been aborted",
}

// isRetryable classifies an operation error for the retry loop.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errs.Is(err, errs.KindSessionClosed) || errs.Is(err, errs.KindNetwork) ||
		errs.Is(err, errs.KindOperationTimeout) || errs.Is(err, errs.KindNoProgressTimeout) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// backoffFor returns the delay before attempt (1-indexed) is retried:
// 1000ms * 2^(attempt-1).
func backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1000*(1<<uint(attempt-1))) * time.Millisecond
}
