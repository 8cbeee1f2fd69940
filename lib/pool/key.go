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

import "fmt"

// Key identifies a PooledConnection. Two entries that would open the same
// underlying transport map to the same Key so the pool can share it.
type Key string

// SSHKey derives the ConnectionKey for an SSH entry. When tabID is non-empty
// the key is tab-bound: every tab that opens an interactive shell gets its
// own transport, because not every SSH server can safely multiplex more than
// one PTY session onto a single authenticated connection.
func SSHKey(host, port, username, tabID string) Key {
	if tabID != "" {
		return Key(fmt.Sprintf("ssh:%s:%s:%s", host, port, tabID))
	}
	return Key(fmt.Sprintf("ssh:%s:%s:%s", host, port, username))
}

// TelnetKey derives the ConnectionKey for a Telnet entry, following the same
// tab-binding rule as SSHKey.
func TelnetKey(host, port, username, tabID string) Key {
	if tabID != "" {
		return Key(fmt.Sprintf("telnet:%s:%s:%s", host, port, tabID))
	}
	return Key(fmt.Sprintf("telnet:%s:%s:%s", host, port, username))
}
