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

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExtractorEntersAndExitsEditorMode(t *testing.T) {
	e := newHeuristicExtractor()

	_, _ = e.Feed([]byte("user@host:~$ vim notes.txt\n"))
	require.True(t, e.EditorMode())

	_, _ = e.Feed([]byte(":wq\n"))
	require.False(t, e.EditorMode())
}

func TestExtractorFindsCommandFollowedByNextPrompt(t *testing.T) {
	e := newHeuristicExtractor()

	cmd, ok := e.Feed([]byte("user@host:~$ ls -la\nuser@host:~$ pwd\n"))
	require.True(t, ok)
	require.Equal(t, "ls -la", cmd)
}

func TestExtractorTreatsPagerCommandsAsEditorEntry(t *testing.T) {
	e := newHeuristicExtractor()

	// cat/less/man take over the stream the same way vim does as far as
	// the heuristic can tell, so extraction is suppressed until an exit
	// token shows up.
	_, ok := e.Feed([]byte("user@host:~$ ls -la\nuser@host:~$ cat foo.txt\n"))
	require.False(t, ok)
	require.True(t, e.EditorMode())

	_, _ = e.Feed([]byte("q\n"))
	require.False(t, e.EditorMode())
}

func TestExtractorDoesNotEmitWithoutAFollowingPrompt(t *testing.T) {
	e := newHeuristicExtractor()

	_, ok := e.Feed([]byte("user@host:~$ ls -la\nsome-program-output\n"))
	require.False(t, ok, "a command line with no following prompt line is not yet complete")
}

func TestExtractorRateLimitsEmissionsPerTab(t *testing.T) {
	e := newHeuristicExtractor()

	_, ok := e.Feed([]byte("user@host:~$ ls -la\nuser@host:~$ pwd\n"))
	require.True(t, ok)

	// A second, distinct command completing immediately afterwards is
	// still suppressed: emission is rate-limited per tab, not per
	// command text.
	_, ok = e.Feed([]byte("user@host:~$ whoami\n"))
	require.False(t, ok)

	time.Sleep(commandEmitInterval + 50*time.Millisecond)
	cmd, ok := e.Feed([]byte("user@host:~$ date\n"))
	require.True(t, ok)
	require.Equal(t, "whoami", cmd)
}

func TestExtractorIgnoresEditorOutputWhileInEditorMode(t *testing.T) {
	e := newHeuristicExtractor()

	_, _ = e.Feed([]byte("user@host:~$ vim notes.txt\n"))
	require.True(t, e.EditorMode())

	_, ok := e.Feed([]byte("user@host:~$ this looks like a prompt\nuser@host:~$ but is editor content\n"))
	require.False(t, ok, "no command extraction while believed to be inside a full-screen program")
}
