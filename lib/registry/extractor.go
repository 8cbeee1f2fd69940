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
	"regexp"
	"strings"
	"sync"
	"time"
)

// maxBufferedLines bounds the rolling output buffer used for command
// extraction.
const maxBufferedLines = 50

// commandEmitInterval rate-limits extracted commands per tab.
const commandEmitInterval = 500 * time.Millisecond

// editorEnterPattern matches program names that plausibly take over the
// full screen; editorExitPattern matches the single-token sequences that
// plausibly return control to the shell. Both are brittle against unusual
// prompts by nature of the heuristic.
var (
	editorEnterPattern = regexp.MustCompile(`(?i)\b(vi|vim|nano|emacs|pico|ed|less|more|cat|man)\b`)
	editorExitPattern  = regexp.MustCompile(`^(q|wq|:q|:wq|ZZ|x|Ctrl\+X|:\w+)$`)

	// promptPatterns cover three common prompt shapes: generic
	// "...[$#>] <cmd>", user@host "...@...:...[$#>] <cmd>", and path
	// "...:...[$#>] <cmd>".
	promptPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[\$#>]\s+(.+)$`),
		regexp.MustCompile(`\S+@\S+:\S*[\$#>]\s+(.+)$`),
		regexp.MustCompile(`\S+:\S+[\$#>]\s+(.+)$`),
	}
)

// CommandExtractor turns a tab's raw output stream into editor-mode state
// and heuristically extracted remote commands. Isolated behind this
// interface so the brittle regex heuristic can later be replaced by
// OSC-133 semantic-prompt handling without touching the registry. Each
// physical line is matched on its own: a command continued onto further
// lines with a trailing backslash is not joined.
type CommandExtractor interface {
	// Feed appends chunk to the rolling buffer and updates editor-mode
	// state. It returns a freshly extracted command, if any, and whether
	// one was found.
	Feed(chunk []byte) (command string, ok bool)
	// EditorMode reports whether the tab is believed to be inside a
	// full-screen program.
	EditorMode() bool
}

// heuristicExtractor is the default, regex-based CommandExtractor.
type heuristicExtractor struct {
	mu sync.Mutex

	editorMode  bool
	lines       []string
	partial     string
	lastEmitted string
	lastEmitAt  time.Time
}

func newHeuristicExtractor() *heuristicExtractor {
	return &heuristicExtractor{}
}

func (e *heuristicExtractor) EditorMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.editorMode
}

func (e *heuristicExtractor) Feed(chunk []byte) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.partial += string(chunk)
	var completed []string
	for {
		idx := strings.IndexByte(e.partial, '\n')
		if idx < 0 {
			break
		}
		completed = append(completed, strings.TrimRight(e.partial[:idx], "\r"))
		e.partial = e.partial[idx+1:]
	}
	if len(completed) == 0 {
		return "", false
	}

	for _, line := range completed {
		e.observeEditorMode(line)
		e.lines = append(e.lines, line)
	}
	if excess := len(e.lines) - maxBufferedLines; excess > 0 {
		e.lines = e.lines[excess:]
	}

	return e.tryExtractLocked()
}

func (e *heuristicExtractor) observeEditorMode(line string) {
	trimmed := strings.TrimSpace(line)
	if e.editorMode {
		if editorExitPattern.MatchString(trimmed) {
			e.editorMode = false
		}
		return
	}
	if editorEnterPattern.MatchString(trimmed) {
		e.editorMode = true
	}
}

// tryExtractLocked scans the buffer for a prompt line followed by another
// prompt line -- a command is only considered complete once the shell has
// printed its next prompt. Caller holds e.mu.
func (e *heuristicExtractor) tryExtractLocked() (string, bool) {
	if e.editorMode || len(e.lines) < 2 {
		return "", false
	}

	for i := len(e.lines) - 2; i >= 0; i-- {
		cmd, ok := matchPrompt(e.lines[i])
		if !ok {
			continue
		}
		if _, followedByPrompt := matchPrompt(e.lines[i+1]); !followedByPrompt {
			continue
		}

		if len(cmd) < 2 || strings.HasPrefix(cmd, "\x1b") {
			return "", false
		}
		if cmd == e.lastEmitted && time.Since(e.lastEmitAt) < commandEmitInterval {
			return "", false
		}
		now := time.Now()
		if now.Sub(e.lastEmitAt) < commandEmitInterval {
			return "", false
		}

		e.lastEmitted = cmd
		e.lastEmitAt = now
		return cmd, true
	}
	return "", false
}

func matchPrompt(line string) (string, bool) {
	for _, pattern := range promptPatterns {
		m := pattern.FindStringSubmatch(line)
		if len(m) == 2 {
			cmd := strings.TrimSpace(m[1])
			if cmd != "" {
				return cmd, true
			}
		}
	}
	return "", false
}
