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

package config

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// defaultFileMode keeps process-local state that should not be
// world-readable private to the owner.
const defaultFileMode = 0600

// Store loads and saves the single JSON document. It auto-initializes
// missing sections with documented defaults and migrates plain-array
// commandHistory to the compressed form. Secrets in a legacy cipher format
// (see IsLegacy) are not decoded or converted.
type Store struct {
	path   string
	cipher *Cipher
	log    log.FieldLogger

	mu sync.Mutex
}

// StoreOption configures a Store at construction.
type StoreOption func(*Store)

// WithLogger overrides the store's logger.
func WithLogger(l log.FieldLogger) StoreOption {
	return func(s *Store) { s.log = l }
}

// NewStore creates a Store persisting to path, encrypting secrets with a
// key derived from passphrase.
func NewStore(path, passphrase string, opts ...StoreOption) *Store {
	s := &Store{
		path:   path,
		cipher: NewCipher(passphrase, path),
		log:    log.StandardLogger().WithField(trace.Component, "config"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the document from disk, decrypting secrets and normalizing
// optional sections. A missing file yields a document populated with
// defaults rather than an error.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		doc := defaultDocument()
		return doc, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var onDisk documentOnDisk
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return nil, trace.Wrap(err)
	}

	doc := onDisk.toDocument()
	applyDefaults(doc)

	history, err := decodeCommandHistory(onDisk.CommandHistory)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	doc.CommandHistory = history

	for i := range doc.Connections {
		if err := s.cipher.decryptEntry(&doc.Connections[i]); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if doc.AISettings.Current.APIKey, err = s.cipher.Decrypt(doc.AISettings.Current.APIKey); err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range doc.AISettings.Configs {
		if doc.AISettings.Configs[i].APIKey, err = s.cipher.Decrypt(doc.AISettings.Configs[i].APIKey); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	return doc, nil
}

// Save persists doc to disk. Secrets are re-encrypted, and commandHistory
// is always written in the compressed form, completing the one-shot
// migration even if Load saw a plain array.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneDocument(doc)

	for i := range clone.Connections {
		if err := s.cipher.encryptEntry(&clone.Connections[i]); err != nil {
			return trace.Wrap(err)
		}
	}
	var err error
	if clone.AISettings.Current.APIKey, err = s.cipher.Encrypt(clone.AISettings.Current.APIKey); err != nil {
		return trace.Wrap(err)
	}
	for i := range clone.AISettings.Configs {
		if clone.AISettings.Configs[i].APIKey, err = s.cipher.Encrypt(clone.AISettings.Configs[i].APIKey); err != nil {
			return trace.Wrap(err)
		}
	}

	compressed, err := encodeCommandHistory(clone.CommandHistory)
	if err != nil {
		return trace.Wrap(err)
	}

	onDisk := documentOnDisk{
		Connections:      clone.Connections,
		UISettings:       clone.UISettings,
		LogSettings:      clone.LogSettings,
		AISettings:       clone.AISettings,
		PoolSettings:     clone.PoolSettings,
		ShortcutCommands: clone.ShortcutCommands,
		CommandHistory:   compressed,
		TopConnections:   clone.TopConnections,
		LastConnections:  clone.LastConnections,
	}

	buf, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return trace.Wrap(err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf, defaultFileMode); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(os.Rename(tmp, s.path))
}

func defaultDocument() *Document {
	return &Document{
		Connections: []ConnectionEntry{},
		UISettings: UISettings{
			Language:         "en",
			FontSize:         14,
			TerminalFont:     "monospace",
			TerminalFontSize: 14,
		},
		LogSettings: LogSettings{
			Level:               "info",
			MaxFileSize:         10 * 1024 * 1024,
			MaxFiles:            5,
			CompressOldLogs:     true,
			CleanupIntervalDays: 30,
		},
		PoolSettings:    PoolSettings{},
		CommandHistory:  []CommandHistoryEntry{},
		TopConnections:  []TopConnection{},
		LastConnections: []LastConnection{},
	}
}

func applyDefaults(doc *Document) {
	if doc.Connections == nil {
		doc.Connections = []ConnectionEntry{}
	}
	if doc.UISettings.Language == "" {
		doc.UISettings.Language = "en"
	}
	if doc.UISettings.FontSize == 0 {
		doc.UISettings.FontSize = 14
	}
	if doc.LogSettings.Level == "" {
		doc.LogSettings.Level = "info"
	}
	if doc.LogSettings.MaxFiles == 0 {
		doc.LogSettings.MaxFiles = 5
	}
	if doc.TopConnections == nil {
		doc.TopConnections = []TopConnection{}
	}
	if doc.LastConnections == nil {
		doc.LastConnections = []LastConnection{}
	}
}

func cloneDocument(doc *Document) *Document {
	buf, _ := json.Marshal(doc)
	var clone Document
	_ = json.Unmarshal(buf, &clone)
	return &clone
}

// documentOnDisk mirrors Document but leaves commandHistory as raw JSON so
// Load can tell a plain array apart from the compressed object form before
// deciding how to decode it.
type documentOnDisk struct {
	Connections      []ConnectionEntry `json:"connections"`
	UISettings       UISettings        `json:"uiSettings"`
	LogSettings      LogSettings       `json:"logSettings"`
	AISettings       AISettings        `json:"aiSettings"`
	PoolSettings     PoolSettings      `json:"poolSettings"`
	ShortcutCommands string            `json:"shortcutCommands,omitempty"`
	CommandHistory   json.RawMessage   `json:"commandHistory"`
	TopConnections   []TopConnection   `json:"topConnections"`
	LastConnections  []LastConnection  `json:"lastConnections"`
}

func (d documentOnDisk) toDocument() *Document {
	return &Document{
		Connections:      d.Connections,
		UISettings:       d.UISettings,
		LogSettings:      d.LogSettings,
		AISettings:       d.AISettings,
		PoolSettings:     d.PoolSettings,
		ShortcutCommands: d.ShortcutCommands,
		TopConnections:   d.TopConnections,
		LastConnections:  d.LastConnections,
	}
}

// decodeCommandHistory accepts either a plain JSON array of
// CommandHistoryEntry or a CompressedCommandHistory object.
func decodeCommandHistory(raw json.RawMessage) ([]CommandHistoryEntry, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return []CommandHistoryEntry{}, nil
	}

	var plain []CommandHistoryEntry
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain, nil
	}

	var compressed CompressedCommandHistory
	if err := json.Unmarshal(raw, &compressed); err != nil {
		return nil, trace.Wrap(err)
	}
	if !compressed.Compressed {
		return nil, trace.BadParameter("commandHistory is neither an array nor a compressed object")
	}

	gz, err := base64.StdEncoding.DecodeString(compressed.Data)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer r.Close()

	jsonBytes, err := io.ReadAll(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var entries []CommandHistoryEntry
	if err := json.Unmarshal(jsonBytes, &entries); err != nil {
		return nil, trace.Wrap(err)
	}
	return entries, nil
}

// encodeCommandHistory always writes the compressed object form, completing
// the migration on next save regardless of which form Load saw.
func encodeCommandHistory(entries []CommandHistoryEntry) (json.RawMessage, error) {
	if entries == nil {
		entries = []CommandHistoryEntry{}
	}
	jsonBytes, err := json.Marshal(entries)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(jsonBytes); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := gz.Close(); err != nil {
		return nil, trace.Wrap(err)
	}

	compressed := CompressedCommandHistory{
		Compressed:     true,
		Data:           base64.StdEncoding.EncodeToString(buf.Bytes()),
		OriginalSize:   len(jsonBytes),
		CompressedSize: buf.Len(),
		Timestamp:      time.Now().Unix(),
	}
	out, err := json.Marshal(compressed)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}
