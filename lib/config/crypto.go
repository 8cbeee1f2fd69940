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
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/gravitational/trace"
	"github.com/hexterm/termcore/lib/errs"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"
)

// cipherPrefix marks a value produced by Cipher.Encrypt so Decrypt can tell
// plaintext values (legacy documents, or values a human edited by hand)
// from encrypted ones.
const cipherPrefix = "enc1:"

// legacyCipherPrefix marks values written by a predecessor cipher format
// (a bare base64 blob with no box nonce). IsLegacy detects it; Decrypt does
// not decode such values and returns them unchanged, prefix included.
const legacyCipherPrefix = "enc0:"

const (
	pbkdf2Iterations = 100_000
	keySize          = 32
	nonceSize        = 24
)

// Cipher encrypts and decrypts the sensitive fields of a Document
// (credential password, private key path and passphrase, AI API keys) with
// NaCl secretbox, keyed by PBKDF2 over a machine-local passphrase.
type Cipher struct {
	key [keySize]byte
}

// NewCipher derives an encryption key from passphrase and a fixed salt tied
// to the store's directory, so the same installation always derives the
// same key without persisting it separately.
func NewCipher(passphrase, salt string) *Cipher {
	derived := pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iterations, keySize, sha256.New)
	c := &Cipher{}
	copy(c.key[:], derived)
	return c
}

// Encrypt returns a base64-encoded, nonce-prefixed ciphertext for
// plaintext. Empty input is returned unchanged so optional fields stay
// empty rather than becoming a non-empty encrypted empty string.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", trace.Wrap(err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return cipherPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the current prefix, plaintext
// and legacy-prefixed ones alike, are returned unchanged; IsLegacy tells
// the two apart.
func (c *Cipher) Decrypt(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if !IsEncrypted(value) {
		// Not something this cipher produced: treat as plaintext, the
		// common case for a document a human hand-edited or a legacy
		// unencrypted export.
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(value[len(cipherPrefix):])
	if err != nil {
		return "", errs.New(errs.KindDecryptFailed, err)
	}
	if len(raw) < nonceSize {
		return "", errs.New(errs.KindDecryptFailed, trace.BadParameter("ciphertext too short"))
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", errs.New(errs.KindDecryptFailed, trace.BadParameter("secretbox authentication failed"))
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether value carries the current cipher's prefix.
func IsEncrypted(value string) bool {
	return len(value) >= len(cipherPrefix) && value[:len(cipherPrefix)] == cipherPrefix
}

// IsLegacy reports whether value was produced by a predecessor cipher
// format. Store does not decode or convert such values.
func IsLegacy(value string) bool {
	return len(value) >= len(legacyCipherPrefix) && value[:len(legacyCipherPrefix)] == legacyCipherPrefix
}

// encryptEntry encrypts the sensitive fields of a single ConnectionEntry
// (and its children, recursively).
func (c *Cipher) encryptEntry(e *ConnectionEntry) error {
	var err error
	if e.Credential.Password, err = c.Encrypt(e.Credential.Password); err != nil {
		return trace.Wrap(err)
	}
	if e.Credential.PrivateKeyPath, err = c.Encrypt(e.Credential.PrivateKeyPath); err != nil {
		return trace.Wrap(err)
	}
	if e.Credential.Passphrase, err = c.Encrypt(e.Credential.Passphrase); err != nil {
		return trace.Wrap(err)
	}
	for i := range e.Children {
		if err := c.encryptEntry(&e.Children[i]); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// decryptEntry is the inverse of encryptEntry.
func (c *Cipher) decryptEntry(e *ConnectionEntry) error {
	var err error
	if e.Credential.Password, err = c.Decrypt(e.Credential.Password); err != nil {
		return trace.Wrap(err)
	}
	if e.Credential.PrivateKeyPath, err = c.Decrypt(e.Credential.PrivateKeyPath); err != nil {
		return trace.Wrap(err)
	}
	if e.Credential.Passphrase, err = c.Decrypt(e.Credential.Passphrase); err != nil {
		return trace.Wrap(err)
	}
	for i := range e.Children {
		if err := c.decryptEntry(&e.Children[i]); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}
