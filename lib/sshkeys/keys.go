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

// Package sshkeys loads private keys referenced by a ConnectionEntry's
// credential into ssh.Signer values, supporting the PEM block types a
// terminal client is likely to see in the wild (PKCS#1, PKCS#8, EC) plus
// passphrase-protected keys.
package sshkeys

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"os"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// PEM block type names the key parser registry dispatches on.
const (
	pkcs1PrivateKeyType = "RSA PRIVATE KEY"
	pkcs8PrivateKeyType = "PRIVATE KEY"
	ecPrivateKeyType    = "EC PRIVATE KEY"
)

// Parser turns a decoded, unencrypted DER block into a signer. Registered
// per PEM block type so callers can add support for additional key
// formats without touching the core loader.
type Parser func(der []byte) (crypto.Signer, error)

var (
	parsersMu sync.Mutex
	parsers   = map[string]Parser{
		pkcs1PrivateKeyType: parsePKCS1,
		pkcs8PrivateKeyType: parsePKCS8,
		ecPrivateKeyType:    parseEC,
	}
)

// RegisterParser adds or replaces the parser used for a PEM block type.
func RegisterParser(pemType string, p Parser) {
	parsersMu.Lock()
	defer parsersMu.Unlock()
	parsers[pemType] = p
}

func getParser(pemType string) (Parser, error) {
	parsersMu.Lock()
	defer parsersMu.Unlock()
	p, ok := parsers[pemType]
	if !ok {
		return nil, trace.BadParameter("unsupported private key PEM type %q", pemType)
	}
	return p, nil
}

func parsePKCS1(der []byte) (crypto.Signer, error) {
	key, err := x509.ParsePKCS1PrivateKey(der)
	return key, trace.Wrap(err)
}

func parsePKCS8(der []byte) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, trace.BadParameter("PKCS8 key does not implement crypto.Signer")
	}
	return signer, nil
}

func parseEC(der []byte) (crypto.Signer, error) {
	key, err := x509.ParseECPrivateKey(der)
	return key, trace.Wrap(err)
}

// LoadSigner reads the private key at path and returns an ssh.Signer,
// decrypting it with passphrase. A non-empty passphrase always takes the
// decryption path, which fails for an unprotected PEM key; an empty
// passphrase is valid for an unprotected key.
func LoadSigner(path, passphrase string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ParseSigner(raw, passphrase)
}

// ParseSigner parses a PEM-encoded private key, decrypting it with
// passphrase when the block is encrypted or passphrase is non-empty.
func ParseSigner(keyPEM []byte, passphrase string) (ssh.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, trace.BadParameter("no PEM data found in private key")
	}

	if x509.IsEncryptedPEMBlock(block) || passphrase != "" { //nolint:staticcheck // legacy PEM encryption still appears in the wild
		signer, err := ssh.ParsePrivateKeyWithPassphrase(keyPEM, []byte(passphrase))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return signer, nil
	}

	parser, err := getParser(block.Type)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := parser(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	signer, err := ssh.NewSignerFromSigner(key)
	return signer, trace.Wrap(err)
}
