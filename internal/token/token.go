// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package token issues the opaque capability strings the directory hands out
// to shards and clients, and the ULIDs used as entity identifiers.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Token sizes in random bytes. Hex encoding doubles the string length.
const (
	AccessIDBytes = 8
	SecretBytes   = 16
	InviteIDBytes = 6
)

// Issuer generates random opaque tokens.
// The zero value is not usable; use NewIssuer or Default.
type Issuer struct {
	mu     sync.Mutex
	source io.Reader
}

// NewIssuer creates an issuer reading randomness from source.
// A nil source uses crypto/rand.
func NewIssuer(source io.Reader) *Issuer {
	if source == nil {
		source = rand.Reader
	}
	return &Issuer{source: source}
}

// Default returns an issuer backed by crypto/rand.
func Default() *Issuer {
	return NewIssuer(nil)
}

// Generate returns a hex string built from n random bytes.
func (i *Issuer) Generate(n int) (string, error) {
	buf := make([]byte, n)
	i.mu.Lock()
	_, err := io.ReadFull(i.source, buf)
	i.mu.Unlock()
	if err != nil {
		return "", oops.Code("TOKEN_GENERATE_FAILED").
			With("requested_bytes", n).
			Wrap(err)
	}
	return hex.EncodeToString(buf), nil
}

// AccessID returns a fresh per-assignment access id.
// Panics if the random source fails: an entity without a capability token
// cannot be assigned safely.
func (i *Issuer) AccessID() string {
	return i.must(AccessIDBytes)
}

// Secret returns a fresh per-connection secret.
func (i *Issuer) Secret() string {
	return i.must(SecretBytes)
}

// InviteID returns a fresh invite code.
func (i *Issuer) InviteID() string {
	return i.must(InviteIDBytes)
}

func (i *Issuer) must(n int) string {
	s, err := i.Generate(n)
	if err != nil {
		panic(err)
	}
	return s
}

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewULID generates a new ULID.
func NewULID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// ParseULID parses a ULID string.
func ParseULID(s string) (ulid.ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ulid.ULID{}, oops.Code("INVALID_ULID").With("value", s).Wrap(err)
	}
	return id, nil
}
