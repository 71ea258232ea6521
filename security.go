// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"crypto/rand"
	"crypto/subtle"
	"io"
)

// SecureMemory provides utilities for handling key material and credentials.
type SecureMemory struct{}

// ClearBytes overwrites data with zeros. Each argument may be nil.
func (sm *SecureMemory) ClearBytes(data ...[]byte) {
	for _, d := range data {
		clear(d)
	}
}

// ConstantTimeCompare reports whether a and b are equal without leaking
// the position of the first difference through timing.
func (sm *SecureMemory) ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// SecureRandom draws random bytes for handshake nonces. A nil Reader uses
// crypto/rand.
type SecureRandom struct {
	Reader io.Reader
}

func newSecureRandom(r io.Reader) *SecureRandom {
	return &SecureRandom{Reader: r}
}

func (sr *SecureRandom) reader() io.Reader {
	if sr.Reader == nil {
		return rand.Reader
	}
	return sr.Reader
}

// GenerateBytes returns length random bytes.
func (sr *SecureRandom) GenerateBytes(length int) ([]byte, error) {
	if length <= 0 {
		return nil, validationError("SecureRandom.GenerateBytes",
			"length must be positive", nil)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(sr.reader(), data); err != nil {
		return nil, cryptoError("SecureRandom.GenerateBytes",
			"failed to generate secure random bytes", err)
	}
	return data, nil
}
