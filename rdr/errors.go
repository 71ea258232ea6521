// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rdr

import "errors"

var (
	// ErrEndOfStream is returned when the underlying transport ends before a
	// request could be satisfied.
	ErrEndOfStream = errors.New("rdr: end of stream")

	// ErrNoProgress is returned when a refill returned without error but did
	// not deliver the bytes that were asked for.
	ErrNoProgress = errors.New("rdr: refill made no progress")

	// ErrItemTooLarge is returned when a single item cannot fit in the buffer.
	ErrItemTooLarge = errors.New("rdr: item larger than stream buffer")

	// ErrInvalidItem is returned for non-positive item sizes or counts.
	ErrInvalidItem = errors.New("rdr: invalid item size or count")

	// ErrClosed is returned by any operation on a closed stream.
	ErrClosed = errors.New("rdr: stream closed")

	// ErrDecrypt is returned when an encrypted frame fails authentication.
	ErrDecrypt = errors.New("rdr: frame decryption failed")

	// ErrInvalidKeySize is returned for AES keys that are not 16 or 32 bytes.
	ErrInvalidKeySize = errors.New("rdr: invalid AES key size")

	// ErrInvalidLevel is returned for compression levels outside -1..9.
	ErrInvalidLevel = errors.New("rdr: invalid compression level")
)
