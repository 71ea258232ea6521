// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rdr

import "encoding/binary"

// Fixed-width big-endian helpers. Callers must pass slices long enough for
// the width being encoded or decoded.

// U16 decodes a big-endian uint16 from b.
func U16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// U32 decodes a big-endian uint32 from b.
func U32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// U64 decodes a big-endian uint64 from b.
func U64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// PutU16 encodes v into b as big-endian.
func PutU16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }

// PutU32 encodes v into b as big-endian.
func PutU32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

// PutU64 encodes v into b as big-endian.
func PutU64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }
