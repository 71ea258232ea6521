// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package rdr implements the buffered byte streams that carry RFB protocol
// data between a VNC client and server.
//
// An InStream reads from a Source and an OutStream writes to a Sink. The
// streams own a fixed-size buffer and call into the Source or Sink only when
// the buffer cannot satisfy a request. Adapters are layered by wrapping:
//
//	raw := rdr.NewRawOutStream(conn)
//	enc, err := rdr.NewAESOutStream(raw, key)
//	zout, err := rdr.NewZlibOutStream(enc.OutStream, 6)
//
// All values on the wire are big-endian. Streams are not safe for concurrent
// use; a single goroutine owns each stream for the lifetime of a connection.
package rdr
