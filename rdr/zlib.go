// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rdr

import (
	"fmt"
	"hash"
	"hash/adler32"

	"github.com/klauspost/compress/flate"
	"github.com/pion/logging"
	"go.uber.org/multierr"
)

// DefaultZlibWindow is the plaintext buffer size of a ZlibOutStream.
const DefaultZlibWindow = 16384

// zlib stream header for a 32K window at default compression.
var zlibHeader = [2]byte{0x78, 0x9c}

// ZlibOutStream compresses everything written to it into a single zlib
// stream on a downstream OutStream.
//
// Buffered plaintext is deflated without flushing when the window fills.
// Flush forces a sync flush so the peer can inflate everything written so
// far. A level change is applied at the next deflate boundary by sync
// flushing the current compressor and continuing the same stream with a
// new one.
type ZlibOutStream struct {
	*OutStream
	sink *zlibSink
}

type zlibSink struct {
	under    *OutStream
	fw       *flate.Writer
	level    int
	newLevel int
	started  bool
	closed   bool
	sum      hash.Hash32
	log      logging.LeveledLogger
}

// NewZlibOutStream returns a ZlibOutStream writing compressed data to under.
func NewZlibOutStream(under *OutStream, level int, opts ...Option) (*ZlibOutStream, error) {
	if err := validLevel(level); err != nil {
		return nil, err
	}
	o := buildOptions(DefaultZlibWindow, opts)
	sink := &zlibSink{
		under:    under,
		level:    level,
		newLevel: level,
		sum:      adler32.New(),
		log:      o.loggerFactory.NewLogger("rdr-zlib"),
	}
	return &ZlibOutStream{
		OutStream: NewOutStream(sink, append([]Option{WithBufferSize(DefaultZlibWindow)}, opts...)...),
		sink:      sink,
	}, nil
}

func validLevel(level int) error {
	if level < flate.DefaultCompression || level > flate.BestCompression {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	return nil
}

// SetCompressionLevel changes the level used for data deflated after the
// next boundary. Data already handed to the compressor keeps its level.
func (z *ZlibOutStream) SetCompressionLevel(level int) error {
	if err := validLevel(level); err != nil {
		return err
	}
	z.sink.newLevel = level
	return nil
}

// CompressionLevel returns the level that will be used for the next data.
func (z *ZlibOutStream) CompressionLevel() int {
	return z.sink.newLevel
}

// CompressedLength returns the number of compressed bytes produced so far,
// including bytes still buffered downstream.
func (z *ZlibOutStream) CompressedLength() int64 {
	return z.sink.under.Length()
}

// begin writes the stream header once and makes sure a compressor at the
// requested level is in place.
func (s *zlibSink) begin() error {
	if s.closed {
		return ErrClosed
	}
	if !s.started {
		if err := s.under.WriteBytes(zlibHeader[:]); err != nil {
			return err
		}
		s.started = true
	}

	if s.fw != nil && s.level == s.newLevel {
		return nil
	}
	if s.fw != nil {
		if err := s.fw.Flush(); err != nil {
			return fmt.Errorf("rdr: deflate boundary: %w", err)
		}
		s.log.Debugf("compression level %d -> %d", s.level, s.newLevel)
	}

	fw, err := flate.NewWriter(s.under, s.newLevel)
	if err != nil {
		return fmt.Errorf("rdr: deflate init: %w", err)
	}
	s.fw = fw
	s.level = s.newLevel
	return nil
}

func (s *zlibSink) Drain(p []byte) error {
	if err := s.begin(); err != nil {
		return err
	}
	if _, err := s.fw.Write(p); err != nil {
		return fmt.Errorf("rdr: deflate: %w", err)
	}
	_, _ = s.sum.Write(p)
	s.log.Tracef("deflated %d bytes at level %d", len(p), s.level)
	return nil
}

func (s *zlibSink) Sync() error {
	if s.closed {
		return ErrClosed
	}
	if s.fw != nil {
		if err := s.fw.Flush(); err != nil {
			return fmt.Errorf("rdr: deflate flush: %w", err)
		}
	}
	return s.under.Flush()
}

// Close ends the deflate stream with a final block and the Adler-32
// trailer, then flushes downstream. The downstream stream stays open.
func (s *zlibSink) Close() error {
	if s.closed {
		return nil
	}
	if err := s.begin(); err != nil {
		return err
	}
	s.closed = true

	err := s.fw.Close()
	var trailer [4]byte
	PutU32(trailer[:], s.sum.Sum32())
	err = multierr.Append(err, s.under.WriteBytes(trailer[:]))
	err = multierr.Append(err, s.under.Flush())
	s.fw = nil
	return err
}
