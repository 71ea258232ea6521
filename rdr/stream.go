// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rdr

import (
	"errors"
	"fmt"
	"io"

	"github.com/pion/logging"
	"go.uber.org/multierr"
)

// DefaultBufferSize is the buffer size used when no WithBufferSize option is given.
const DefaultBufferSize = 8192

// Source replenishes an InStream buffer.
type Source interface {
	// Fill reads at least min and at most len(p) bytes into p and returns
	// the number of bytes read. It blocks until min bytes are available or
	// an error occurs.
	Fill(p []byte, min int) (int, error)
}

// Sink consumes the contents of an OutStream buffer.
type Sink interface {
	// Drain consumes all of p. The slice is reused after Drain returns, so
	// implementations must not retain it.
	Drain(p []byte) error

	// Sync pushes any output held by the sink itself to its destination.
	Sync() error
}

// Option configures a stream.
type Option func(*streamOptions)

type streamOptions struct {
	bufferSize    int
	loggerFactory logging.LoggerFactory
}

// WithBufferSize sets the size of the stream buffer.
func WithBufferSize(n int) Option {
	return func(o *streamOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithLoggerFactory sets the factory used to create the stream's trace logger.
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(o *streamOptions) {
		o.loggerFactory = f
	}
}

func buildOptions(defaultSize int, opts []Option) streamOptions {
	o := streamOptions{bufferSize: defaultSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.loggerFactory == nil {
		o.loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return o
}

// InStream is a buffered big-endian reader over a Source.
type InStream struct {
	buf []byte
	ptr int
	end int
	src Source
	log logging.LeveledLogger
}

// NewInStream returns an InStream that refills its buffer from src.
func NewInStream(src Source, opts ...Option) *InStream {
	o := buildOptions(DefaultBufferSize, opts)
	return &InStream{
		buf: make([]byte, o.bufferSize),
		src: src,
		log: o.loggerFactory.NewLogger("rdr"),
	}
}

// Avail returns the number of bytes buffered and ready to read.
func (s *InStream) Avail() int {
	return s.end - s.ptr
}

// Check guarantees that at least one item of itemSize bytes is buffered and
// returns how many of the nItems requested can be read without refilling.
// If wait is false and less than one item is buffered, Check returns 0
// instead of refilling.
func (s *InStream) Check(itemSize, nItems int, wait bool) (int, error) {
	if s.buf == nil {
		return 0, ErrClosed
	}
	if itemSize <= 0 || nItems <= 0 {
		return 0, fmt.Errorf("%w: size %d, count %d", ErrInvalidItem, itemSize, nItems)
	}
	if itemSize > len(s.buf) {
		return 0, fmt.Errorf("%w: %d > %d", ErrItemTooLarge, itemSize, len(s.buf))
	}

	if s.end-s.ptr < itemSize {
		if !wait {
			return 0, nil
		}
		if err := s.overrun(itemSize); err != nil {
			return 0, err
		}
	}

	n := (s.end - s.ptr) / itemSize
	if n > nItems {
		n = nItems
	}
	return n, nil
}

// overrun compacts the buffer and asks the source for enough bytes to hold
// need bytes in total.
func (s *InStream) overrun(need int) error {
	if s.ptr > 0 {
		copy(s.buf, s.buf[s.ptr:s.end])
		s.end -= s.ptr
		s.ptr = 0
	}

	n, err := s.src.Fill(s.buf[s.end:], need-s.end)
	if n < 0 || n > len(s.buf)-s.end {
		return fmt.Errorf("%w: source returned %d bytes", ErrNoProgress, n)
	}
	s.end += n
	s.log.Tracef("refill: %d bytes from source, %d buffered", n, s.end)

	if s.end >= need {
		return nil
	}
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %w", ErrEndOfStream, err)
		}
		return err
	}
	return fmt.Errorf("%w: wanted %d bytes, have %d", ErrNoProgress, need, s.end)
}

// ensure makes at least n bytes available, n <= len(buf).
func (s *InStream) ensure(n int) error {
	_, err := s.Check(n, 1, true)
	return err
}

// ReadU8 reads a single byte.
func (s *InStream) ReadU8() (uint8, error) {
	if err := s.ensure(1); err != nil {
		return 0, err
	}
	v := s.buf[s.ptr]
	s.ptr++
	return v, nil
}

// ReadU16 reads a big-endian uint16.
func (s *InStream) ReadU16() (uint16, error) {
	if err := s.ensure(2); err != nil {
		return 0, err
	}
	v := U16(s.buf[s.ptr:])
	s.ptr += 2
	return v, nil
}

// ReadU32 reads a big-endian uint32.
func (s *InStream) ReadU32() (uint32, error) {
	if err := s.ensure(4); err != nil {
		return 0, err
	}
	v := U32(s.buf[s.ptr:])
	s.ptr += 4
	return v, nil
}

// ReadU64 reads a big-endian uint64.
func (s *InStream) ReadU64() (uint64, error) {
	if err := s.ensure(8); err != nil {
		return 0, err
	}
	v := U64(s.buf[s.ptr:])
	s.ptr += 8
	return v, nil
}

// ReadS8 reads a signed byte.
func (s *InStream) ReadS8() (int8, error) {
	v, err := s.ReadU8()
	return int8(v), err // #nosec G115 - two's complement reinterpretation
}

// ReadS16 reads a big-endian int16.
func (s *InStream) ReadS16() (int16, error) {
	v, err := s.ReadU16()
	return int16(v), err // #nosec G115 - two's complement reinterpretation
}

// ReadS32 reads a big-endian int32.
func (s *InStream) ReadS32() (int32, error) {
	v, err := s.ReadU32()
	return int32(v), err // #nosec G115 - two's complement reinterpretation
}

// ReadS64 reads a big-endian int64.
func (s *InStream) ReadS64() (int64, error) {
	v, err := s.ReadU64()
	return int64(v), err // #nosec G115 - two's complement reinterpretation
}

// ReadBytes fills p completely, refilling the buffer as often as needed.
func (s *InStream) ReadBytes(p []byte) error {
	for len(p) > 0 {
		if s.Avail() == 0 {
			want := len(p)
			if want > len(s.buf) {
				want = len(s.buf)
			}
			if err := s.ensure(want); err != nil {
				return err
			}
		}
		n := copy(p, s.buf[s.ptr:s.end])
		s.ptr += n
		p = p[n:]
	}
	return nil
}

// Skip discards n bytes.
func (s *InStream) Skip(n int) error {
	for n > 0 {
		avail, err := s.Check(1, n, true)
		if err != nil {
			return err
		}
		s.ptr += avail
		n -= avail
	}
	return nil
}

// Read implements io.Reader. It blocks until at least one byte is available.
func (s *InStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.Check(1, len(p), true)
	if err != nil {
		if errors.Is(err, ErrEndOfStream) {
			return 0, io.EOF
		}
		return 0, err
	}
	copy(p, s.buf[s.ptr:s.ptr+n])
	s.ptr += n
	return n, nil
}

// Close releases the buffer and closes the source if it is an io.Closer.
func (s *InStream) Close() error {
	if s.buf == nil {
		return nil
	}
	s.buf = nil
	s.ptr, s.end = 0, 0
	if c, ok := s.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// OutStream is a buffered big-endian writer over a Sink.
//
// Scalar writes are buffered until Flush or until the buffer fills. Callers
// must Flush before blocking on a reply that depends on the written data.
type OutStream struct {
	buf     []byte
	ptr     int
	drained int64
	sink    Sink
	log     logging.LeveledLogger
}

// NewOutStream returns an OutStream that drains its buffer into sink.
func NewOutStream(sink Sink, opts ...Option) *OutStream {
	o := buildOptions(DefaultBufferSize, opts)
	return &OutStream{
		buf:  make([]byte, o.bufferSize),
		sink: sink,
		log:  o.loggerFactory.NewLogger("rdr"),
	}
}

// Length returns the total number of bytes written to the stream,
// including bytes still buffered.
func (s *OutStream) Length() int64 {
	return s.drained + int64(s.ptr)
}

// Check guarantees room for at least one item of itemSize bytes and returns
// how many of the nItems requested fit without draining.
func (s *OutStream) Check(itemSize, nItems int) (int, error) {
	if s.buf == nil {
		return 0, ErrClosed
	}
	if itemSize <= 0 || nItems <= 0 {
		return 0, fmt.Errorf("%w: size %d, count %d", ErrInvalidItem, itemSize, nItems)
	}
	if itemSize > len(s.buf) {
		return 0, fmt.Errorf("%w: %d > %d", ErrItemTooLarge, itemSize, len(s.buf))
	}

	if len(s.buf)-s.ptr < itemSize {
		if err := s.overrun(); err != nil {
			return 0, err
		}
	}

	n := (len(s.buf) - s.ptr) / itemSize
	if n > nItems {
		n = nItems
	}
	return n, nil
}

// overrun hands the buffered bytes to the sink and empties the buffer. On
// failure the bytes stay buffered.
func (s *OutStream) overrun() error {
	if s.ptr == 0 {
		return nil
	}
	n := s.ptr
	s.log.Tracef("drain: %d bytes to sink", n)
	if err := s.sink.Drain(s.buf[:n]); err != nil {
		return err
	}
	s.ptr = 0
	s.drained += int64(n)
	return nil
}

func (s *OutStream) room(n int) error {
	_, err := s.Check(n, 1)
	return err
}

// WriteU8 writes a single byte.
func (s *OutStream) WriteU8(v uint8) error {
	if err := s.room(1); err != nil {
		return err
	}
	s.buf[s.ptr] = v
	s.ptr++
	return nil
}

// WriteU16 writes a big-endian uint16.
func (s *OutStream) WriteU16(v uint16) error {
	if err := s.room(2); err != nil {
		return err
	}
	PutU16(s.buf[s.ptr:], v)
	s.ptr += 2
	return nil
}

// WriteU32 writes a big-endian uint32.
func (s *OutStream) WriteU32(v uint32) error {
	if err := s.room(4); err != nil {
		return err
	}
	PutU32(s.buf[s.ptr:], v)
	s.ptr += 4
	return nil
}

// WriteU64 writes a big-endian uint64.
func (s *OutStream) WriteU64(v uint64) error {
	if err := s.room(8); err != nil {
		return err
	}
	PutU64(s.buf[s.ptr:], v)
	s.ptr += 8
	return nil
}

// WriteS8 writes a signed byte.
func (s *OutStream) WriteS8(v int8) error { return s.WriteU8(uint8(v)) } // #nosec G115

// WriteS16 writes a big-endian int16.
func (s *OutStream) WriteS16(v int16) error { return s.WriteU16(uint16(v)) } // #nosec G115

// WriteS32 writes a big-endian int32.
func (s *OutStream) WriteS32(v int32) error { return s.WriteU32(uint32(v)) } // #nosec G115

// WriteS64 writes a big-endian int64.
func (s *OutStream) WriteS64(v int64) error { return s.WriteU64(uint64(v)) } // #nosec G115

// WriteBytes writes all of p, draining the buffer as often as needed.
func (s *OutStream) WriteBytes(p []byte) error {
	for len(p) > 0 {
		n, err := s.Check(1, len(p))
		if err != nil {
			return err
		}
		copy(s.buf[s.ptr:], p[:n])
		s.ptr += n
		p = p[n:]
	}
	return nil
}

// Write implements io.Writer.
func (s *OutStream) Write(p []byte) (int, error) {
	if err := s.WriteBytes(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush drains the buffer and syncs the sink.
func (s *OutStream) Flush() error {
	if s.buf == nil {
		return ErrClosed
	}
	if err := s.overrun(); err != nil {
		return err
	}
	return s.sink.Sync()
}

// Close drains any buffered bytes and releases the buffer. A sink that is an
// io.Closer is closed, any other sink is synced.
func (s *OutStream) Close() error {
	if s.buf == nil {
		return nil
	}
	err := s.overrun()
	if c, ok := s.sink.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	} else {
		err = multierr.Append(err, s.sink.Sync())
	}
	s.buf = nil
	s.ptr = 0
	return err
}
