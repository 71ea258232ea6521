// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rdr

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/pion/logging"

	"github.com/tenthirtyam/go-vnc-rsaaes/internal/eax"
)

// Encrypted frame layout: u16 plaintext length, ciphertext, 16-byte tag.
// The length prefix is authenticated as associated data.
const (
	MaxMessageSize  = 8192
	aesHeaderSize   = 2
	aesTagSize      = eax.TagSize
	maxFrameOverrun = aesHeaderSize + MaxMessageSize + aesTagSize
)

func newFrameCipher(key []byte) (cipher.AEAD, error) {
	if len(key) != 16 && len(key) != 32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return eax.NewEAX(block)
}

// AESOutStream encrypts everything written to it into authenticated frames
// on a downstream OutStream. Every frame is flushed downstream as soon as it
// is sealed.
type AESOutStream struct {
	*OutStream
	sink *aesSink
}

type aesSink struct {
	under  *OutStream
	aead   cipher.AEAD
	nonce  Nonce
	frame  []byte
	frames uint64
	log    logging.LeveledLogger
}

// NewAESOutStream returns an AESOutStream sealing frames with key, which
// must be 16 or 32 bytes. The nonce starts at zero.
func NewAESOutStream(under *OutStream, key []byte, opts ...Option) (*AESOutStream, error) {
	aead, err := newFrameCipher(key)
	if err != nil {
		return nil, err
	}
	o := buildOptions(MaxMessageSize, opts)
	if o.bufferSize > MaxMessageSize {
		o.bufferSize = MaxMessageSize
	}
	sink := &aesSink{
		under: under,
		aead:  aead,
		frame: make([]byte, 0, maxFrameOverrun),
		log:   o.loggerFactory.NewLogger("rdr-aes"),
	}
	return &AESOutStream{
		OutStream: NewOutStream(sink, WithBufferSize(o.bufferSize), WithLoggerFactory(o.loggerFactory)),
		sink:      sink,
	}, nil
}

// Frames returns the number of frames sealed so far.
func (a *AESOutStream) Frames() uint64 {
	return a.sink.frames
}

func (s *aesSink) Drain(p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > MaxMessageSize {
			n = MaxMessageSize
		}
		if err := s.seal(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (s *aesSink) seal(msg []byte) error {
	var hdr [aesHeaderSize]byte
	PutU16(hdr[:], uint16(len(msg))) // #nosec G115 - len(msg) <= MaxMessageSize

	frame := append(s.frame[:0], hdr[:]...)
	frame = s.aead.Seal(frame, s.nonce[:], msg, hdr[:])
	s.nonce.Increment()
	s.frames++

	s.log.Tracef("sealed frame %d: %d bytes plaintext", s.frames, len(msg))
	if err := s.under.WriteBytes(frame); err != nil {
		return err
	}
	return s.under.Flush()
}

func (s *aesSink) Sync() error {
	return s.under.Flush()
}

// AESInStream decrypts authenticated frames read from a downstream
// InStream. A frame that fails authentication is fatal for the stream.
type AESInStream struct {
	*InStream
	src *aesSource
}

type aesSource struct {
	under   *InStream
	aead    cipher.AEAD
	nonce   Nonce
	scratch []byte
	pending []byte
	frames  uint64
	failed  error
	log     logging.LeveledLogger
}

// NewAESInStream returns an AESInStream opening frames with key, which must
// be 16 or 32 bytes. The nonce starts at zero.
func NewAESInStream(under *InStream, key []byte, opts ...Option) (*AESInStream, error) {
	aead, err := newFrameCipher(key)
	if err != nil {
		return nil, err
	}
	o := buildOptions(MaxMessageSize, opts)
	src := &aesSource{
		under:   under,
		aead:    aead,
		scratch: make([]byte, maxFrameOverrun),
		log:     o.loggerFactory.NewLogger("rdr-aes"),
	}
	return &AESInStream{
		InStream: NewInStream(src, WithBufferSize(o.bufferSize), WithLoggerFactory(o.loggerFactory)),
		src:      src,
	}, nil
}

// Frames returns the number of frames opened so far.
func (a *AESInStream) Frames() uint64 {
	return a.src.frames
}

func (s *aesSource) Fill(p []byte, min int) (int, error) {
	n := 0
	for n < min {
		if len(s.pending) == 0 {
			if err := s.open(); err != nil {
				return n, err
			}
			continue
		}
		c := copy(p[n:], s.pending)
		s.pending = s.pending[c:]
		n += c
	}
	if len(s.pending) > 0 && n < len(p) {
		c := copy(p[n:], s.pending)
		s.pending = s.pending[c:]
		n += c
	}
	return n, nil
}

func (s *aesSource) open() error {
	if s.failed != nil {
		return s.failed
	}

	length, err := s.under.ReadU16()
	if err != nil {
		return err
	}

	size := int(length) + aesTagSize
	if cap(s.scratch) < size {
		s.scratch = make([]byte, size)
	}
	buf := s.scratch[:size]
	if err := s.under.ReadBytes(buf); err != nil {
		return err
	}

	var hdr [aesHeaderSize]byte
	PutU16(hdr[:], length)
	plain, err := s.aead.Open(buf[:0], s.nonce[:], buf, hdr[:])
	if err != nil {
		s.failed = fmt.Errorf("%w: frame %d (%d bytes): %w", ErrDecrypt, s.frames+1, length, err)
		return s.failed
	}
	s.nonce.Increment()
	s.frames++
	s.pending = plain

	s.log.Tracef("opened frame %d: %d bytes plaintext", s.frames, len(plain))
	return nil
}
