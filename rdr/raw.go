// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rdr

import (
	"fmt"
	"io"
)

// rawSource reads exactly the number of bytes asked for, so a raw stream
// never consumes data meant for a stream layered on the same connection.
type rawSource struct {
	r io.Reader
}

func (s *rawSource) Fill(p []byte, min int) (int, error) {
	if min > len(p) {
		min = len(p)
	}
	n, err := io.ReadFull(s.r, p[:min])
	if err != nil {
		return n, fmt.Errorf("rdr: raw read: %w", err)
	}
	return n, nil
}

type rawSink struct {
	w io.Writer
}

func (s *rawSink) Drain(p []byte) error {
	for len(p) > 0 {
		n, err := s.w.Write(p)
		if err != nil {
			return fmt.Errorf("rdr: raw write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("rdr: raw write: %w", io.ErrShortWrite)
		}
		p = p[n:]
	}
	return nil
}

func (s *rawSink) Sync() error {
	return nil
}

// NewRawInStream returns an InStream reading directly from r. Closing the
// stream does not close r.
func NewRawInStream(r io.Reader, opts ...Option) *InStream {
	return NewInStream(&rawSource{r: r}, opts...)
}

// NewRawOutStream returns an OutStream writing directly to w. Closing the
// stream does not close w.
func NewRawOutStream(w io.Writer, opts ...Option) *OutStream {
	return NewOutStream(&rawSink{w: w}, opts...)
}
