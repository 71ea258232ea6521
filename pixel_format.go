// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"fmt"

	"github.com/tenthirtyam/go-vnc-rsaaes/rdr"
)

const pixelFormatLen = 16

// PixelFormat is the server's native pixel format announced in ServerInit.
type PixelFormat struct {
	// BPP is the number of bits per pixel on the wire.
	BPP uint8

	// Depth is the number of useful bits within each pixel value.
	Depth uint8

	BigEndian bool

	// TrueColor selects direct RGB values instead of color map indices.
	TrueColor bool

	RedMax   uint16
	GreenMax uint16
	BlueMax  uint16

	RedShift   uint8
	GreenShift uint8
	BlueShift  uint8
}

// String renders the format compactly for logs.
func (pf PixelFormat) String() string {
	return fmt.Sprintf("bpp=%d depth=%d be=%t tc=%t rgb-max=%d/%d/%d rgb-shift=%d/%d/%d",
		pf.BPP, pf.Depth, pf.BigEndian, pf.TrueColor,
		pf.RedMax, pf.GreenMax, pf.BlueMax,
		pf.RedShift, pf.GreenShift, pf.BlueShift)
}

// readPixelFormat reads the 16-byte PIXEL_FORMAT structure. The last three
// bytes are padding.
func readPixelFormat(in *rdr.InStream) (PixelFormat, error) {
	var raw [pixelFormatLen]byte
	if err := in.ReadBytes(raw[:]); err != nil {
		return PixelFormat{}, err
	}
	return PixelFormat{
		BPP:        raw[0],
		Depth:      raw[1],
		BigEndian:  raw[2] != 0,
		TrueColor:  raw[3] != 0,
		RedMax:     rdr.U16(raw[4:]),
		GreenMax:   rdr.U16(raw[6:]),
		BlueMax:    rdr.U16(raw[8:]),
		RedShift:   raw[10],
		GreenShift: raw[11],
		BlueShift:  raw[12],
	}, nil
}
