// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package eax implements the EAX authenticated-encryption mode
// (Bellare, Rogaway, Wagner) over a 128-bit block cipher.
//
// RSA-AES security types encrypt RFB traffic with AES-EAX using a 16-byte
// nonce and a full 16-byte tag.
package eax

import (
	"crypto/cipher"
	"crypto/subtle"
	"errors"
)

const (
	// BlockSize is the only block size EAX is defined for here.
	BlockSize = 16
	// NonceSize is the nonce length accepted by Seal and Open.
	NonceSize = 16
	// TagSize is the length of the authentication tag.
	TagSize = 16
)

var (
	errBlockSize = errors.New("eax: cipher block size must be 16 bytes")
	errOpen      = errors.New("eax: message authentication failed")
)

type eaxAEAD struct {
	block cipher.Block
	k1    [BlockSize]byte
	k2    [BlockSize]byte
}

// NewEAX returns block wrapped in EAX mode.
func NewEAX(block cipher.Block) (cipher.AEAD, error) {
	if block.BlockSize() != BlockSize {
		return nil, errBlockSize
	}
	e := &eaxAEAD{block: block}

	var l [BlockSize]byte
	block.Encrypt(l[:], l[:])
	e.k1 = double(l)
	e.k2 = double(e.k1)
	return e, nil
}

func (e *eaxAEAD) NonceSize() int { return NonceSize }

func (e *eaxAEAD) Overhead() int { return TagSize }

func (e *eaxAEAD) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	if len(nonce) != NonceSize {
		panic("eax: incorrect nonce length given to EAX")
	}

	n := e.omac(0, nonce)
	h := e.omac(1, additionalData)

	ret, out := sliceForAppend(dst, len(plaintext)+TagSize)
	ct := out[:len(plaintext)]
	cipher.NewCTR(e.block, n[:]).XORKeyStream(ct, plaintext)

	c := e.omac(2, ct)
	tag := out[len(plaintext):]
	for i := range tag {
		tag[i] = n[i] ^ h[i] ^ c[i]
	}
	return ret
}

func (e *eaxAEAD) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		panic("eax: incorrect nonce length given to EAX")
	}
	if len(ciphertext) < TagSize {
		return nil, errOpen
	}

	ct := ciphertext[:len(ciphertext)-TagSize]
	tag := ciphertext[len(ciphertext)-TagSize:]

	n := e.omac(0, nonce)
	h := e.omac(1, additionalData)
	c := e.omac(2, ct)

	var expected [TagSize]byte
	for i := range expected {
		expected[i] = n[i] ^ h[i] ^ c[i]
	}
	if subtle.ConstantTimeCompare(expected[:], tag) != 1 {
		return nil, errOpen
	}

	ret, out := sliceForAppend(dst, len(ct))
	cipher.NewCTR(e.block, n[:]).XORKeyStream(out, ct)
	return ret, nil
}

// omac computes OMAC^t(data), that is CMAC over a block holding t followed
// by data.
func (e *eaxAEAD) omac(t byte, data []byte) [BlockSize]byte {
	var x [BlockSize]byte
	x[BlockSize-1] = t

	if len(data) == 0 {
		// The tweak block is the final, complete block.
		xorInto(x[:], e.k1[:])
		e.block.Encrypt(x[:], x[:])
		return x
	}

	e.block.Encrypt(x[:], x[:])
	for len(data) > BlockSize {
		xorInto(x[:], data[:BlockSize])
		e.block.Encrypt(x[:], x[:])
		data = data[BlockSize:]
	}

	var last [BlockSize]byte
	copy(last[:], data)
	if len(data) == BlockSize {
		xorInto(last[:], e.k1[:])
	} else {
		last[len(data)] = 0x80
		xorInto(last[:], e.k2[:])
	}
	xorInto(x[:], last[:])
	e.block.Encrypt(x[:], x[:])
	return x
}

// double multiplies by x in GF(2^128).
func double(in [BlockSize]byte) [BlockSize]byte {
	var out [BlockSize]byte
	carry := in[0] >> 7
	for i := 0; i < BlockSize-1; i++ {
		out[i] = in[i]<<1 | in[i+1]>>7
	}
	out[BlockSize-1] = in[BlockSize-1]<<1 ^ (0x87 & -carry)
	return out
}

func xorInto(dst, src []byte) {
	for i := range src {
		dst[i] ^= src[i]
	}
}

// sliceForAppend extends in by n bytes, returning the whole slice and the
// new tail.
func sliceForAppend(in []byte, n int) (head, tail []byte) {
	if total := len(in) + n; cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}
	tail = head[len(in):]
	return
}
