// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rdr

// NonceSize is the length of the per-direction frame counter.
const NonceSize = 16

// Nonce is a 128-bit little-endian message counter. Each direction of an
// encrypted stream pair keeps its own Nonce and increments it after every
// frame, so a nonce is never used twice with the same key.
type Nonce [NonceSize]byte

// Increment adds one to the counter, carrying through all 16 bytes.
func (n *Nonce) Increment() {
	for i := range n {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}
