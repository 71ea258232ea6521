// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - RA2 defines its fingerprint over SHA-1
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/tenthirtyam/go-vnc-rsaaes/rdr"
)

// Fingerprint returns the SHA-1 fingerprint of an RSA public key as sent
// in an RA2 key message: the hash covers the 4-byte key length followed by
// the modulus and exponent, each ceil(keyBits/8) bytes big-endian. The
// digest is rendered as lowercase hex octets joined by dashes.
func Fingerprint(keyBits uint32, modulus, exponent []byte) string {
	var length [4]byte
	rdr.PutU32(length[:], keyBits)

	h := sha1.New() // #nosec G401
	h.Write(length[:])
	h.Write(modulus)
	h.Write(exponent)
	return formatFingerprint(h.Sum(nil))
}

// PublicKeyFingerprint returns Fingerprint for pub encoded the way an RA2
// server would send it.
func PublicKeyFingerprint(pub *rsa.PublicKey) string {
	bits := pub.N.BitLen()
	n, e := encodeRSAKey(bits, pub)
	return Fingerprint(uint32(bits), n, e) // #nosec G115 - bits <= MaxRSAKeyBits for usable keys
}

func formatFingerprint(sum []byte) string {
	var b strings.Builder
	b.Grow(len(sum) * 3)
	for i, octet := range sum {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(hex.EncodeToString([]byte{octet}))
	}
	return b.String()
}

// encodeRSAKey returns modulus and exponent left-padded to ceil(bits/8) bytes.
func encodeRSAKey(bits int, pub *rsa.PublicKey) (modulus, exponent []byte) {
	size := (bits + 7) / 8
	modulus = pub.N.FillBytes(make([]byte, size))
	exponent = big.NewInt(int64(pub.E)).FillBytes(make([]byte, size))
	return modulus, exponent
}
