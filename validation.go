// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"fmt"
	"math/bits"
	"unicode"
	"unicode/utf8"
)

// Limits applied to values received from the server.
const (
	MinRSAKeyBits = 1024
	MaxRSAKeyBits = 8192

	// MaxCredentialLength is the longest username or password the RSA-AES
	// credential message can carry.
	MaxCredentialLength = 255

	maxFramebufferDimension = 32768
	maxDesktopNameLength    = 1024 * 1024
	maxErrorReasonLength    = 64 * 1024
)

// InputValidator checks values read from the network before they are used.
type InputValidator struct{}

func newInputValidator() *InputValidator {
	return &InputValidator{}
}

// ValidateProtocolVersion checks the 12-byte "RFB xxx.yyy\n" banner.
func (iv *InputValidator) ValidateProtocolVersion(version string) error {
	const op = "InputValidator.ValidateProtocolVersion"
	if len(version) != pvLen {
		return validationError(op,
			fmt.Sprintf("protocol version must be exactly %d characters, got %d", pvLen, len(version)), nil)
	}
	if version[:4] != "RFB " || version[7] != '.' || version[11] != '\n' {
		return validationError(op, "protocol version must have the form \"RFB xxx.yyy\\n\"", nil)
	}
	for _, i := range []int{4, 5, 6, 8, 9, 10} {
		if version[i] < '0' || version[i] > '9' {
			return validationError(op, "protocol version must contain only digits and dot", nil)
		}
	}
	return nil
}

// ValidateSecurityTypes rejects an empty list and the invalid type 0.
func (iv *InputValidator) ValidateSecurityTypes(securityTypes []uint8) error {
	if len(securityTypes) == 0 {
		return validationError("InputValidator.ValidateSecurityTypes",
			"security types array cannot be empty", nil)
	}
	for i, t := range securityTypes {
		if t == 0 {
			return validationError("InputValidator.ValidateSecurityTypes",
				fmt.Sprintf("invalid security type 0 at index %d", i), nil)
		}
	}
	return nil
}

// ValidateRSAKeyLength checks a server-advertised RSA key size.
func (iv *InputValidator) ValidateRSAKeyLength(keyBits uint32) error {
	if keyBits < MinRSAKeyBits {
		return protocolError("InputValidator.ValidateRSAKeyLength",
			fmt.Sprintf("server key is too short: %d bits (min %d)", keyBits, MinRSAKeyBits), nil)
	}
	if keyBits > MaxRSAKeyBits {
		return protocolError("InputValidator.ValidateRSAKeyLength",
			fmt.Sprintf("server key is too long: %d bits (max %d)", keyBits, MaxRSAKeyBits), nil)
	}
	return nil
}

// ValidateCredential checks that a username or password fits the one-byte
// length prefix of the credential message and is valid UTF-8.
func (iv *InputValidator) ValidateCredential(name, value string) error {
	if len(value) > MaxCredentialLength {
		return validationError("InputValidator.ValidateCredential",
			fmt.Sprintf("%s is too long: %d bytes (max %d)", name, len(value), MaxCredentialLength), nil)
	}
	if !utf8.ValidString(value) {
		return validationError("InputValidator.ValidateCredential",
			name+" is not valid UTF-8", nil)
	}
	return nil
}

// ValidateFramebufferDimensions validates the ServerInit framebuffer size.
func (iv *InputValidator) ValidateFramebufferDimensions(width, height uint16) error {
	if width == 0 || height == 0 {
		return validationError("InputValidator.ValidateFramebufferDimensions",
			"framebuffer dimensions cannot be zero", nil)
	}
	if width > maxFramebufferDimension || height > maxFramebufferDimension {
		return validationError("InputValidator.ValidateFramebufferDimensions",
			fmt.Sprintf("framebuffer dimensions too large: %dx%d (max %d)",
				width, height, maxFramebufferDimension), nil)
	}
	return nil
}

// ValidatePixelFormat validates the ServerInit pixel format.
func (iv *InputValidator) ValidatePixelFormat(pf *PixelFormat) error {
	const op = "InputValidator.ValidatePixelFormat"
	if pf == nil {
		return validationError(op, "pixel format cannot be nil", nil)
	}

	switch pf.BPP {
	case 8, 16, 32:
	default:
		return validationError(op,
			fmt.Sprintf("invalid bits per pixel: %d (must be 8, 16, or 32)", pf.BPP), nil)
	}

	if pf.Depth == 0 || pf.Depth > pf.BPP {
		return validationError(op,
			fmt.Sprintf("invalid depth: %d (must be 1-%d for %d BPP)", pf.Depth, pf.BPP, pf.BPP), nil)
	}

	if !pf.TrueColor {
		return nil
	}
	if pf.RedMax == 0 || pf.GreenMax == 0 || pf.BlueMax == 0 {
		return validationError(op, "color component maximums cannot be zero in true color format", nil)
	}
	if pf.RedShift >= pf.BPP || pf.GreenShift >= pf.BPP || pf.BlueShift >= pf.BPP {
		return validationError(op, fmt.Sprintf("color shifts too large for %d BPP format", pf.BPP), nil)
	}
	used := bits.OnesCount16(pf.RedMax) + bits.OnesCount16(pf.GreenMax) + bits.OnesCount16(pf.BlueMax)
	if used > int(pf.Depth) {
		return validationError(op, "color component bits exceed pixel depth", nil)
	}
	return nil
}

// ValidateMessageLength validates a length field read from the server.
func (iv *InputValidator) ValidateMessageLength(length uint32, maxLength uint32) error {
	if length > maxLength {
		return validationError("InputValidator.ValidateMessageLength",
			fmt.Sprintf("message length %d exceeds maximum %d", length, maxLength), nil)
	}
	return nil
}

// ValidateTextData checks that text is valid UTF-8 without control
// characters other than tab, newline and carriage return.
func (iv *InputValidator) ValidateTextData(text string, maxLength int) error {
	if len(text) > maxLength {
		return validationError("InputValidator.ValidateTextData",
			fmt.Sprintf("text length %d exceeds maximum %d", len(text), maxLength), nil)
	}
	if !utf8.ValidString(text) {
		return validationError("InputValidator.ValidateTextData",
			"text contains invalid UTF-8 sequences", nil)
	}
	for i, r := range text {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return validationError("InputValidator.ValidateTextData",
				fmt.Sprintf("text contains invalid control character at position %d", i), nil)
		}
	}
	return nil
}

// SanitizeText replaces control and unprintable characters so server
// supplied text can be logged and displayed.
func (iv *InputValidator) SanitizeText(text string) string {
	if text == "" {
		return text
	}
	out := make([]rune, 0, len(text))
	for _, r := range text {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			out = append(out, r)
		case r < 32:
			out = append(out, ' ')
		case !unicode.IsPrint(r):
			out = append(out, '\uFFFD')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
