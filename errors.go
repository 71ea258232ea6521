// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/tenthirtyam/go-vnc-rsaaes/rdr"
)

// ErrorCode represents specific error categories for VNC operations.
type ErrorCode int

const (
	// ErrProtocol indicates a protocol violation: malformed lengths,
	// out-of-range key sizes or unexpected message values.
	ErrProtocol ErrorCode = iota
	// ErrAuthentication indicates an authentication failure, including a
	// rejected server fingerprint.
	ErrAuthentication
	// ErrEncoding indicates a compression or encoding failure.
	ErrEncoding
	// ErrNetwork indicates a transport failure. The cause is wrapped unchanged.
	ErrNetwork
	// ErrConfiguration indicates a configuration error.
	ErrConfiguration
	// ErrTimeout indicates a timeout or cancellation.
	ErrTimeout
	// ErrValidation indicates input validation failure.
	ErrValidation
	// ErrUnsupported indicates an unsupported feature or operation.
	ErrUnsupported
	// ErrCrypto indicates a cryptographic failure: padding or tag
	// verification, key generation or an unavailable algorithm.
	ErrCrypto
)

// String returns the string representation of the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrProtocol:
		return "protocol"
	case ErrAuthentication:
		return "authentication"
	case ErrEncoding:
		return "encoding"
	case ErrNetwork:
		return "network"
	case ErrConfiguration:
		return "configuration"
	case ErrTimeout:
		return "timeout"
	case ErrValidation:
		return "validation"
	case ErrUnsupported:
		return "unsupported"
	case ErrCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

// VNCError carries the failing operation, an error category and a
// human-readable reason.
type VNCError struct {
	Op      string
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the formatted error message.
func (e *VNCError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vnc %s: %s: %s: %v", e.Code.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("vnc %s: %s: %s", e.Code.String(), e.Op, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping.
func (e *VNCError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a VNCError with the same code and operation.
func (e *VNCError) Is(target error) bool {
	var vncErr *VNCError
	if errors.As(target, &vncErr) {
		return e.Code == vncErr.Code && e.Op == vncErr.Op
	}
	return false
}

// NewVNCError creates a new VNCError with the specified parameters.
func NewVNCError(op string, code ErrorCode, message string, err error) *VNCError {
	return &VNCError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapError wraps err with VNC context. It returns nil if err is nil.
func WrapError(op string, code ErrorCode, message string, err error) error {
	if err == nil {
		return nil
	}
	return NewVNCError(op, code, message, err)
}

// IsVNCError reports whether err is a VNCError. If codes are given, the
// error must also carry one of them.
func IsVNCError(err error, code ...ErrorCode) bool {
	var vncErr *VNCError
	if !errors.As(err, &vncErr) {
		return false
	}

	if len(code) == 0 {
		return true
	}

	for _, c := range code {
		if vncErr.Code == c {
			return true
		}
	}
	return false
}

// GetErrorCode extracts the error code from a VNCError, or returns -1.
func GetErrorCode(err error) ErrorCode {
	var vncErr *VNCError
	if errors.As(err, &vncErr) {
		return vncErr.Code
	}
	return ErrorCode(-1)
}

func protocolError(op, message string, err error) error {
	return NewVNCError(op, ErrProtocol, message, err)
}

func authenticationError(op, message string, err error) error {
	return NewVNCError(op, ErrAuthentication, message, err)
}

func encodingError(op, message string, err error) error {
	return NewVNCError(op, ErrEncoding, message, err)
}

func networkError(op, message string, err error) error {
	return NewVNCError(op, ErrNetwork, message, err)
}

func configurationError(op, message string, err error) error {
	return NewVNCError(op, ErrConfiguration, message, err)
}

func timeoutError(op, message string, err error) error {
	return NewVNCError(op, ErrTimeout, message, err)
}

func validationError(op, message string, err error) error {
	return NewVNCError(op, ErrValidation, message, err)
}

func unsupportedError(op, message string, err error) error {
	return NewVNCError(op, ErrUnsupported, message, err)
}

func cryptoError(op, message string, err error) error {
	return NewVNCError(op, ErrCrypto, message, err)
}

// streamError classifies a failure reported by an rdr stream. Errors that
// already carry VNC context pass through untouched.
func streamError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if IsVNCError(err) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, rdr.ErrDecrypt):
		return cryptoError(op, message, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return timeoutError(op, message, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return timeoutError(op, message, err)
	case errors.Is(err, rdr.ErrItemTooLarge), errors.Is(err, rdr.ErrInvalidItem):
		return protocolError(op, message, err)
	default:
		return networkError(op, message, err)
	}
}
