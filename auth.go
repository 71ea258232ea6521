// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/tenthirtyam/go-vnc-rsaaes/rdr"
)

// Streams is the pair of streams a session currently reads from and writes
// to. A security handshake may replace them, for example with encrypting
// streams, and every later message uses the replacements.
type Streams struct {
	In  *rdr.InStream
	Out *rdr.OutStream

	// Host identifies the remote peer in trust decisions.
	Host string
}

// ClientAuth defines the interface for RFB security types.
type ClientAuth interface {
	SecurityType() uint8
	Handshake(ctx context.Context, s *Streams) error
	String() string
}

// ClientAuthNone implements the "None" security type (1).
type ClientAuthNone struct {
	logger Logger
}

// SecurityType returns SecurityTypeNone.
func (c *ClientAuthNone) SecurityType() uint8 {
	return SecurityTypeNone
}

// Handshake has nothing to exchange.
func (c *ClientAuthNone) Handshake(ctx context.Context, s *Streams) error {
	if err := ctx.Err(); err != nil {
		return timeoutError("ClientAuthNone.Handshake", "authentication cancelled", err)
	}
	if c.logger != nil {
		c.logger.Debug("No authentication required")
	}
	return nil
}

func (c *ClientAuthNone) String() string {
	return "None"
}

// SetLogger sets the logger for the authentication method.
func (c *ClientAuthNone) SetLogger(logger Logger) {
	c.logger = logger
}

// AuthFactory creates a new instance of an authentication method.
type AuthFactory func() ClientAuth

// AuthRegistry maps security types to authentication method factories.
type AuthRegistry struct {
	factories map[uint8]AuthFactory
	mu        sync.RWMutex
	logger    Logger
}

// NewAuthRegistry returns a registry with None and the four RSA-AES
// security types registered. Registry-created RSA-AES methods carry no
// credentials or verifier; supply configured instances through WithAuth.
func NewAuthRegistry() *AuthRegistry {
	registry := &AuthRegistry{
		factories: make(map[uint8]AuthFactory),
		logger:    &NoOpLogger{},
	}

	registry.Register(SecurityTypeNone, func() ClientAuth {
		return &ClientAuthNone{}
	})
	for _, t := range []uint8{SecurityTypeRA2, SecurityTypeRA2ne, SecurityTypeRA2256, SecurityTypeRA2ne256} {
		suite, _ := suiteFor(t)
		registry.Register(t, func() ClientAuth {
			return newRSAAESAuth(t, suite)
		})
	}

	return registry
}

// Register adds or replaces the factory for securityType.
func (r *AuthRegistry) Register(securityType uint8, factory AuthFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug("Registering authentication method",
		Field{Key: "security_type", Value: securityType})
	r.factories[securityType] = factory
}

// Unregister removes the factory for securityType and reports whether one existed.
func (r *AuthRegistry) Unregister(securityType uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[securityType]; !exists {
		return false
	}
	delete(r.factories, securityType)
	r.logger.Debug("Unregistered authentication method",
		Field{Key: "security_type", Value: securityType})
	return true
}

// CreateAuth creates a new instance of the method registered for securityType.
func (r *AuthRegistry) CreateAuth(securityType uint8) (ClientAuth, error) {
	r.mu.RLock()
	factory, exists := r.factories[securityType]
	logger := r.logger
	r.mu.RUnlock()

	if !exists {
		logger.Warn("Unsupported authentication method requested",
			Field{Key: "security_type", Value: securityType})
		return nil, unsupportedError("AuthRegistry.CreateAuth",
			fmt.Sprintf("unsupported security type: %d", securityType), nil)
	}

	auth := factory()
	logger.Debug("Created authentication method instance",
		Field{Key: "security_type", Value: securityType},
		Field{Key: "method", Value: auth.String()})
	return auth, nil
}

// GetSupportedTypes returns the registered security types in ascending order.
func (r *AuthRegistry) GetSupportedTypes() []uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]uint8, 0, len(r.factories))
	for securityType := range r.factories {
		types = append(types, securityType)
	}
	slices.Sort(types)
	return types
}

// IsSupported reports whether securityType is registered.
func (r *AuthRegistry) IsSupported(securityType uint8) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.factories[securityType]
	return exists
}

// SetLogger sets the logger for the registry. A nil logger discards output.
func (r *AuthRegistry) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if logger == nil {
		logger = &NoOpLogger{}
	}
	r.logger = logger
}

// NegotiateAuth picks the first type in preferredOrder that the server
// offers and the registry supports. A nil preferredOrder follows the
// server's order.
func (r *AuthRegistry) NegotiateAuth(ctx context.Context, serverTypes []uint8, preferredOrder []uint8) (ClientAuth, uint8, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, timeoutError("AuthRegistry.NegotiateAuth", "negotiation cancelled", err)
	}

	r.mu.RLock()
	logger := r.logger
	r.mu.RUnlock()

	logger.Debug("Starting authentication negotiation",
		Field{Key: "server_types", Value: serverTypes},
		Field{Key: "preferred_order", Value: preferredOrder})

	if preferredOrder == nil {
		preferredOrder = serverTypes
	}

	for _, preferred := range preferredOrder {
		if !slices.Contains(serverTypes, preferred) || !r.IsSupported(preferred) {
			continue
		}
		auth, err := r.CreateAuth(preferred)
		if err != nil {
			continue
		}
		logger.Info("Authentication method negotiated",
			Field{Key: "security_type", Value: preferred},
			Field{Key: "method", Value: auth.String()})
		return auth, preferred, nil
	}

	supported := r.GetSupportedTypes()
	logger.Error("No mutual authentication method found",
		Field{Key: "server_types", Value: serverTypes},
		Field{Key: "client_types", Value: supported})
	return nil, 0, unsupportedError("AuthRegistry.NegotiateAuth",
		fmt.Sprintf("no mutual authentication method found. server: %v, client: %v", serverTypes, supported), nil)
}

// ValidateAuthMethod checks that auth is usable before any of its
// handshake is sent.
func (r *AuthRegistry) ValidateAuthMethod(auth ClientAuth) error {
	if auth == nil {
		return validationError("AuthRegistry.ValidateAuthMethod", "authentication method is nil", nil)
	}
	if auth.SecurityType() == 0 {
		return validationError("AuthRegistry.ValidateAuthMethod", "invalid security type 0", nil)
	}
	return validateAuth(auth)
}

// validateAuth runs the method's own configuration checks, if it has any.
func validateAuth(auth ClientAuth) error {
	if v, ok := auth.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}
