// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// versionServer accepts one connection, writes the given protocol version
// and hangs up. Returns the address to dial.
func versionServer(t *testing.T, version string) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("error listening: %s", err)
	}

	go func() {
		defer ln.Close()
		c, err := ln.Accept()
		if err != nil {
			t.Logf("error accepting conn: %s", err)
			return
		}
		defer c.Close()

		_, err = fmt.Fprintf(c, "RFB %s\n", version)
		if err != nil {
			t.Logf("failed writing version: %s", err)
			return
		}
	}()

	return ln.Addr().String()
}

func TestClient_LowMajorVersion(t *testing.T) {
	nc, err := net.Dial("tcp", versionServer(t, "002.009"))
	if err != nil {
		t.Fatalf("error connecting to mock server: %s", err)
	}

	_, err = Client(nc, &ClientConfig{})
	if err == nil {
		t.Fatal("error expected")
	}

	expectedMsg := "vnc unsupported: handshake: unsupported major version, less than 3: 2"
	if err.Error() != expectedMsg {
		t.Fatalf("unexpected error: %s", err)
	}
}

func TestClient_LowMinorVersion(t *testing.T) {
	nc, err := net.Dial("tcp", versionServer(t, "003.007"))
	if err != nil {
		t.Fatalf("error connecting to mock server: %s", err)
	}

	_, err = Client(nc, &ClientConfig{})
	if err == nil {
		t.Fatal("error expected")
	}

	expectedMsg := "vnc unsupported: handshake: unsupported minor version, less than 8: 7"
	if err.Error() != expectedMsg {
		t.Fatalf("unexpected error: %s", err)
	}
}

func TestClient_MalformedVersion(t *testing.T) {
	nc, err := net.Dial("tcp", versionServer(t, "3.8.0000"))
	require.NoError(t, err)

	_, err = Client(nc, &ClientConfig{})
	require.Error(t, err)
	assert.True(t, IsVNCError(err, ErrProtocol), "got %v", err)
}

func TestClient_WithContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cancel()

	_, err := ClientWithContext(ctx, client, &ClientConfig{
		Auth: []ClientAuth{&ClientAuthNone{}},
	})
	require.Error(t, err)
	assert.True(t, IsVNCError(err, ErrTimeout), "got %v", err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_WithContextTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	start := time.Now()
	_, err := ClientWithContext(ctx, client, &ClientConfig{
		Auth: []ClientAuth{&ClientAuthNone{}},
	})
	duration := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsVNCError(err, ErrTimeout), "got %v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, duration, 2*time.Second)
}

func TestClient_NilConnection(t *testing.T) {
	_, err := ClientWithContext(context.Background(), nil, nil)
	assert.True(t, IsVNCError(err, ErrConfiguration))
}

type mockMetrics struct {
	mock.Mock
}

func (m *mockMetrics) HandshakeCompleted(securityType uint8, d time.Duration) {
	m.Called(securityType, d)
}

func (m *mockMetrics) HandshakeFailed(code ErrorCode) {
	m.Called(code)
}

func (m *mockMetrics) FingerprintDecision(accepted bool) {
	m.Called(accepted)
}

func TestClient_NoneHandshake(t *testing.T) {
	srv := newMockServer(SecurityTypeNone)

	metrics := &mockMetrics{}
	metrics.On("HandshakeCompleted", SecurityTypeNone, time.Duration(0)).Once()

	client, wait, err := handshakeWith(t, srv,
		WithMetrics(metrics),
		WithClock(clock.NewMock()),
		WithTimeout(5*time.Second))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, wait())

	assert.Equal(t, SecurityTypeNone, srv.Chosen())
	assert.Equal(t, SecurityTypeNone, client.SecurityType())
	assert.False(t, client.Encrypted())
	assert.Equal(t, "Mock VNC Server", client.GetDesktopName())

	srv.mu.Lock()
	assert.Equal(t, uint8(1), srv.shared, "shared access is the default")
	srv.mu.Unlock()

	metrics.AssertExpectations(t)
}

func TestClient_ServerRefusesConnection(t *testing.T) {
	srv := newMockServer(SecurityTypeNone)
	srv.RefuseConnection = "too many clients"

	metrics := &mockMetrics{}
	metrics.On("HandshakeFailed", ErrAuthentication).Once()

	_, wait, err := handshakeWith(t, srv, WithMetrics(metrics))
	require.Error(t, err)
	assert.True(t, IsVNCError(err, ErrAuthentication))
	assert.Contains(t, err.Error(), "too many clients")
	require.NoError(t, wait())

	metrics.AssertExpectations(t)
}

func TestClient_NoCommonSecurityType(t *testing.T) {
	srv := newMockServer(2, 16)

	_, wait, err := handshakeWith(t, srv)
	require.Error(t, err)
	assert.True(t, IsVNCError(err, ErrUnsupported), "got %v", err)
	_ = wait()
	assert.Zero(t, srv.Chosen())
}

func TestClient_RegistryNegotiation(t *testing.T) {
	registry := NewAuthRegistry()
	srv := newMockServer(16, SecurityTypeNone)

	client, wait, err := handshakeWith(t, srv, WithAuthRegistry(registry))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, wait())
	assert.Equal(t, SecurityTypeNone, client.SecurityType())
}

func TestClient_RegistryRejectsUnconfiguredRSAAES(t *testing.T) {
	// A registry-created RSA-AES method has no verifier, so it must be
	// refused before the security type is sent.
	srv := newMockServer(SecurityTypeRA2)
	srv.Key = serverTestKey(t)

	_, wait, err := handshakeWith(t, srv, WithAuthRegistry(NewAuthRegistry()))
	require.Error(t, err)
	assert.True(t, IsVNCError(err, ErrConfiguration), "got %v", err)
	_ = wait()
	assert.Zero(t, srv.Chosen())
}

func TestClient_ZlibWriter(t *testing.T) {
	client, wait, err := handshakeWith(t, newMockServer(SecurityTypeNone))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, wait())

	z, err := client.ZlibWriter(6)
	require.NoError(t, err)
	require.NotNil(t, z)

	_, err = client.ZlibWriter(42)
	assert.True(t, IsVNCError(err, ErrEncoding), "got %v", err)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	client, wait, err := handshakeWith(t, newMockServer(SecurityTypeNone))
	require.NoError(t, err)
	require.NoError(t, wait())

	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())
}

func TestClient_WithOptionsConfiguration(t *testing.T) {
	logger := &StandardLogger{}
	metrics := &NoOpMetrics{}
	clk := clock.NewMock()
	registry := NewAuthRegistry()

	config := &ClientConfig{}
	for _, option := range []ClientOption{
		WithAuth(&ClientAuthNone{}),
		WithAuthRegistry(registry),
		WithExclusive(true),
		WithLogger(logger),
		WithConnectTimeout(5 * time.Second),
		WithReadTimeout(2 * time.Second),
		WithWriteTimeout(3 * time.Second),
		WithMetrics(metrics),
		WithClock(clk),
	} {
		option(config)
	}

	assert.Len(t, config.Auth, 1)
	assert.Same(t, registry, config.AuthRegistry)
	assert.True(t, config.Exclusive)
	assert.Same(t, logger, config.Logger)
	assert.Equal(t, 5*time.Second, config.ConnectTimeout)
	assert.Equal(t, 2*time.Second, config.ReadTimeout)
	assert.Equal(t, 3*time.Second, config.WriteTimeout)
	assert.Same(t, metrics, config.Metrics)
	assert.Same(t, clk, config.Clock)
}

func TestClient_FunctionalOptionsComposition(t *testing.T) {
	basicAuth := WithAuth(&ClientAuthNone{})
	standardLogging := WithLogger(&StandardLogger{})
	fastTimeouts := WithTimeout(1 * time.Second)

	baseOptions := []ClientOption{basicAuth, standardLogging}
	fastOptions := append(baseOptions, fastTimeouts)
	exclusiveOptions := append(fastOptions, WithExclusive(true))

	config := &ClientConfig{}
	for _, option := range exclusiveOptions {
		option(config)
	}

	if len(config.Auth) != 1 {
		t.Errorf("Expected 1 auth method, got %d", len(config.Auth))
	}
	if config.Logger == nil {
		t.Error("Expected logger to be set")
	}
	if config.ReadTimeout != 1*time.Second {
		t.Errorf("Expected ReadTimeout to be 1s, got %v", config.ReadTimeout)
	}
	if config.WriteTimeout != 1*time.Second {
		t.Errorf("Expected WriteTimeout to be 1s, got %v", config.WriteTimeout)
	}
	if !config.Exclusive {
		t.Error("Expected Exclusive to be true")
	}
}

func TestParseProtocolVersion(t *testing.T) {
	tests := []struct {
		pv    string
		major uint
		minor uint
		ok    bool
	}{
		{"RFB 003.008\n", 3, 8, true},
		{"RFB 004.001\n", 4, 1, true},
		{"RFB 003.00", 0, 0, false},
		{"XYZ 003.008\n", 0, 0, false},
	}
	for _, tt := range tests {
		major, minor, err := parseProtocolVersion([]byte(tt.pv))
		if !tt.ok {
			assert.Error(t, err, "%q", tt.pv)
			continue
		}
		require.NoError(t, err, "%q", tt.pv)
		assert.Equal(t, tt.major, major)
		assert.Equal(t, tt.minor, minor)
	}
}
