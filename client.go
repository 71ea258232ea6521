// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/tenthirtyam/go-vnc-rsaaes/rdr"
)

// ClientConn is an RFB client connection that has completed the handshake.
// The session streams returned by In and Out are owned by a single
// goroutine at a time.
type ClientConn struct {
	c         net.Conn
	config    *ClientConfig
	logger    Logger
	metrics   MetricsCollector
	sessionID uuid.UUID
	closeOnce sync.Once

	mu           sync.RWMutex
	streams      Streams
	securityType uint8
	encrypted    bool

	// FrameBufferWidth is the width of the remote framebuffer in pixels.
	FrameBufferWidth uint16

	// FrameBufferHeight is the height of the remote framebuffer in pixels.
	FrameBufferHeight uint16

	// DesktopName is the human-readable name of the desktop.
	DesktopName string

	// PixelFormat is the server's native pixel format.
	PixelFormat PixelFormat
}

// ClientConfig configures VNC client connection behavior.
type ClientConfig struct {
	// Auth lists configured authentication methods in order of preference.
	Auth []ClientAuth

	// Exclusive requests that other clients be disconnected.
	Exclusive bool

	// Logger receives connection logging. Each connection adds a session field.
	Logger Logger

	// AuthRegistry negotiates the security type when set.
	AuthRegistry *AuthRegistry

	// ConnectTimeout bounds the whole handshake.
	ConnectTimeout time.Duration

	// ReadTimeout and WriteTimeout set per-operation deadlines on the connection.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Metrics receives handshake observations.
	Metrics MetricsCollector

	// Clock measures handshake durations.
	Clock clock.Clock
}

// ClientOption represents a functional option for configuring a VNC client connection.
type ClientOption func(*ClientConfig)

// WithAuth sets the authentication methods, tried in the order given.
func WithAuth(auth ...ClientAuth) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Auth = auth
	}
}

// WithAuthRegistry sets the registry used to negotiate the security type.
// Methods passed to WithAuth take precedence over registry-created ones
// for the same security type.
func WithAuthRegistry(registry *AuthRegistry) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.AuthRegistry = registry
	}
}

// WithExclusive sets whether the client should request exclusive access to the server.
func WithExclusive(exclusive bool) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Exclusive = exclusive
	}
}

// WithLogger sets the logger for the client connection.
func WithLogger(logger Logger) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Logger = logger
	}
}

// WithConnectTimeout bounds the handshake. When it expires the connection
// is closed to unblock any pending read.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ConnectTimeout = timeout
	}
}

// WithReadTimeout sets the deadline applied to each read from the connection.
func WithReadTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ReadTimeout = timeout
	}
}

// WithWriteTimeout sets the deadline applied to each write to the connection.
func WithWriteTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.WriteTimeout = timeout
	}
}

// WithTimeout sets both read and write timeouts.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ReadTimeout = timeout
		cfg.WriteTimeout = timeout
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics MetricsCollector) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Metrics = metrics
	}
}

// WithClock sets the clock used to time handshakes.
func WithClock(clk clock.Clock) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Clock = clk
	}
}

// Client performs the RFB handshake on c.
//
// Deprecated: Use ClientWithContext for cancellation support.
func Client(c net.Conn, cfg *ClientConfig) (*ClientConn, error) {
	return ClientWithContext(context.Background(), c, cfg)
}

// ClientWithContext performs the RFB handshake on c: protocol version,
// security negotiation, authentication, SecurityResult, ClientInit and
// ServerInit. If ctx is done before the handshake completes, c is closed.
func ClientWithContext(ctx context.Context, c net.Conn, cfg *ClientConfig) (*ClientConn, error) {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	if c == nil {
		return nil, configurationError("ClientWithContext", "connection is nil", nil)
	}

	var logger Logger = &NoOpLogger{}
	if cfg.Logger != nil {
		logger = cfg.Logger
	}
	var metrics MetricsCollector = &NoOpMetrics{}
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	conn := &ClientConn{
		c:         c,
		config:    cfg,
		metrics:   metrics,
		sessionID: uuid.New(),
	}
	conn.logger = logger.With(Field{Key: "session", Value: conn.sessionID.String()})

	streamOpts := rdr.WithLoggerFactory(newStreamLoggerFactory(conn.logger))
	transport := &deadlineConn{Conn: c, read: cfg.ReadTimeout, write: cfg.WriteTimeout}
	conn.streams = Streams{
		In:  rdr.NewRawInStream(transport, streamOpts),
		Out: rdr.NewRawOutStream(transport, streamOpts),
	}
	if addr := c.RemoteAddr(); addr != nil {
		conn.streams.Host = addr.String()
	}

	start := clk.Now()
	if err := conn.handshakeWithContext(ctx); err != nil {
		metrics.HandshakeFailed(GetErrorCode(err))
		_ = conn.Close()
		return nil, err
	}
	metrics.HandshakeCompleted(conn.securityType, clk.Since(start))

	return conn, nil
}

// ClientWithOptions performs the RFB handshake on c configured by options.
//
// Example usage:
//
//	verifyCh := make(chan *VerifyRequest)
//	go func() {
//		for req := range verifyCh {
//			fmt.Println("server fingerprint:", req.Fingerprint)
//			req.Accept(false)
//		}
//	}()
//
//	auth, _ := NewRSAAESAuth(SecurityTypeRA2,
//		WithRA2Credentials("alice", "secret"),
//		WithRA2Verifier(ChannelVerifier(verifyCh)),
//	)
//
//	client, err := ClientWithOptions(ctx, conn,
//		WithAuth(auth),
//		WithLogger(NewZapLogger(zap.NewExample())),
//		WithConnectTimeout(30*time.Second),
//	)
func ClientWithOptions(ctx context.Context, c net.Conn, options ...ClientOption) (*ClientConn, error) {
	cfg := &ClientConfig{}
	for _, option := range options {
		option(cfg)
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	return ClientWithContext(ctx, c, cfg)
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *ClientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Debug("Closing connection")
		if cerr := c.c.Close(); cerr != nil {
			err = networkError("Close", "failed to close connection", cerr)
		}
	})
	return err
}

// In returns the stream the session reads from. After an all-encrypted
// RSA-AES handshake this is the decrypting stream.
func (c *ClientConn) In() *rdr.InStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streams.In
}

// Out returns the stream the session writes to.
func (c *ClientConn) Out() *rdr.OutStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streams.Out
}

// Encrypted reports whether session traffic is encrypted.
func (c *ClientConn) Encrypted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.encrypted
}

// SecurityType returns the negotiated security type.
func (c *ClientConn) SecurityType() uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.securityType
}

// SessionID identifies this connection in logs.
func (c *ClientConn) SessionID() string {
	return c.sessionID.String()
}

// ZlibWriter returns a compressing stream layered on the session's out
// stream. Close it to end the zlib stream; the session stream stays open.
func (c *ClientConn) ZlibWriter(level int) (*rdr.ZlibOutStream, error) {
	z, err := rdr.NewZlibOutStream(c.Out(), level,
		rdr.WithLoggerFactory(newStreamLoggerFactory(c.logger)))
	if err != nil {
		return nil, encodingError("ZlibWriter", "failed to create compressing stream", err)
	}
	return z, nil
}

// GetFrameBufferSize returns the framebuffer dimensions.
func (c *ClientConn) GetFrameBufferSize() (width, height uint16) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.FrameBufferWidth, c.FrameBufferHeight
}

// GetDesktopName returns the desktop name.
func (c *ClientConn) GetDesktopName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DesktopName
}

// GetPixelFormat returns a copy of the server pixel format.
func (c *ClientConn) GetPixelFormat() PixelFormat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.PixelFormat
}

const pvLen = 12

// parseProtocolVersion parses a VNC protocol version string.
func parseProtocolVersion(pv []byte) (uint, uint, error) {
	var major, minor uint

	if len(pv) < pvLen {
		return 0, 0, protocolError("parseProtocolVersion",
			fmt.Sprintf("protocol version message too short (%v < %v)", len(pv), pvLen), nil)
	}

	l, err := fmt.Sscanf(string(pv), "RFB %d.%d\n", &major, &minor)
	if l != 2 {
		return 0, 0, protocolError("parseProtocolVersion", "invalid protocol version format", nil)
	}
	if err != nil {
		return 0, 0, protocolError("parseProtocolVersion", "failed to parse protocol version", err)
	}

	return major, minor, nil
}

// handshakeWithContext runs the handshake and closes the connection if ctx
// ends first, which unblocks any read in progress.
func (c *ClientConn) handshakeWithContext(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.logger.Warn("Handshake cancelled, closing connection", Field{Key: "error", Value: ctx.Err()})
		_ = c.c.Close()
	})
	defer stop()

	err := c.handshake(ctx)
	if err != nil && ctx.Err() != nil {
		return timeoutError("handshake", "handshake aborted", ctx.Err())
	}
	return err
}

func (c *ClientConn) handshake(ctx context.Context) error {
	c.logger.Info("Starting VNC handshake")
	validator := newInputValidator()
	in, out := c.streams.In, c.streams.Out

	// 7.1.1 ProtocolVersion
	var protocolVersion [pvLen]byte
	if err := in.ReadBytes(protocolVersion[:]); err != nil {
		return streamError("handshake", "failed to read protocol version from server", err)
	}
	if err := validator.ValidateProtocolVersion(string(protocolVersion[:])); err != nil {
		return protocolError("handshake", "server sent invalid protocol version format", err)
	}

	major, minor, err := parseProtocolVersion(protocolVersion[:])
	if err != nil {
		return err
	}
	c.logger.Info("Received protocol version",
		Field{Key: "major", Value: major},
		Field{Key: "minor", Value: minor})

	if major < 3 {
		return unsupportedError("handshake", fmt.Sprintf("unsupported major version, less than 3: %d", major), nil)
	}
	if major == 3 && minor < 8 {
		return unsupportedError("handshake", fmt.Sprintf("unsupported minor version, less than 8: %d", minor), nil)
	}

	if err := out.WriteBytes([]byte("RFB 003.008\n")); err != nil {
		return streamError("handshake", "failed to send protocol version response", err)
	}
	if err := out.Flush(); err != nil {
		return streamError("handshake", "failed to send protocol version response", err)
	}

	// 7.1.2 Security
	numSecurityTypes, err := in.ReadU8()
	if err != nil {
		return streamError("handshake", "failed to read number of security types", err)
	}
	if numSecurityTypes == 0 {
		reason := c.readErrorReason(in)
		return authenticationError("handshake", fmt.Sprintf("no security types available: %s", reason), nil)
	}

	securityTypes := make([]uint8, numSecurityTypes)
	if err := in.ReadBytes(securityTypes); err != nil {
		return streamError("handshake", "failed to read security types", err)
	}
	if err := validator.ValidateSecurityTypes(securityTypes); err != nil {
		return protocolError("handshake", "server sent invalid security types", err)
	}
	c.logger.Info("Received security types from server", Field{Key: "types", Value: securityTypes})

	auth, selected, err := c.selectAuth(ctx, securityTypes)
	if err != nil {
		return err
	}

	// Nothing of the chosen method may be sent if its configuration is bad.
	if c.config.AuthRegistry != nil {
		err = c.config.AuthRegistry.ValidateAuthMethod(auth)
	} else {
		err = validateAuth(auth)
	}
	if err != nil {
		c.logger.Error("Authentication method validation failed",
			Field{Key: "method", Value: auth.String()},
			Field{Key: "error", Value: err})
		return err
	}

	c.logger.Info("Selected authentication method",
		Field{Key: "type", Value: selected},
		Field{Key: "method", Value: auth.String()})

	if err := out.WriteU8(selected); err != nil {
		return streamError("handshake", "failed to send selected security type", err)
	}
	if err := out.Flush(); err != nil {
		return streamError("handshake", "failed to send selected security type", err)
	}

	if a, ok := auth.(interface{ SetLogger(Logger) }); ok {
		a.SetLogger(c.logger)
	}
	if a, ok := auth.(interface{ SetMetrics(MetricsCollector) }); ok {
		a.SetMetrics(c.metrics)
	}

	session := c.streams
	if err := auth.Handshake(ctx, &session); err != nil {
		c.logger.Error("Authentication handshake failed",
			Field{Key: "type", Value: selected},
			Field{Key: "method", Value: auth.String()},
			Field{Key: "error", Value: err})
		if IsVNCError(err) {
			return err
		}
		return authenticationError("handshake", "authentication handshake failed", err)
	}

	c.mu.Lock()
	c.streams = session
	c.securityType = selected
	c.encrypted = session.In != in
	c.mu.Unlock()
	in, out = session.In, session.Out

	// 7.1.3 SecurityResult
	securityResult, err := in.ReadU32()
	if err != nil {
		return streamError("handshake", "failed to read security result", err)
	}
	if securityResult != 0 {
		reason := c.readErrorReason(in)
		return authenticationError("handshake", fmt.Sprintf("security handshake failed: %s", reason), nil)
	}
	c.logger.Info("Authentication successful", Field{Key: "encrypted", Value: c.Encrypted()})

	// 7.3.1 ClientInit
	var sharedFlag uint8 = 1
	if c.config.Exclusive {
		sharedFlag = 0
	}
	if err := out.WriteU8(sharedFlag); err != nil {
		return streamError("handshake", "failed to send client init message", err)
	}
	if err := out.Flush(); err != nil {
		return streamError("handshake", "failed to send client init message", err)
	}

	// 7.3.2 ServerInit
	return c.readServerInit(in, validator)
}

// selectAuth picks the security type. Configured methods win over
// registry-created ones for the same type.
func (c *ClientConn) selectAuth(ctx context.Context, serverTypes []uint8) (ClientAuth, uint8, error) {
	if registry := c.config.AuthRegistry; registry != nil {
		var preferred []uint8
		for _, a := range c.config.Auth {
			preferred = append(preferred, a.SecurityType())
		}

		auth, selected, err := registry.NegotiateAuth(ctx, serverTypes, preferred)
		if err != nil {
			return nil, 0, err
		}
		for _, a := range c.config.Auth {
			if a.SecurityType() == selected {
				return a, selected, nil
			}
		}
		return auth, selected, nil
	}

	configured := c.config.Auth
	if configured == nil {
		configured = []ClientAuth{&ClientAuthNone{}}
	}
	for _, a := range configured {
		for _, t := range serverTypes {
			if a.SecurityType() == t {
				return a, t, nil
			}
		}
	}
	return nil, 0, unsupportedError("handshake",
		fmt.Sprintf("no suitable auth schemes found. server supported: %v", serverTypes), nil)
}

func (c *ClientConn) readServerInit(in *rdr.InStream, validator *InputValidator) error {
	width, err := in.ReadU16()
	if err != nil {
		return streamError("handshake", "failed to read framebuffer width", err)
	}
	height, err := in.ReadU16()
	if err != nil {
		return streamError("handshake", "failed to read framebuffer height", err)
	}
	if err := validator.ValidateFramebufferDimensions(width, height); err != nil {
		return protocolError("handshake", "server sent invalid framebuffer dimensions", err)
	}

	pixelFormat, err := readPixelFormat(in)
	if err != nil {
		return streamError("handshake", "failed to read pixel format", err)
	}
	if err := validator.ValidatePixelFormat(&pixelFormat); err != nil {
		return protocolError("handshake", "server sent invalid pixel format", err)
	}

	nameLength, err := in.ReadU32()
	if err != nil {
		return streamError("handshake", "failed to read desktop name length", err)
	}
	if err := validator.ValidateMessageLength(nameLength, maxDesktopNameLength); err != nil {
		return protocolError("handshake", "server sent invalid desktop name length", err)
	}
	nameBytes := make([]byte, nameLength)
	if err := in.ReadBytes(nameBytes); err != nil {
		return streamError("handshake", "failed to read desktop name", err)
	}

	desktopName := string(nameBytes)
	if err := validator.ValidateTextData(desktopName, maxDesktopNameLength); err != nil {
		c.logger.Warn("Invalid desktop name received from server, sanitizing", Field{Key: "error", Value: err})
		desktopName = validator.SanitizeText(desktopName)
	}

	c.mu.Lock()
	c.FrameBufferWidth = width
	c.FrameBufferHeight = height
	c.PixelFormat = pixelFormat
	c.DesktopName = desktopName
	c.mu.Unlock()

	c.logger.Info("VNC handshake completed successfully",
		Field{Key: "desktop_name", Value: desktopName},
		Field{Key: "framebuffer_width", Value: width},
		Field{Key: "framebuffer_height", Value: height},
		Field{Key: "pixel_format", Value: pixelFormat.String()})
	return nil
}

// readErrorReason reads a u32-length reason string. Failures are folded
// into the returned text since the caller is already failing.
func (c *ClientConn) readErrorReason(in *rdr.InStream) string {
	validator := newInputValidator()

	reasonLen, err := in.ReadU32()
	if err != nil {
		return "<failed to read error reason length>"
	}
	if err := validator.ValidateMessageLength(reasonLen, maxErrorReasonLength); err != nil {
		c.logger.Warn("Invalid error reason length received from server",
			Field{Key: "length", Value: reasonLen})
		return "<invalid error reason length>"
	}

	reason := make([]byte, reasonLen)
	if err := in.ReadBytes(reason); err != nil {
		return "<failed to read error reason>"
	}
	return validator.SanitizeText(string(reason))
}

// deadlineConn refreshes the connection deadline before every read and write.
type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration
}

func (d *deadlineConn) Read(p []byte) (int, error) {
	if d.read > 0 {
		if err := d.Conn.SetReadDeadline(time.Now().Add(d.read)); err != nil {
			return 0, err
		}
	}
	return d.Conn.Read(p)
}

func (d *deadlineConn) Write(p []byte) (int, error) {
	if d.write > 0 {
		if err := d.Conn.SetWriteDeadline(time.Now().Add(d.write)); err != nil {
			return 0, err
		}
	}
	return d.Conn.Write(p)
}
