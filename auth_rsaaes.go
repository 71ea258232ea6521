// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"context"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - required by the 128-bit RA2 security types
	"fmt"
	"hash"
	"io"
	"math/big"

	"github.com/minio/sha256-simd"
	"github.com/pion/logging"
	"golang.org/x/crypto/cryptobyte"

	"github.com/tenthirtyam/go-vnc-rsaaes/rdr"
)

// RFB security types implemented by this package.
const (
	SecurityTypeNone     uint8 = 1
	SecurityTypeRA2      uint8 = 5
	SecurityTypeRA2ne    uint8 = 6
	SecurityTypeRA2256   uint8 = 129
	SecurityTypeRA2ne256 uint8 = 130
)

// RA2 credential subtypes sent by the server after the hash exchange.
const (
	ra2SubtypeUserPass uint8 = 1
	ra2SubtypePass     uint8 = 2
)

// cipherSuite holds everything that depends on the negotiated RA2 variant.
type cipherSuite struct {
	name       string
	keySize    int
	newHash    func() hash.Hash
	encryptAll bool
}

func (cs cipherSuite) keyBytes() int {
	return cs.keySize / 8
}

func (cs cipherSuite) sum(parts ...[]byte) []byte {
	h := cs.newHash()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// suiteFor resolves the cipher suite of an RA2 security type.
func suiteFor(securityType uint8) (cipherSuite, bool) {
	switch securityType {
	case SecurityTypeRA2:
		return cipherSuite{name: "RA2", keySize: 128, newHash: sha1.New, encryptAll: true}, true
	case SecurityTypeRA2ne:
		return cipherSuite{name: "RA2ne", keySize: 128, newHash: sha1.New}, true
	case SecurityTypeRA2256:
		return cipherSuite{name: "RA2_256", keySize: 256, newHash: sha256.New, encryptAll: true}, true
	case SecurityTypeRA2ne256:
		return cipherSuite{name: "RA2ne_256", keySize: 256, newHash: sha256.New}, true
	default:
		return cipherSuite{}, false
	}
}

// KeyGenerator creates the client's ephemeral RSA key pair.
type KeyGenerator func(random io.Reader, bits int) (*rsa.PrivateKey, error)

// RSAAESAuth implements the RSA-AES security types 5, 6, 129 and 130.
//
// Both sides exchange RSA public keys and RSA-encrypted randoms, derive a
// pair of AES-EAX session keys, prove possession of the transcript with a
// hash exchange, and the client then sends its credentials encrypted.
// For types 5 and 129 the session keeps using the encrypted streams
// after the handshake. Types 6 and 130 return to the raw streams.
type RSAAESAuth struct {
	// Username is sent when the server asks for username and password.
	Username string

	// Password is sent for both credential subtypes.
	Password string

	// Verifier decides whether the server key is trusted. Required.
	Verifier FingerprintVerifier

	// KeyGenerator overrides rsa.GenerateKey.
	KeyGenerator KeyGenerator

	// Rand overrides crypto/rand for randoms, padding and key generation.
	Rand io.Reader

	// LoggerFactory receives the encrypted streams' frame logging.
	LoggerFactory logging.LoggerFactory

	securityType uint8
	suite        cipherSuite
	logger       Logger
	metrics      MetricsCollector
	encrypted    bool
}

// RSAAESOption configures an RSAAESAuth.
type RSAAESOption func(*RSAAESAuth)

// WithRA2Credentials sets the username and password.
func WithRA2Credentials(username, password string) RSAAESOption {
	return func(a *RSAAESAuth) {
		a.Username = username
		a.Password = password
	}
}

// WithRA2Verifier sets the server key verifier.
func WithRA2Verifier(v FingerprintVerifier) RSAAESOption {
	return func(a *RSAAESAuth) {
		a.Verifier = v
	}
}

// WithRA2KeyGenerator sets the client key pair generator.
func WithRA2KeyGenerator(g KeyGenerator) RSAAESOption {
	return func(a *RSAAESAuth) {
		a.KeyGenerator = g
	}
}

// WithRA2Rand sets the randomness source.
func WithRA2Rand(r io.Reader) RSAAESOption {
	return func(a *RSAAESAuth) {
		a.Rand = r
	}
}

// WithRA2LoggerFactory sets the logger factory for the encrypted streams.
func WithRA2LoggerFactory(f logging.LoggerFactory) RSAAESOption {
	return func(a *RSAAESAuth) {
		a.LoggerFactory = f
	}
}

// NewRSAAESAuth returns an RSA-AES method for one of the RA2 security types.
func NewRSAAESAuth(securityType uint8, opts ...RSAAESOption) (*RSAAESAuth, error) {
	suite, ok := suiteFor(securityType)
	if !ok {
		return nil, unsupportedError("NewRSAAESAuth",
			fmt.Sprintf("security type %d is not an RSA-AES type", securityType), nil)
	}
	a := newRSAAESAuth(securityType, suite)
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func newRSAAESAuth(securityType uint8, suite cipherSuite) *RSAAESAuth {
	return &RSAAESAuth{securityType: securityType, suite: suite}
}

// SecurityType returns the RA2 security type this method was created for.
func (a *RSAAESAuth) SecurityType() uint8 {
	return a.securityType
}

func (a *RSAAESAuth) String() string {
	return "RSA-AES (" + a.suite.name + ")"
}

// SetLogger sets the logger for the authentication method.
func (a *RSAAESAuth) SetLogger(logger Logger) {
	a.logger = logger
}

// SetMetrics sets the collector that records trust decisions.
func (a *RSAAESAuth) SetMetrics(m MetricsCollector) {
	a.metrics = m
}

// Encrypted reports whether the last successful handshake left the
// session on encrypted streams.
func (a *RSAAESAuth) Encrypted() bool {
	return a.encrypted
}

// Validate checks the configuration. It runs before any handshake byte is
// written so that bad credentials never reach the wire.
func (a *RSAAESAuth) Validate() error {
	if a.suite.newHash == nil {
		return configurationError("RSAAESAuth.Validate",
			fmt.Sprintf("security type %d is not an RSA-AES type", a.securityType), nil)
	}
	if a.Verifier == nil {
		return configurationError("RSAAESAuth.Validate", "no fingerprint verifier configured", nil)
	}
	iv := newInputValidator()
	if err := iv.ValidateCredential("username", a.Username); err != nil {
		return err
	}
	return iv.ValidateCredential("password", a.Password)
}

// Handshake runs the RSA-AES exchange over s. For the all-encrypted
// variants s is switched to the AES streams on success.
func (a *RSAAESAuth) Handshake(ctx context.Context, s *Streams) error {
	if err := a.Validate(); err != nil {
		return err
	}

	logger := a.logger
	if logger == nil {
		logger = &NoOpLogger{}
	}
	metrics := a.metrics
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	loggerFactory := a.LoggerFactory
	if loggerFactory == nil && a.logger != nil {
		loggerFactory = newStreamLoggerFactory(a.logger)
	}

	hs := &ra2Handshake{
		ctx:           ctx,
		auth:          a,
		streams:       s,
		suite:         a.suite,
		logger:        logger.With(Field{Key: "cipher_suite", Value: a.suite.name}),
		metrics:       metrics,
		random:        newSecureRandom(a.Rand),
		loggerFactory: loggerFactory,
	}
	defer hs.wipe()

	if err := hs.run(); err != nil {
		return err
	}

	a.encrypted = a.suite.encryptAll
	if a.encrypted {
		s.In = hs.aesIn.InStream
		s.Out = hs.aesOut.OutStream
	}
	hs.logger.Info("RSA-AES handshake completed", Field{Key: "encrypted", Value: a.encrypted})
	return nil
}

// ra2Handshake holds the transcript of one RSA-AES exchange.
type ra2Handshake struct {
	ctx           context.Context
	auth          *RSAAESAuth
	streams       *Streams
	suite         cipherSuite
	logger        Logger
	metrics       MetricsCollector
	random        *SecureRandom
	loggerFactory logging.LoggerFactory
	mem           SecureMemory

	serverKey    *rsa.PublicKey
	serverKeyMsg []byte
	clientKey    *rsa.PrivateKey
	clientKeyMsg []byte
	clientRandom []byte
	serverRandom []byte
	subtype      uint8

	aesIn  *rdr.AESInStream
	aesOut *rdr.AESOutStream
}

type ra2Step struct {
	name string
	fn   func() error
}

func (hs *ra2Handshake) run() error {
	steps := []ra2Step{
		{"read server key", hs.readServerKey},
		{"verify server", hs.verifyServer},
		{"write public key", hs.writePublicKey},
		{"write random", hs.writeRandom},
		{"read random", hs.readRandom},
		{"derive keys", hs.deriveKeys},
		{"write hash", hs.writeHash},
		{"read hash", hs.readHash},
		{"read subtype", hs.readSubtype},
		{"write credentials", hs.writeCredentials},
	}
	for _, step := range steps {
		if err := hs.ctx.Err(); err != nil {
			return timeoutError("RSAAESAuth.Handshake", "cancelled before "+step.name, err)
		}
		hs.logger.Debug("RSA-AES step", Field{Key: "step", Value: step.name})
		if err := step.fn(); err != nil {
			return err
		}
	}
	return nil
}

func (hs *ra2Handshake) wipe() {
	hs.mem.ClearBytes(hs.clientRandom, hs.serverRandom)
	hs.clientRandom, hs.serverRandom = nil, nil
	hs.clientKey = nil
}

// readServerKey reads u32 bits | modulus | exponent.
func (hs *ra2Handshake) readServerKey() error {
	const op = "RSAAESAuth.readServerKey"
	in := hs.streams.In

	bits, err := in.ReadU32()
	if err != nil {
		return streamError(op, "failed to read server key length", err)
	}
	if err := newInputValidator().ValidateRSAKeyLength(bits); err != nil {
		return err
	}

	size := int((bits + 7) / 8)
	modulus := make([]byte, size)
	exponent := make([]byte, size)
	if err := in.ReadBytes(modulus); err != nil {
		return streamError(op, "failed to read server key modulus", err)
	}
	if err := in.ReadBytes(exponent); err != nil {
		return streamError(op, "failed to read server key exponent", err)
	}

	key, err := parseRSAPublicKey(bits, modulus, exponent)
	if err != nil {
		return err
	}
	hs.serverKey = key
	hs.serverKeyMsg = keyMessage(bits, modulus, exponent)

	hs.logger.Debug("Received server key", Field{Key: "key_bits", Value: bits})
	return nil
}

func parseRSAPublicKey(bits uint32, modulus, exponent []byte) (*rsa.PublicKey, error) {
	const op = "RSAAESAuth.readServerKey"
	n := new(big.Int).SetBytes(modulus)
	if n.Sign() == 0 || n.BitLen() > int(bits) {
		return nil, protocolError(op, "invalid server key modulus", nil)
	}
	e := new(big.Int).SetBytes(exponent)
	if e.Cmp(big.NewInt(2)) < 0 || e.BitLen() > 31 {
		return nil, protocolError(op, "invalid server key exponent", nil)
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func keyMessage(bits uint32, modulus, exponent []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint32(bits)
	b.AddBytes(modulus)
	b.AddBytes(exponent)
	return b.BytesOrPanic()
}

// verifyServer blocks until the verifier decides on the server key.
func (hs *ra2Handshake) verifyServer() error {
	const op = "RSAAESAuth.verifyServer"
	bits := rdr.U32(hs.serverKeyMsg)
	size := int((bits + 7) / 8)
	req := &VerifyRequest{
		Host:         hs.streams.Host,
		Fingerprint:  Fingerprint(bits, hs.serverKeyMsg[4:4+size], hs.serverKeyMsg[4+size:]),
		KeyBits:      int(bits),
		SecurityType: hs.auth.securityType,
	}
	hs.logger.Info("Verifying server key",
		Field{Key: "host", Value: req.Host},
		Field{Key: "fingerprint", Value: req.Fingerprint},
		Field{Key: "key_bits", Value: req.KeyBits})

	accepted, err := hs.auth.Verifier.VerifyServer(hs.ctx, req)
	if err != nil {
		if ctxErr := hs.ctx.Err(); ctxErr != nil {
			return timeoutError(op, "cancelled while waiting for server verification", err)
		}
		return authenticationError(op, "server verification failed", err)
	}
	hs.metrics.FingerprintDecision(accepted)
	if !accepted {
		hs.logger.Warn("Server key rejected", Field{Key: "fingerprint", Value: req.Fingerprint})
		return authenticationError(op, "server key was not accepted", nil)
	}
	return nil
}

// writePublicKey sends an ephemeral client key of the same size as the
// server key.
func (hs *ra2Handshake) writePublicKey() error {
	const op = "RSAAESAuth.writePublicKey"
	bits := int(rdr.U32(hs.serverKeyMsg))

	generate := hs.auth.KeyGenerator
	if generate == nil {
		generate = rsa.GenerateKey
	}
	key, err := generate(hs.random.reader(), bits)
	if err != nil {
		return cryptoError(op, fmt.Sprintf("failed to generate %d-bit client key", bits), err)
	}
	if key.N.BitLen() != bits {
		return cryptoError(op,
			fmt.Sprintf("generated client key has %d bits, want %d", key.N.BitLen(), bits), nil)
	}
	hs.clientKey = key

	modulus, exponent := encodeRSAKey(bits, &key.PublicKey)
	hs.clientKeyMsg = keyMessage(uint32(bits), modulus, exponent) // #nosec G115 - bits <= MaxRSAKeyBits
	if err := hs.streams.Out.WriteBytes(hs.clientKeyMsg); err != nil {
		return streamError(op, "failed to send client key", err)
	}
	return nil
}

// writeRandom sends u16 len | RSA-PKCS#1v1.5(clientRandom) under the server key.
func (hs *ra2Handshake) writeRandom() error {
	const op = "RSAAESAuth.writeRandom"
	clientRandom, err := hs.random.GenerateBytes(hs.suite.keyBytes())
	if err != nil {
		return err
	}
	hs.clientRandom = clientRandom

	ciphertext, err := rsa.EncryptPKCS1v15(hs.random.reader(), hs.serverKey, clientRandom)
	if err != nil {
		return cryptoError(op, "failed to encrypt client random", err)
	}

	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(ciphertext)
	})
	msg, err := b.Bytes()
	if err != nil {
		return protocolError(op, "failed to encode client random", err)
	}

	out := hs.streams.Out
	if err := out.WriteBytes(msg); err != nil {
		return streamError(op, "failed to send client random", err)
	}
	if err := out.Flush(); err != nil {
		return streamError(op, "failed to send client random", err)
	}
	return nil
}

// readRandom reads and decrypts the server random with the client key.
func (hs *ra2Handshake) readRandom() error {
	const op = "RSAAESAuth.readRandom"
	in := hs.streams.In

	length, err := in.ReadU16()
	if err != nil {
		return streamError(op, "failed to read server random length", err)
	}
	if int(length) != hs.clientKey.Size() {
		return protocolError(op,
			fmt.Sprintf("server random is %d bytes, want %d", length, hs.clientKey.Size()), nil)
	}

	ciphertext := make([]byte, length)
	if err := in.ReadBytes(ciphertext); err != nil {
		return streamError(op, "failed to read server random", err)
	}

	plain, err := rsa.DecryptPKCS1v15(nil, hs.clientKey, ciphertext)
	if err != nil {
		return cryptoError(op, "failed to decrypt server random", err)
	}
	if len(plain) != hs.suite.keyBytes() {
		hs.mem.ClearBytes(plain)
		return protocolError(op,
			fmt.Sprintf("server random is %d bytes, want %d", len(plain), hs.suite.keyBytes()), nil)
	}
	hs.serverRandom = plain
	return nil
}

// deriveKeys builds the AES stream pair from the two randoms.
func (hs *ra2Handshake) deriveKeys() error {
	const op = "RSAAESAuth.deriveKeys"
	n := hs.suite.keyBytes()
	readSum := hs.suite.sum(hs.clientRandom, hs.serverRandom)
	writeSum := hs.suite.sum(hs.serverRandom, hs.clientRandom)
	defer hs.mem.ClearBytes(readSum, writeSum)
	readKey, writeKey := readSum[:n], writeSum[:n]

	var opts []rdr.Option
	if hs.loggerFactory != nil {
		opts = append(opts, rdr.WithLoggerFactory(hs.loggerFactory))
	}

	aesIn, err := rdr.NewAESInStream(hs.streams.In, readKey, opts...)
	if err != nil {
		return cryptoError(op, "failed to create decrypting stream", err)
	}
	aesOut, err := rdr.NewAESOutStream(hs.streams.Out, writeKey, opts...)
	if err != nil {
		return cryptoError(op, "failed to create encrypting stream", err)
	}
	hs.aesIn, hs.aesOut = aesIn, aesOut

	hs.mem.ClearBytes(hs.clientRandom, hs.serverRandom)
	return nil
}

// writeHash proves the client saw both keys: H(client key msg | server key msg).
func (hs *ra2Handshake) writeHash() error {
	const op = "RSAAESAuth.writeHash"
	sum := hs.suite.sum(hs.clientKeyMsg, hs.serverKeyMsg)
	if err := hs.aesOut.WriteBytes(sum); err != nil {
		return streamError(op, "failed to send hash", err)
	}
	if err := hs.aesOut.Flush(); err != nil {
		return streamError(op, "failed to send hash", err)
	}
	return nil
}

// readHash expects H(server key msg | client key msg).
func (hs *ra2Handshake) readHash() error {
	const op = "RSAAESAuth.readHash"
	want := hs.suite.sum(hs.serverKeyMsg, hs.clientKeyMsg)
	got := make([]byte, len(want))
	if err := hs.aesIn.ReadBytes(got); err != nil {
		return streamError(op, "failed to read server hash", err)
	}
	if !hs.mem.ConstantTimeCompare(got, want) {
		return authenticationError(op, "server hash does not match the key exchange", nil)
	}
	return nil
}

func (hs *ra2Handshake) readSubtype() error {
	const op = "RSAAESAuth.readSubtype"
	subtype, err := hs.aesIn.ReadU8()
	if err != nil {
		return streamError(op, "failed to read credential subtype", err)
	}
	switch subtype {
	case ra2SubtypeUserPass, ra2SubtypePass:
		hs.subtype = subtype
		hs.logger.Debug("Server requested credentials", Field{Key: "subtype", Value: subtype})
		return nil
	default:
		return protocolError(op, fmt.Sprintf("unknown credential subtype %d", subtype), nil)
	}
}

// writeCredentials sends u8 len | username, u8 len | password. The username
// is empty for the password-only subtype but its length byte is still sent.
func (hs *ra2Handshake) writeCredentials() error {
	const op = "RSAAESAuth.writeCredentials"
	var user []byte
	if hs.subtype == ra2SubtypeUserPass {
		user = []byte(hs.auth.Username)
	}
	var b cryptobyte.Builder
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(user)
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(hs.auth.Password))
	})
	msg, err := b.Bytes()
	if err != nil {
		return validationError(op, "credentials do not fit the credential message", err)
	}
	defer hs.mem.ClearBytes(msg)

	if err := hs.aesOut.WriteBytes(msg); err != nil {
		return streamError(op, "failed to send credentials", err)
	}
	if err := hs.aesOut.Flush(); err != nil {
		return streamError(op, "failed to send credentials", err)
	}
	return nil
}
