// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tenthirtyam/go-vnc-rsaaes/rdr"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyErr  error
)

// serverTestKey returns a shared 1024-bit server key so that tests do not
// pay for key generation more than once.
func serverTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		testKey, testKeyErr = rsa.GenerateKey(rand.Reader, MinRSAKeyBits)
	})
	require.NoError(t, testKeyErr)
	return testKey
}

// mockServer plays the server side of the RFB handshake, including the
// RSA-AES security types.
type mockServer struct {
	SecurityTypes []uint8
	Key           *rsa.PrivateKey
	Subtype       uint8
	Username      string
	Password      string
	FrameWidth    uint16
	FrameHeight   uint16
	DesktopName   string

	// RefuseConnection sends zero security types with this reason.
	RefuseConnection string

	// CorruptHash makes the server send a wrong transcript hash.
	CorruptHash bool

	// Echo reads one u32 from the session after ServerInit and writes it back.
	Echo bool

	mu       sync.Mutex
	chosen   uint8
	gotUser  string
	gotPass  string
	shared   uint8
	sessions int
}

func newMockServer(types ...uint8) *mockServer {
	return &mockServer{
		SecurityTypes: types,
		Subtype:       ra2SubtypeUserPass,
		Username:      "alice",
		Password:      "secret",
		FrameWidth:    800,
		FrameHeight:   600,
		DesktopName:   "Mock VNC Server",
	}
}

func (m *mockServer) Chosen() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chosen
}

func (m *mockServer) Credentials() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gotUser, m.gotPass
}

// loopback returns a connected TCP pair. Kernel buffering lets both sides
// write before reading, which the RSA-AES exchange relies on.
func loopback(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok, "accept failed")

	require.NoError(t, server.SetDeadline(time.Now().Add(20*time.Second)))
	return client, server
}

// Serve runs one handshake on conn and closes it when done.
func (m *mockServer) Serve(conn net.Conn) error {
	defer conn.Close()

	in := rdr.NewRawInStream(conn)
	out := rdr.NewRawOutStream(conn)

	if err := out.WriteBytes([]byte("RFB 003.008\n")); err != nil {
		return err
	}
	if err := out.Flush(); err != nil {
		return err
	}
	var version [pvLen]byte
	if err := in.ReadBytes(version[:]); err != nil {
		return err
	}

	if m.RefuseConnection != "" {
		return m.writeReason(out, 0, m.RefuseConnection)
	}

	if err := out.WriteU8(uint8(len(m.SecurityTypes))); err != nil { // #nosec G115
		return err
	}
	if err := out.WriteBytes(m.SecurityTypes); err != nil {
		return err
	}
	if err := out.Flush(); err != nil {
		return err
	}

	chosen, err := in.ReadU8()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.chosen = chosen
	m.mu.Unlock()

	ok := true
	switch chosen {
	case SecurityTypeNone:
	case SecurityTypeRA2, SecurityTypeRA2ne, SecurityTypeRA2256, SecurityTypeRA2ne256:
		s := &Streams{In: in, Out: out}
		if ok, err = m.serveRSAAES(chosen, s); err != nil {
			return err
		}
		in, out = s.In, s.Out
	default:
		return fmt.Errorf("client chose unexpected security type %d", chosen)
	}

	if !ok {
		return m.writeReason(out, 1, "authentication failed")
	}
	if err := out.WriteU32(0); err != nil {
		return err
	}
	if err := out.Flush(); err != nil {
		return err
	}

	shared, err := in.ReadU8()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.shared = shared
	m.sessions++
	m.mu.Unlock()

	if err := m.writeServerInit(out); err != nil {
		return err
	}

	if m.Echo {
		v, err := in.ReadU32()
		if err != nil {
			return err
		}
		if err := out.WriteU32(v); err != nil {
			return err
		}
		return out.Flush()
	}
	return nil
}

func (m *mockServer) writeReason(out *rdr.OutStream, prefix uint32, reason string) error {
	var err error
	if prefix == 0 {
		err = out.WriteU8(0)
	} else {
		err = out.WriteU32(prefix)
	}
	if err != nil {
		return err
	}
	if err := out.WriteU32(uint32(len(reason))); err != nil { // #nosec G115
		return err
	}
	if err := out.WriteBytes([]byte(reason)); err != nil {
		return err
	}
	return out.Flush()
}

func (m *mockServer) writeServerInit(out *rdr.OutStream) error {
	if err := out.WriteU16(m.FrameWidth); err != nil {
		return err
	}
	if err := out.WriteU16(m.FrameHeight); err != nil {
		return err
	}
	pixelFormat := []byte{
		32, 24, 0, 1, // BPP, Depth, BigEndian, TrueColor
		0, 255, 0, 255, 0, 255, // RedMax, GreenMax, BlueMax
		16, 8, 0, // RedShift, GreenShift, BlueShift
		0, 0, 0, // Padding
	}
	if err := out.WriteBytes(pixelFormat); err != nil {
		return err
	}
	if err := out.WriteU32(uint32(len(m.DesktopName))); err != nil { // #nosec G115
		return err
	}
	if err := out.WriteBytes([]byte(m.DesktopName)); err != nil {
		return err
	}
	return out.Flush()
}

// serveRSAAES runs the server role of the RSA-AES exchange and reports
// whether the client's credentials matched. For the all-encrypted types
// s is switched to the AES streams.
func (m *mockServer) serveRSAAES(securityType uint8, s *Streams) (bool, error) {
	suite, _ := suiteFor(securityType)
	in, out := s.In, s.Out
	key := m.Key

	bits := key.N.BitLen()
	n, e := encodeRSAKey(bits, &key.PublicKey)
	serverMsg := keyMessage(uint32(bits), n, e) // #nosec G115
	if err := out.WriteBytes(serverMsg); err != nil {
		return false, err
	}
	if err := out.Flush(); err != nil {
		return false, err
	}

	clientBits, err := in.ReadU32()
	if err != nil {
		return false, err
	}
	size := int((clientBits + 7) / 8)
	cn := make([]byte, size)
	ce := make([]byte, size)
	if err := in.ReadBytes(cn); err != nil {
		return false, err
	}
	if err := in.ReadBytes(ce); err != nil {
		return false, err
	}
	clientMsg := keyMessage(clientBits, cn, ce)
	clientKey, err := parseRSAPublicKey(clientBits, cn, ce)
	if err != nil {
		return false, err
	}

	serverRandom := make([]byte, suite.keyBytes())
	if _, err := rand.Read(serverRandom); err != nil {
		return false, err
	}
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, clientKey, serverRandom)
	if err != nil {
		return false, err
	}
	if err := out.WriteU16(uint16(len(ct))); err != nil { // #nosec G115
		return false, err
	}
	if err := out.WriteBytes(ct); err != nil {
		return false, err
	}
	if err := out.Flush(); err != nil {
		return false, err
	}

	ctLen, err := in.ReadU16()
	if err != nil {
		return false, err
	}
	clientCT := make([]byte, ctLen)
	if err := in.ReadBytes(clientCT); err != nil {
		return false, err
	}
	clientRandom, err := rsa.DecryptPKCS1v15(nil, key, clientCT)
	if err != nil {
		return false, err
	}

	nk := suite.keyBytes()
	readKey := suite.sum(serverRandom, clientRandom)[:nk]
	writeKey := suite.sum(clientRandom, serverRandom)[:nk]
	aesIn, err := rdr.NewAESInStream(in, readKey)
	if err != nil {
		return false, err
	}
	aesOut, err := rdr.NewAESOutStream(out, writeKey)
	if err != nil {
		return false, err
	}

	hash := suite.sum(serverMsg, clientMsg)
	if m.CorruptHash {
		hash[0] ^= 0xff
	}
	if err := aesOut.WriteBytes(hash); err != nil {
		return false, err
	}
	if err := aesOut.Flush(); err != nil {
		return false, err
	}

	clientHash := make([]byte, len(hash))
	if err := aesIn.ReadBytes(clientHash); err != nil {
		return false, err
	}
	if !bytes.Equal(clientHash, suite.sum(clientMsg, serverMsg)) {
		return false, errors.New("client hash mismatch")
	}

	if err := aesOut.WriteU8(m.Subtype); err != nil {
		return false, err
	}
	if err := aesOut.Flush(); err != nil {
		return false, err
	}

	// The username length is read for both subtypes.
	user, err := readShortString(aesIn.InStream)
	if err != nil {
		return false, err
	}
	pass, err := readShortString(aesIn.InStream)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	m.gotUser, m.gotPass = user, pass
	m.mu.Unlock()

	if suite.encryptAll {
		s.In, s.Out = aesIn.InStream, aesOut.OutStream
	}
	ok := pass == m.Password && (m.Subtype != ra2SubtypeUserPass || user == m.Username)
	return ok, nil
}

func readShortString(in *rdr.InStream) (string, error) {
	n, err := in.ReadU8()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if err := in.ReadBytes(b); err != nil {
		return "", err
	}
	return string(b), nil
}
