// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func bufferLogger() (*StandardLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &StandardLogger{Logger: log.New(&buf, "", 0)}, &buf
}

func TestLogging_StandardLoggerLines(t *testing.T) {
	logger, buf := bufferLogger()

	logger.Info("Server key received",
		Field{Key: "key_bits", Value: 2048},
		Field{Key: "fingerprint", Value: "ef-28-a0"})
	logger.Error("Handshake failed",
		Field{Key: "reason", Value: "bad hash"},
		Field{Key: "error", Value: authenticationError("RSAAESAuth.readHash", "server hash does not match the key exchange", nil)})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[INFO] Server key received key_bits=2048 fingerprint=ef-28-a0", lines[0])
	assert.Equal(t, `[ERROR] Handshake failed reason="bad hash" `+
		`error="vnc authentication: RSAAESAuth.readHash: server hash does not match the key exchange"`, lines[1])
}

func TestLogging_StandardLoggerWith(t *testing.T) {
	logger, buf := bufferLogger()

	session := logger.With(Field{Key: "session", Value: "s-1"})
	session.With(Field{Key: "security_type", Value: SecurityTypeRA2}).Debug("Deriving keys")
	logger.Info("unscoped")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[DEBUG] Deriving keys session=s-1 security_type=5", lines[0])
	assert.Equal(t, "[INFO] unscoped", lines[1])
}

func TestLogging_StandardLoggerZeroValueShared(t *testing.T) {
	var shared StandardLogger

	derived := make([]Logger, 8)
	var wg sync.WaitGroup
	for i := range derived {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			derived[i] = shared.With(Field{Key: "worker", Value: i})
		}(i)
	}
	wg.Wait()

	assert.Nil(t, shared.Logger, "the zero value is never written to")
	for _, l := range derived {
		require.IsType(t, &StandardLogger{}, l)
		assert.Same(t, stderrLogger, l.(*StandardLogger).Logger)
	}
}

func TestLogging_ZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	connLogger := logger.With(Field{Key: "session", Value: "abc"})
	connLogger.Debug("debug", Field{Key: "key_bits", Value: 2048})
	connLogger.Warn("failed", Field{Key: "error", Value: errors.New("boom")})
	logger.Info("plain")

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, map[string]interface{}{"session": "abc", "key_bits": int64(2048)}, entries[0].ContextMap())

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])

	assert.Empty(t, entries[2].ContextMap())
	assert.Same(t, logger.Zap(), logger.Zap())
}

func TestLogging_ZapLoggerNil(t *testing.T) {
	logger := NewZapLogger(nil)
	logger.Error("discarded")
	assert.NotNil(t, logger.Zap())
}

func TestLogging_StreamLoggerFactory(t *testing.T) {
	logger, buf := bufferLogger()

	stream := newStreamLoggerFactory(logger).NewLogger("rdr-aes")
	stream.Tracef("frame %d sealed", 3)
	stream.Warn("short frame")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[DEBUG] frame 3 sealed scope=rdr-aes", lines[0])
	assert.Equal(t, "[WARN] short frame scope=rdr-aes", lines[1])
}

func TestLogging_StreamLoggerFactoryCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	session := NewZapLogger(zap.New(core)).With(Field{Key: "session", Value: "s-42"})

	factory := newStreamLoggerFactory(session)
	factory.NewLogger("rdr-zlib").Infof("level %d", 6)
	factory.NewLogger("rdr-raw").Errorf("drain: %v", errors.New("reset"))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "level 6", entries[0].Message)
	assert.Equal(t, map[string]interface{}{"session": "s-42", "scope": "rdr-zlib"}, entries[0].ContextMap())
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "drain: reset", entries[1].Message)
	assert.Equal(t, "rdr-raw", entries[1].ContextMap()["scope"])
}

func TestLogging_StreamLoggerFactoryNoOp(t *testing.T) {
	stream := newStreamLoggerFactory(&NoOpLogger{}).NewLogger("rdr-aes")
	assert.NotPanics(t, func() {
		stream.Tracef("frame %d", 1)
		stream.Errorf("frame %d", 2)
		stream.Info("done")
	})
}

func TestLogging_ClientSessionField(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	client, wait, err := handshakeWith(t, newMockServer(SecurityTypeNone),
		WithLogger(NewZapLogger(zap.New(core))))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, wait())

	done := logs.FilterMessage("VNC handshake completed successfully").AllUntimed()
	require.Len(t, done, 1)
	assert.Equal(t, client.SessionID(), done[0].ContextMap()["session"])
	assert.Equal(t, "Mock VNC Server", done[0].ContextMap()["desktop_name"])
}
