package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSecurityTagsEntry(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := GetLogger()
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(prev) })

	Security("webhook signature rejected", zap.String("gateway", "stripe"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, true, fields["security_event"])
	assert.Equal(t, "stripe", fields["gateway"])
	assert.Equal(t, serviceName, fields["service"])
}

func TestHelpersAreSafeBeforeInit(t *testing.T) {
	assert.NotPanics(t, func() {
		Info("hello")
		Warn("careful")
		Error("oops")
		_ = Sync()
	})
}

func TestInitLoggerRejectsBadLevel(t *testing.T) {
	prev := GetLogger()
	t.Cleanup(func() { SetLogger(prev) })
	assert.Error(t, InitLogger(Options{Level: "loud"}))
}
