package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestZapLoggerVGatesOnDebugLevel(t *testing.T) {
	prod, err := zap.NewProduction()
	require.NoError(t, err)
	l := NewZap(prod)

	require.True(t, l.V(0))
	require.False(t, l.V(1), "production config logs at info level, debug chatter must stay gated")
}

func TestNopLoggerNeverEnablesVerbose(t *testing.T) {
	l := Nop()
	require.True(t, l.V(0))
	require.False(t, l.V(1))
}

func TestLogrusLoggerVHonorsVerboseFlag(t *testing.T) {
	quiet := NewLogrus(nil, false)
	require.False(t, quiet.V(1))

	verbose := NewLogrus(nil, true)
	require.True(t, verbose.V(1))
}
