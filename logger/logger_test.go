package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	for _, jsonOutput := range []bool{true, false} {
		Logger = nil
		require.NoError(t, Initialize(jsonOutput))
		require.NotNil(t, Logger)
		assert.Equal(t, jsonOutput, JSONOutput)
		Cleanup()
	}
	Logger = zap.NewNop().Sugar()
}

func TestInitializeWithRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")

	require.NoError(t, InitializeWithOptions(Options{JSON: true, Level: zapcore.InfoLevel, File: path}))
	defer func() { Logger = zap.NewNop().Sugar() }()

	Infow("Agent started", FieldAgentID, "tab-1")
	Debugw("dropped below level")
	Cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"agent_id":"tab-1"`)
	assert.NotContains(t, string(data), "dropped below level")
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
}

func TestFromContextCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core).Sugar()

	ctx := WithTxID(context.Background(), "tx-42")
	ctx = WithAgentID(ctx, "tab-b")
	FromContext(ctx, base).Infow("Transaction processing")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "tx-42", fields[FieldTxID])
	assert.Equal(t, "tab-b", fields[FieldAgentID])
}

func TestSymbolWrappers(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	AddOutboxSymbol(base).Infow("Sync pass")
	AddLeaderSymbol(base).Infow("Promoted")

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "꩜", logs.All()[0].ContextMap()[FieldSymbol])
	assert.Equal(t, "⍟", logs.All()[1].ContextMap()[FieldSymbol])
}
