package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/blocksync/am"
	"github.com/teranos/blocksync/engine"
	"github.com/teranos/blocksync/outbox"
)

func testConfig(t *testing.T) *am.Config {
	t.Helper()
	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, int64(42), parseValue("42"))
	assert.Equal(t, 2.5, parseValue("2.5"))
	assert.Equal(t, []string{"http://a", "http://b"}, parseValue("http://a, http://b"))
	assert.Equal(t, "blocksync.db", parseValue("blocksync.db"))
}

func TestWriteConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.Token = "secret"

	for _, format := range []string{"toml", "json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, writeConfig(&buf, cfg, format))
			assert.Contains(t, buf.String(), "batch_size")
			assert.NotContains(t, buf.String(), "secret")
		})
	}

	var buf bytes.Buffer
	assert.Error(t, writeConfig(&buf, cfg, "ini"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestOutboxConfig(t *testing.T) {
	cfg := testConfig(t)
	oc := outboxConfig(cfg)
	assert.Equal(t, 2*time.Second, oc.Interval)
	assert.Equal(t, cfg.Sync.BatchSize, oc.BatchSize)
	assert.Equal(t, 5*time.Minute, oc.MaxRetryDelay)
	assert.Equal(t, cfg.Coordination.LeaderTimeout(), oc.OrphanAfter)
}

func TestQueueCommands(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	am.Reset()
	t.Cleanup(am.Reset)

	path := filepath.Join(t.TempDir(), "agent.db")
	ctx := context.Background()

	// Seed one pending transaction the way an agent would.
	storage := engine.OpenStorage(path, nil, zaptest.NewLogger(t).Sugar())
	require.False(t, storage.Degraded)
	q, err := outbox.NewQueue(ctx, storage.Outbox, nil, outbox.DefaultConfig(), nil)
	require.NoError(t, err)
	txID, err := q.Enqueue(ctx, outbox.TypeDelete, &outbox.DeletePayload{IDs: []string{"b1"}}, "u1", "page-1", nil)
	require.NoError(t, err)
	require.NoError(t, storage.Close())

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		QueueCmd.SetOut(&out)
		QueueCmd.SetArgs(append(args, "--db-path", path))
		require.NoError(t, QueueCmd.ExecuteContext(ctx))
		return out.String()
	}

	var stats struct {
		Stats outbox.Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal([]byte(run("stats", "--json")), &stats))
	assert.Equal(t, 1, stats.Stats.Pending)

	var txs []outbox.Transaction
	require.NoError(t, json.Unmarshal([]byte(run("ls", "--json", "--status", "pending")), &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, txID, txs[0].ID)

	run("cancel", txID)
	out := run("ls", "--json", "--status", "cancelled")
	assert.True(t, strings.Contains(out, txID))
}

func TestDbCommands(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	am.Reset()
	t.Cleanup(am.Reset)
	path := filepath.Join(t.TempDir(), "blocks.db")

	var out bytes.Buffer
	DbCmd.SetOut(&out)
	DbCmd.SetArgs([]string{"migrate", "--db-path", path})
	require.NoError(t, DbCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), path)

	out.Reset()
	DbCmd.SetArgs([]string{"stats", "--db-path", path})
	require.NoError(t, DbCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "Blocks:         0 across 0 pages")
}
