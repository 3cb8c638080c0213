package presence

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresAddr(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoAddr)
}

func TestDefaultsAndKeys(t *testing.T) {
	m, err := New(Config{Addr: "localhost:0"})
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	assert.Equal(t, DefaultTTL, m.ttl)
	assert.Equal(t, DefaultWriteTimeout, m.writeTimeout)
	assert.Equal(t, "godispatch:terminal:T1", m.terminalKey("T1"))
	assert.Equal(t, "godispatch:terminals", m.indexKey())
}

func TestParseEntry(t *testing.T) {
	e := parseEntry("T1", map[string]string{
		"sessions":  "2",
		"instance":  "node-a",
		"last_seen": "1767225600000",
	})
	assert.Equal(t, "T1", e.TerminalID)
	assert.Equal(t, 2, e.Sessions)
	assert.Equal(t, "node-a", e.Instance)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), e.LastSeen)

	partial := parseEntry("T2", map[string]string{"sessions": "x"})
	assert.Zero(t, partial.Sessions)
	assert.True(t, partial.LastSeen.IsZero())
}

// Set GODISPATCH_REDIS_ADDR_INTEGRATION (e.g. localhost:6379) to run against a real server.
func TestMirror_Integration(t *testing.T) {
	addr := os.Getenv("GODISPATCH_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("GODISPATCH_REDIS_ADDR_INTEGRATION not set")
	}
	ctx := context.Background()

	m, err := New(Config{
		Addr:      addr,
		KeyPrefix: fmt.Sprintf("godispatch-test-%d:", time.Now().UnixNano()),
		TTL:       time.Minute,
		Instance:  "node-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Ping(ctx))

	require.NoError(t, m.Online(ctx, "T1", 1))
	require.NoError(t, m.Online(ctx, "T2", 2))

	entries, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	ttl, err := m.client.TTL(ctx, m.terminalKey("T1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, m.Offline(ctx, "T1"))
	entries, err = m.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "T2", entries[0].TerminalID)
	assert.Equal(t, 2, entries[0].Sessions)
	assert.Equal(t, "node-test", entries[0].Instance)

	// An expired hash is pruned from the index.
	require.NoError(t, m.client.Del(ctx, m.terminalKey("T2")).Err())
	entries, err = m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
	members, err := m.client.SMembers(ctx, m.indexKey()).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}
