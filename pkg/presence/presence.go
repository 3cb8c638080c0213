// Package presence mirrors which terminals hold live sessions into Redis so
// that other processes (dashboards, a second coordinator, ops scripts) can
// see them without querying the coordinator.
//
// Each terminal is a hash under <prefix>terminal:<id> with a TTL refreshed
// on every heartbeat, indexed by the set <prefix>terminals. A coordinator
// that dies without cleaning up leaves entries that expire on their own;
// List prunes index members whose hash has expired.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Defaults for Config.
const (
	DefaultKeyPrefix    = "godispatch:"
	DefaultTTL          = 2 * time.Minute
	DefaultWriteTimeout = 2 * time.Second
)

// Config configures the Redis connection and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces all keys. Defaults to DefaultKeyPrefix.
	KeyPrefix string

	// TTL is how long an entry survives without a refresh.
	TTL time.Duration

	// WriteTimeout bounds each mirror update.
	WriteTimeout time.Duration

	// Instance identifies the coordinator writing the entries.
	Instance string
}

// ErrNoAddr is returned by New when no Redis address is configured.
var ErrNoAddr = errors.New("presence: redis address is required")

// Entry is one terminal's mirrored presence.
type Entry struct {
	TerminalID string
	Sessions   int
	Instance   string
	LastSeen   time.Time
}

// Mirror writes presence entries to Redis.
type Mirror struct {
	client       redis.UniversalClient
	prefix       string
	ttl          time.Duration
	writeTimeout time.Duration
	instance     string
	now          func() time.Time
}

// New connects to Redis per cfg. The connection is lazy; use Ping to check it.
func New(cfg Config) (*Mirror, error) {
	if cfg.Addr == "" {
		return nil, ErrNoAddr
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, cfg Config) *Mirror {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Mirror{
		client:       client,
		prefix:       cfg.KeyPrefix,
		ttl:          cfg.TTL,
		writeTimeout: cfg.WriteTimeout,
		instance:     cfg.Instance,
		now:          time.Now,
	}
}

func (m *Mirror) terminalKey(id string) string {
	return m.prefix + "terminal:" + id
}

func (m *Mirror) indexKey() string {
	return m.prefix + "terminals"
}

// Online records that terminalID holds sessions live sessions and refreshes the TTL.
func (m *Mirror) Online(ctx context.Context, terminalID string, sessions int) error {
	ctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()

	key := m.terminalKey(terminalID)
	fields := map[string]interface{}{
		"terminal_id": terminalID,
		"sessions":    sessions,
		"instance":    m.instance,
		"last_seen":   m.now().UnixMilli(),
	}
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.SAdd(ctx, m.indexKey(), terminalID)
		pipe.Expire(ctx, key, m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence online %s: %w", terminalID, err)
	}
	return nil
}

// Offline removes terminalID's entry.
func (m *Mirror) Offline(ctx context.Context, terminalID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()

	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.terminalKey(terminalID))
		pipe.SRem(ctx, m.indexKey(), terminalID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence offline %s: %w", terminalID, err)
	}
	return nil
}

// List returns all live entries, pruning index members whose hash expired.
func (m *Mirror) List(ctx context.Context) ([]Entry, error) {
	ids, err := m.client.SMembers(ctx, m.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}

	entries := make([]Entry, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		fields, err := m.client.HGetAll(ctx, m.terminalKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("presence get %s: %w", id, err)
		}
		if len(fields) == 0 {
			stale = append(stale, id)
			continue
		}
		entries = append(entries, parseEntry(id, fields))
	}
	if len(stale) > 0 {
		if err := m.client.SRem(ctx, m.indexKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("presence prune: %w", err)
		}
	}
	return entries, nil
}

// Ping checks the Redis connection.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close releases the client.
func (m *Mirror) Close() error {
	return m.client.Close()
}

func parseEntry(id string, fields map[string]string) Entry {
	e := Entry{TerminalID: id, Instance: fields["instance"]}
	if n, err := strconv.Atoi(fields["sessions"]); err == nil {
		e.Sessions = n
	}
	if ms, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
		e.LastSeen = time.UnixMilli(ms).UTC()
	}
	return e
}
