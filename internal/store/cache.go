package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bloodbridge/chat-client/internal/chat"
	"github.com/bloodbridge/chat-client/internal/logging"
)

const (
	// HistoryPrefix is the Redis key prefix for cached message histories.
	HistoryPrefix = "chat:history:"

	// DefaultHistoryTTL bounds how long a cached history is served.
	DefaultHistoryTTL = 30 * time.Second
)

// Dial connects to Redis and verifies the connection.
func Dial(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}
	return client, nil
}

// Cache wraps a RemoteStore with a Redis read-through cache for message
// history. Chat lists are never cached since unread counters change with
// every message. Redis failures are logged and the call goes to the remote
// store instead.
//
// Entries are scoped to the caller: the key holds the user id from
// UserFrom and a digest of the credential from CredentialFrom, and calls
// without both bypass the cache. Every chat has a version counter shared by
// all scopes. Invalidate bumps it, an entry only counts while it carries the
// current version, and a fill is dropped when the version moved while the
// remote fetch was in flight.
type Cache struct {
	remote RemoteStore
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

var (
	_ RemoteStore = (*Cache)(nil)
	_ Invalidator = (*Cache)(nil)
)

// versionGrace keeps a version counter alive past every entry and fetch
// that could have observed its previous value.
const versionGrace = 5 * time.Minute

var errHistoryChanged = errors.New("store: history changed during fetch")

type historyEntry struct {
	Version  int64          `json:"v"`
	Messages []chat.Message `json:"m"`
}

// NewCache creates a cache in front of remote. A non-positive ttl selects
// DefaultHistoryTTL.
func NewCache(remote RemoteStore, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultHistoryTTL
	}
	return &Cache{
		remote: remote,
		rdb:    rdb,
		ttl:    ttl,
		logger: logging.OrNop(logger).Named("store.cache"),
	}
}

// HistoryKey returns the key of the history of chatID cached for one user
// and credential.
func HistoryKey(userID, credential, chatID string) string {
	sum := sha256.Sum256([]byte(credential))
	return HistoryPrefix + userID + ":" + hex.EncodeToString(sum[:8]) + ":" + chatID
}

// VersionKey returns the key of the version counter of chatID.
func VersionKey(chatID string) string {
	return HistoryPrefix + "v:" + chatID
}

func historyKey(ctx context.Context, chatID string) (string, bool) {
	user, ok := UserFrom(ctx)
	if !ok {
		return "", false
	}
	cred, ok := CredentialFrom(ctx)
	if !ok {
		return "", false
	}
	return HistoryKey(user, cred, chatID), true
}

// ListChats always asks the remote store.
func (c *Cache) ListChats(ctx context.Context, user chat.Identity) ([]chat.Chat, error) {
	return c.remote.ListChats(ctx, user)
}

// ListMessages serves the history of chatID from Redis when the caller's
// entry is current and fills the cache on a miss.
func (c *Cache) ListMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	key, ok := historyKey(ctx, chatID)
	if !ok {
		c.logger.Debug("uncached history read without caller", zap.String("chat_id", chatID))
		return c.remote.ListMessages(ctx, chatID)
	}

	version, msgs, hit, readErr := c.lookup(ctx, key, chatID)
	if hit {
		return msgs, nil
	}
	if readErr != nil {
		c.logger.Warn("cache read failed", zap.String("chat_id", chatID), zap.Error(readErr))
	}

	msgs, err := c.remote.ListMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if readErr == nil {
		c.fill(ctx, key, chatID, version, msgs)
	}
	return msgs, nil
}

// lookup reads the entry at key together with the current version of
// chatID.
func (c *Cache) lookup(ctx context.Context, key, chatID string) (version int64, msgs []chat.Message, hit bool, err error) {
	vals, err := c.rdb.MGet(ctx, key, VersionKey(chatID)).Result()
	if err != nil {
		return 0, nil, false, err
	}
	if v, ok := vals[1].(string); ok {
		if version, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, nil, false, fmt.Errorf("store: bad history version %q: %w", v, err)
		}
	}
	raw, ok := vals[0].(string)
	if !ok {
		return version, nil, false, nil
	}
	var entry historyEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Warn("discarding undecodable cache entry", zap.String("chat_id", chatID))
		return version, nil, false, nil
	}
	if entry.Version != version {
		return version, nil, false, nil
	}
	return version, entry.Messages, true, nil
}

// fill stores msgs at key unless the version of chatID moved away from
// version since it was read.
func (c *Cache) fill(ctx context.Context, key, chatID string, version int64, msgs []chat.Message) {
	data, err := json.Marshal(historyEntry{Version: version, Messages: msgs})
	if err != nil {
		return
	}
	vkey := VersionKey(chatID)
	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, vkey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != version {
			return errHistoryChanged
		}
		// The version must outlive every entry filled under it, or a restarted
		// counter could match a stale entry.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			pipe.Expire(ctx, vkey, c.ttl+versionGrace)
			return nil
		})
		return err
	}, vkey)
	switch {
	case err == nil:
	case errors.Is(err, errHistoryChanged), errors.Is(err, redis.TxFailedErr):
		c.logger.Debug("history changed during fetch, not cached", zap.String("chat_id", chatID))
	default:
		c.logger.Warn("cache write failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// SendMessage forwards to the remote store and invalidates the cached
// history of chatID once the message is stored.
func (c *Cache) SendMessage(ctx context.Context, chatID, content string) (chat.Message, error) {
	msg, err := c.remote.SendMessage(ctx, chatID, content)
	if err != nil {
		return chat.Message{}, err
	}
	c.Invalidate(ctx, chatID)
	return msg, nil
}

// Invalidate bumps the version of chatID, which retires every cached copy of
// its history, and drops the caller's own entry.
func (c *Cache) Invalidate(ctx context.Context, chatID string) {
	vkey := VersionKey(chatID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, vkey)
		pipe.Expire(ctx, vkey, c.ttl+versionGrace)
		if key, ok := historyKey(ctx, chatID); ok {
			pipe.Del(ctx, key)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("cache invalidation failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}
