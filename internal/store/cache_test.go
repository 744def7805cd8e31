package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloodbridge/chat-client/internal/chat"
)

// countingStore is a RemoteStore that records how often it is asked.
type countingStore struct {
	msgs      []chat.Message
	err       error
	listCalls int
	sendCalls int
	// during runs inside ListMessages after the history was read.
	during func()
}

func (s *countingStore) ListChats(context.Context, chat.Identity) ([]chat.Chat, error) {
	return []chat.Chat{{ID: "c1"}}, s.err
}

func (s *countingStore) ListMessages(context.Context, string) ([]chat.Message, error) {
	s.listCalls++
	if s.err != nil {
		return nil, s.err
	}
	msgs := s.msgs
	if s.during != nil {
		s.during()
	}
	return msgs, nil
}

func (s *countingStore) SendMessage(_ context.Context, chatID, content string) (chat.Message, error) {
	s.sendCalls++
	if s.err != nil {
		return chat.Message{}, s.err
	}
	m := chat.Message{ID: "m-new", ChatID: chatID, Sender: alice, Content: content, CreatedAt: t0}
	s.msgs = append(s.msgs, m)
	return m, nil
}

// newTestCache creates a Cache connected to a local Redis instance. Tests
// that call this helper require a running Redis on localhost:6379.
func newTestCache(t *testing.T, remote RemoteStore) (*Cache, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewCache(remote, client, time.Minute, nil), client
}

func testChatID(t *testing.T) string {
	t.Helper()
	id := "test_" + uuid.NewString()
	t.Cleanup(func() {
		client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
		defer client.Close()
		ctx := context.Background()
		keys, _ := client.Keys(ctx, HistoryPrefix+"*"+id).Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})
	return id
}

const (
	aliceCred = "token-alice"
	bobCred   = "token-bob"
)

func asAlice() context.Context {
	return WithCaller(context.Background(), alice.ID, aliceCred)
}

func aliceKey(chatID string) string {
	return HistoryKey(alice.ID, aliceCred, chatID)
}

func TestCacheServesHistoryFromRedis(t *testing.T) {
	remote := &countingStore{msgs: []chat.Message{{ID: "m0", Content: "hi", CreatedAt: t0}}}
	c, _ := newTestCache(t, remote)
	chatID := testChatID(t)
	ctx := asAlice()

	first, err := c.ListMessages(ctx, chatID)
	require.NoError(t, err)
	second, err := c.ListMessages(ctx, chatID)
	require.NoError(t, err)

	assert.Equal(t, 1, remote.listCalls)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.True(t, t0.Equal(second[0].CreatedAt))
}

func TestCacheSetsTTL(t *testing.T) {
	remote := &countingStore{msgs: []chat.Message{{ID: "m0"}}}
	c, client := newTestCache(t, remote)
	chatID := testChatID(t)
	ctx := asAlice()

	_, err := c.ListMessages(ctx, chatID)
	require.NoError(t, err)

	ttl, err := client.TTL(ctx, aliceKey(chatID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	c.Invalidate(ctx, chatID)
	_, err = c.ListMessages(ctx, chatID)
	require.NoError(t, err)

	entryTTL, err := client.TTL(ctx, aliceKey(chatID)).Result()
	require.NoError(t, err)
	versionTTL, err := client.TTL(ctx, VersionKey(chatID)).Result()
	require.NoError(t, err)
	assert.Greater(t, versionTTL, entryTTL, "the version outlives the entry filled under it")
}

func TestCacheSendInvalidates(t *testing.T) {
	remote := &countingStore{msgs: []chat.Message{{ID: "m0"}}}
	c, _ := newTestCache(t, remote)
	chatID := testChatID(t)
	ctx := asAlice()

	_, err := c.ListMessages(ctx, chatID)
	require.NoError(t, err)
	_, err = c.SendMessage(ctx, chatID, "hello")
	require.NoError(t, err)

	msgs, err := c.ListMessages(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, 2, remote.listCalls)
	assert.Len(t, msgs, 2)
}

func TestCacheInvalidate(t *testing.T) {
	remote := &countingStore{msgs: []chat.Message{{ID: "m0"}}}
	c, client := newTestCache(t, remote)
	chatID := testChatID(t)
	ctx := asAlice()

	_, err := c.ListMessages(ctx, chatID)
	require.NoError(t, err)

	c.Invalidate(ctx, chatID)

	_, err = client.Get(ctx, aliceKey(chatID)).Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	boom := errors.New("remote down")
	remote := &countingStore{err: boom}
	c, client := newTestCache(t, remote)
	chatID := testChatID(t)
	ctx := asAlice()

	_, err := c.ListMessages(ctx, chatID)
	assert.ErrorIs(t, err, boom)

	_, err = client.Get(ctx, aliceKey(chatID)).Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestCacheFallsThroughWhenRedisIsDown(t *testing.T) {
	remote := &countingStore{msgs: []chat.Message{{ID: "m0"}}}
	// Nothing listens on this port; every Redis call fails fast.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	c := NewCache(remote, client, time.Minute, nil)
	ctx := asAlice()

	msgs, err := c.ListMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, err = c.SendMessage(ctx, "c1", "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, remote.sendCalls)
}

func TestCacheListChatsPassesThrough(t *testing.T) {
	remote := &countingStore{}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { client.Close() })
	c := NewCache(remote, client, 0, nil)

	chats, err := c.ListChats(context.Background(), alice)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
	assert.Equal(t, DefaultHistoryTTL, c.ttl)
}

func TestCacheInvalidateDuringFetchSkipsFill(t *testing.T) {
	remote := &countingStore{msgs: []chat.Message{{ID: "m0"}}}
	c, client := newTestCache(t, remote)
	chatID := testChatID(t)
	ctx := asAlice()

	// A message lands while the history read is in flight.
	remote.during = func() {
		remote.msgs = append(remote.msgs, chat.Message{ID: "m9"})
		c.Invalidate(ctx, chatID)
	}
	first, err := c.ListMessages(ctx, chatID)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	_, err = client.Get(ctx, aliceKey(chatID)).Result()
	assert.ErrorIs(t, err, redis.Nil, "history read before the invalidation must not be cached")

	remote.during = nil
	second, err := c.ListMessages(ctx, chatID)
	require.NoError(t, err)
	assert.Len(t, second, 2)
	assert.Equal(t, 2, remote.listCalls)
}

func TestCacheInvalidateRetiresOtherScopes(t *testing.T) {
	remote := &countingStore{msgs: []chat.Message{{ID: "m0"}}}
	c, _ := newTestCache(t, remote)
	chatID := testChatID(t)
	bobCtx := WithCaller(context.Background(), bob.ID, bobCred)

	_, err := c.ListMessages(asAlice(), chatID)
	require.NoError(t, err)

	c.Invalidate(bobCtx, chatID)

	_, err = c.ListMessages(asAlice(), chatID)
	require.NoError(t, err)
	assert.Equal(t, 2, remote.listCalls)
}

func TestCacheEntriesAreScopedToCaller(t *testing.T) {
	remote := &countingStore{msgs: []chat.Message{{ID: "m0"}}}
	c, client := newTestCache(t, remote)
	chatID := testChatID(t)
	ctx := context.Background()

	_, err := c.ListMessages(asAlice(), chatID)
	require.NoError(t, err)
	require.Equal(t, 1, remote.listCalls)

	_, err = c.ListMessages(WithCaller(ctx, bob.ID, bobCred), chatID)
	require.NoError(t, err)
	assert.Equal(t, 2, remote.listCalls, "another user never reads alice's entry")

	_, err = c.ListMessages(WithCaller(ctx, alice.ID, "token-alice-renewed"), chatID)
	require.NoError(t, err)
	assert.Equal(t, 3, remote.listCalls, "a different credential is checked by the remote again")

	_, err = c.ListMessages(asAlice(), chatID)
	require.NoError(t, err)
	assert.Equal(t, 3, remote.listCalls)

	n, err := client.Exists(ctx,
		aliceKey(chatID), HistoryKey(bob.ID, bobCred, chatID)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCacheBypassedWithoutCaller(t *testing.T) {
	remote := &countingStore{msgs: []chat.Message{{ID: "m0"}}}
	c, client := newTestCache(t, remote)
	chatID := testChatID(t)
	ctx := context.Background()

	_, err := c.ListMessages(WithCredential(ctx, aliceCred), chatID)
	require.NoError(t, err)
	_, err = c.ListMessages(WithUser(ctx, alice.ID), chatID)
	require.NoError(t, err)

	assert.Equal(t, 2, remote.listCalls)
	keys, err := client.Keys(ctx, HistoryPrefix+"*"+chatID).Result()
	require.NoError(t, err)
	assert.Empty(t, keys)
}
