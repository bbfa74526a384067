package idempotency

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRedisClient struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	closed bool
}

func newMockRedisClient() *mockRedisClient {
	return &mockRedisClient{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *mockRedisClient) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, redis.Nil
	}
	return v, nil
}

func (m *mockRedisClient) Set(_ context.Context, key string, value []byte, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("client closed")
	}
	m.data[key] = value
	m.ttls[key] = expiration
	return nil
}

func (m *mockRedisClient) Ping(context.Context) error { return nil }

func (m *mockRedisClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestRedisStoreRoundTrip(t *testing.T) {
	client := newMockRedisClient()
	store, err := newRedisStore(context.Background(), client)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	rec := NewRecord("fp", 200, []byte(`{"ok":true}`), 10*time.Minute)
	require.NoError(t, store.Save(ctx, "k1", rec))

	ttl := client.ttls[redisKeyPrefix+"k1"]
	assert.Greater(t, ttl, 9*time.Minute)
	assert.LessOrEqual(t, ttl, 10*time.Minute)

	got, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "fp", got.Fingerprint)
	assert.JSONEq(t, `{"ok":true}`, string(got.Response))
}

func TestRedisStoreSkipsExpiredRecords(t *testing.T) {
	client := newMockRedisClient()
	store, err := newRedisStore(context.Background(), client)
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), "old", NewRecord("fp", 200, nil, -time.Second)))
	assert.Empty(t, client.data)

	require.NoError(t, store.Close())
	assert.True(t, client.closed)
}

func TestRedisStoreLive(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewRedisStore(ctx, url)
	require.NoError(t, err)
	defer store.Close()

	key := fmt.Sprintf("test-%d", time.Now().UnixNano())
	require.NoError(t, store.Save(ctx, key, NewRecord("fp", 200, []byte("payload"), time.Minute)))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 200, got.StatusCode)
}
