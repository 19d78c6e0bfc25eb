package redisstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/upcoord/sessionstore"
	"github.com/getlantern/upcoord/sessionstore/storetest"
)

func newClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     "localhost:6379",
		Password: "", // no password set
		DB:       0,  // use default DB
	})
}

func TestStore(t *testing.T) {
	namespace := fmt.Sprintf("test:%d:", time.Now().UnixNano())
	storetest.TestStore(t, func() sessionstore.Store {
		return New(newClient(), namespace)
	}, func(d time.Duration) {
		time.Sleep(d)
	})
}

func TestNamespace(t *testing.T) {
	client := newClient()
	defer client.Close()

	namespace := fmt.Sprintf("test:%d:", time.Now().UnixNano())
	s := New(client, namespace)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "sess:a", []byte("x"), time.Minute))

	raw, err := client.Get(ctx, namespace+"sess:a").Result()
	require.NoError(t, err)
	require.Equal(t, "x", raw)

	ttl, err := client.PTTL(ctx, namespace+"sess:a").Result()
	require.NoError(t, err)
	require.True(t, ttl > 50*time.Second && ttl <= time.Minute, "ttl was %v", ttl)
	require.NoError(t, s.Delete(ctx, "sess:a"))
}
