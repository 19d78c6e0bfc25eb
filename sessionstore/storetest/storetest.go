// storetest provides a test suite that any sessionstore.Store must pass.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/upcoord/sessionstore"
)

// TestStore runs the suite. newStore builds a fresh store and advance lets time pass for the
// store, either by sleeping or by moving a fake clock.
func TestStore(t *testing.T, newStore func() sessionstore.Store, advance func(time.Duration)) {
	ctx := context.Background()

	t.Run("put get delete", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		_, found, err := s.Get(ctx, "upl:missing")
		require.NoError(t, err)
		require.False(t, found, "a miss is not an error")

		require.NoError(t, s.Put(ctx, "upl:1", []byte("files/a"), time.Minute))
		value, found, err := s.Get(ctx, "upl:1")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "files/a", string(value))

		exists, err := s.Exists(ctx, "upl:1")
		require.NoError(t, err)
		require.True(t, exists)

		require.NoError(t, s.Delete(ctx, "upl:1", "upl:never-existed"))
		exists, err = s.Exists(ctx, "upl:1")
		require.NoError(t, err)
		require.False(t, exists)
		require.NoError(t, s.Delete(ctx))
	})

	t.Run("put all expires together", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		ttl := 300 * time.Millisecond
		require.NoError(t, s.PutAll(ctx, []sessionstore.Entry{
			{Key: "upl:2", Value: []byte("files/b")},
			{Key: "sess:files/b", Value: []byte(`{"uploadId":"2"}`)},
		}, ttl))
		for _, key := range []string{"upl:2", "sess:files/b"} {
			exists, err := s.Exists(ctx, key)
			require.NoError(t, err)
			require.True(t, exists, key)
		}

		advance(ttl + 200*time.Millisecond)
		for _, key := range []string{"upl:2", "sess:files/b"} {
			_, found, err := s.Get(ctx, key)
			require.NoError(t, err)
			require.False(t, found, "%v should have expired", key)
		}
	})

	t.Run("put all entries share a fate", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		// more sessions than a small bounded store can hold
		const sessions = 10
		for i := 0; i < sessions; i++ {
			require.NoError(t, s.PutAll(ctx, []sessionstore.Entry{
				{Key: fmt.Sprintf("upl:%d", i), Value: []byte(fmt.Sprintf("files/%d", i))},
				{Key: fmt.Sprintf("sess:files/%d", i), Value: []byte("{}")},
			}, time.Minute))
		}
		for i := 0; i < sessions; i++ {
			uplExists, err := s.Exists(ctx, fmt.Sprintf("upl:%d", i))
			require.NoError(t, err)
			sessExists, err := s.Exists(ctx, fmt.Sprintf("sess:files/%d", i))
			require.NoError(t, err)
			require.Equal(t, uplExists, sessExists, "both keys of session %d must live and die together", i)
		}
		exists, err := s.Exists(ctx, fmt.Sprintf("upl:%d", sessions-1))
		require.NoError(t, err)
		require.True(t, exists, "the latest session should be present")

		keys := make([]string, 0, 2*sessions)
		for i := 0; i < sessions; i++ {
			keys = append(keys, fmt.Sprintf("upl:%d", i), fmt.Sprintf("sess:files/%d", i))
		}
		require.NoError(t, s.Delete(ctx, keys...))
	})

	t.Run("overwrite", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		require.NoError(t, s.Put(ctx, "k", []byte("one"), time.Minute))
		require.NoError(t, s.Put(ctx, "k", []byte("two"), time.Minute))
		value, _, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, "two", string(value))
		require.NoError(t, s.Delete(ctx, "k"))
	})
}
