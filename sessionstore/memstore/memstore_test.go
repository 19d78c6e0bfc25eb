package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/upcoord/sessionstore"
	"github.com/getlantern/upcoord/sessionstore/storetest"
)

type clock struct {
	now time.Time
	mx  sync.Mutex
}

func (c *clock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.now = c.now.Add(d)
}

func TestStore(t *testing.T) {
	c := &clock{now: time.Now()}
	storetest.TestStore(t, func() sessionstore.Store {
		s, err := New(0, c.Now)
		require.NoError(t, err)
		return s
	}, c.Advance)
}

func TestStoreSmallCapacity(t *testing.T) {
	c := &clock{now: time.Now()}
	storetest.TestStore(t, func() sessionstore.Store {
		s, err := New(3, c.Now)
		require.NoError(t, err)
		return s
	}, c.Advance)
}

func TestEvictionKeepsBatchesWhole(t *testing.T) {
	s, err := New(3, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.PutAll(ctx, []sessionstore.Entry{{Key: "upl:A", Value: []byte("a")}, {Key: "sess:a", Value: []byte("{}")}}, time.Hour))
	require.NoError(t, s.PutAll(ctx, []sessionstore.Entry{{Key: "upl:B", Value: []byte("b")}, {Key: "sess:b", Value: []byte("{}")}}, time.Hour))
	require.NoError(t, s.Put(ctx, "x", []byte("x"), time.Hour))
	require.NoError(t, s.Put(ctx, "y", []byte("y"), time.Hour))

	for _, key := range []string{"upl:A", "sess:a"} {
		_, found, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.False(t, found, "%v should have been evicted with its batch", key)
	}
	for _, key := range []string{"upl:B", "sess:b", "x", "y"} {
		_, found, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, found, key)
	}
}

func TestOverwriteMovesKeyOutOfItsBatch(t *testing.T) {
	s, err := New(0, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.PutAll(ctx, []sessionstore.Entry{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("1")}}, time.Hour))
	require.NoError(t, s.Put(ctx, "a", []byte("2"), time.Hour))
	require.NoError(t, s.Delete(ctx, "b"))

	value, found, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found, "deleting the old sibling must not take the rewritten key with it")
	require.Equal(t, "2", string(value))
}

func TestCapacity(t *testing.T) {
	s, err := New(2, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", []byte("a"), time.Hour))
	require.NoError(t, s.Put(ctx, "b", []byte("b"), time.Hour))
	_, found, _ := s.Get(ctx, "a")
	require.True(t, found)
	require.NoError(t, s.Put(ctx, "c", []byte("c"), time.Hour))

	_, found, _ = s.Get(ctx, "b")
	require.False(t, found, "least recently used entry should have been evicted")
	_, found, _ = s.Get(ctx, "a")
	require.True(t, found)
}

func TestValuesAreCopied(t *testing.T) {
	s, err := New(0, nil)
	require.NoError(t, err)
	ctx := context.Background()

	value := []byte("abc")
	require.NoError(t, s.Put(ctx, "k", value, time.Hour))
	value[0] = 'x'
	stored, _, _ := s.Get(ctx, "k")
	require.Equal(t, "abc", string(stored))
}
