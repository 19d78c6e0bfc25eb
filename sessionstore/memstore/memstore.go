// memstore implements a memory-based sessionstore.Store. The number of groups of entries is
// bounded, with the least recently used groups evicted first. This is intended for tests and
// single-node development, not for production.
package memstore

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/upcoord/sessionstore"
)

var (
	log = golog.LoggerFor("memstore")
)

const (
	DefaultCapacity = 100000
)

// group is the unit of eviction and expiry. Everything written by one PutAll lands in one group
// so that related keys never outlive each other.
type group struct {
	id        uint64
	values    map[string][]byte
	expiresAt time.Time
}

type store struct {
	groups *lru.Cache
	// key -> id of the group holding it
	index  map[string]uint64
	nextID uint64
	now    func() time.Time
	mx     sync.Mutex
}

// New constructs a new memory store holding at most capacity groups of entries
// (DefaultCapacity if capacity <= 0) and evaluating expiry against now (time.Now if nil). Each
// call to Put or PutAll makes one group.
func New(capacity int, now func() time.Time) (sessionstore.Store, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
		log.Debugf("Defaulted capacity to %d", capacity)
	}
	if now == nil {
		now = time.Now
	}
	s := &store{
		index: make(map[string]uint64),
		now:   now,
	}
	groups, err := lru.NewWithEvict(capacity, s.onEvict)
	if err != nil {
		return nil, errors.New("unable to create cache: %v", err)
	}
	s.groups = groups
	return s, nil
}

// onEvict drops the index entries of a group leaving the cache. The cache only calls it while
// mx is held.
func (s *store) onEvict(_ interface{}, value interface{}) {
	g := value.(*group)
	for key := range g.values {
		if s.index[key] == g.id {
			delete(s.index, key)
		}
	}
}

func (s *store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.PutAll(ctx, []sessionstore.Entry{{Key: key, Value: value}}, ttl)
}

func (s *store) PutAll(ctx context.Context, entries []sessionstore.Entry, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()

	s.nextID++
	g := &group{
		id:        s.nextID,
		values:    make(map[string][]byte, len(entries)),
		expiresAt: s.now().Add(ttl),
	}
	for _, e := range entries {
		s.detach(e.Key)
		g.values[e.Key] = append([]byte(nil), e.Value...)
		s.index[e.Key] = g.id
	}
	s.groups.Add(g.id, g)
	return nil
}

func (s *store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mx.Lock()
	defer s.mx.Unlock()

	g := s.get(key)
	if g == nil {
		return nil, false, nil
	}
	return append([]byte(nil), g.values[key]...), true, nil
}

func (s *store) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.get(key) != nil, nil
}

func (s *store) Delete(ctx context.Context, keys ...string) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	for _, key := range keys {
		s.detach(key)
	}
	return nil
}

func (s *store) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.groups.Purge()
	return nil
}

// get returns the unexpired group holding key, evicting the whole group if it has expired.
// Must be called with mx held.
func (s *store) get(key string) *group {
	id, found := s.index[key]
	if !found {
		return nil
	}
	_g, found := s.groups.Get(id)
	if !found {
		delete(s.index, key)
		return nil
	}
	g := _g.(*group)
	if !s.now().Before(g.expiresAt) {
		s.groups.Remove(id)
		return nil
	}
	return g
}

// detach removes key from whatever group holds it, dropping the group once it's empty. Must be
// called with mx held.
func (s *store) detach(key string) {
	id, found := s.index[key]
	if !found {
		return
	}
	delete(s.index, key)
	_g, found := s.groups.Peek(id)
	if !found {
		return
	}
	g := _g.(*group)
	delete(g.values, key)
	if len(g.values) == 0 {
		s.groups.Remove(id)
	}
}
