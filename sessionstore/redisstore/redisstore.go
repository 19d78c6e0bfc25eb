// redisstore provides an implementation of the ../sessionstore.Store interface backed by a Redis
// database. It can run on a cluster as long as PutAll is only given keys that hash to the same
// slot, or the cluster is addressed through a proxy.
//
// Every key is stored as a plain string with an expiry (SET key value PX ttl). An optional
// namespace is prepended to all keys so that several deployments can share a database.
package redisstore

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/upcoord/sessionstore"
)

var (
	log = golog.LoggerFor("redisstore")
)

const (
	queryTimeout = 10 * time.Second
)

// New constructs a new Redis-backed Store that connects with the given client. Keys are
// prefixed with namespace, which may be empty.
func New(client *redis.Client, namespace string) sessionstore.Store {
	if namespace != "" {
		log.Debugf("Namespacing session keys with %v", namespace)
	}
	return &redisStore{
		client:    client,
		namespace: namespace,
	}
}

type redisStore struct {
	client    *redis.Client
	namespace string
}

func (s *redisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := queryContext(ctx)
	defer cancel()

	err := s.client.Set(ctx, s.key(key), value, ttl).Err()
	if err != nil {
		return errors.New("unable to put %v: %v", key, err)
	}
	return nil
}

func (s *redisStore) PutAll(ctx context.Context, entries []sessionstore.Entry, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := queryContext(ctx)
	defer cancel()

	p := s.client.TxPipeline()
	for _, entry := range entries {
		p.Set(ctx, s.key(entry.Key), entry.Value, ttl)
	}
	_, err := p.Exec(ctx)
	if err != nil {
		return errors.New("unable to put %d entries: %v", len(entries), err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()

	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.New("unable to get %v: %v", key, err)
	}
	return value, true, nil
}

func (s *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()

	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, errors.New("unable to check existence of %v: %v", key, err)
	}
	return n > 0, nil
}

func (s *redisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := queryContext(ctx)
	defer cancel()

	namespaced := make([]string, 0, len(keys))
	for _, key := range keys {
		namespaced = append(namespaced, s.key(key))
	}
	err := s.client.Del(ctx, namespaced...).Err()
	if err != nil {
		return errors.New("unable to delete %v: %v", keys, err)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func (s *redisStore) key(key string) string {
	return s.namespace + key
}

// queryContext bounds a query by queryTimeout in addition to whatever deadline ctx carries.
func queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}
