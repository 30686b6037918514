package cache

import (
	"context"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// PebbleStore persists conversations in a Pebble database. Keys are
// prefixed with a namespace so multiple clients can share one database
// without colliding, and Clear only touches the store's own namespace.
type PebbleStore struct {
	db        *pebble.DB
	namespace string
	ownsDB    bool
}

var _ Store = (*PebbleStore)(nil)

// OpenPebbleStore opens (or creates) a Pebble database at path and returns
// a store scoped to the given namespace.
func OpenPebbleStore(path string, namespace string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pebble database at %s", path)
	}
	log.Debug().Str("path", path).Str("namespace", namespace).Msg("opened pebble store")
	return &PebbleStore{
		db:        db,
		namespace: namespace,
		ownsDB:    true,
	}, nil
}

// NewPebbleStore wraps an already opened database. Close is then the
// caller's responsibility.
func NewPebbleStore(db *pebble.DB, namespace string) *PebbleStore {
	return &PebbleStore{
		db:        db,
		namespace: namespace,
	}
}

func (s *PebbleStore) key(key string) []byte {
	return []byte(s.namespace + ":" + key)
}

func (s *PebbleStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, closer, err := s.db.Get(s.key(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "pebble get failed")
	}
	ret := make([]byte, len(value))
	copy(ret, value)
	if err := closer.Close(); err != nil {
		return nil, false, errors.Wrap(err, "pebble get close failed")
	}
	return ret, true, nil
}

func (s *PebbleStore) Set(_ context.Context, key string, value []byte) error {
	if err := s.db.Set(s.key(key), value, pebble.Sync); err != nil {
		return errors.Wrap(err, "pebble set failed")
	}
	return nil
}

func (s *PebbleStore) Clear(_ context.Context) error {
	start := []byte(s.namespace + ":")
	// 0xff never appears in UTF-8 keys, so this bounds the namespace.
	end := append([]byte(s.namespace+":"), 0xff)
	if err := s.db.DeleteRange(start, end, pebble.Sync); err != nil {
		return errors.Wrap(err, "pebble clear failed")
	}
	return nil
}

// Close closes the underlying database when this store opened it.
func (s *PebbleStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
