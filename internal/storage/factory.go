package storage

import "fmt"

const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
	KindBadger = "badger"

	DefaultStoreKind  = KindMemory
	DefaultSQLitePath = "dartsearch.db"
	DefaultBadgerDir  = "dartsearch.badger"
)

// NewStore builds a store of the given kind. path is the sqlite file or the
// badger directory; an empty badger path opens an in-memory database.
func NewStore(kind, path string) (Store, error) {
	switch kind {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindSQLite:
		if path == "" {
			path = DefaultSQLitePath
		}
		return NewSQLiteStore(path), nil
	case KindBadger:
		return NewBadgerStore(path), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
