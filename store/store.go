package store

import (
	"errors"
	"fmt"
)

var ErrKeyNotFound = errors.New("key not found")

type Store[TKey, TVal any] interface {
	List() ([]TVal, error)
	Count() (int, error)
	Get(key TKey) (TVal, error)
	Put(key TKey, value TVal) error
	Delete(key TKey) error
	Close() error
}

// Keys usable with every store type
type Key interface {
	comparable
	fmt.Stringer
}

// Create a store of the given type, "memory" or "persisted".
//
// Persisted stores keep their items in a bbolt database file.
func New[TKey Key, TVal any](storeType string, file string, bucket string) (Store[TKey, TVal], error) {
	switch storeType {
	case "memory":
		return NewMemoryStore[TKey, TVal](), nil
	case "persisted":
		s, err := NewPersistedStore[TKey, TVal](file, 0600, bucket)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}
