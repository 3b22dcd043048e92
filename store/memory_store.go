package store

import (
	"sync"

	"github.com/pkg/errors"
)

type MemoryStore[TKey comparable, TVal any] struct {
	mu sync.RWMutex
	Db map[TKey]TVal
}

func NewMemoryStore[TKey comparable, TVal any]() *MemoryStore[TKey, TVal] {
	return &MemoryStore[TKey, TVal]{Db: map[TKey]TVal{}}
}

func (t *MemoryStore[TKey, TVal]) List() ([]TVal, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	items := make([]TVal, 0, len(t.Db))
	for _, item := range t.Db {
		items = append(items, item)
	}
	return items, nil
}

func (t *MemoryStore[TKey, TVal]) Count() (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.Db), nil
}

func (t *MemoryStore[TKey, TVal]) Get(key TKey) (TVal, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, found := t.Db[key]
	if !found {
		var defaultVal TVal
		return defaultVal, errors.Wrapf(ErrKeyNotFound, "item with key %v", key)
	}
	return item, nil
}

func (t *MemoryStore[TKey, TVal]) Put(key TKey, value TVal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Db[key] = value
	return nil
}

func (t *MemoryStore[TKey, TVal]) Delete(key TKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, found := t.Db[key]; !found {
		return errors.Wrapf(ErrKeyNotFound, "item with key %v", key)
	}
	delete(t.Db, key)
	return nil
}

func (t *MemoryStore[TKey, TVal]) Close() error {
	return nil
}
