package store

import (
	"encoding/json"
	"fmt"
	"io/fs"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

type PersistedStore[TKey fmt.Stringer, TVal any] struct {
	Db         *bolt.DB
	BucketName string
}

func NewPersistedStore[TKey fmt.Stringer, TVal any](file string, mode fs.FileMode, storeName string) (*PersistedStore[TKey, TVal], error) {
	db, err := bolt.Open(file, mode, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", file)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(storeName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to create bucket %s", storeName)
	}

	return &PersistedStore[TKey, TVal]{
		Db:         db,
		BucketName: storeName,
	}, nil
}

func (s *PersistedStore[TKey, TVal]) List() ([]TVal, error) {
	items := []TVal{}
	err := s.Db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}

		return b.ForEach(func(key, jsonVal []byte) error {
			var value TVal
			if err := json.Unmarshal(jsonVal, &value); err != nil {
				return errors.Wrapf(err, "failed to decode value with key %s", key)
			}
			items = append(items, value)
			return nil
		})
	})
	return items, err
}

func (s *PersistedStore[TKey, TVal]) Count() (int, error) {
	var count int
	err := s.Db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}

func (s *PersistedStore[TKey, TVal]) Get(key TKey) (TVal, error) {
	var value TVal
	err := s.Db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}

		jsonVal := b.Get([]byte(key.String()))
		if jsonVal == nil {
			return errors.Wrapf(ErrKeyNotFound, "value with key %s", key)
		}

		return json.Unmarshal(jsonVal, &value)
	})
	return value, err
}

func (s *PersistedStore[TKey, TVal]) Put(key TKey, value TVal) error {
	return s.Db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}

		jsonVal, err := json.Marshal(value)
		if err != nil {
			return err
		}

		return b.Put([]byte(key.String()), jsonVal)
	})
}

func (s *PersistedStore[TKey, TVal]) Delete(key TKey) error {
	return s.Db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}

		if b.Get([]byte(key.String())) == nil {
			return errors.Wrapf(ErrKeyNotFound, "value with key %s", key)
		}
		return b.Delete([]byte(key.String()))
	})
}

func (s *PersistedStore[TKey, TVal]) Close() error {
	return s.Db.Close()
}

func (s *PersistedStore[TKey, TVal]) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(s.BucketName))
	if b == nil {
		return nil, fmt.Errorf("bucket with name %s doesn't exist", s.BucketName)
	}
	return b, nil
}
