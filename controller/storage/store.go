package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is wrapped by lookups of missing keys.
var ErrNotFound = errors.New("not found")

// Store is the bucket/key JSON store shared by the controller subsystems.
type Store interface {
	CreateBucket(bucket string) error
	Get(bucket, id string, v interface{}) error
	Create(bucket string, fn func(string) interface{}) error
	Update(bucket, id string, v interface{}) error
	List(bucket string, fn func(string, []byte) error) error
	Delete(bucket, id string) error
	RawGet(bucket, id string) ([]byte, error)
	RawUpdate(bucket, id string, buf []byte) error
	Close() error
}

type store struct {
	db *bolt.DB
}

// NewStore opens (or creates) the bolt database at fn.
func NewStore(fn string) (*store, error) {
	db, err := bolt.Open(fn, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fn, err)
	}
	return &store{db: db}, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

func (s *store) CreateBucket(bucket string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
}

func (s *store) Get(bucket, id string, v interface{}) error {
	data, err := s.RawGet(bucket, id)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// RawGet returns a copy of the stored bytes. Missing keys are an error.
func (s *store) RawGet(bucket, id string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("key %s in bucket %s: %w", id, bucket, ErrNotFound)
		}
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	return out, err
}

// Create allocates the next sequence id in the bucket and stores the value fn builds for it.
func (s *store) Create(bucket string, fn func(string) interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id := strconv.FormatUint(seq, 10)
		data, err := json.Marshal(fn(id))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

// Update overwrites an existing key.
func (s *store) Update(bucket, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("key %s in bucket %s: %w", id, bucket, ErrNotFound)
		}
		return b.Put([]byte(id), data)
	})
}

// RawUpdate stores buf under id, creating the key if needed.
func (s *store) RawUpdate(bucket, id string, buf []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		return b.Put([]byte(id), buf)
	})
}

func (s *store) List(bucket string, fn func(string, []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

func (s *store) Delete(bucket, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		return b.Delete([]byte(id))
	})
}
