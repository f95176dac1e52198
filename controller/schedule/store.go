// Package schedule persists pending actuator commands.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klimakammer/klimakammer/controller/storage"
)

const (
	Bucket      = "schedule"
	documentKey = "document"
)

// backend reads and replaces the serialized document. read returns nil, nil when
// nothing has been persisted yet.
type backend interface {
	read() ([]byte, error)
	write([]byte) error
}

// Store owns the schedule document. Every mutation is a read-modify-write under a
// single writer lock, so a reader sees the document either before or after it.
type Store struct {
	mu sync.Mutex
	b  backend
}

// NewFileStore keeps the document as JSON at path, replaced by rename.
func NewFileStore(path string) *Store {
	return &Store{b: &fileBackend{path: path}}
}

// NewBoltStore keeps the document in the controller database.
func NewBoltStore(s storage.Store) (*Store, error) {
	if err := s.CreateBucket(Bucket); err != nil {
		return nil, err
	}
	return &Store{b: &boltBackend{store: s}}, nil
}

// Load returns the persisted document. A missing document is empty.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(doc)
}

// Update loads the document, hands it to fn and saves the result unless fn fails.
func (s *Store) Update(fn func(*Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}

// Append adds c at the end of the category list.
func (s *Store) Append(category string, c Command) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return s.Update(func(doc *Document) error {
		doc.Append(category, c)
		return nil
	})
}

// Replace swaps the whole document. A document older than the stored one is rejected.
func (s *Store) Replace(doc *Document) error {
	for n, cmds := range doc.Categories {
		for _, c := range cmds {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("category %s: %w", n, err)
			}
		}
	}
	return s.Update(func(cur *Document) error {
		if doc.UpdateID < cur.UpdateID {
			return fmt.Errorf("%w: %d is older than %d", ErrStaleUpdate, doc.UpdateID, cur.UpdateID)
		}
		*cur = *doc.Clone()
		return nil
	})
}

func (s *Store) load() (*Document, error) {
	data, err := s.b.read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if data == nil {
		return NewDocument(), nil
	}
	doc := NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	return doc, nil
}

func (s *Store) save(doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if err := s.b.write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

type fileBackend struct {
	path string
}

func (f *fileBackend) read() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// write never truncates the live file: the new document goes to a temp file in
// the same directory which is then renamed over it.
func (f *fileBackend) write(data []byte) error {
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return err
	}
	return syncDir(dir)
}

// syncDir flushes the directory entry so the rename survives a power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

type boltBackend struct {
	store storage.Store
}

func (b *boltBackend) read() ([]byte, error) {
	data, err := b.store.RawGet(Bucket, documentKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (b *boltBackend) write(data []byte) error {
	return b.store.RawUpdate(Bucket, documentKey, data)
}
