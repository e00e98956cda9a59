// Package bans is the set of blocked connection identities.
//
// Lookups are served from memory. When opened with a database path, every
// change is also written to a bbolt bucket so bans survive restarts.
package bans

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bansBucket = []byte("bans")

var ErrEmptyIdentity = errors.New("empty identity")

// Registry is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	set map[string]struct{}
	db  *bolt.DB
}

// NewMemory returns a registry with no persistence.
func NewMemory() *Registry {
	return &Registry{set: make(map[string]struct{})}
}

// Open opens (or creates) the bbolt database at path and loads its bans.
func Open(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ban database %s: %w", path, err)
	}

	r := &Registry{set: make(map[string]struct{}), db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bansBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			r.set[string(k)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load bans: %w", err)
	}
	return r, nil
}

// Close releases the database, if any.
func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Contains reports whether identity is banned.
func (r *Registry) Contains(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.set[identity]
	return ok
}

// Add bans identity. Adding an existing entry is a no-op and reports
// added=false. The in-memory ban takes effect even if persisting it fails.
// The database write happens under the registry lock so memory and disk
// agree on the order of concurrent changes.
func (r *Registry) Add(identity string) (added bool, err error) {
	if identity == "" {
		return false, ErrEmptyIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[identity]; ok {
		return false, nil
	}
	r.set[identity] = struct{}{}

	if r.db == nil {
		return true, nil
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bansBucket).Put([]byte(identity), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return true, fmt.Errorf("persist ban %s: %w", identity, err)
	}
	return true, nil
}

// Remove lifts a ban. It reports whether the identity was banned.
func (r *Registry) Remove(identity string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[identity]
	delete(r.set, identity)

	if !ok || r.db == nil {
		return ok, nil
	}
	err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bansBucket).Delete([]byte(identity))
	})
	if err != nil {
		return true, fmt.Errorf("unpersist ban %s: %w", identity, err)
	}
	return true, nil
}

// List returns the banned identities in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.set))
	for id := range r.set {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.set)
}
