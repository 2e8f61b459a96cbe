package core

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Keyed persistent trees with atomic compare-and-swap and ordered iteration.
// One tree per logical area (peers, receipts, storage-contracts,
// compute-settlement, governance, presence-receipts, ...). A bbolt file backs
// durable engines; an in-memory engine serves ephemeral paths so tests and
// dry runs never touch disk.

// ErrCASMismatch reports a compare-and-swap conflict; callers retry from a
// fresh read.
var ErrCASMismatch = NewError("cas_mismatch", "stored value changed since read")

// Engine owns the backing store and hands out named trees.
type Engine struct {
	db   *bolt.DB
	base string

	mu   sync.Mutex
	mem  map[string]map[string][]byte
	seen map[string]bool
}

// OpenEngine opens (or creates) a store rooted at path. An empty path yields
// an in-memory engine.
func OpenEngine(path string) (*Engine, error) {
	if path == "" {
		return &Engine{mem: make(map[string]map[string][]byte), seen: make(map[string]bool)}, nil
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("kvstore: create base dir: %w", err)
	}
	file := filepath.Join(path, "kv.db")
	db, err := bolt.Open(file, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open bbolt: %w", err)
	}
	logrus.Debugf("kvstore: opened %s", file)
	return &Engine{db: db, base: path, seen: make(map[string]bool)}, nil
}

// BasePath returns the directory the engine persists under, empty when the
// engine is in-memory.
func (e *Engine) BasePath() string { return e.base }

// Close flushes and releases the backing file.
func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// OpenTree returns a handle to the named tree, creating it if absent.
func (e *Engine) OpenTree(name string) (*Tree, error) {
	if e.db != nil {
		err := e.db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists([]byte(name))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("kvstore: create tree %s: %w", name, err)
		}
		return &Tree{engine: e, name: name}, nil
	}
	e.mu.Lock()
	if e.mem[name] == nil {
		e.mem[name] = make(map[string][]byte)
	}
	e.mu.Unlock()
	return &Tree{engine: e, name: name}, nil
}

// Tree is a keyed map within an engine. All mutations are atomic; CAS is the
// contention primitive, so writers retry on conflict instead of locking.
type Tree struct {
	engine *Engine
	name   string
}

func (t *Tree) Name() string { return t.name }

// Get returns the stored value or nil when absent.
func (t *Tree) Get(key []byte) ([]byte, error) {
	if t.engine.db != nil {
		var out []byte
		err := t.engine.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(t.name))
			if b == nil {
				return fmt.Errorf("kvstore: tree %s missing", t.name)
			}
			if v := b.Get(key); v != nil {
				out = append([]byte(nil), v...)
			}
			return nil
		})
		return out, err
	}
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	v, ok := t.engine.mem[t.name][string(key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Insert stores value under key, returning the previous value if any.
func (t *Tree) Insert(key, value []byte) ([]byte, error) {
	if t.engine.db != nil {
		var prev []byte
		err := t.engine.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(t.name))
			if b == nil {
				return fmt.Errorf("kvstore: tree %s missing", t.name)
			}
			if v := b.Get(key); v != nil {
				prev = append([]byte(nil), v...)
			}
			return b.Put(key, value)
		})
		return prev, err
	}
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	m := t.engine.mem[t.name]
	var prev []byte
	if v, ok := m[string(key)]; ok {
		prev = append([]byte(nil), v...)
	}
	m[string(key)] = append([]byte(nil), value...)
	return prev, nil
}

// Delete removes key, reporting whether it existed.
func (t *Tree) Delete(key []byte) (bool, error) {
	if t.engine.db != nil {
		var existed bool
		err := t.engine.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(t.name))
			if b == nil {
				return fmt.Errorf("kvstore: tree %s missing", t.name)
			}
			existed = b.Get(key) != nil
			return b.Delete(key)
		})
		return existed, err
	}
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	m := t.engine.mem[t.name]
	_, existed := m[string(key)]
	delete(m, string(key))
	return existed, nil
}

// CompareAndSwap replaces the value at key only if the stored bytes equal
// expected (nil means "absent"). A nil replacement deletes the key. Returns
// ErrCASMismatch when the stored value differs; callers retry from the read.
func (t *Tree) CompareAndSwap(key, expected, replacement []byte) error {
	apply := func(current []byte) (bool, error) {
		if !bytes.Equal(current, expected) {
			return false, nil
		}
		return true, nil
	}
	if t.engine.db != nil {
		return t.engine.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(t.name))
			if b == nil {
				return fmt.Errorf("kvstore: tree %s missing", t.name)
			}
			ok, err := apply(b.Get(key))
			if err != nil {
				return err
			}
			if !ok {
				return ErrCASMismatch
			}
			if replacement == nil {
				return b.Delete(key)
			}
			return b.Put(key, replacement)
		})
	}
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	m := t.engine.mem[t.name]
	current, exists := m[string(key)]
	if !exists {
		current = nil
	}
	ok, err := apply(current)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCASMismatch
	}
	if replacement == nil {
		delete(m, string(key))
		return nil
	}
	m[string(key)] = append([]byte(nil), replacement...)
	return nil
}

// Iterate visits every (key, value) pair in ascending byte order of keys.
// Returning a non-nil error from visit aborts the scan.
func (t *Tree) Iterate(visit func(key, value []byte) error) error {
	if t.engine.db != nil {
		return t.engine.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(t.name))
			if b == nil {
				return fmt.Errorf("kvstore: tree %s missing", t.name)
			}
			return b.ForEach(func(k, v []byte) error {
				return visit(append([]byte(nil), k...), append([]byte(nil), v...))
			})
		})
	}
	t.engine.mu.Lock()
	m := t.engine.mem[t.name]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([][2][]byte, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2][]byte{[]byte(k), append([]byte(nil), m[k]...)})
	}
	t.engine.mu.Unlock()
	for _, p := range pairs {
		if err := visit(p[0], p[1]); err != nil {
			return err
		}
	}
	return nil
}

// Len counts stored keys.
func (t *Tree) Len() (int, error) {
	n := 0
	err := t.Iterate(func(_, _ []byte) error { n++; return nil })
	return n, err
}

// Clear removes every key in the tree.
func (t *Tree) Clear() error {
	if t.engine.db != nil {
		return t.engine.db.Update(func(tx *bolt.Tx) error {
			if err := tx.DeleteBucket([]byte(t.name)); err != nil {
				return err
			}
			_, err := tx.CreateBucket([]byte(t.name))
			return err
		})
	}
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	t.engine.mem[t.name] = make(map[string][]byte)
	return nil
}
