// Package registry keeps the durable subscriber and banned-user sets.
//
// Each set lives in its own CSV file (one "uuid,phone_number" row per user)
// that is rewritten atomically after every mutation.
package registry

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

// ErrNotFound is returned by Remove when the id is not in the set.
var ErrNotFound = errors.New("user not found")

// Registry maps a user identity to its (optional) phone number.
// It is safe for concurrent use.
type Registry struct {
	path string

	mu    sync.RWMutex
	users map[string]string
}

// Load reads the set stored at path. A missing file yields an empty registry;
// the file is created on the first mutation.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, users: map[string]string{}}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}
		if len(rec) > 2 {
			return nil, fmt.Errorf("parse %s: line %d: expected 2 fields, got %d", path, line, len(rec))
		}
		id := strings.TrimSpace(rec[0])
		if id == "" {
			return nil, fmt.Errorf("parse %s: line %d: empty uuid", path, line)
		}
		phone := ""
		if len(rec) == 2 {
			phone = strings.TrimSpace(rec[1])
		}
		r.users[id] = phone
	}
	return r, nil
}

// Path returns the backing file.
func (r *Registry) Path() string { return r.path }

// Add inserts or overwrites id and persists the whole set.
// Re-adding an existing id only updates its phone number.
func (r *Registry) Add(id, phone string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("registry: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.users[id]
	r.users[id] = strings.TrimSpace(phone)
	if err := r.saveLocked(); err != nil {
		if had {
			r.users[id] = prev
		} else {
			delete(r.users, id)
		}
		return err
	}
	return nil
}

// Remove deletes id and persists the set. It returns an error wrapping
// ErrNotFound when id is absent.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	phone, ok := r.users[id]
	if !ok {
		return fmt.Errorf("remove %q: %w", id, ErrNotFound)
	}
	delete(r.users, id)
	if err := r.saveLocked(); err != nil {
		r.users[id] = phone
		return err
	}
	return nil
}

func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	_, ok := r.users[id]
	r.mu.RUnlock()
	return ok
}

// Phone returns the stored phone number for id.
func (r *Registry) Phone(id string) (string, bool) {
	r.mu.RLock()
	p, ok := r.users[id]
	r.mu.RUnlock()
	return p, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.users)
	r.mu.RUnlock()
	return n
}

// IDs returns a sorted snapshot of all ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) saveLocked() error {
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, id := range ids {
		if err := w.Write([]string{id, r.users[id]}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("save %s: %w", r.path, err)
	}
	if err := renameio.WriteFile(r.path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("save %s: %w", r.path, err)
	}
	return nil
}
