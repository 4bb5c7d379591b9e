// Package admin guards the single admin role with a bcrypt-hashed secret.
package admin

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"golang.org/x/crypto/bcrypt"
)

// Authority holds the current admin id and the secret hash.
//
// With no secret configured every Add/Remove fails: the role is locked out
// rather than open.
type Authority struct {
	path string

	mu      sync.RWMutex
	adminID string
	hash    []byte
}

// Load reads the admin file at path (line 1: admin id or empty, line 2: bcrypt hash).
//
// A non-empty secret replaces the stored hash and the file is rewritten; the
// stored admin id is kept.
func Load(path, secret string) (*Authority, error) {
	a := &Authority{path: path}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		sc := bufio.NewScanner(bytes.NewReader(b))
		var lines []string
		for sc.Scan() {
			lines = append(lines, strings.TrimSpace(sc.Text()))
		}
		if len(lines) > 0 {
			a.adminID = lines[0]
		}
		if len(lines) > 1 && lines[1] != "" {
			a.hash = []byte(lines[1])
		}
	}

	if secret != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin secret: %w", err)
		}
		a.hash = h
		if err := a.saveLocked(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Configured reports whether a secret hash is present.
func (a *Authority) Configured() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.hash) > 0
}

// AdminID returns the current admin, if any.
func (a *Authority) AdminID() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.adminID, a.adminID != ""
}

func (a *Authority) IsAdmin(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return id != "" && a.adminID == id
}

// Add makes candidate the admin if secret matches, replacing any current
// admin. It returns the previous admin id (empty if none) so the caller can
// notify them. ok is false on a wrong secret or when no secret is configured.
func (a *Authority) Add(candidate, secret string) (previous string, ok bool, err error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", false, errors.New("admin: empty candidate id")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.verifyLocked(secret) {
		return "", false, nil
	}
	previous = a.adminID
	a.adminID = candidate
	if err := a.saveLocked(); err != nil {
		a.adminID = previous
		return "", false, err
	}
	return previous, true, nil
}

// Remove clears the admin if secret matches.
func (a *Authority) Remove(secret string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.verifyLocked(secret) {
		return false, nil
	}
	previous := a.adminID
	a.adminID = ""
	if err := a.saveLocked(); err != nil {
		a.adminID = previous
		return false, err
	}
	return true, nil
}

func (a *Authority) verifyLocked(secret string) bool {
	if len(a.hash) == 0 || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(secret)) == nil
}

func (a *Authority) saveLocked() error {
	data := a.adminID + "\n" + string(a.hash) + "\n"
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("save %s: %w", a.path, err)
	}
	if err := renameio.WriteFile(a.path, []byte(data), 0o600); err != nil {
		return fmt.Errorf("save %s: %w", a.path, err)
	}
	return nil
}
