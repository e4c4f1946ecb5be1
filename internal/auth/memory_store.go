package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps token digests in memory. Raw tokens are never retained.
type MemoryStore struct {
	mu       sync.RWMutex
	byDigest map[string]*Subject
}

// NewMemoryStore initialises the store with the provided seed tokens.
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{byDigest: make(map[string]*Subject)}
	for _, seed := range seeds {
		if err := store.ApplySeed(context.Background(), seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// ApplySeed upserts a token. A seed without permissions receives full access.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	token := strings.TrimSpace(seed.Token)
	if token == "" {
		return errors.New("seed token cannot be empty")
	}
	perms := dedupeStrings(seed.Permissions)
	if len(perms) == 0 {
		perms = []string{PermissionAll}
	}
	name := strings.TrimSpace(seed.Name)
	if name == "" {
		name = "default"
	}
	subject := &Subject{Name: name, Permissions: perms, Disabled: seed.Disabled}
	subject.normalise()

	s.mu.Lock()
	s.byDigest[digest(token)] = subject
	s.mu.Unlock()
	return nil
}

// LookupToken implements Store.
func (s *MemoryStore) LookupToken(_ context.Context, token string) (*Subject, error) {
	s.mu.RLock()
	subject, ok := s.byDigest[digest(token)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidToken
	}
	return subject.Clone(), nil
}

// Len returns the number of registered tokens.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byDigest)
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		v := strings.ToLower(strings.TrimSpace(value))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
