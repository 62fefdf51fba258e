// Package artifacts retains verdicts that could not be anchored so they can be
// replayed against the ledger later. Entries are keyed by the verdict's
// idempotency key ("sha256:<hex>").
package artifacts

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

const keyPrefix = "sha256:"

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrInvalidKey = errors.New("invalid artifact key")
)

// Store is a keyed blob store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every stored key in lexical order.
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// rawKey validates "sha256:<hex>" and returns the hex part.
func rawKey(key string) (string, error) {
	if !strings.HasPrefix(key, keyPrefix) {
		return "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	raw := key[len(keyPrefix):]
	if b, err := hex.DecodeString(raw); err != nil || len(b) != 32 {
		return "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	return raw, nil
}

// Pending is a verdict awaiting anchoring.
type Pending struct {
	SessionID        string                        `json:"session_id"`
	IdempotencyKey   string                        `json:"idempotency_key"`
	VerifierIdentity string                        `json:"verifier_identity"`
	Verdict          contracts.VerificationVerdict `json:"verdict"`
	RetainedAt       time.Time                     `json:"retained_at"`
	LastError        string                        `json:"last_error,omitempty"`
}

// Retain stores p under its idempotency key.
func Retain(ctx context.Context, s Store, p Pending) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending verdict: %w", err)
	}
	return s.Put(ctx, p.IdempotencyKey, data)
}

// LoadPending reads every retained verdict.
func LoadPending(ctx context.Context, s Store) ([]Pending, error) {
	keys, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Pending, 0, len(keys))
	for _, k := range keys {
		data, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		var p Pending
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode pending verdict %s: %w", k, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store at the specified directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.baseDir, raw+".json")
}

func (s *FileStore) Put(_ context.Context, key string, data []byte) error {
	raw, err := rawKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Write to temp, then rename
	path := s.path(raw)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to commit artifact: %w", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	raw, err := rawKey(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, keyPrefix+strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	raw, err := rawKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	if _, err := rawKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), d...), nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
