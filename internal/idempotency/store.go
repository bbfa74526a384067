package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrKeyReused is returned when a key already answered a different request.
var ErrKeyReused = errors.New("idempotency key reused for a different request")

// Record is the stored outcome of one action request.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// NewRecord stamps a response to be replayed for window.
func NewRecord(fingerprint string, status int, response []byte, window time.Duration) Record {
	now := time.Now().UTC()
	return Record{
		Fingerprint: fingerprint,
		StatusCode:  status,
		Response:    response,
		CreatedAt:   now,
		ExpiresAt:   now.Add(window),
	}
}

// Expired reports whether the record is past its replay window.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Matches fails with ErrKeyReused when the record answered another request.
func (r *Record) Matches(fingerprint string) error {
	if r.Fingerprint != "" && r.Fingerprint != fingerprint {
		return ErrKeyReused
	}
	return nil
}

// Fingerprint identifies an action request by its parts, e.g. account,
// network, asset id and action name.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Store abstracts idempotency persistence. Get returns nil for unknown or
// expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// Options selects a backend for Open.
type Options struct {
	RedisURL    string
	PostgresDSN string
	FilePath    string
}

// Open picks Redis, then Postgres, then the file store, in that order of
// preference. The returned close function releases backend connections.
func Open(ctx context.Context, opts Options) (Store, string, func(), error) {
	switch {
	case opts.RedisURL != "":
		s, err := NewRedisStore(ctx, opts.RedisURL)
		if err != nil {
			return nil, "", nil, fmt.Errorf("redis store: %w", err)
		}
		return s, "redis", func() { _ = s.Close() }, nil
	case opts.PostgresDSN != "":
		s, err := NewPostgresStore(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, "", nil, fmt.Errorf("postgres store: %w", err)
		}
		return s, "postgres", s.Close, nil
	case opts.FilePath != "":
		s, err := NewFileStore(opts.FilePath)
		if err != nil {
			return nil, "", nil, fmt.Errorf("file store: %w", err)
		}
		return s, "file", func() {}, nil
	}
	return NewMemoryStore(), "memory", func() {}, nil
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok || rec.Expired(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

// FileStore persists records to a JSON file. Expired records are pruned on
// load and on lookup.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return fmt.Errorf("decode %s: %w", f.path, err)
	}
	now := time.Now()
	for key, rec := range f.data {
		if rec.Expired(now) {
			delete(f.data, key)
		}
	}
	return nil
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if record.Expired(time.Now()) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return f.persist()
}
