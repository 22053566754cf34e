package history

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record describes one finished operation run.
type Record struct {
	RunID      string    `json:"runId"`
	Operation  string    `json:"operation"`
	Phase      string    `json:"phase"`
	TxHash     string    `json:"txHash,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Account    string    `json:"account"`
	ChainID    uint64    `json:"chainId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	// ExpiresAt is zero for records kept forever.
	ExpiresAt time.Time `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Store persists run records keyed by run id. Get returns nil for unknown or expired runs.
type Store interface {
	Get(ctx context.Context, runID string) (*Record, error)
	Save(ctx context.Context, rec Record) error
}

var errRunIDRequired = errors.New("history: record has no run id")

// MemoryStore keeps records for the life of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, runID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[runID]
	if !ok || rec.expired(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	if rec.RunID == "" {
		return errRunIDRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[rec.RunID] = rec
	return nil
}

// FileStore keeps records in a single JSON document on disk.
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
	return json.Unmarshal(blob, &f.data)
}

// persist writes through a temp file so a crash never leaves a truncated history behind.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, runID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[runID]
	if !ok {
		return nil, nil
	}
	if rec.expired(time.Now()) {
		delete(f.data, runID)
		_ = f.persist()
		return nil, nil
	}
	return &rec, nil
}

func (f *FileStore) Save(_ context.Context, rec Record) error {
	if rec.RunID == "" {
		return errRunIDRequired
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[rec.RunID] = rec
	return f.persist()
}
