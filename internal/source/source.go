// Package source defines how the downloader obtains bytes for an item. Concrete
// sources are looked up by id; the core never depends on their types.
package source

import (
	"context"
	"io"
	"sort"
	"sync"

	"go-media-download/internal/models"
)

// Part is one file of an item, such as a page image or a video file.
type Part struct {
	Name     string `json:"name"`               // file name inside the item directory
	Locator  string `json:"url"`                // source specific address
	Size     int64  `json:"size,omitempty"`     // expected size, 0 when unknown
	Checksum string `json:"checksum,omitempty"` // BLAKE3 hex digest, optional
}

// Source fetches media for items of its entries.
type Source interface {
	ID() int64
	Name() string
	// Parts lists the files that make up an item.
	Parts(ctx context.Context, entry models.Entry, item models.Item) ([]Part, error)
	// Open streams one part. The caller closes the reader.
	Open(ctx context.Context, part Part) (io.ReadCloser, error)
}

// SizeVerifier is implemented by sources that can report a part's size without
// transferring it. Safe download mode uses it to validate what was written.
type SizeVerifier interface {
	RemoteSize(ctx context.Context, part Part) (int64, error)
}

// Registry resolves a source id. A missing source is reported with ok=false.
type Registry interface {
	Get(id int64) (Source, bool)
}

// Manager is an in-memory Registry.
type Manager struct {
	mu      sync.RWMutex
	sources map[int64]Source
}

func NewManager(sources ...Source) *Manager {
	m := &Manager{sources: make(map[int64]Source)}
	for _, s := range sources {
		m.Register(s)
	}
	return m
}

func (m *Manager) Register(s Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[s.ID()] = s
}

// Unregister removes a source, as when an extension is uninstalled.
func (m *Manager) Unregister(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, id)
}

func (m *Manager) Get(id int64) (Source, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[id]
	return s, ok
}

// List returns the registered sources ordered by id.
func (m *Manager) List() []Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Source, 0, len(m.sources))
	for _, s := range m.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
