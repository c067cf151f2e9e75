package authority

import (
	"context"
	"log/slog"
	"sync"

	"github.com/peercollab/peercollab/server/authority/backend"
)

// Registry opens one Store per document ID on first use.
type Registry struct {
	backend backend.Backend
	seed    string
	logger  *slog.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry returns a registry whose documents start out as seed.
func NewRegistry(b backend.Backend, seed string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend: b,
		seed:    seed,
		logger:  logger,
		stores:  make(map[string]*Store),
	}
}

// Get returns the store for docID, opening it if needed.
func (r *Registry) Get(ctx context.Context, docID string) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[docID]; ok {
		return s, nil
	}
	s, err := Open(ctx, docID, r.seed, r.backend, r.logger)
	if err != nil {
		return nil, err
	}
	r.stores[docID] = s
	return s, nil
}

// Close closes the backend.
func (r *Registry) Close() error {
	return r.backend.Close()
}
