// Package backend persists per-document update logs.
package backend

import (
	"context"
	"fmt"

	"github.com/peercollab/peercollab/server/common"
	"github.com/peercollab/peercollab/server/config"
	"github.com/peercollab/peercollab/server/errors"
)

// Backend is an append-only store of updates keyed by document ID.
//
// Append succeeds only if the stored log of docID has exactly expectedVersion
// updates, and returns the new length. Otherwise it returns
// errors.ErrVersionConflict and stores nothing, so several authorities may
// share one backend.
type Backend interface {
	// Load returns the updates of docID from version from onwards.
	Load(ctx context.Context, docID string, from int) ([]common.Update, error)
	Append(ctx context.Context, docID string, expectedVersion int, updates []common.Update) (newVersion int, err error)
	Close() error
}

// New opens the backend selected by cfg.Type.
func New(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(), nil
	case "bolt":
		return OpenBolt(cfg.Path)
	case "postgres":
		return NewPostgres(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("backend: unknown storage type %q", cfg.Type)
}

func conflict(docID string, expected, actual int) error {
	return errors.Wrapf(errors.ErrVersionConflict, "doc %s: expected version %d, have %d", docID, expected, actual)
}
