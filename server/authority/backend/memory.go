package backend

import (
	"context"
	"sync"

	"github.com/peercollab/peercollab/server/common"
)

type memory struct {
	mu   sync.RWMutex
	logs map[string][]common.Update
}

// NewMemory returns a Backend that keeps logs in process memory.
func NewMemory() Backend {
	return &memory{logs: make(map[string][]common.Update)}
}

func (m *memory) Load(_ context.Context, docID string, from int) ([]common.Update, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.logs[docID]
	if from < 0 || from > len(log) {
		return nil, nil
	}
	out := make([]common.Update, len(log)-from)
	copy(out, log[from:])
	return out, nil
}

func (m *memory) Append(_ context.Context, docID string, expectedVersion int, updates []common.Update) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.logs[docID]
	if len(log) != expectedVersion {
		return 0, conflict(docID, expectedVersion, len(log))
	}
	m.logs[docID] = append(log, updates...)
	return len(m.logs[docID]), nil
}

func (m *memory) Close() error { return nil }
