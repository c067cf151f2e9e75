// Package authority holds the single authoritative copy of each document:
// its update log and current text.
package authority

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/peercollab/peercollab/server/authority/backend"
	"github.com/peercollab/peercollab/server/changeset"
	"github.com/peercollab/peercollab/server/common"
	"github.com/peercollab/peercollab/server/errors"
	"github.com/peercollab/peercollab/server/metrics"
)

// Attempts made to append a batch when other writers share the backend.
const maxAppendAttempts = 5

// BatchResult describes a batch appended by ApplyClientBatch.
type BatchResult struct {
	FromVersion int             // version of Updates[0]
	Updates     []common.Update // as appended to the log
	Rebased     bool            // Updates differ from the submitted batch
}

// Store is the authority for one document.
// ApplyClientBatch calls are serialized; reads see a consistent snapshot.
type Store struct {
	id      string
	backend backend.Backend
	logger  *slog.Logger

	mu      sync.RWMutex
	updates []common.Update
	doc     string
}

// Open returns the store for docID, replaying any log kept by b on top of
// seed.
func Open(ctx context.Context, docID, seed string, b backend.Backend, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		id:      docID,
		backend: b,
		logger:  logger.With("doc", docID),
		doc:     seed,
	}
	if err := s.catchUp(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("document opened", "version", len(s.updates))
	return s, nil
}

// ID returns the document ID.
func (s *Store) ID() string { return s.id }

// GetDocument returns the current version and text.
func (s *Store) GetDocument(ctx context.Context) (int, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.updates), s.doc, nil
}

// GetUpdatesSince returns the updates accepted at or after version. It returns
// an empty slice if version is current.
func (s *Store) GetUpdatesSince(ctx context.Context, version int) ([]common.Update, error) {
	s.mu.RLock()
	n := len(s.updates)
	s.mu.RUnlock()
	if version > n {
		// Another process may have appended to a shared backend.
		s.mu.Lock()
		err := s.catchUp(ctx)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if version < 0 || version > len(s.updates) {
		return nil, errors.Wrapf(errors.ErrInvalidVersion, "doc %s: version %d not in [0, %d]", s.id, version, len(s.updates))
	}
	out := make([]common.Update, len(s.updates)-version)
	copy(out, s.updates[version:])
	return out, nil
}

// ApplyClientBatch appends updates, made against version, to the log. If other
// updates were accepted since version, the batch is rebased over them first.
func (s *Store) ApplyClientBatch(ctx context.Context, version int, updates []common.Update) (BatchResult, error) {
	ctx, span := otel.Tracer("peercollab/authority").Start(ctx, "authority.ApplyClientBatch",
		trace.WithAttributes(
			attribute.String("doc.id", s.id),
			attribute.Int("batch.version", version),
			attribute.Int("batch.size", len(updates)),
		),
	)
	defer span.End()
	start := time.Now()
	defer func() { metrics.BatchDuration.Observe(time.Since(start).Seconds()) }()

	res, err := s.applyClientBatch(ctx, version, updates)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.BatchesTotal.WithLabelValues("rejected").Inc()
		return BatchResult{}, err
	}
	span.SetAttributes(attribute.Bool("batch.rebased", res.Rebased))
	outcome := "verbatim"
	if res.Rebased {
		outcome = "rebased"
	}
	metrics.BatchesTotal.WithLabelValues(outcome).Inc()
	metrics.UpdatesAccepted.WithLabelValues(s.id).Add(float64(len(res.Updates)))
	return res, nil
}

func (s *Store) applyClientBatch(ctx context.Context, version int, updates []common.Update) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 1; ; attempt++ {
		if version < 0 || version > len(s.updates) {
			return BatchResult{}, errors.Wrapf(errors.ErrInvalidVersion, "doc %s: version %d not in [0, %d]", s.id, version, len(s.updates))
		}
		if err := s.checkBase(version, updates); err != nil {
			return BatchResult{}, err
		}
		res := BatchResult{FromVersion: len(s.updates), Updates: updates}
		if version < len(s.updates) {
			rebased, err := Rebase(updates, s.updates[version:])
			if err != nil {
				return BatchResult{}, errors.Wrapf(errors.ErrMalformedMessage, "doc %s: rebase: %v", s.id, err)
			}
			res.Updates, res.Rebased = rebased, true
		}
		if len(res.Updates) == 0 {
			return res, nil
		}
		doc, err := fold(s.doc, res.Updates)
		if err != nil {
			return BatchResult{}, errors.Wrapf(errors.ErrMalformedMessage, "doc %s: %v", s.id, err)
		}

		_, err = s.backend.Append(ctx, s.id, len(s.updates), res.Updates)
		if errors.Is(err, errors.ErrVersionConflict) && attempt < maxAppendAttempts {
			metrics.AppendConflicts.Inc()
			s.logger.Warn("append conflict, catching up", "attempt", attempt, "err", err)
			if err := s.catchUp(ctx); err != nil {
				return BatchResult{}, err
			}
			continue
		}
		if err != nil {
			return BatchResult{}, errors.Wrapf(err, "doc %s: append", s.id)
		}
		s.updates = append(s.updates, res.Updates...)
		s.doc = doc
		s.logger.Debug("batch accepted", "from", res.FromVersion, "count", len(res.Updates), "rebased", res.Rebased)
		return res, nil
	}
}

// checkBase verifies that updates chain onto the document at version.
func (s *Store) checkBase(version int, updates []common.Update) error {
	docLen := len([]rune(s.doc))
	if version < len(s.updates) {
		docLen = s.updates[version].Changes.Len()
	}
	for i, u := range updates {
		if u.Changes.Len() != docLen {
			return errors.Wrapf(errors.ErrMalformedMessage, "doc %s: update %d expects length %d, document has %d", s.id, i, u.Changes.Len(), docLen)
		}
		if n := u.Changes.NewLen(); n < 0 || n > changeset.MaxLen {
			return errors.Wrapf(errors.ErrMalformedMessage, "doc %s: update %d produces length %d", s.id, i, n)
		}
		docLen = u.Changes.NewLen()
	}
	return nil
}

// catchUp folds updates appended to the backend by other writers. s.mu must
// be held for writing, or s must not be shared yet.
func (s *Store) catchUp(ctx context.Context) error {
	more, err := s.backend.Load(ctx, s.id, len(s.updates))
	if err != nil {
		return errors.Wrapf(err, "doc %s: load", s.id)
	}
	if len(more) == 0 {
		return nil
	}
	doc, err := fold(s.doc, more)
	if err != nil {
		return errors.Wrapf(err, "doc %s: replay from version %d", s.id, len(s.updates))
	}
	s.updates = append(s.updates, more...)
	s.doc = doc
	return nil
}

func fold(doc string, updates []common.Update) (string, error) {
	for _, u := range updates {
		var err error
		if doc, err = u.Changes.Apply(doc); err != nil {
			return "", err
		}
	}
	return doc, nil
}
