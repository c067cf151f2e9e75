package backend

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peercollab/peercollab/server/common"
	"github.com/peercollab/peercollab/server/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS doc_updates (
	doc_id     TEXT        NOT NULL,
	version    INTEGER     NOT NULL,
	client_id  TEXT        NOT NULL,
	payload    JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (doc_id, version)
)`

type pgBackend struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and creates the doc_updates table if needed.
func NewPostgres(ctx context.Context, dsn string) (Backend, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "backend: create schema")
	}
	return &pgBackend{pool: pool}, nil
}

func (s *pgBackend) Load(ctx context.Context, docID string, from int) ([]common.Update, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT version, payload FROM doc_updates WHERE doc_id = $1 AND version >= $2 ORDER BY version`,
		docID, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []common.Update
	for rows.Next() {
		var version int
		var payload []byte
		if err := rows.Scan(&version, &payload); err != nil {
			return nil, err
		}
		var u common.Update
		if err := json.Unmarshal(payload, &u); err != nil {
			return nil, errors.Wrapf(err, "doc %s: decode version %d", docID, version)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *pgBackend) Append(ctx context.Context, docID string, expectedVersion int, updates []common.Update) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	// Serialize writers of one document for the rest of the transaction.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, docID); err != nil {
		return 0, err
	}
	var cur int
	err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM doc_updates WHERE doc_id = $1`, docID).Scan(&cur)
	if err != nil {
		return 0, err
	}
	if cur != expectedVersion {
		return 0, conflict(docID, expectedVersion, cur)
	}

	batch := &pgx.Batch{}
	for i, u := range updates {
		payload, err := json.Marshal(u)
		if err != nil {
			return 0, err
		}
		batch.Queue(`INSERT INTO doc_updates (doc_id, version, client_id, payload) VALUES ($1, $2, $3, $4)`,
			docID, expectedVersion+i, u.ClientID, payload)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return 0, conflict(docID, expectedVersion, -1)
		}
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return expectedVersion + len(updates), nil
}

func (s *pgBackend) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
