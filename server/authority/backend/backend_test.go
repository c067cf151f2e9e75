package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peercollab/peercollab/server/changeset"
	"github.com/peercollab/peercollab/server/common"
	"github.com/peercollab/peercollab/server/config"
	"github.com/peercollab/peercollab/server/errors"
)

func update(t *testing.T, client string, docLen, pos int, text string) common.Update {
	cs, err := changeset.Insertion(docLen, pos, text)
	require.NoError(t, err)
	return common.Update{ClientID: client, Changes: cs}
}

func testBackend(t *testing.T, b Backend, docID string) {
	ctx := context.Background()

	got, err := b.Load(ctx, docID, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	v, err := b.Append(ctx, docID, 0, []common.Update{update(t, "a", 0, 0, "x"), update(t, "a", 1, 1, "y")})
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = b.Append(ctx, docID, 1, []common.Update{update(t, "b", 2, 0, "z")})
	assert.ErrorIs(t, err, errors.ErrVersionConflict)

	v, err = b.Append(ctx, docID, 2, []common.Update{update(t, "b", 2, 0, "z")})
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	got, err = b.Load(ctx, docID, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ClientID)
	assert.Equal(t, "b", got[1].ClientID)
	assert.Equal(t, `[i"z" r2]`, got[1].Changes.String())

	// Logs are per document.
	got, err = b.Load(ctx, docID+"-other", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemory(t *testing.T) {
	testBackend(t, NewMemory(), "doc")
}

func TestBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	b, err := OpenBolt(path)
	require.NoError(t, err)
	testBackend(t, b, "doc")
	require.NoError(t, b.Close())

	// Reopened file keeps the log.
	b, err = OpenBolt(path)
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Load(context.Background(), "doc", 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_PEERCOLLAB_DSN")
	if dsn == "" {
		t.Skip("TEST_PEERCOLLAB_DSN not set, skipping Postgres backend tests")
	}
	ctx := context.Background()
	b, err := New(ctx, config.StorageConfig{Type: "postgres", DSN: dsn})
	require.NoError(t, err)
	defer b.Close()
	_, _ = b.(*pgBackend).pool.Exec(ctx, `DELETE FROM doc_updates WHERE doc_id LIKE 'test-%'`)
	testBackend(t, b, "test-doc")
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(context.Background(), config.StorageConfig{Type: "etcd"})
	assert.Error(t, err)
}
