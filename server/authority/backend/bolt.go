package backend

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/peercollab/peercollab/server/common"
	"github.com/peercollab/peercollab/server/errors"
)

// Bucket layout: docs/<docID>/<big-endian uint64 version> = update JSON.
var docsBucket = []byte("docs")

type boltBackend struct {
	db *bolt.DB
}

// OpenBolt opens or creates a bbolt file at path.
func OpenBolt(path string) (Backend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "backend: open %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(docsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltBackend{db: db}, nil
}

func versionKey(v int) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(v))
	return k[:]
}

func (b *boltBackend) Load(_ context.Context, docID string, from int) ([]common.Update, error) {
	var out []common.Update
	err := b.db.View(func(tx *bolt.Tx) error {
		doc := tx.Bucket(docsBucket).Bucket([]byte(docID))
		if doc == nil || from < 0 {
			return nil
		}
		c := doc.Cursor()
		for k, v := c.Seek(versionKey(from)); k != nil; k, v = c.Next() {
			var u common.Update
			if err := json.Unmarshal(v, &u); err != nil {
				return errors.Wrapf(err, "doc %s: decode version %d", docID, binary.BigEndian.Uint64(k))
			}
			out = append(out, u)
		}
		return nil
	})
	return out, err
}

func (b *boltBackend) Append(_ context.Context, docID string, expectedVersion int, updates []common.Update) (int, error) {
	var newVersion int
	err := b.db.Update(func(tx *bolt.Tx) error {
		doc, err := tx.Bucket(docsBucket).CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		n := 0
		if k, _ := doc.Cursor().Last(); k != nil {
			n = int(binary.BigEndian.Uint64(k)) + 1
		}
		if n != expectedVersion {
			return conflict(docID, expectedVersion, n)
		}
		newVersion = expectedVersion
		for _, u := range updates {
			buf, err := json.Marshal(u)
			if err != nil {
				return err
			}
			if err := doc.Put(versionKey(newVersion), buf); err != nil {
				return err
			}
			newVersion++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (b *boltBackend) Close() error { return b.db.Close() }
