package rowstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jonathanhooker/rivesync/syncstate"
)

var bucketRows = []byte("rows")

// Bolt stores rows in a local bbolt file: the durable store for
// single-node setups and for environments without Postgres.
type Bolt struct {
	db *bolt.DB
}

// NewBolt opens (creating if needed) the database file at path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRows)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create rows bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func rowKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func (b *Bolt) Get(ctx context.Context, id int64) (*syncstate.Row, error) {
	var row *syncstate.Row
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRows).Get(rowKey(id))
		if raw == nil {
			return syncstate.ErrNotFound
		}
		row = &syncstate.Row{}
		return json.Unmarshal(raw, row)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (b *Bolt) Insert(ctx context.Context, row *syncstate.Row) (*syncstate.Row, error) {
	inserted := row.Clone()
	if inserted.CreatedAt.IsZero() {
		inserted.CreatedAt = time.Now().UTC()
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketRows)
		if bk.Get(rowKey(inserted.ID)) != nil {
			return syncstate.ErrExists
		}
		raw, err := json.Marshal(inserted)
		if err != nil {
			return err
		}
		return bk.Put(rowKey(inserted.ID), raw)
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// Update applies the patch inside one read-modify-write transaction.
func (b *Bolt) Update(ctx context.Context, id int64, fields syncstate.Update) error {
	if len(fields) == 0 {
		return nil
	}
	for field := range fields {
		if !syncstate.ValidField(field) {
			return fmt.Errorf("unknown field %q", field)
		}
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketRows)
		raw := bk.Get(rowKey(id))
		if raw == nil {
			return syncstate.ErrNotFound
		}
		var row syncstate.Row
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		row.Apply(fields)
		raw, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return bk.Put(rowKey(id), raw)
	})
}
