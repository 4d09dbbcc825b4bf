package bolt

import (
	"context"

	"go.etcd.io/bbolt"

	"github.com/tabwatch/tabwatch/internal/storage"
)

const metaKey = "meta"

type metaStore struct {
	db *bbolt.DB
}

func (s *metaStore) Get(ctx context.Context) (*storage.Meta, error) {
	return getValue[storage.Meta](ctx, s.db, bucketMeta, metaKey)
}

func (s *metaStore) Put(ctx context.Context, meta storage.Meta) error {
	return putValue(ctx, s.db, bucketMeta, metaKey, meta)
}
