package bolt

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/tabwatch/tabwatch/internal/storage"
)

type whitelistStore struct {
	db *bbolt.DB
}

func (s *whitelistStore) List(ctx context.Context) ([]storage.WhitelistEntry, error) {
	return listPrefix[storage.WhitelistEntry](ctx, s.db, bucketWhitelist, "")
}

func (s *whitelistStore) Upsert(ctx context.Context, entry storage.WhitelistEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("whitelist entry id is required")
	}
	return putValue(ctx, s.db, bucketWhitelist, entry.ID, entry)
}

func (s *whitelistStore) Delete(ctx context.Context, id string) error {
	return deleteValue(ctx, s.db, bucketWhitelist, id)
}
