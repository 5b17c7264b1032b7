package indexmanager

import "context"

// IndexManager is the surface the engine uses to reach its indexes. Every
// index is addressed by the uid of its boot item.
type IndexManager interface {
	// Create builds an empty index and returns its boot uid.
	Create(ctx context.Context) (uint64, error)
	// Insert adds key -> uid to the index at boot.
	Insert(ctx context.Context, boot uint64, key int64, uid uint64) error
	// Search returns every uid stored under key.
	Search(ctx context.Context, boot uint64, key int64) ([]uint64, error)
	// SearchRange returns the uids of all keys in [left, right] in key order.
	SearchRange(ctx context.Context, boot uint64, left, right int64) ([]uint64, error)
	// Close releases every loaded index.
	Close() error
	// Name returns the name/type of this index manager (e.g., "btree").
	Name() string
}
