package storage

import "context"

// BlobStore is the key→bytes store artifacts live in. Delete is idempotent:
// it reports false for an absent key and never errors on "not found", so
// rollback paths can retry freely.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context, key string) (int64, error)
}
