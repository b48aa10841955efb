package state

import "context"

// Store is the durable key/value store backing node metadata.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Log is an append-only sequence of opaque records.
type Log interface {
	Append(ctx context.Context, payload []byte) (uint64, error)
	Scan(ctx context.Context, fromSeq uint64, fn func(seq uint64, payload []byte) error) error
}
