package state

import (
	"context"

	"github.com/vmihailenco/msgpack/v5"
)

// LoadSnapshot decodes the msgpack value stored under key into out.
func LoadSnapshot(ctx context.Context, store Store, key string, out any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := msgpack.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// SaveSnapshot stores v under key using msgpack.
func SaveSnapshot(ctx context.Context, store Store, key string, v any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, payload)
}
