// Package store implements generic entity operations on top of the
// Storage Adapter: create, get, update, delete and list of typed
// records with etag-based compare-and-swap on every mutation. The
// registries layer their schemas and semantics on these helpers.
package store

import (
	"context"
	"encoding/json"

	"github.com/org/keybackup/internal/storage"
)

// Record is a typed entity that knows where and under which key it is
// persisted.
type Record interface {
	Bucket() string
	Key() string
}

// Create persists a new record. The empty etag makes the put a
// create: a duplicate key or unique-index value fails with
// storage.ErrAlreadyExists. Returns the new etag.
func Create(ctx context.Context, be storage.Backend, rec Record) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return be.PutObject(ctx, rec.Bucket(), rec.Key(), raw, "")
}

// Get fetches one record into the typed destination and returns the
// etag the caller must present on any follow-up mutation.
func Get(ctx context.Context, be storage.Backend, bucket, key string, into any) (string, error) {
	obj, err := be.GetObject(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(obj.Value, into); err != nil {
		return "", err
	}
	return obj.Etag, nil
}

// Update writes the record conditionally on etag. A stale etag fails
// with storage.ErrEtagConflict and leaves the stored object untouched.
func Update(ctx context.Context, be storage.Backend, rec Record, etag string) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return be.PutObject(ctx, rec.Bucket(), rec.Key(), raw, etag)
}

// Delete removes a record, conditionally when etag is non-empty.
func Delete(ctx context.Context, be storage.Backend, bucket, key, etag string) error {
	return be.DeleteObject(ctx, bucket, key, etag)
}

// PutOp builds the batch put operation for a record under the given
// etag, for callers composing atomic multi-record writes.
func PutOp(rec Record, etag string) (storage.Op, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return storage.Op{}, err
	}
	return storage.Op{
		Type:   storage.OpPut,
		Bucket: rec.Bucket(),
		Key:    rec.Key(),
		Value:  raw,
		Etag:   etag,
	}, nil
}

// List fetches all records in a bucket matching the filter, decoded
// into T. The second return value carries the etag of each record, in
// the same order.
func List[T any](ctx context.Context, be storage.Backend, bucket string, f storage.Filter, opts storage.FindOpts) ([]T, []string, error) {
	objs, err := be.FindObjects(ctx, bucket, f, opts)
	if err != nil {
		return nil, nil, err
	}
	out := make([]T, 0, len(objs))
	etags := make([]string, 0, len(objs))
	for _, obj := range objs {
		var rec T
		if err := json.Unmarshal(obj.Value, &rec); err != nil {
			return nil, nil, err
		}
		out = append(out, rec)
		etags = append(etags, obj.Etag)
	}
	return out, etags, nil
}
