package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory Backend used by tests and dev mode. It
// implements the same etag and unique-index semantics as the Postgres
// backend, guarded by a single mutex.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]map[string]memEntry
}

type memEntry struct {
	value []byte
	etag  string
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{buckets: map[string]map[string]memEntry{}}
}

func (m *Memory) bucket(name string) map[string]memEntry {
	b, ok := m.buckets[name]
	if !ok {
		b = map[string]memEntry{}
		m.buckets[name] = b
	}
	return b
}

func (m *Memory) GetObject(ctx context.Context, bucket, key string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.bucket(bucket)[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Object{Bucket: bucket, Key: key, Value: e.value, Etag: e.etag}, nil
}

func (m *Memory) PutObject(ctx context.Context, bucket, key string, value []byte, etag string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(bucket, key, value, etag)
}

func (m *Memory) putLocked(bucket, key string, value []byte, etag string) (string, error) {
	b := m.bucket(bucket)
	cur, exists := b[key]
	if etag == "" {
		if exists {
			return "", ErrAlreadyExists
		}
		if err := m.checkUniqueLocked(bucket, key, value); err != nil {
			return "", err
		}
	} else {
		if !exists {
			return "", ErrNotFound
		}
		if cur.etag != etag {
			return "", ErrEtagConflict
		}
	}
	next := newEtag()
	b[key] = memEntry{value: value, etag: next}
	return next, nil
}

func (m *Memory) checkUniqueLocked(bucket, key string, value []byte) error {
	fields := UniqueFields[bucket]
	if len(fields) == 0 {
		return nil
	}
	doc := decodeDoc(value)
	for _, f := range fields {
		want, ok := fieldString(doc, f)
		if !ok {
			continue
		}
		for k, e := range m.bucket(bucket) {
			if k == key {
				continue
			}
			if got, ok := fieldString(decodeDoc(e.value), f); ok && got == want {
				return ErrAlreadyExists
			}
		}
	}
	return nil
}

func (m *Memory) DeleteObject(ctx context.Context, bucket, key, etag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(bucket, key, etag)
}

func (m *Memory) deleteLocked(bucket, key, etag string) error {
	b := m.bucket(bucket)
	cur, ok := b[key]
	if !ok {
		return ErrNotFound
	}
	if etag != "" && cur.etag != etag {
		return ErrEtagConflict
	}
	delete(b, key)
	return nil
}

// Batch applies ops against a copy of the store and commits only if
// every operation succeeds.
func (m *Memory) Batch(ctx context.Context, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]map[string]memEntry, len(m.buckets))
	for name, b := range m.buckets {
		cp := make(map[string]memEntry, len(b))
		for k, v := range b {
			cp[k] = v
		}
		snapshot[name] = cp
	}

	for _, op := range ops {
		var err error
		switch op.Type {
		case OpPut:
			_, err = m.putLocked(op.Bucket, op.Key, op.Value, op.Etag)
		case OpDelete:
			err = m.deleteLocked(op.Bucket, op.Key, op.Etag)
		case OpDeleteMany:
			for k, e := range m.bucket(op.Bucket) {
				if matches(decodeDoc(e.value), op.Filter) {
					delete(m.bucket(op.Bucket), k)
				}
			}
		default:
			err = fmt.Errorf("unknown batch op %q", op.Type)
		}
		if err != nil {
			m.buckets = snapshot
			return err
		}
	}
	return nil
}

func (m *Memory) FindObjects(ctx context.Context, bucket string, f Filter, opts FindOpts) ([]Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Object
	for k, e := range m.bucket(bucket) {
		if matches(decodeDoc(e.value), f) {
			out = append(out, Object{Bucket: bucket, Key: k, Value: e.value, Etag: e.etag})
		}
	}

	sortBy := opts.SortBy
	sort.Slice(out, func(i, j int) bool {
		var vi, vj string
		if sortBy != "" {
			vi, _ = fieldString(decodeDoc(out[i].Value), sortBy)
			vj, _ = fieldString(decodeDoc(out[j].Value), sortBy)
		}
		if vi == vj {
			return out[i].Key < out[j].Key
		}
		if opts.Desc {
			return vi > vj
		}
		return vi < vj
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}

func decodeDoc(value []byte) map[string]any {
	var doc map[string]any
	json.Unmarshal(value, &doc) //nolint:errcheck
	return doc
}

func fieldString(doc map[string]any, field string) (string, bool) {
	v, ok := doc[field]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return fmt.Sprintf("%v", t), true
	case bool:
		return fmt.Sprintf("%v", t), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

func matches(doc map[string]any, f Filter) bool {
	for _, c := range f.Conds {
		got, present := fieldString(doc, c.Field)
		switch c.Op {
		case CondEq:
			if !present || got != c.Value {
				return false
			}
		case CondPresent:
			if !present {
				return false
			}
		case CondAbsent:
			if present {
				return false
			}
		case CondIn:
			if !present {
				return false
			}
			found := false
			for _, v := range c.Values {
				if got == v {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}
