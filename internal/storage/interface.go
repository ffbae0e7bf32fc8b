// Package storage provides the bucket/key-value Storage Adapter the
// rest of the system is built on: per-record optimistic concurrency
// via etags, atomic multi-operation batches, and indexed filter
// queries. Two implementations exist, Postgres for production and an
// in-memory backend for tests and dev mode.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a create collides with an existing
// key or unique index value.
var ErrAlreadyExists = errors.New("already exists")

// ErrEtagConflict is returned when a conditional write loses the
// optimistic-concurrency race: the stored etag no longer matches the
// one the caller read. The mutation is never applied.
var ErrEtagConflict = errors.New("etag conflict")

// Bucket names. Every entity lives in exactly one bucket.
const (
	BucketPIVTokens       = "pivtokens"
	BucketPIVTokenHistory = "pivtoken_history"
	BucketRecoveryConfigs = "recovery_configs"
	BucketTransitions     = "recovery_config_transitions"
	BucketRecoveryTokens  = "recovery_tokens"
)

// UniqueFields lists, per bucket, the JSON value fields that carry a
// unique secondary index in addition to the primary (bucket, key)
// uniqueness. Violations surface as ErrAlreadyExists.
var UniqueFields = map[string][]string{
	BucketPIVTokens: {"serial"},
}

// Object is one stored record together with its concurrency token.
type Object struct {
	Bucket string
	Key    string
	Value  []byte
	Etag   string
}

// OpType enumerates batch operations.
type OpType string

const (
	OpPut        OpType = "put"
	OpDelete     OpType = "delete"
	OpDeleteMany OpType = "deleteMany"
)

// Op is a single operation inside a Batch. Put and Delete honor Etag
// the same way the single-object calls do; DeleteMany removes every
// object in Bucket matching Filter.
type Op struct {
	Type   OpType
	Bucket string
	Key    string
	Value  []byte
	Etag   string
	Filter Filter
}

// CondOp enumerates filter condition operators.
type CondOp string

const (
	CondEq      CondOp = "eq"
	CondPresent CondOp = "present"
	CondAbsent  CondOp = "absent"
	CondIn      CondOp = "in"
)

// Cond is one condition on a top-level field of the stored JSON value.
type Cond struct {
	Field  string
	Op     CondOp
	Value  string
	Values []string
}

// Filter is a conjunction of conditions. The zero Filter matches
// everything in the bucket.
type Filter struct {
	Conds []Cond
}

// Eq matches objects whose field equals value.
func Eq(field, value string) Cond { return Cond{Field: field, Op: CondEq, Value: value} }

// Present matches objects that have the field set.
func Present(field string) Cond { return Cond{Field: field, Op: CondPresent} }

// Absent matches objects that do not have the field set.
func Absent(field string) Cond { return Cond{Field: field, Op: CondAbsent} }

// In matches objects whose field equals any of the given values.
func In(field string, values []string) Cond {
	return Cond{Field: field, Op: CondIn, Values: values}
}

// And builds a Filter from conditions.
func And(conds ...Cond) Filter { return Filter{Conds: conds} }

// FindOpts controls sorting and pagination of FindObjects.
type FindOpts struct {
	SortBy string
	Desc   bool
	Limit  int
	Offset int
}

// Backend is the Storage Adapter contract.
//
// Etag semantics: an empty etag on PutObject means "create"; the put
// fails with ErrAlreadyExists if the key (or a unique index value) is
// taken. A non-empty etag means "update if unchanged"; the put fails
// with ErrEtagConflict if the stored etag differs and with ErrNotFound
// if the object is gone. DeleteObject with an empty etag deletes
// unconditionally.
type Backend interface {
	GetObject(ctx context.Context, bucket, key string) (*Object, error)
	PutObject(ctx context.Context, bucket, key string, value []byte, etag string) (string, error)
	DeleteObject(ctx context.Context, bucket, key, etag string) error
	// Batch applies the operations atomically: either all take effect
	// or none do.
	Batch(ctx context.Context, ops []Op) error
	FindObjects(ctx context.Context, bucket string, f Filter, opts FindOpts) ([]Object, error)
	Ping(ctx context.Context) error
	Close()
}

// newEtag returns a fresh random etag value.
func newEtag() string {
	b := make([]byte, 16)
	rand.Read(b) //nolint:errcheck
	return hex.EncodeToString(b)
}
