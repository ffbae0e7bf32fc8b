package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Backend backed by PostgreSQL. All objects live in one
// `objects` table keyed by (bucket, key) with a jsonb value and an
// etag column; unique secondary indexes (see migrations/) enforce the
// per-bucket unique value fields.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pgxpool connection and returns a ready backend.
func NewPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the
// single-object operations can run standalone or inside a Batch.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *Postgres) GetObject(ctx context.Context, bucket, key string) (*Object, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT value, etag FROM objects WHERE bucket = $1 AND key = $2`,
		bucket, key,
	)
	obj := Object{Bucket: bucket, Key: key}
	if err := row.Scan(&obj.Value, &obj.Etag); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &obj, nil
}

func (p *Postgres) PutObject(ctx context.Context, bucket, key string, value []byte, etag string) (string, error) {
	return putObject(ctx, p.pool, bucket, key, value, etag)
}

func putObject(ctx context.Context, q querier, bucket, key string, value []byte, etag string) (string, error) {
	next := newEtag()
	if etag == "" {
		// Create. ON CONFLICT DO NOTHING also swallows unique-index
		// violations on value fields, so zero rows means a duplicate
		// of either kind.
		tag, err := q.Exec(ctx,
			`INSERT INTO objects (bucket, key, value, etag, created_at)
			 VALUES ($1, $2, $3, $4, NOW())
			 ON CONFLICT DO NOTHING`,
			bucket, key, value, next,
		)
		if err != nil {
			return "", pgErr(err)
		}
		if tag.RowsAffected() == 0 {
			return "", ErrAlreadyExists
		}
		return next, nil
	}

	tag, err := q.Exec(ctx,
		`UPDATE objects SET value = $4, etag = $5
		 WHERE bucket = $1 AND key = $2 AND etag = $3`,
		bucket, key, etag, value, next,
	)
	if err != nil {
		return "", pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		var cur string
		err := q.QueryRow(ctx,
			`SELECT etag FROM objects WHERE bucket = $1 AND key = $2`,
			bucket, key,
		).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		if err != nil {
			return "", err
		}
		return "", ErrEtagConflict
	}
	return next, nil
}

func (p *Postgres) DeleteObject(ctx context.Context, bucket, key, etag string) error {
	return deleteObject(ctx, p.pool, bucket, key, etag)
}

func deleteObject(ctx context.Context, q querier, bucket, key, etag string) error {
	var tag pgconn.CommandTag
	var err error
	if etag == "" {
		tag, err = q.Exec(ctx,
			`DELETE FROM objects WHERE bucket = $1 AND key = $2`,
			bucket, key,
		)
	} else {
		tag, err = q.Exec(ctx,
			`DELETE FROM objects WHERE bucket = $1 AND key = $2 AND etag = $3`,
			bucket, key, etag,
		)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var cur string
		scanErr := q.QueryRow(ctx,
			`SELECT etag FROM objects WHERE bucket = $1 AND key = $2`,
			bucket, key,
		).Scan(&cur)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if scanErr != nil {
			return scanErr
		}
		return ErrEtagConflict
	}
	return nil
}

// Batch runs all operations in one transaction; any failure rolls the
// whole set back.
func (p *Postgres) Batch(ctx context.Context, ops []Op) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, op := range ops {
		switch op.Type {
		case OpPut:
			if _, err := putObject(ctx, tx, op.Bucket, op.Key, op.Value, op.Etag); err != nil {
				return err
			}
		case OpDelete:
			if err := deleteObject(ctx, tx, op.Bucket, op.Key, op.Etag); err != nil {
				return err
			}
		case OpDeleteMany:
			where, args := compileFilter(op.Filter, 2)
			sql := `DELETE FROM objects WHERE bucket = $1` + where
			if _, err := tx.Exec(ctx, sql, append([]any{op.Bucket}, args...)...); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown batch op %q", op.Type)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) FindObjects(ctx context.Context, bucket string, f Filter, opts FindOpts) ([]Object, error) {
	where, args := compileFilter(f, 2)
	query := strings.Builder{}
	query.WriteString(`SELECT key, value, etag FROM objects WHERE bucket = $1`)
	query.WriteString(where)
	allArgs := append([]any{bucket}, args...)
	n := len(allArgs) + 1

	if opts.SortBy != "" {
		dir := "ASC"
		if opts.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&query, ` ORDER BY value->>'%s' %s, key`, sortField(opts.SortBy), dir)
	} else {
		query.WriteString(` ORDER BY key`)
	}
	if opts.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		allArgs = append(allArgs, opts.Limit)
		n++
	}
	if opts.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		allArgs = append(allArgs, opts.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), allArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Object
	for rows.Next() {
		obj := Object{Bucket: bucket}
		if err := rows.Scan(&obj.Key, &obj.Value, &obj.Etag); err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

// compileFilter renders f as a conjunction of SQL conditions, with
// placeholders starting at $start.
func compileFilter(f Filter, start int) (string, []any) {
	var sql strings.Builder
	var args []any
	n := start
	for _, c := range f.Conds {
		field := sortField(c.Field)
		switch c.Op {
		case CondEq:
			fmt.Fprintf(&sql, ` AND value->>'%s' = $%d`, field, n)
			args = append(args, c.Value)
			n++
		case CondPresent:
			fmt.Fprintf(&sql, ` AND value->>'%s' IS NOT NULL`, field)
		case CondAbsent:
			fmt.Fprintf(&sql, ` AND value->>'%s' IS NULL`, field)
		case CondIn:
			fmt.Fprintf(&sql, ` AND value->>'%s' = ANY($%d)`, field, n)
			args = append(args, c.Values)
			n++
		}
	}
	return sql.String(), args
}

// sortField restricts a field name to identifier characters before it
// is interpolated into SQL.
func sortField(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return -1
	}, name)
}

func pgErr(err error) error {
	var pge *pgconn.PgError
	// 23505: unique_violation (secondary unique index on an update).
	if errors.As(err, &pge) && pge.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}
