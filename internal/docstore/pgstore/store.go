// Package pgstore stores documents as jsonb rows in a single Postgres table.
package pgstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/quizbank/internal/docstore"
)

// Schema creates the documents table. It is safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection  TEXT        NOT NULL,
	id          TEXT        NOT NULL,
	data        JSONB       NOT NULL,
	update_time TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS documents_data_idx ON documents USING GIN (data jsonb_path_ops);`

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

type Config struct {
	DB *pgxpool.Pool
}

type Store struct {
	db *pgxpool.Pool
}

var _ docstore.Store = (*Store)(nil)

func New(c Config) *Store {
	return &Store{db: c.DB}
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) GenerateID() string {
	return docstore.NewID()
}

func (s *Store) Get(ctx context.Context, p docstore.Path, dst any) error {
	return get(ctx, s.db, p, dst, false)
}

func (s *Store) Set(ctx context.Context, p docstore.Path, doc any) error {
	return set(ctx, s.db, p, doc)
}

func (s *Store) Delete(ctx context.Context, p docstore.Path) error {
	return del(ctx, s.db, p)
}

func (s *Store) Find(ctx context.Context, collection string, filter docstore.Filter, fn func(docstore.Decoder) error) error {
	const stmt = `SELECT data FROM documents WHERE collection = $1 AND data @> $2::jsonb ORDER BY id;`

	if filter == nil {
		filter = docstore.Filter{}
	}
	f, err := json.Marshal(filter)
	if err != nil {
		return fmt.Errorf("encode filter: %w", err)
	}

	rows, err := s.db.Query(ctx, stmt, collection, f)
	if err != nil {
		return fmt.Errorf("find %s: %w", collection, err)
	}

	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return fmt.Errorf("find %s: %w", collection, err)
	}

	for _, raw := range raws {
		if err := fn(func(dst any) error { return json.Unmarshal(raw, dst) }); err != nil {
			return err
		}
	}

	return nil
}

// RunTransaction runs fn in a serializable transaction. Reads lock their rows.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Txn) error) (err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
			err = translate(err)
		}
	}()

	t := &txn{ctx: ctx, tx: tx}
	if err = fn(ctx, t); err != nil {
		return err
	}

	for _, w := range t.writes {
		if err = w(); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) Close(context.Context) error {
	s.db.Close()
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func get(ctx context.Context, q querier, p docstore.Path, dst any, lock bool) error {
	stmt := `SELECT data FROM documents WHERE collection = $1 AND id = $2`
	if lock {
		stmt += ` FOR UPDATE`
	}

	var raw []byte
	err := q.QueryRow(ctx, stmt, p.Collection, p.ID).Scan(&raw)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("get %s: %w", p, docstore.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", p, err)
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", p, err)
	}

	return nil
}

func set(ctx context.Context, q querier, p docstore.Path, doc any) error {
	const stmt = `
INSERT INTO documents (collection, id, data, update_time)
VALUES ($1, $2, $3, now())
ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, update_time = EXCLUDED.update_time;`

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}

	if _, err := q.Exec(ctx, stmt, p.Collection, p.ID, raw); err != nil {
		return fmt.Errorf("set %s: %w", p, err)
	}

	return nil
}

func del(ctx context.Context, q querier, p docstore.Path) error {
	const stmt = `DELETE FROM documents WHERE collection = $1 AND id = $2;`

	if _, err := q.Exec(ctx, stmt, p.Collection, p.ID); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}

	return nil
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && (pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected) {
		return fmt.Errorf("%w: %v", docstore.ErrAborted, err)
	}
	return err
}

// txn buffers writes until fn returns, so a failing fn never issues a statement that mutates data.
type txn struct {
	ctx    context.Context
	tx     pgx.Tx
	writes []func() error
}

func (t *txn) Get(p docstore.Path, dst any) error {
	if len(t.writes) > 0 {
		return docstore.ErrReadAfterWrite
	}
	return get(t.ctx, t.tx, p, dst, true)
}

func (t *txn) Set(p docstore.Path, doc any) error {
	t.writes = append(t.writes, func() error { return set(t.ctx, t.tx, p, doc) })
	return nil
}

func (t *txn) Delete(p docstore.Path) error {
	t.writes = append(t.writes, func() error { return del(t.ctx, t.tx, p) })
	return nil
}
