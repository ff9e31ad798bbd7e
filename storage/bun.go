package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// CredentialEntry is the Bun model for a persisted credential key
type CredentialEntry struct {
	bun.BaseModel `bun:"table:credential_entries"`

	Key       string    `bun:"entry_key,pk"`
	Value     string    `bun:"entry_value,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// Bun persists credentials in a SQL database. It backs the durable horizon.
type Bun struct {
	db        *bun.DB
	namespace string
	now       func() time.Time
}

// BunOption customizes a Bun storage
type BunOption func(*Bun)

// WithNamespace prefixes every key so several profiles can share a database
func WithNamespace(ns string) BunOption {
	return func(b *Bun) {
		if ns != "" {
			b.namespace = ns + ":"
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) BunOption {
	return func(b *Bun) {
		if clock != nil {
			b.now = clock
		}
	}
}

// NewBun wraps an existing Bun database. Call Migrate before first use.
func NewBun(db *bun.DB, opts ...BunOption) *Bun {
	b := &Bun{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// OpenSQLite opens (and migrates) a SQLite database using the pure Go shim
func OpenSQLite(ctx context.Context, dsn string, opts ...BunOption) (*Bun, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(1)

	store := NewBun(bun.NewDB(sqldb, sqlitedialect.New()), opts...)
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the credential table if needed
func (b *Bun) Migrate(ctx context.Context) error {
	_, err := b.db.NewCreateTable().
		Model((*CredentialEntry)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}

// DB exposes the underlying database
func (b *Bun) DB() *bun.DB {
	return b.db
}

func (b *Bun) Close() error {
	return b.db.Close()
}

func (b *Bun) Get(ctx context.Context, key string) (string, bool, error) {
	var entry CredentialEntry
	err := b.db.NewSelect().
		Model(&entry).
		Where("entry_key = ?", b.key(key)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return entry.Value, true, nil
}

func (b *Bun) Set(ctx context.Context, key, value string) error {
	entry := &CredentialEntry{
		Key:       b.key(key),
		Value:     value,
		UpdatedAt: b.now(),
	}

	_, err := b.db.NewInsert().
		Model(entry).
		On("CONFLICT (entry_key) DO UPDATE").
		Set("entry_value = EXCLUDED.entry_value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (b *Bun) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	scoped := make([]string, len(keys))
	for i, k := range keys {
		scoped[i] = b.key(k)
	}

	_, err := b.db.NewDelete().
		Model((*CredentialEntry)(nil)).
		Where("entry_key IN (?)", bun.In(scoped)).
		Exec(ctx)
	return err
}

// Replace upserts values and deletes keys in one transaction
func (b *Bun) Replace(ctx context.Context, values map[string]string, deletes ...string) error {
	return b.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := b.now()
		for k, v := range values {
			entry := &CredentialEntry{Key: b.key(k), Value: v, UpdatedAt: now}
			if _, err := tx.NewInsert().
				Model(entry).
				On("CONFLICT (entry_key) DO UPDATE").
				Set("entry_value = EXCLUDED.entry_value").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx); err != nil {
				return err
			}
		}

		if len(deletes) == 0 {
			return nil
		}
		scoped := make([]string, len(deletes))
		for i, k := range deletes {
			scoped[i] = b.key(k)
		}
		_, err := tx.NewDelete().
			Model((*CredentialEntry)(nil)).
			Where("entry_key IN (?)", bun.In(scoped)).
			Exec(ctx)
		return err
	})
}

func (b *Bun) key(k string) string {
	return b.namespace + k
}
