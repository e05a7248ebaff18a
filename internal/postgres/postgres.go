// Package postgres stores the service's JSON documents in PostgreSQL, one
// row per document key.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/storm-alert-pipeline/internal/docstore"
)

var tracer = otel.Tracer("github.com/couchcryptid/storm-alert-pipeline/internal/postgres")

//go:embed schema.sql
var schema string

// Document keys used by the service.
const (
	StateKey       = "state"
	QueueKey       = "delivery_queue"
	SubscribersKey = "subscribers"
)

// DB is a connection pool with the documents schema applied.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL and applies the schema.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// CheckHealth pings the database.
func (db *DB) CheckHealth(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

// Document returns a store for the row named key.
func (db *DB) Document(key string) *Document {
	return &Document{pool: db.pool, key: key}
}

// Document is a docstore.Store backed by one row of the documents table.
type Document struct {
	pool *pgxpool.Pool
	key  string
}

var _ docstore.Store = (*Document)(nil)

// Key returns the row key.
func (d *Document) Key() string { return d.key }

func (d *Document) Load(ctx context.Context) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "postgres.Document.Load", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.String("document.key", d.key),
	))
	defer span.End()

	var body []byte
	err := d.pool.QueryRow(ctx, `SELECT body FROM documents WHERE key = $1`, d.key).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load document %s: %w", d.key, err)
	}
	return body, nil
}

func (d *Document) Save(ctx context.Context, data []byte) error {
	ctx, span := tracer.Start(ctx, "postgres.Document.Save", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
		attribute.String("document.key", d.key),
		attribute.Int("document.size", len(data)),
	))
	defer span.End()

	_, err := d.pool.Exec(ctx, `
		INSERT INTO documents (key, body, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (key) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		d.key, string(data))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("save document %s: %w", d.key, err)
	}
	return nil
}
