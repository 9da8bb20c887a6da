// Package postgres implements eventstore.Store on top of PostgreSQL:
// events/outbox/projection_positions tables, migrated on Open via embedded
// SQL files, queried through a pgx connection pool.
package postgres

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for migrate

	"github.com/thalo-rs/thalo/pkg/event"
	"github.com/thalo-rs/thalo/pkg/eventstore"
	"github.com/thalo-rs/thalo/pkg/streamname"
)

//go:embed migrations
var migrationsFS embed.FS

// Config configures a connection to PostgreSQL.
type Config struct {
	DSN      string
	MaxConns int32
}

// Store is a PostgreSQL-backed eventstore.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open runs pending migrations against cfg.DSN, then opens a pool for
// runtime queries.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := runMigrations(cfg.DSN); err != nil {
		return nil, fmt.Errorf("eventstore/postgres: migrate: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("eventstore/postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("eventstore/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventstore/postgres: ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	defer sourceDriver.Close()

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func splitCategory(stream string) string {
	n, err := streamname.New(stream)
	if err != nil {
		return stream
	}
	return n.Category()
}

func sequenceEqual(a, b eventstore.ExpectedSequence) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

const uniqueViolation = "23505"

func (s *Store) AppendToStream(ctx context.Context, stream string, events []event.NewEvent, expected eventstore.ExpectedSequence) ([]event.Record, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("eventstore/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var maxSeq stdsql.NullInt64
	if err := tx.QueryRow(ctx, `SELECT max(sequence) FROM events WHERE stream_name = $1`, stream).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("eventstore/postgres: stream head: %w", err)
	}
	var current eventstore.ExpectedSequence
	if maxSeq.Valid {
		current = eventstore.Seq(uint64(maxSeq.Int64))
	}
	if !sequenceEqual(current, expected) {
		return nil, &eventstore.WrongExpectedSequenceError{StreamName: stream, Expected: expected, Current: current}
	}

	nextSeq := uint64(0)
	if current != nil {
		nextSeq = *current + 1
	}
	category := splitCategory(stream)

	written := make([]event.Record, 0, len(events))
	for _, e := range events {
		id := uuid.NewString()
		ts := time.Now().UnixMilli()

		var metadataArg any
		if e.Metadata != nil {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return nil, fmt.Errorf("eventstore/postgres: marshal metadata: %w", err)
			}
			metadataArg = b
		}

		var globalSeq uint64
		err := tx.QueryRow(ctx, `
			INSERT INTO events (stream_name, sequence, id, event_type, data, "timestamp", metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING global_sequence
		`, stream, nextSeq, id, e.EventType, []byte(e.Data), ts, metadataArg).Scan(&globalSeq)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return nil, &eventstore.WriteConflictError{StreamName: stream}
			}
			return nil, fmt.Errorf("eventstore/postgres: insert event: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO outbox (stream_name, category, global_sequence, event_type, data)
			VALUES ($1, $2, $3, $4, $5)
		`, stream, category, globalSeq, e.EventType, []byte(e.Data)); err != nil {
			return nil, fmt.Errorf("eventstore/postgres: insert outbox: %w", err)
		}

		written = append(written, event.Record{
			StreamName:     stream,
			Sequence:       nextSeq,
			GlobalSequence: globalSeq,
			ID:             id,
			EventType:      e.EventType,
			Data:           e.Data,
			Timestamp:      ts,
			Metadata:       e.Metadata,
		})
		nextSeq++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("eventstore/postgres: commit: %w", err)
	}
	return written, nil
}

func (s *Store) scanRecords(rows pgx.Rows) ([]event.Record, error) {
	defer rows.Close()

	var records []event.Record
	for rows.Next() {
		var rec event.Record
		var metadataRaw []byte
		if err := rows.Scan(&rec.StreamName, &rec.Sequence, &rec.GlobalSequence, &rec.ID, &rec.EventType, &rec.Data, &rec.Timestamp, &metadataRaw); err != nil {
			return nil, fmt.Errorf("eventstore/postgres: scan: %w", err)
		}
		if metadataRaw != nil {
			rec.Metadata = &event.Metadata{}
			if err := json.Unmarshal(metadataRaw, rec.Metadata); err != nil {
				return nil, fmt.Errorf("eventstore/postgres: unmarshal metadata: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore/postgres: rows: %w", err)
	}
	return records, nil
}

func (s *Store) IterStream(ctx context.Context, stream string, from uint64) (eventstore.RecordIterator, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stream_name, sequence, global_sequence, id, event_type, data, "timestamp", metadata
		FROM events WHERE stream_name = $1 AND sequence >= $2 ORDER BY sequence
	`, stream, from)
	if err != nil {
		return nil, fmt.Errorf("eventstore/postgres: query stream: %w", err)
	}
	records, err := s.scanRecords(rows)
	if err != nil {
		return nil, err
	}
	return &sliceIterator{records: records}, nil
}

func (s *Store) IterGlobal(ctx context.Context, from uint64) (eventstore.RecordIterator, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stream_name, sequence, global_sequence, id, event_type, data, "timestamp", metadata
		FROM events WHERE global_sequence >= $1 ORDER BY global_sequence
	`, from)
	if err != nil {
		return nil, fmt.Errorf("eventstore/postgres: query global: %w", err)
	}
	records, err := s.scanRecords(rows)
	if err != nil {
		return nil, err
	}
	return &sliceIterator{records: records}, nil
}

func (s *Store) StreamHead(ctx context.Context, stream string) (eventstore.ExpectedSequence, error) {
	var maxSeq stdsql.NullInt64
	if err := s.pool.QueryRow(ctx, `SELECT max(sequence) FROM events WHERE stream_name = $1`, stream).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("eventstore/postgres: stream head: %w", err)
	}
	if !maxSeq.Valid {
		return nil, nil
	}
	return eventstore.Seq(uint64(maxSeq.Int64)), nil
}

func (s *Store) LoadProjectionPosition(ctx context.Context, name string) (eventstore.Position, error) {
	var seen, relevant stdsql.NullInt64
	err := s.pool.QueryRow(ctx, `
		SELECT last_seen_global_id, last_relevant_global_id FROM projection_positions WHERE name = $1
	`, name).Scan(&seen, &relevant)
	if errors.Is(err, pgx.ErrNoRows) {
		return eventstore.Position{}, nil
	}
	if err != nil {
		return eventstore.Position{}, fmt.Errorf("eventstore/postgres: load position: %w", err)
	}
	var pos eventstore.Position
	if seen.Valid {
		pos.LastSeenGlobalID = eventstore.Seq(uint64(seen.Int64))
	}
	if relevant.Valid {
		pos.LastRelevantGlobalID = eventstore.Seq(uint64(relevant.Int64))
	}
	return pos, nil
}

func (s *Store) SaveProjectionPosition(ctx context.Context, name string, pos eventstore.Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projection_positions (name, last_seen_global_id, last_relevant_global_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			last_seen_global_id = EXCLUDED.last_seen_global_id,
			last_relevant_global_id = EXCLUDED.last_relevant_global_id
	`, name, pos.LastSeenGlobalID, pos.LastRelevantGlobalID)
	if err != nil {
		return fmt.Errorf("eventstore/postgres: save position: %w", err)
	}
	return nil
}

func (s *Store) PullOutbox(ctx context.Context, limit int) ([]eventstore.OutboxRecord, func(context.Context) error, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, stream_name, category, global_sequence, event_type, data
		FROM outbox ORDER BY id LIMIT $1
	`, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("eventstore/postgres: pull outbox: %w", err)
	}
	defer rows.Close()

	var batch []eventstore.OutboxRecord
	for rows.Next() {
		var rec eventstore.OutboxRecord
		if err := rows.Scan(&rec.ID, &rec.StreamName, &rec.Category, &rec.GlobalSequence, &rec.EventType, &rec.Data); err != nil {
			return nil, nil, fmt.Errorf("eventstore/postgres: scan outbox: %w", err)
		}
		batch = append(batch, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("eventstore/postgres: outbox rows: %w", err)
	}

	ids := make([]int64, len(batch))
	for i, rec := range batch {
		ids[i] = int64(rec.ID)
	}

	del := func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `DELETE FROM outbox WHERE id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("eventstore/postgres: delete outbox batch: %w", err)
		}
		return nil
	}
	return batch, del, nil
}

type sliceIterator struct {
	records []event.Record
	pos     int
}

func (it *sliceIterator) Next(context.Context) (event.Record, bool, error) {
	if it.pos >= len(it.records) {
		return event.Record{}, false, nil
	}
	r := it.records[it.pos]
	it.pos++
	return r, true, nil
}

func (it *sliceIterator) Close() error { return nil }
