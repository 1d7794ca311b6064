package archive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/whisper/relay/internal/relay"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// RecentLimit is how many messages GET /messages returns.
const RecentLimit = 10

// Store persists archive records in PostgreSQL or SQLite. Both share one
// schema and one set of migrations.
type Store struct {
	db     *sql.DB
	driver string
}

var _ relay.Persistence = (*Store)(nil)

// Open applies pending migrations and connects to the database. SQLite
// DSNs must name a file: migrations run on their own handle.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("archive: unsupported driver %q", driver)
	}

	if err := migrateUp(driver, dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: ping %s: %w", driver, err)
	}

	return &Store{db: db, driver: driver}, nil
}

func migrateUp(driver, dsn string) error {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("archive: open %s for migration: %w", driver, err)
	}

	var target database.Driver
	switch driver {
	case DriverPostgres:
		target, err = postgres.WithInstance(db, &postgres.Config{})
	case DriverSQLite:
		target, err = sqlite.WithInstance(db, &sqlite.Config{})
	}
	if err != nil {
		db.Close()
		return fmt.Errorf("archive: migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		target.Close()
		return fmt.Errorf("archive: migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		target.Close()
		return fmt.Errorf("archive: migrate init: %w", err)
	}
	// Closes db as well.
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("archive: migrate up: %w", err)
	}
	return nil
}

// InsertMessage stores r. Redelivered records are ignored.
func (s *Store) InsertMessage(ctx context.Context, r Record) error {
	const query = `
		INSERT INTO messages (id, sender_id, sender_name, sender_color, recipient, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		r.ID, r.SenderID, r.Sender, r.SenderColor, r.Recipient, r.Message,
		r.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("archive: insert: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = RecentLimit
	}

	const query = `
		SELECT id, sender_id, sender_name, sender_color, recipient, body, created_at
		FROM messages
		ORDER BY created_at DESC, id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r  Record
			ms int64
		)
		if err := rows.Scan(&r.ID, &r.SenderID, &r.Sender, &r.SenderColor, &r.Recipient, &r.Message, &ms); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		r.Timestamp = time.UnixMilli(ms).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	return records, nil
}

// DeleteAll removes every record and returns how many were removed.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages`)
	if err != nil {
		return 0, fmt.Errorf("archive: delete all: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// LogMessage lets the relay write to the store directly, without NATS.
func (s *Store) LogMessage(ctx context.Context, msg relay.Message) error {
	return s.InsertMessage(ctx, RecordFromMessage(msg))
}

// PurgeAll implements relay.Persistence.
func (s *Store) PurgeAll(ctx context.Context) error {
	_, err := s.DeleteAll(ctx)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
