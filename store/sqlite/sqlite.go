/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements the persistence interfaces (EventStore, SakStore, RawStore)
  using SQLite. In production the same patterns apply to PostgreSQL with
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  generic.EventStore:    Per-sak hendelse log
  generic.SakStore:      Sak registry
  kravgrunnlag.RawStore: Claim-basis messages as received

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the hendelser table
  - A case changes only by appending a new hendelse
  - raw_kravgrunnlag is updated in one column only: processed_at

KEY TABLES:
  saker:            Sak registry, saksnummer UNIQUE
  hendelser:        Immutable event log, UNIQUE(sak_id, version)
  raw_kravgrunnlag: Claim-basis messages, UNIQUE(ekstern_melding_id)

OPTIMISTIC CONCURRENCY:
  Append reads the sak's head and inserts inside one transaction. The
  UNIQUE(sak_id, version) constraint is the backstop: if two writers holding
  the same head race past the read, the database refuses the second insert
  and it comes back as a VersionConflictError.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/tilbakekreving.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  events := generic.NewEventLog(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - generic/store.go: Interface definitions
  - kravgrunnlag/store.go: RawStore
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/navikt/su-tilbakekreving/generic"
	"github.com/navikt/su-tilbakekreving/kravgrunnlag"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ generic.EventStore    = (*Store)(nil)
	_ generic.SakStore      = (*Store)(nil)
	_ kravgrunnlag.RawStore = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer anyway, and every
	// connection to ":memory:" would otherwise get its own empty database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS saker (
		id TEXT PRIMARY KEY,
		saksnummer INTEGER NOT NULL UNIQUE,
		sak_type TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Hendelser (append-only event log)
	CREATE TABLE IF NOT EXISTS hendelser (
		id TEXT PRIMARY KEY,
		sak_id TEXT NOT NULL REFERENCES saker(id),
		case_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		previous_id TEXT,
		type TEXT NOT NULL,
		actor TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		payload TEXT NOT NULL,
		UNIQUE(sak_id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_hendelser_case
		ON hendelser(case_id);

	-- Claim-basis messages exactly as delivered
	CREATE TABLE IF NOT EXISTS raw_kravgrunnlag (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		ekstern_melding_id TEXT NOT NULL UNIQUE,
		saksnummer INTEGER NOT NULL,
		payload TEXT NOT NULL,
		received_at TEXT NOT NULL,
		processed_at TEXT
	);

	-- The ingestion job's hot path
	CREATE INDEX IF NOT EXISTS idx_raw_kravgrunnlag_unprocessed
		ON raw_kravgrunnlag(seq) WHERE processed_at IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// EVENT STORE (generic.EventStore interface)
// =============================================================================

// Append adds ev to the sak's log if the current head equals expected.
func (s *Store) Append(ctx context.Context, expected generic.Head, ev generic.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := headOf(ctx, tx, ev.SakID)
		if err != nil {
			return err
		}
		if current != expected || ev.Version != expected.Version+1 || ev.PreviousID != expected.ID {
			return &generic.VersionConflictError{SakID: ev.SakID, Expected: expected, Actual: current}
		}

		query := `
			INSERT INTO hendelser
			(id, sak_id, case_id, version, previous_id, type, actor, occurred_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err = tx.ExecContext(ctx, query,
			ev.ID,
			ev.SakID,
			ev.CaseID,
			int64(ev.Version),
			nullString(string(ev.PreviousID)),
			ev.Type,
			ev.Actor,
			formatTime(ev.OccurredAt),
			string(ev.Payload),
		)
		switch {
		case err == nil:
			return nil
		case isConstraintOn(err, "hendelser.id"):
			return generic.ErrDuplicateEventID
		case isConstraintOn(err, "hendelser.sak_id"):
			return &generic.VersionConflictError{SakID: ev.SakID, Expected: expected, Actual: current}
		case isForeignKeyError(err):
			return fmt.Errorf("%w: %s", generic.ErrSakNotFound, ev.SakID)
		default:
			return fmt.Errorf("failed to append event: %w", err)
		}
	})
}

// Load returns every event of the sak ordered by version.
func (s *Store) Load(ctx context.Context, sakID generic.SakID) ([]generic.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, sak_id, case_id, version, previous_id, type, actor, occurred_at, payload
		FROM hendelser
		WHERE sak_id = ?
		ORDER BY version ASC
	`
	rows, err := s.db.QueryContext(ctx, query, sakID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var events []generic.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Head returns the sak's latest event, or the zero Head.
func (s *Store) Head(ctx context.Context, sakID generic.SakID) (generic.Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return headOf(ctx, s.db, sakID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func headOf(ctx context.Context, db queryer, sakID generic.SakID) (generic.Head, error) {
	var (
		id      string
		version int64
	)
	err := db.QueryRowContext(ctx,
		"SELECT id, version FROM hendelser WHERE sak_id = ? ORDER BY version DESC LIMIT 1",
		sakID,
	).Scan(&id, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Head{}, nil
	}
	if err != nil {
		return generic.Head{}, fmt.Errorf("failed to read head: %w", err)
	}
	return generic.Head{ID: generic.EventID(id), Version: generic.Version(version)}, nil
}

func scanEvent(rows *sql.Rows) (generic.Event, error) {
	var (
		ev         generic.Event
		version    int64
		previousID sql.NullString
		occurredAt string
		payload    string
	)
	err := rows.Scan(&ev.ID, &ev.SakID, &ev.CaseID, &version, &previousID, &ev.Type, &ev.Actor, &occurredAt, &payload)
	if err != nil {
		return generic.Event{}, fmt.Errorf("failed to scan event: %w", err)
	}
	ev.Version = generic.Version(version)
	ev.PreviousID = generic.EventID(previousID.String)
	ev.Payload = []byte(payload)
	if ev.OccurredAt, err = parseTime(occurredAt); err != nil {
		return generic.Event{}, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	return ev, nil
}

// =============================================================================
// SAK STORE (generic.SakStore interface)
// =============================================================================

func (s *Store) SaveSak(ctx context.Context, sak generic.Sak) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO saker (id, saksnummer, sak_type, created_at) VALUES (?, ?, ?, ?)",
		sak.ID, int64(sak.Saksnummer), sak.Type, formatTime(sak.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return generic.ErrSakExists
	}
	if err != nil {
		return fmt.Errorf("failed to save sak: %w", err)
	}
	return nil
}

func (s *Store) GetSak(ctx context.Context, id generic.SakID) (generic.Sak, error) {
	return s.querySak(ctx, "SELECT id, saksnummer, sak_type, created_at FROM saker WHERE id = ?", id)
}

func (s *Store) SakBySaksnummer(ctx context.Context, saksnummer generic.Saksnummer) (generic.Sak, error) {
	return s.querySak(ctx, "SELECT id, saksnummer, sak_type, created_at FROM saker WHERE saksnummer = ?", int64(saksnummer))
}

func (s *Store) querySak(ctx context.Context, query string, arg any) (generic.Sak, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		sak        generic.Sak
		saksnummer int64
		createdAt  string
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&sak.ID, &saksnummer, &sak.Type, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Sak{}, generic.ErrSakNotFound
	}
	if err != nil {
		return generic.Sak{}, fmt.Errorf("failed to get sak: %w", err)
	}
	sak.Saksnummer = generic.Saksnummer(saksnummer)
	if sak.CreatedAt, err = parseTime(createdAt); err != nil {
		return generic.Sak{}, err
	}
	return sak, nil
}

// =============================================================================
// RAW CLAIM-BASIS STORE (kravgrunnlag.RawStore interface)
// =============================================================================

// Save inserts msg unless its external message ID is already stored.
func (s *Store) Save(ctx context.Context, msg kravgrunnlag.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO raw_kravgrunnlag (id, ekstern_melding_id, saksnummer, payload, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ekstern_melding_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ExternalMessageID,
		int64(msg.Saksnummer),
		msg.Payload,
		formatTime(msg.ReceivedAt),
	)
	if isConstraintOn(err, "raw_kravgrunnlag.id") {
		return false, kravgrunnlag.ErrDuplicateRecordID
	}
	if err != nil {
		return false, fmt.Errorf("failed to save claim basis message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListUnprocessed returns unprocessed messages in arrival order.
func (s *Store) ListUnprocessed(ctx context.Context) ([]kravgrunnlag.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, ekstern_melding_id, saksnummer, payload, received_at
		FROM raw_kravgrunnlag
		WHERE processed_at IS NULL
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list claim basis messages: %w", err)
	}
	defer rows.Close()

	var result []kravgrunnlag.RawMessage
	for rows.Next() {
		var (
			msg        kravgrunnlag.RawMessage
			saksnummer int64
			receivedAt string
		)
		if err := rows.Scan(&msg.ID, &msg.ExternalMessageID, &saksnummer, &msg.Payload, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan claim basis message: %w", err)
		}
		msg.Saksnummer = generic.Saksnummer(saksnummer)
		if msg.ReceivedAt, err = parseTime(receivedAt); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// MarkProcessed sets processed_at once. Later calls leave it unchanged.
func (s *Store) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM raw_kravgrunnlag WHERE id = ?", id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return kravgrunnlag.ErrRawMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to find claim basis message: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE raw_kravgrunnlag SET processed_at = ? WHERE id = ? AND processed_at IS NULL",
			formatTime(at), id,
		)
		if err != nil {
			return fmt.Errorf("failed to mark claim basis message processed: %w", err)
		}
		return nil
	})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// withTx runs fn in a database transaction. Callers hold s.mu.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// isConstraintOn reports a unique or primary key violation naming column,
// e.g. "hendelser.id".
func isConstraintOn(err error, column string) bool {
	if !isUniqueConstraintError(err) {
		return false
	}
	msg := err.Error()
	i := strings.Index(msg, "failed: ")
	if i < 0 {
		return false
	}
	for _, col := range strings.Split(msg[i+len("failed: "):], ",") {
		if strings.TrimSpace(col) == column {
			return true
		}
	}
	return false
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
