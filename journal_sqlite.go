package logtrust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

type sqliteJournalStore struct{ db *sql.DB }

// OpenSQLiteJournalStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteJournalStore(dsn string) (JournalStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	st := &sqliteJournalStore{db: db}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS trust_events (
  idx     INTEGER PRIMARY KEY,
  ts      INTEGER NOT NULL,
  id      TEXT    NOT NULL UNIQUE,
  kind    TEXT    NOT NULL,
  subject TEXT    NOT NULL,
  tag     BLOB    NOT NULL
);
CREATE TABLE IF NOT EXISTS trust_tail (
  id    INTEGER PRIMARY KEY CHECK(id=1),
  idx   INTEGER NOT NULL,
  tag   BLOB    NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Append stores an event and moves the tail in one transaction.
func (s *sqliteJournalStore) Append(ev TrustEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maxIdx int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx),0) FROM trust_events`).Scan(&maxIdx); err != nil {
		return err
	}
	if uint64(maxIdx) != ev.Index-1 {
		return fmt.Errorf("non-contiguous append: have %d, got %d", maxIdx, ev.Index)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trust_events(idx, ts, id, kind, subject, tag) VALUES(?, ?, ?, ?, ?, ?)`,
		ev.Index, ev.TS, ev.ID.String(), string(ev.Kind), ev.Subject, ev.Tag[:]); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trust_tail(id, idx, tag) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET idx=excluded.idx, tag=excluded.tag`,
		ev.Index, ev.Tag[:]); err != nil {
		return err
	}
	return tx.Commit()
}

// Iter streams events from startIdx in ascending order.
func (s *sqliteJournalStore) Iter(startIdx uint64) (<-chan TrustEvent, func() error, error) {
	ctx, cancel := context.WithCancel(context.Background())
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, ts, id, kind, subject, tag FROM trust_events WHERE idx >= ? ORDER BY idx ASC`, startIdx)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	out := make(chan TrustEvent, 64)
	go func() {
		defer close(out)
		defer rows.Close()
		defer cancel()
		for rows.Next() {
			var ev TrustEvent
			var id, kind string
			var tag []byte
			if err := rows.Scan(&ev.Index, &ev.TS, &id, &kind, &ev.Subject, &tag); err != nil {
				return
			}
			parsed, err := uuid.Parse(id)
			if err != nil {
				return
			}
			ev.ID = parsed
			ev.Kind = EventKind(kind)
			copy(ev.Tag[:], tag)
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() error { cancel(); return nil }, nil
}

// Tail returns the index and tag of the last event.
func (s *sqliteJournalStore) Tail() (JournalTail, bool, error) {
	var tail JournalTail
	var idx int64
	var tag []byte
	err := s.db.QueryRow(`SELECT idx, tag FROM trust_tail WHERE id=1`).Scan(&idx, &tag)
	if errors.Is(err, sql.ErrNoRows) {
		return tail, false, nil
	}
	if err != nil {
		return tail, false, err
	}
	if len(tag) != 32 {
		return tail, false, fmt.Errorf("invalid tail size")
	}
	tail.Index = uint64(idx)
	copy(tail.Tag[:], tag)
	return tail, true, nil
}

func (s *sqliteJournalStore) Close() error { return s.db.Close() }
