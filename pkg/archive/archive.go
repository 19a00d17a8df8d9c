// Package archive journals calls and their turns to SQLite so transcripts
// outlive the session store.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/teslashibe/go-salescall/internal/config"
	"github.com/teslashibe/go-salescall/pkg/agent"
	"github.com/teslashibe/go-salescall/pkg/dialogue"
	"github.com/teslashibe/go-salescall/pkg/session"
	_ "modernc.org/sqlite"
)

// ErrDisabled is returned by reads when retention is ephemeral.
var ErrDisabled = errors.New("archive: disabled")

// CallRecord is an archived call.
type CallRecord struct {
	ID           string
	PhoneNumber  string
	CustomerName string
	StartedAt    time.Time
	EndedAt      time.Time // zero while the call is live
}

// Entry is an archived turn.
type Entry struct {
	ID        int64
	CallID    string
	Role      session.Role
	Content   string
	Stage     dialogue.Stage
	CreatedAt time.Time
}

// Archive is a SQLite-backed transcript journal. With retention mode
// ephemeral it holds no database and every write is a no-op.
type Archive struct {
	agent.NopObserver

	db    *sql.DB
	cfg   config.ArchiveConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the archive according to cfg.
func Open(ctx context.Context, cfg config.ArchiveConfig, log *slog.Logger) (*Archive, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "archive")
	if cfg.RetentionMode == "ephemeral" {
		return &Archive{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	a := &Archive{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := a.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if err := a.Prune(ctx); err != nil {
		log.Warn("archive prune on start failed", "error", err)
	}
	return a, nil
}

func (a *Archive) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS calls (
    call_id TEXT PRIMARY KEY,
    phone_number TEXT,
    customer_name TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    call_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    stage TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(call_id) REFERENCES calls(call_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_call ON turns(call_id, id);
`
	_, err := a.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether the archive persists anything.
func (a *Archive) Enabled() bool {
	return a.db != nil
}

// Close releases underlying resources.
func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// RecordCall ensures a call row exists.
func (a *Archive) RecordCall(ctx context.Context, call session.Call) error {
	if a.db == nil {
		return nil
	}
	started := call.CreatedAt
	if started.IsZero() {
		started = a.clock()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO calls(call_id, phone_number, customer_name, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(call_id) DO UPDATE SET phone_number=excluded.phone_number, customer_name=excluded.customer_name`,
		call.ID, call.PhoneNumber, call.CustomerName, started.UnixMilli())
	return err
}

// RecordTurn appends a turn to a recorded call.
func (a *Archive) RecordTurn(ctx context.Context, callID string, turn session.Turn, stage dialogue.Stage) error {
	if a.db == nil {
		return nil
	}
	at := turn.At
	if at.IsZero() {
		at = a.clock()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO turns(call_id, role, content, stage, created_at) VALUES(?, ?, ?, ?, ?)`,
		callID, string(turn.Role), turn.Content, string(stage), at.UnixMilli())
	return err
}

// EndCall stamps the call's end time.
func (a *Archive) EndCall(ctx context.Context, callID string) error {
	if a.db == nil {
		return nil
	}
	_, err := a.db.ExecContext(ctx, `UPDATE calls SET ended_at = ? WHERE call_id = ?`, a.clock().UnixMilli(), callID)
	return err
}

// Call returns an archived call.
func (a *Archive) Call(ctx context.Context, callID string) (CallRecord, error) {
	if a.db == nil {
		return CallRecord{}, ErrDisabled
	}
	var rec CallRecord
	var started int64
	var ended sql.NullInt64
	err := a.db.QueryRowContext(ctx,
		`SELECT call_id, phone_number, customer_name, started_at, ended_at FROM calls WHERE call_id = ?`, callID).
		Scan(&rec.ID, &rec.PhoneNumber, &rec.CustomerName, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, session.ErrNotFound
	}
	if err != nil {
		return CallRecord{}, err
	}
	rec.StartedAt = time.UnixMilli(started).UTC()
	if ended.Valid {
		rec.EndedAt = time.UnixMilli(ended.Int64).UTC()
	}
	return rec, nil
}

// Turns returns up to limit turns of a call in order.
func (a *Archive) Turns(ctx context.Context, callID string, limit int) ([]Entry, error) {
	if a.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, call_id, role, content, stage, created_at
		 FROM turns WHERE call_id = ? ORDER BY id ASC LIMIT ?`, callID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var role, stage string
		var created int64
		if err := rows.Scan(&e.ID, &e.CallID, &role, &e.Content, &stage, &created); err != nil {
			return nil, err
		}
		e.Role = session.Role(role)
		e.Stage = dialogue.Stage(stage)
		e.CreatedAt = time.UnixMilli(created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes calls started more than RetentionDays ago. Zero days keeps
// everything.
func (a *Archive) Prune(ctx context.Context) (err error) {
	if a.db == nil || a.cfg.RetentionDays <= 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	cutoff := a.clock().Add(-time.Duration(a.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
	if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE call_id IN (SELECT call_id FROM calls WHERE started_at < ?)`, cutoff); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM calls WHERE started_at < ?`, cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		a.log.Info("pruned archived calls", "calls", n)
	}
	return tx.Commit()
}

// CallStarted implements agent.Observer.
func (a *Archive) CallStarted(ctx context.Context, call session.Call) {
	if err := a.RecordCall(ctx, call); err != nil {
		a.log.Warn("failed to archive call", "call_id", call.ID, "error", err)
	}
}

// TurnAppended implements agent.Observer.
func (a *Archive) TurnAppended(ctx context.Context, callID string, turn session.Turn, stage dialogue.Stage) {
	if err := a.RecordTurn(ctx, callID, turn, stage); err != nil {
		a.log.Warn("failed to archive turn", "call_id", callID, "error", err)
	}
}

// CallEnded implements agent.Observer.
func (a *Archive) CallEnded(ctx context.Context, callID string) {
	if err := a.EndCall(ctx, callID); err != nil {
		a.log.Warn("failed to archive call end", "call_id", callID, "error", err)
	}
}

var _ agent.Observer = (*Archive)(nil)
