package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/wsuo/argochainhub-platform-sub001/internal/model/conversation"
)

// SQLiteGateway archives records in a local SQLite database.
type SQLiteGateway struct {
	db  *sql.DB
	now func() time.Time
}

var _ Gateway = &SQLiteGateway{}

// ArchivedRecord is a stored record with its archive timestamp.
type ArchivedRecord struct {
	conversation.Record
	ArchivedAt time.Time `json:"archivedAt"`
}

// NewSQLiteGateway opens (and migrates) the database at dsn.
func NewSQLiteGateway(dsn string) (*SQLiteGateway, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite gateway: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// single writer keeps sqlite from returning SQLITE_BUSY under load
	db.SetMaxOpenConns(1)

	g := &SQLiteGateway{db: db, now: time.Now}
	if err := g.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return g, nil
}

func (g *SQLiteGateway) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}

func (g *SQLiteGateway) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			guest_id TEXT NOT NULL DEFAULT '',
			user_query TEXT NOT NULL DEFAULT '',
			final_answer TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			record_json TEXT NOT NULL,
			archived_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_guest ON conversations(guest_id, archived_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_time ON conversations(archived_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := g.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite gateway: migrate")
		}
	}
	return nil
}

// Persist upserts record keyed by its conversation id.
func (g *SQLiteGateway) Persist(ctx context.Context, record conversation.Record) (Result, error) {
	if record.ConversationID == "" {
		return Result{Success: false, Message: "record has no conversation id"}, nil
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return Result{}, errors.Wrap(err, "sqlite gateway: marshal record")
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, guest_id, user_query, final_answer, duration_ms, record_json, archived_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			guest_id = excluded.guest_id,
			user_query = excluded.user_query,
			final_answer = excluded.final_answer,
			duration_ms = excluded.duration_ms,
			record_json = excluded.record_json,
			archived_at_ms = excluded.archived_at_ms`,
		record.ConversationID,
		record.GuestID,
		record.UserQuery,
		record.FinalAnswer,
		record.Duration,
		string(payload),
		g.now().UnixMilli(),
	)
	if err != nil {
		return Result{}, errors.Wrap(err, "sqlite gateway: upsert")
	}
	return Result{Success: true}, nil
}

// Load returns the archived record for conversationID or ErrNotFound.
func (g *SQLiteGateway) Load(ctx context.Context, conversationID string) (ArchivedRecord, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT record_json, archived_at_ms FROM conversations WHERE conversation_id = ?`, conversationID)
	rec, err := scanArchived(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ArchivedRecord{}, ErrNotFound
	}
	if err != nil {
		return ArchivedRecord{}, errors.Wrap(err, "sqlite gateway: load")
	}
	return rec, nil
}

// List returns up to limit records, newest first. A non-positive limit
// means 50.
func (g *SQLiteGateway) List(ctx context.Context, limit int) ([]ArchivedRecord, error) {
	return g.list(ctx,
		`SELECT record_json, archived_at_ms FROM conversations ORDER BY archived_at_ms DESC, conversation_id LIMIT ?`,
		listLimit(limit))
}

// ListByGuest is List restricted to one guest's records.
func (g *SQLiteGateway) ListByGuest(ctx context.Context, guestID string, limit int) ([]ArchivedRecord, error) {
	return g.list(ctx,
		`SELECT record_json, archived_at_ms FROM conversations WHERE guest_id = ? ORDER BY archived_at_ms DESC, conversation_id LIMIT ?`,
		guestID, listLimit(limit))
}

func listLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

func (g *SQLiteGateway) list(ctx context.Context, query string, args ...any) ([]ArchivedRecord, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite gateway: list")
	}
	defer rows.Close()

	var out []ArchivedRecord
	for rows.Next() {
		rec, err := scanArchived(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite gateway: scan")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "sqlite gateway: list")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArchived(s scanner) (ArchivedRecord, error) {
	var (
		payload    string
		archivedMs int64
	)
	if err := s.Scan(&payload, &archivedMs); err != nil {
		return ArchivedRecord{}, err
	}
	var rec ArchivedRecord
	if err := json.Unmarshal([]byte(payload), &rec.Record); err != nil {
		return ArchivedRecord{}, err
	}
	rec.ArchivedAt = time.UnixMilli(archivedMs).UTC()
	return rec, nil
}
