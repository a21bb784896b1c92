// Package auditlog provides the orchestrator's durable record of
// issued BlockCommands, backed by modernc.org/sqlite. Adapted from the
// session history store: same sql.Open/WAL-mode/migrate/Save shape,
// repurposed from session CDRs to block-issuance audit records.
package auditlog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"secbeat/internal/wire"
)

// Record is one durable audit entry for an issued BlockCommand.
type Record struct {
	CommandID  string    `json:"command_id"`
	Action     string    `json:"action"`
	TargetIP   string    `json:"target_ip"`
	TTLSeconds uint32    `json:"ttl_seconds"`
	Reason     string    `json:"reason"`
	IssuedAt   time.Time `json:"issued_at"`
}

// Store persists BlockCommand audit records.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite-backed audit log at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auditlog: opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: enabling WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: running migrations: %w", err)
	}
	slog.Info("auditlog: storage initialized", "path", path)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS block_commands (
		command_id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		target_ip TEXT NOT NULL,
		ttl_seconds INTEGER NOT NULL,
		reason TEXT NOT NULL,
		issued_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_block_commands_target_ip ON block_commands(target_ip);
	CREATE INDEX IF NOT EXISTS idx_block_commands_issued_at ON block_commands(issued_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordCommand persists one issued BlockCommand. Insert-or-replace on
// command_id makes writing the audit trail idempotent, matching the
// bus's at-least-once command delivery.
func (s *Store) RecordCommand(cmd wire.BlockCommand) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO block_commands
		(command_id, action, target_ip, ttl_seconds, reason, issued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cmd.CommandID, string(cmd.Action), cmd.TargetIP, cmd.TTLSeconds, cmd.Reason, cmd.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("auditlog: recording command %s: %w", cmd.CommandID, err)
	}
	return nil
}

// ListForIP returns all recorded commands for an IP, most recent first.
func (s *Store) ListForIP(ip string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT command_id, action, target_ip, ttl_seconds, reason, issued_at
		FROM block_commands WHERE target_ip = ? ORDER BY issued_at DESC LIMIT ?`, ip, limit)
	if err != nil {
		return nil, fmt.Errorf("auditlog: querying for ip %s: %w", ip, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Recent returns the most recently issued commands across all IPs.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT command_id, action, target_ip, ttl_seconds, reason, issued_at
		FROM block_commands ORDER BY issued_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("auditlog: querying recent: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.CommandID, &r.Action, &r.TargetIP, &r.TTLSeconds, &r.Reason, &r.IssuedAt); err != nil {
			return nil, fmt.Errorf("auditlog: scanning row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
