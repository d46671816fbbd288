package db

import (
	"fmt"
	"time"

	"github.com/energizer-project/rcond/internal/remoteaccess"
)

const auditSchema = `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time INTEGER NOT NULL,
		session TEXT NOT NULL,
		address TEXT NOT NULL,
		command TEXT NOT NULL,
		args TEXT NOT NULL DEFAULT '',
		admin INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(time);
`

// AuditLog stores every authenticated operator command.
type AuditLog struct {
	db *Database
}

// NewAuditLog opens the audit log stored in database.
func NewAuditLog(database *Database) (*AuditLog, error) {
	if err := database.Migrate("audit", auditSchema); err != nil {
		return nil, err
	}
	return &AuditLog{db: database}, nil
}

// RecordCommand implements remoteaccess.AuditLog.
func (a *AuditLog) RecordCommand(e remoteaccess.AuditEntry) error {
	admin := 0
	if e.Admin {
		admin = 1
	}
	_, err := a.db.Exec(
		"INSERT INTO audit_log (time, session, address, command, args, admin) VALUES (?, ?, ?, ?, ?, ?)",
		e.Time.UnixMilli(), e.Session, e.Address, e.Command, e.Args, admin)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (a *AuditLog) Recent(limit int) ([]remoteaccess.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(
		"SELECT time, session, address, command, args, admin FROM audit_log ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []remoteaccess.AuditEntry
	for rows.Next() {
		var e remoteaccess.AuditEntry
		var ms int64
		var admin int
		if err := rows.Scan(&ms, &e.Session, &e.Address, &e.Command, &e.Args, &admin); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Time = time.UnixMilli(ms)
		e.Admin = admin != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than cutoff.
func (a *AuditLog) Prune(cutoff time.Time) (int, error) {
	res, err := a.db.Exec("DELETE FROM audit_log WHERE time < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
