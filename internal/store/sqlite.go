// Package store keeps the routing journal: metadata about every processed
// message and where it was routed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            tx_id TEXT NOT NULL,
            username TEXT NOT NULL,
            remote_addr TEXT NOT NULL,
            from_email TEXT NOT NULL,
            subject TEXT NOT NULL,
            status TEXT NOT NULL,
            failed_step TEXT NOT NULL,
            error TEXT NOT NULL,
            raw_size INTEGER NOT NULL,
            duration_ms INTEGER NOT NULL,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS recipients (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            email TEXT NOT NULL,
            kind TEXT NOT NULL,
            FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_recipients_email ON recipients(email);`,
		`CREATE INDEX IF NOT EXISTS idx_recipients_email_run ON recipients(email, run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_recipients_run ON recipients(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_id ON runs(created_at, id);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) InsertRun(ctx context.Context, run Run, recipients []Recipient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
        (id, tx_id, username, remote_addr, from_email, subject, status, failed_step, error, raw_size, duration_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		run.ID,
		run.TxID,
		run.Username,
		run.RemoteAddr,
		run.From,
		run.Subject,
		run.Status,
		run.FailedStep,
		run.Error,
		run.RawSize,
		run.Duration.Milliseconds(),
		run.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, recipient := range recipients {
		_, err = tx.ExecContext(ctx, `INSERT INTO recipients (run_id, email, kind)
            VALUES (?, ?, ?);`, run.ID, recipient.Email, recipient.Kind)
		if err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, filter Filter, offset, limit int32) ([]RunSummary, int32, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	baseQuery := " FROM runs r"
	var where []string
	args := []any{}

	if email := strings.TrimSpace(filter.Email); email != "" {
		where = append(where, "EXISTS (SELECT 1 FROM recipients rc WHERE rc.run_id = r.id AND rc.email = ?)")
		args = append(args, email)
	}
	if status := strings.TrimSpace(filter.Status); status != "" {
		where = append(where, "r.status = ?")
		args = append(args, status)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		where = append(where, "(r.subject LIKE ? OR r.from_email LIKE ? OR EXISTS (SELECT 1 FROM recipients rc2 WHERE rc2.run_id = r.id AND rc2.email LIKE ?))")
		term := "%" + search + "%"
		args = append(args, term, term, term)
	}
	whereQuery := ""
	if len(where) > 0 {
		whereQuery = " WHERE " + strings.Join(where, " AND ")
	}

	countQuery := "SELECT COUNT(1)" + baseQuery + whereQuery
	var totalCount int64
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}
	if totalCount > int64(^uint32(0)>>1) {
		totalCount = int64(^uint32(0) >> 1)
	}

	orderBy := " ORDER BY r.created_at DESC, r.id DESC"
	switch filter.Sort {
	case "oldest", "asc":
		orderBy = " ORDER BY r.created_at ASC, r.id ASC"
	}

	listQuery := "SELECT r.id, r.tx_id, r.username, r.from_email, r.subject, r.status, r.created_at" +
		baseQuery + whereQuery + orderBy + " LIMIT ? OFFSET ?"
	listArgs := append([]any{}, args...)
	listArgs = append(listArgs, limit, offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	var ids []string
	for rows.Next() {
		var summary RunSummary
		var createdAt int64
		if err := rows.Scan(
			&summary.ID,
			&summary.TxID,
			&summary.Username,
			&summary.From,
			&summary.Subject,
			&summary.Status,
			&createdAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		summary.CreatedAt = time.UnixMilli(createdAt)
		runs = append(runs, summary)
		ids = append(ids, summary.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}

	if len(ids) == 0 {
		return runs, int32(totalCount), nil
	}

	recipients, err := s.listRecipients(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range runs {
		runs[i].RecipientGroups = recipients[runs[i].ID]
	}
	return runs, int32(totalCount), nil
}

// GetRun returns sql.ErrNoRows when id is unknown.
func (s *Store) GetRun(ctx context.Context, id string) (Run, []Recipient, error) {
	var run Run
	var durationMs, createdAt int64
	row := s.db.QueryRowContext(ctx, `SELECT id, tx_id, username, remote_addr, from_email, subject, status, failed_step, error, raw_size, duration_ms, created_at
        FROM runs
        WHERE id = ?;`, id)
	if err := row.Scan(
		&run.ID,
		&run.TxID,
		&run.Username,
		&run.RemoteAddr,
		&run.From,
		&run.Subject,
		&run.Status,
		&run.FailedStep,
		&run.Error,
		&run.RawSize,
		&durationMs,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, nil, sql.ErrNoRows
		}
		return Run{}, nil, fmt.Errorf("get run: %w", err)
	}
	run.Duration = time.Duration(durationMs) * time.Millisecond
	run.CreatedAt = time.UnixMilli(createdAt)

	recipients, err := s.getRecipients(ctx, id)
	if err != nil {
		return Run{}, nil, err
	}
	return run, recipients, nil
}

func (s *Store) DeleteRun(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?;`, id)
	if err != nil {
		return false, fmt.Errorf("delete run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete run: %w", err)
	}
	return rows > 0, nil
}

// Prune deletes runs created before t and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?;`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return rows, nil
}

func (s *Store) getRecipients(ctx context.Context, runID string) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT email, kind FROM recipients WHERE run_id = ? ORDER BY id;`, runID)
	if err != nil {
		return nil, fmt.Errorf("get recipients: %w", err)
	}
	defer rows.Close()

	var recipients []Recipient
	for rows.Next() {
		var recipient Recipient
		if err := rows.Scan(&recipient.Email, &recipient.Kind); err != nil {
			return nil, fmt.Errorf("get recipients: %w", err)
		}
		recipients = append(recipients, recipient)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get recipients: %w", err)
	}
	return recipients, nil
}

func (s *Store) listRecipients(ctx context.Context, runIDs []string) (map[string]map[string][]string, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(runIDs)), ",")
	query := fmt.Sprintf(`SELECT run_id, email, kind FROM recipients WHERE run_id IN (%s) ORDER BY id;`, placeholders)

	args := make([]any, len(runIDs))
	for i, id := range runIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	result := make(map[string]map[string][]string)
	for rows.Next() {
		var runID, email, kind string
		if err := rows.Scan(&runID, &email, &kind); err != nil {
			return nil, fmt.Errorf("list recipients: %w", err)
		}
		if _, ok := result[runID]; !ok {
			result[runID] = map[string][]string{}
		}
		result[runID][kind] = append(result[runID][kind], email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	return result, nil
}
