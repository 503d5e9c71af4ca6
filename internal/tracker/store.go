// ABOUTME: SQLite-backed persistence for tracking records and their append-only change log.
// ABOUTME: Two tables: records keyed by vulnerability id, changes keyed by a generated change id.

package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/types"

	"github.com/cenkalti/backoff"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ErrStoreClosed is returned when the store is used after Close
var ErrStoreClosed = errors.New("tracking store is closed")

const schema = `
CREATE TABLE IF NOT EXISTS tracking_records (
	vulnerability_id TEXT PRIMARY KEY,
	package_name TEXT NOT NULL,
	status TEXT NOT NULL,
	severity TEXT NOT NULL,
	assigned_to TEXT NOT NULL DEFAULT '',
	priority_score REAL NOT NULL DEFAULT 0,
	tags TEXT,
	vulnerability TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS status_changes (
	change_id TEXT PRIMARY KEY,
	vulnerability_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	old_status TEXT NOT NULL DEFAULT '',
	new_status TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	changed_at TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	FOREIGN KEY (vulnerability_id) REFERENCES tracking_records(vulnerability_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_changes_vuln_seq ON status_changes(vulnerability_id, seq);
CREATE INDEX IF NOT EXISTS idx_records_status ON tracking_records(status);
`

// SQLiteStore implements Store on an embedded SQLite database
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

// NewSQLiteStore opens (and creates) the database at dbPath
func NewSQLiteStore(ctx context.Context, dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; the tracker serializes access anyway
	db.SetMaxOpenConns(1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	retry := backoff.WithContext(backoff.WithMaxRetries(bo, 5), ctx)

	err = backoff.RetryNotify(func() error {
		return db.PingContext(ctx)
	}, retry, func(err error, wait time.Duration) {
		logger.WithError(err).WithField("retry_in", wait).Warn("Tracking database not ready, retrying")
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", dbPath, err)
	}

	store := &SQLiteStore{db: db, path: dbPath, logger: logger}
	if err := store.initTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Create inserts a record and its initial history in one transaction
func (s *SQLiteStore) Create(ctx context.Context, record *TrackingRecord) error {
	if s.db == nil {
		return ErrStoreClosed
	}

	tags, err := json.Marshal(record.Tags)
	if err != nil {
		return err
	}
	vuln, err := json.Marshal(record.Vulnerability)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tracking_records
		(vulnerability_id, package_name, status, severity, assigned_to, priority_score, tags, vulnerability, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.VulnerabilityID, record.Vulnerability.PackageName, string(record.Status), string(record.Severity),
		record.AssignedTo, record.PriorityScore, string(tags), string(vuln),
		formatTime(record.CreatedAt), formatTime(record.UpdatedAt),
	)
	if err != nil {
		return err
	}

	for seq, change := range record.StatusHistory {
		if err := insertChange(ctx, tx, record.VulnerabilityID, seq, change); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Update rewrites the record row and appends one change in one transaction
func (s *SQLiteStore) Update(ctx context.Context, record *TrackingRecord, change StatusChange) error {
	if s.db == nil {
		return ErrStoreClosed
	}

	tags, err := json.Marshal(record.Tags)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tracking_records
		SET status = ?, severity = ?, assigned_to = ?, priority_score = ?, tags = ?, updated_at = ?
		WHERE vulnerability_id = ?`,
		string(record.Status), string(record.Severity), record.AssignedTo, record.PriorityScore,
		string(tags), formatTime(record.UpdatedAt), record.VulnerabilityID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no tracking record %s", record.VulnerabilityID)
	}

	if err := insertChange(ctx, tx, record.VulnerabilityID, len(record.StatusHistory)-1, change); err != nil {
		return err
	}

	return tx.Commit()
}

func insertChange(ctx context.Context, tx *sql.Tx, vulnID string, seq int, change StatusChange) error {
	metadata, err := json.Marshal(change.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO status_changes
		(change_id, vulnerability_id, seq, old_status, new_status, actor, changed_at, reason, notes, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		change.ChangeID, vulnID, seq, string(change.OldStatus), string(change.NewStatus), change.Actor,
		formatTime(change.Timestamp), change.Reason, change.Notes, string(metadata),
	)
	return err
}

// LoadAll reads every record and replays its history to confirm the stored status
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*TrackingRecord, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT vulnerability_id, status, severity, assigned_to, priority_score, tags, vulnerability, created_at, updated_at
		FROM tracking_records
		ORDER BY vulnerability_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TrackingRecord
	byID := make(map[string]*TrackingRecord)
	for rows.Next() {
		var (
			r                    TrackingRecord
			status, severity     string
			tags                 sql.NullString
			vuln                 string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&r.VulnerabilityID, &status, &severity, &r.AssignedTo, &r.PriorityScore, &tags, &vuln, &createdAt, &updatedAt); err != nil {
			return nil, err
		}

		r.Status = Status(status)
		r.Severity = types.Severity(severity)
		if tags.Valid {
			if err := json.Unmarshal([]byte(tags.String), &r.Tags); err != nil {
				return nil, fmt.Errorf("record %s has malformed tags: %w", r.VulnerabilityID, err)
			}
		}
		if err := json.Unmarshal([]byte(vuln), &r.Vulnerability); err != nil {
			return nil, fmt.Errorf("record %s has malformed vulnerability: %w", r.VulnerabilityID, err)
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}

		records = append(records, &r)
		byID[r.VulnerabilityID] = &r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadHistory(ctx, byID); err != nil {
		return nil, err
	}

	for _, r := range records {
		replayed, err := Replay(r.StatusHistory)
		if err != nil {
			return nil, fmt.Errorf("record %s has inconsistent history: %w", r.VulnerabilityID, err)
		}
		if replayed != r.Status {
			s.logger.WithFields(logrus.Fields{
				"vulnerability": r.VulnerabilityID,
				"stored":        r.Status,
				"replayed":      replayed,
			}).Warn("Stored status disagrees with history, using history")
			r.Status = replayed
		}
	}

	return records, nil
}

func (s *SQLiteStore) loadHistory(ctx context.Context, byID map[string]*TrackingRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT change_id, vulnerability_id, old_status, new_status, actor, changed_at, reason, notes, metadata
		FROM status_changes
		ORDER BY vulnerability_id, seq`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c                  StatusChange
			vulnID             string
			oldStatus, newStat string
			changedAt          string
			metadata           sql.NullString
		)
		if err := rows.Scan(&c.ChangeID, &vulnID, &oldStatus, &newStat, &c.Actor, &changedAt, &c.Reason, &c.Notes, &metadata); err != nil {
			return err
		}
		c.OldStatus = Status(oldStatus)
		c.NewStatus = Status(newStat)
		if c.Timestamp, err = parseTime(changedAt); err != nil {
			return err
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &c.Metadata); err != nil {
				return fmt.Errorf("change %s has malformed metadata: %w", c.ChangeID, err)
			}
		}

		record, ok := byID[vulnID]
		if !ok {
			return fmt.Errorf("change %s references unknown record %s", c.ChangeID, vulnID)
		}
		record.StatusHistory = append(record.StatusHistory, c)
	}
	return rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", value, err)
	}
	return t, nil
}
