package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for run history, dead letters,
// audits and staged directories.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// ReplicationRun Operations
// ============================================================================

const runColumns = `
	id, run_id, telescope, night, operation, check_only, start_time, end_time,
	files_total, files_verified, files_skipped, files_failed, files_compressed,
	bytes_transferred, status, error_message
`

// CreateRun inserts a new ReplicationRun and sets its ID
func (s *Store) CreateRun(run *ReplicationRun) error {
	const query = `
		INSERT INTO replication_runs (
			run_id, telescope, night, operation, check_only, start_time, end_time,
			files_total, files_verified, files_skipped, files_failed, files_compressed,
			bytes_transferred, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.RunID, run.Telescope, run.Night, run.Operation, run.CheckOnly,
		run.StartTime, run.EndTime, run.FilesTotal, run.FilesVerified,
		run.FilesSkipped, run.FilesFailed, run.FilesCompressed,
		run.BytesTransferred, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert replication run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateRun updates an existing ReplicationRun by ID
func (s *Store) UpdateRun(run *ReplicationRun) error {
	const query = `
		UPDATE replication_runs SET
			end_time = ?, files_total = ?, files_verified = ?, files_skipped = ?,
			files_failed = ?, files_compressed = ?, bytes_transferred = ?,
			status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.EndTime, run.FilesTotal, run.FilesVerified, run.FilesSkipped,
		run.FilesFailed, run.FilesCompressed, run.BytesTransferred,
		run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update replication run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("replication run not found: %d", run.ID)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*ReplicationRun, error) {
	run := &ReplicationRun{}
	err := row.Scan(
		&run.ID, &run.RunID, &run.Telescope, &run.Night, &run.Operation,
		&run.CheckOnly, &run.StartTime, &run.EndTime, &run.FilesTotal,
		&run.FilesVerified, &run.FilesSkipped, &run.FilesFailed,
		&run.FilesCompressed, &run.BytesTransferred, &run.Status, &run.ErrorMessage,
	)
	return run, err
}

// GetRun retrieves a ReplicationRun by ID
func (s *Store) GetRun(id int64) (*ReplicationRun, error) {
	query := "SELECT " + runColumns + " FROM replication_runs WHERE id = ?"

	run, err := scanRun(s.db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("replication run not found: %d", id)
		}
		return nil, fmt.Errorf("failed to query replication run: %w", err)
	}

	return run, nil
}

// ListRuns retrieves ReplicationRuns newest first, optionally filtered by
// telescope
func (s *Store) ListRuns(telescope string, limit int) ([]ReplicationRun, error) {
	query := "SELECT " + runColumns + " FROM replication_runs"
	var args []interface{}

	if telescope != "" {
		query += " WHERE telescope = ?"
		args = append(args, telescope)
	}

	query += " ORDER BY id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query replication runs: %w", err)
	}
	defer rows.Close()

	var runs []ReplicationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan replication run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating replication runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// FailedTransfer Operations
// ============================================================================

// AddFailedTransfer records a failed pair. An unresolved entry for the same
// telescope, night, target and path has its retry count bumped instead.
func (s *Store) AddFailedTransfer(ft *FailedTransfer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var retries int
	err = tx.QueryRow(`
		SELECT id, retry_count FROM failed_transfers
		WHERE telescope = ? AND night = ? AND target = ? AND file_path = ? AND resolved = 0
	`, ft.Telescope, ft.Night, ft.Target, ft.FilePath).Scan(&id, &retries)

	switch {
	case err == sql.ErrNoRows:
		if ft.FirstFailure.IsZero() {
			ft.FirstFailure = ft.LastFailure
		}
		result, err := tx.Exec(`
			INSERT INTO failed_transfers (
				telescope, night, target, file_path, local_digest, cause, error,
				retry_count, first_failure, last_failure, resolved
			) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, 0)
		`, ft.Telescope, ft.Night, ft.Target, ft.FilePath, ft.LocalDigest,
			ft.Cause, ft.Error, ft.FirstFailure, ft.LastFailure)
		if err != nil {
			return fmt.Errorf("failed to insert failed transfer: %w", err)
		}
		id, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		ft.RetryCount = 0
	case err != nil:
		return fmt.Errorf("failed to query failed transfer: %w", err)
	default:
		retries++
		_, err := tx.Exec(`
			UPDATE failed_transfers SET
				local_digest = ?, cause = ?, error = ?, retry_count = ?, last_failure = ?
			WHERE id = ?
		`, ft.LocalDigest, ft.Cause, ft.Error, retries, ft.LastFailure, id)
		if err != nil {
			return fmt.Errorf("failed to update failed transfer: %w", err)
		}
		ft.RetryCount = retries
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failed transfer: %w", err)
	}
	ft.ID = id
	return nil
}

// ResolveFailedTransfer marks the open entry for a pair as resolved. It is not
// an error when there is none.
func (s *Store) ResolveFailedTransfer(telescope, night, target, filePath string) error {
	const query = `
		UPDATE failed_transfers SET resolved = 1
		WHERE telescope = ? AND night = ? AND target = ? AND file_path = ? AND resolved = 0
	`

	if _, err := s.db.Exec(query, telescope, night, target, filePath); err != nil {
		return fmt.Errorf("failed to resolve failed transfer: %w", err)
	}
	return nil
}

// ListFailedTransfers retrieves unresolved FailedTransfers, optionally
// filtered by telescope and night
func (s *Store) ListFailedTransfers(telescope, night string) ([]FailedTransfer, error) {
	query := `
		SELECT id, telescope, night, target, file_path, local_digest, cause, error,
		       retry_count, first_failure, last_failure, resolved
		FROM failed_transfers WHERE resolved = 0
	`
	var args []interface{}

	if telescope != "" {
		query += " AND telescope = ?"
		args = append(args, telescope)
	}
	if night != "" {
		query += " AND night = ?"
		args = append(args, night)
	}

	query += " ORDER BY night, target, file_path"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed transfers: %w", err)
	}
	defer rows.Close()

	var out []FailedTransfer
	for rows.Next() {
		ft := FailedTransfer{}
		err := rows.Scan(
			&ft.ID, &ft.Telescope, &ft.Night, &ft.Target, &ft.FilePath,
			&ft.LocalDigest, &ft.Cause, &ft.Error, &ft.RetryCount,
			&ft.FirstFailure, &ft.LastFailure, &ft.Resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed transfer: %w", err)
		}
		out = append(out, ft)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed transfers: %w", err)
	}

	return out, nil
}

// ============================================================================
// Audit Operations
// ============================================================================

// CreateAudit inserts an AuditRecord and sets its ID
func (s *Store) CreateAudit(a *AuditRecord) error {
	targetsJSON, err := json.Marshal(a.Targets)
	if err != nil {
		return fmt.Errorf("failed to marshal audit targets: %w", err)
	}
	reasonsJSON, err := json.Marshal(a.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal audit reasons: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO audits (
			run_id, telescope, night, source_count, passed, eligible, staged,
			targets_json, reasons_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		a.RunID, a.Telescope, a.Night, a.SourceCount, a.Passed, a.Eligible,
		a.Staged, string(targetsJSON), string(reasonsJSON), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	a.ID = id
	return nil
}

func scanAudit(row scanner) (*AuditRecord, error) {
	a := &AuditRecord{}
	var targetsJSON, reasonsJSON string
	err := row.Scan(
		&a.ID, &a.RunID, &a.Telescope, &a.Night, &a.SourceCount, &a.Passed,
		&a.Eligible, &a.Staged, &targetsJSON, &reasonsJSON, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targetsJSON), &a.Targets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audit targets: %w", err)
	}
	if err := json.Unmarshal([]byte(reasonsJSON), &a.Reasons); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audit reasons: %w", err)
	}
	return a, nil
}

const auditColumns = `
	id, run_id, telescope, night, source_count, passed, eligible, staged,
	targets_json, reasons_json, created_at
`

// LatestAudit returns the most recent audit of a night, or nil if the night
// was never audited
func (s *Store) LatestAudit(telescope, night string) (*AuditRecord, error) {
	query := "SELECT " + auditColumns + ` FROM audits
		WHERE telescope = ? AND night = ? ORDER BY id DESC LIMIT 1`

	a, err := scanAudit(s.db.QueryRow(query, telescope, night))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query audit: %w", err)
	}
	return a, nil
}

// ListAudits retrieves audits newest first, optionally filtered by telescope
func (s *Store) ListAudits(telescope string, limit int) ([]AuditRecord, error) {
	query := "SELECT " + auditColumns + " FROM audits"
	var args []interface{}

	if telescope != "" {
		query += " WHERE telescope = ?"
		args = append(args, telescope)
	}

	query += " ORDER BY id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audits: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit: %w", err)
		}
		out = append(out, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audits: %w", err)
	}

	return out, nil
}

// ============================================================================
// StagedDir Operations
// ============================================================================

// AddStagedDir records a night directory renamed for deletion and sets its ID
func (s *Store) AddStagedDir(d *StagedDir) error {
	const query = `
		INSERT INTO staged_dirs (telescope, night, original_path, staged_path, staged_at, swept)
		VALUES (?, ?, ?, ?, ?, 0)
	`

	result, err := s.db.Exec(query, d.Telescope, d.Night, d.OriginalPath, d.StagedPath, d.StagedAt)
	if err != nil {
		return fmt.Errorf("failed to insert staged dir: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	d.ID = id
	return nil
}

// MarkSwept records that a staged directory was removed. Unknown paths are
// ignored since sweeps also find directories staged by hand.
func (s *Store) MarkSwept(stagedPath string, at time.Time) error {
	const query = `UPDATE staged_dirs SET swept = 1, swept_at = ? WHERE staged_path = ?`

	if _, err := s.db.Exec(query, at, stagedPath); err != nil {
		return fmt.Errorf("failed to mark staged dir swept: %w", err)
	}
	return nil
}

// ListStagedDirs retrieves staged directories, optionally only those not yet
// swept
func (s *Store) ListStagedDirs(telescope string, pendingOnly bool) ([]StagedDir, error) {
	query := `
		SELECT id, telescope, night, original_path, staged_path, staged_at, swept, swept_at
		FROM staged_dirs WHERE 1 = 1
	`
	var args []interface{}

	if telescope != "" {
		query += " AND telescope = ?"
		args = append(args, telescope)
	}
	if pendingOnly {
		query += " AND swept = 0"
	}

	query += " ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query staged dirs: %w", err)
	}
	defer rows.Close()

	var out []StagedDir
	for rows.Next() {
		d := StagedDir{}
		var sweptAt sql.NullTime
		err := rows.Scan(
			&d.ID, &d.Telescope, &d.Night, &d.OriginalPath, &d.StagedPath,
			&d.StagedAt, &d.Swept, &sweptAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staged dir: %w", err)
		}
		if sweptAt.Valid {
			d.SweptAt = sweptAt.Time
		}
		out = append(out, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staged dirs: %w", err)
	}

	return out, nil
}
