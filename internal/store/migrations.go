package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("Current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE replication_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL,
					telescope TEXT NOT NULL,
					night TEXT NOT NULL,
					operation TEXT NOT NULL,
					check_only BOOLEAN DEFAULT 0,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					files_total INTEGER DEFAULT 0,
					files_verified INTEGER DEFAULT 0,
					files_skipped INTEGER DEFAULT 0,
					files_failed INTEGER DEFAULT 0,
					bytes_transferred INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT
				);
				CREATE INDEX idx_runs_telescope_night ON replication_runs(telescope, night);

				CREATE TABLE failed_transfers (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					telescope TEXT NOT NULL,
					night TEXT NOT NULL,
					target TEXT NOT NULL,
					file_path TEXT NOT NULL,
					local_digest TEXT,
					cause TEXT,
					error TEXT,
					retry_count INTEGER DEFAULT 0,
					first_failure DATETIME NOT NULL,
					last_failure DATETIME NOT NULL,
					resolved BOOLEAN DEFAULT 0
				);

				CREATE TABLE audits (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL,
					telescope TEXT NOT NULL,
					night TEXT NOT NULL,
					source_count INTEGER DEFAULT 0,
					passed BOOLEAN DEFAULT 0,
					eligible BOOLEAN DEFAULT 0,
					staged BOOLEAN DEFAULT 0,
					targets_json TEXT,
					reasons_json TEXT,
					created_at DATETIME NOT NULL
				);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE staged_dirs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					telescope TEXT NOT NULL,
					night TEXT NOT NULL,
					original_path TEXT NOT NULL,
					staged_path TEXT NOT NULL UNIQUE,
					staged_at DATETIME NOT NULL,
					swept BOOLEAN DEFAULT 0,
					swept_at DATETIME
				);
			`,
		},
		{
			version: 3,
			sql: `
				ALTER TABLE replication_runs ADD COLUMN files_compressed INTEGER DEFAULT 0;
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("Running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}

			s.logger.Debug("Migration completed", "version", mig.version)
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
