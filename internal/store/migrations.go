package store

import (
	"fmt"

	"go.uber.org/zap"
)

// migrations are one-time, ordered schema steps. Append only; never edit a
// shipped step.
var migrations = []string{
	// 1: sessions
	`CREATE TABLE sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		kind TEXT NOT NULL,
		profile TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		interruption_reason TEXT NOT NULL DEFAULT '',
		metrics TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		ended_at DATETIME,
		last_heartbeat DATETIME,
		UNIQUE (project_id, sequence_number)
	);
	CREATE INDEX idx_sessions_project_status ON sessions (project_id, status);`,

	// 2: checkpoints
	`CREATE TABLE checkpoints (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		checkpoint_number INTEGER NOT NULL,
		reason TEXT NOT NULL,
		progress_state TEXT NOT NULL DEFAULT '',
		completed_epics TEXT NOT NULL DEFAULT '[]',
		in_progress_epics TEXT NOT NULL DEFAULT '[]',
		blocked_epics TEXT NOT NULL DEFAULT '[]',
		metrics TEXT NOT NULL DEFAULT '{}',
		modified_files TEXT NOT NULL DEFAULT '[]',
		commit_id TEXT NOT NULL DEFAULT '',
		can_resume_from INTEGER NOT NULL DEFAULT 1,
		invalidated INTEGER NOT NULL DEFAULT 0,
		invalidation_reason TEXT NOT NULL DEFAULT '',
		recovery_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		last_resumed_at DATETIME,
		UNIQUE (session_id, checkpoint_number)
	);`,

	// 3: checkpoint recoveries
	`CREATE TABLE checkpoint_recoveries (
		id TEXT PRIMARY KEY,
		checkpoint_id TEXT NOT NULL REFERENCES checkpoints(id),
		method TEXT NOT NULL,
		status TEXT NOT NULL,
		diff TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		completed_at DATETIME
	);`,

	// 4: pauses; the partial unique index is the concurrency primitive
	// that prevents double-pausing a session.
	`CREATE TABLE pauses (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		reason TEXT NOT NULL,
		pause_type TEXT NOT NULL,
		current_task TEXT NOT NULL DEFAULT '',
		blocker_info TEXT NOT NULL DEFAULT '',
		retry_stats TEXT NOT NULL DEFAULT '{}',
		resolved INTEGER NOT NULL DEFAULT 0,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolution_notes TEXT NOT NULL DEFAULT '',
		resolved_at DATETIME,
		can_auto_resume INTEGER NOT NULL DEFAULT 0,
		resume_prompt TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX idx_pauses_unresolved ON pauses (session_id) WHERE resolved = 0;`,

	// 5: intervention actions (append-only audit log)
	`CREATE TABLE intervention_actions (
		id TEXT PRIMARY KEY,
		pause_id TEXT NOT NULL REFERENCES pauses(id),
		action_type TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);
	CREATE INDEX idx_intervention_actions_pause ON intervention_actions (pause_id);`,

	// 6: epic retest runs (append-only)
	`CREATE TABLE epic_retest_runs (
		id TEXT PRIMARY KEY,
		epic_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		triggered_by_epic_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL,
		is_regression INTEGER NOT NULL DEFAULT 0,
		tests_run INTEGER NOT NULL DEFAULT 0,
		tests_passed INTEGER NOT NULL DEFAULT 0,
		tests_failed INTEGER NOT NULL DEFAULT 0,
		execution_time_ms INTEGER NOT NULL DEFAULT 0,
		selection_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX idx_epic_retest_runs_epic ON epic_retest_runs (epic_id, created_at);`,

	// 7: epic stability metrics (one aggregate per epic)
	`CREATE TABLE epic_stability_metrics (
		epic_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		total_retests INTEGER NOT NULL DEFAULT 0,
		passed_retests INTEGER NOT NULL DEFAULT 0,
		failed_retests INTEGER NOT NULL DEFAULT 0,
		regression_count INTEGER NOT NULL DEFAULT 0,
		stability_score REAL NOT NULL DEFAULT 0,
		avg_execution_time_ms REAL NOT NULL DEFAULT 0,
		last_retest_at DATETIME,
		last_retest_result TEXT NOT NULL DEFAULT '',
		last_regression_at DATETIME,
		last_regression_by TEXT NOT NULL DEFAULT ''
	);`,

	// 8: notification log, so the rate limit survives restarts
	`CREATE TABLE notification_log (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		pause_id TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL,
		sent_at DATETIME NOT NULL
	);
	CREATE INDEX idx_notification_log_project ON notification_log (project_id, sent_at);`,

	// 9: work units. Identifiers and completion signals only; task
	// semantics live with the external planning system.
	`CREATE TABLE work_units (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		dependents INTEGER NOT NULL DEFAULT 0,
		critical INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);
	CREATE INDEX idx_work_units_project ON work_units (project_id, completed);`,
}

// migrate applies any pending migration steps in order.
func (d *DB) migrate() error {
	if _, err := d.sql.Exec(
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL
		)`,
	); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := d.sql.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1

		tx, err := d.sql.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, d.Now(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}

		d.logger.Info("applied schema migration", zap.Int("version", version))
	}

	return nil
}
