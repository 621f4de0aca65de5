package postgres

import (
	"context"
	"fmt"
)

// migrationLockID 遷移期間持有的 advisory lock，多個 broker 同時啟動時只有一個執行 DDL
const migrationLockID = 7_426_001

var schema = []string{
	`CREATE TABLE IF NOT EXISTS flowjob_plans (
		id                 TEXT PRIMARY KEY,
		slot               INT NOT NULL,
		version            TEXT NOT NULL,
		name               TEXT NOT NULL,
		trigger_type       TEXT NOT NULL,
		enabled            BOOLEAN NOT NULL DEFAULT FALSE,
		lately_trigger_at  TIMESTAMPTZ,
		lately_feedback_at TIMESTAMPTZ,
		updated_at         TIMESTAMPTZ NOT NULL,
		body               JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_flowjob_plans_slot ON flowjob_plans (slot)`,

	`CREATE TABLE IF NOT EXISTS flowjob_plan_versions (
		plan_id    TEXT NOT NULL,
		version    TEXT NOT NULL,
		seq        BIGSERIAL,
		body       JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (plan_id, version)
	)`,

	`CREATE TABLE IF NOT EXISTS flowjob_instances (
		id            TEXT PRIMARY KEY,
		slot          INT NOT NULL,
		kind          TEXT NOT NULL,
		plan_id       TEXT NOT NULL DEFAULT '',
		plan_version  TEXT NOT NULL DEFAULT '',
		topic         TEXT NOT NULL DEFAULT '',
		biz_key       TEXT NOT NULL DEFAULT '',
		schedule_type TEXT NOT NULL DEFAULT '',
		trigger_type  TEXT NOT NULL,
		status        TEXT NOT NULL,
		trigger_at    TIMESTAMPTZ NOT NULL,
		start_at      TIMESTAMPTZ,
		feedback_at   TIMESTAMPTZ,
		error_msg     TEXT NOT NULL DEFAULT '',
		body          JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_flowjob_instances_slot ON flowjob_instances (slot, status)`,
	`CREATE INDEX IF NOT EXISTS idx_flowjob_instances_trigger
		ON flowjob_instances (plan_id, plan_version, schedule_type, trigger_type, trigger_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uk_flowjob_instances_delay
		ON flowjob_instances (topic, biz_key) WHERE kind = 'DELAY'`,

	`CREATE TABLE IF NOT EXISTS flowjob_job_instances (
		id          TEXT PRIMARY KEY,
		seq         BIGSERIAL,
		instance_id TEXT NOT NULL,
		job_id      TEXT NOT NULL,
		status      TEXT NOT NULL,
		agent_id    TEXT NOT NULL DEFAULT '',
		trigger_at  TIMESTAMPTZ NOT NULL,
		start_at    TIMESTAMPTZ,
		report_at   TIMESTAMPTZ,
		end_at      TIMESTAMPTZ,
		context     JSONB,
		error_msg   TEXT NOT NULL DEFAULT '',
		error_stack TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		body        JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_flowjob_job_instances_instance ON flowjob_job_instances (instance_id, job_id, seq)`,

	`CREATE TABLE IF NOT EXISTS flowjob_agents (
		id                    TEXT PRIMARY KEY,
		slot                  INT NOT NULL,
		host                  TEXT NOT NULL,
		port                  INT NOT NULL,
		status                TEXT NOT NULL,
		enabled               BOOLEAN NOT NULL DEFAULT TRUE,
		available_queue_limit INT NOT NULL DEFAULT 0,
		last_heartbeat_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_flowjob_agents_heartbeat ON flowjob_agents (last_heartbeat_at)`,

	`CREATE TABLE IF NOT EXISTS flowjob_id_segments (
		type       TEXT PRIMARY KEY,
		current_id BIGINT NOT NULL
	)`,
}

// Migrate 建立資料表；可重複執行
func (s *Store) Migrate(ctx context.Context) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	for _, stmt := range schema {
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	s.log.Info("schema migrated", "statements", len(schema))
	return nil
}
