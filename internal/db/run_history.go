package db

import (
	"context"

	"c2cpipeline/internal/types"
)

// RunHistorySchema creates the run audit table. It is applied by
// cmd/ops/seed-config --init-history.
const RunHistorySchema = `CREATE TABLE IF NOT EXISTS pipeline_runs (
	id            BIGSERIAL PRIMARY KEY,
	stage         TEXT        NOT NULL,
	file_type     TEXT        NOT NULL,
	load_date     DATE        NOT NULL,
	hour          CHAR(2)     NOT NULL,
	invocation_id TEXT,
	external_id   TEXT,
	started_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	finished_at   TIMESTAMPTZ,
	status        TEXT        NOT NULL,
	error_kind    TEXT,
	error         TEXT
);
CREATE INDEX IF NOT EXISTS pipeline_runs_file_type_load_date_idx ON pipeline_runs (file_type, load_date);`

// RunEntry identifies one stage invocation working one slot.
type RunEntry struct {
	Stage        string
	FileType     string
	LoadDate     string
	Hour         string
	InvocationID string
}

// RunHistoryRepository records stage runs in the pipeline_runs table for
// operational visibility. It is optional; stages run without it when no
// DATABASE_URL is configured.
type RunHistoryRepository struct {
	db DBTX
}

// NewRunHistoryRepository creates a new RunHistoryRepository.
func NewRunHistoryRepository(db DBTX) *RunHistoryRepository {
	return &RunHistoryRepository{db: db}
}

// EnsureSchema applies RunHistorySchema.
func (r *RunHistoryRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, RunHistorySchema); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create pipeline_runs", err)
	}
	return nil
}

// Start inserts a 'running' row and returns its id for Finish.
func (r *RunHistoryRepository) Start(ctx context.Context, e RunEntry) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO pipeline_runs (stage, file_type, load_date, hour, invocation_id, started_at, status)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NOW(), 'running')
		 RETURNING id`,
		e.Stage,
		e.FileType,
		e.LoadDate,
		e.Hour,
		e.InvocationID,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start run history entry", err)
	}
	return id, nil
}

// Finish records the outcome. externalID is the query execution or job run
// id when one was started; runErr, if set, is stored with its kind.
func (r *RunHistoryRepository) Finish(ctx context.Context, id int64, status, externalID string, runErr error) error {
	var errMsg, errKind *string
	if runErr != nil {
		s := runErr.Error()
		k := string(types.KindOf(runErr))
		errMsg, errKind = &s, &k
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE pipeline_runs
		 SET finished_at = NOW(), status = $2, external_id = NULLIF($3, ''), error_kind = $4, error = $5
		 WHERE id = $1`,
		id,
		status,
		externalID,
		errKind,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish run history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "run history entry not found", nil)
	}
	return nil
}
