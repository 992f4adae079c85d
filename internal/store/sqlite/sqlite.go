package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/cobalt-labs/relay/internal/store"
	"github.com/cobalt-labs/relay/internal/store/model"
)

// DB defines the interface for database operations (satisfied by *sqlx.DB and *sqlx.Tx)
type DB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SqliteRepository implements store.Repository
type SqliteRepository struct {
	db       *sqlx.DB // Required for starting new transactions
	executor DB       // Used for actual queries (can be *sqlx.DB or *sqlx.Tx)
}

func NewSqliteRepository(db *sqlx.DB) *SqliteRepository {
	return &SqliteRepository{
		db:       db,
		executor: db,
	}
}

func (r *SqliteRepository) Close() error {
	return r.db.Close()
}

func (r *SqliteRepository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	txRepo := &SqliteRepository{
		db:       r.db,
		executor: tx,
	}

	if err := fn(txRepo); err != nil {
		// attempt rollback, but prioritize original error
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (r *SqliteRepository) Calls() store.CallRepository {
	return &callRepo{db: r.executor}
}

type callRepo struct {
	db DB
}

func (r *callRepo) Log(ctx context.Context, rec *model.CallRecord) error {
	query := `
	INSERT INTO call_records (
		id, model_name, deployment_id, provider_kind, upstream_model,
		attempts, finish_reason, prompt_tokens, output_tokens,
		latency_ms, ttft_ms, is_streamed, outcome, error_kind,
		client_app_name, created_at
	) VALUES (
		:id, :model_name, :deployment_id, :provider_kind, :upstream_model,
		:attempts, :finish_reason, :prompt_tokens, :output_tokens,
		:latency_ms, :ttft_ms, :is_streamed, :outcome, :error_kind,
		:client_app_name, :created_at
	)`
	_, err := r.db.NamedExecContext(ctx, query, rec)
	return err
}

func (r *callRepo) GetByID(ctx context.Context, id string) (*model.CallRecord, error) {
	var rec model.CallRecord
	err := r.db.GetContext(ctx, &rec, `SELECT * FROM call_records WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("call record %s: %w", id, err)
	}
	return &rec, nil
}

func (r *callRepo) GetRecent(ctx context.Context, modelName string, limit int) ([]model.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []model.CallRecord
	query := `
	SELECT * FROM call_records
	WHERE model_name = ?
	ORDER BY created_at DESC
	LIMIT ?`
	err := r.db.SelectContext(ctx, &recs, query, modelName, limit)
	return recs, err
}

func (r *callRepo) GetDailyStats(ctx context.Context, days int) ([]model.DailyStats, error) {
	var stats []model.DailyStats
	query := `
	SELECT
		DATE(created_at) AS date,
		COUNT(*) AS total_calls,
		COALESCE(SUM(prompt_tokens + output_tokens), 0) AS total_tokens,
		COALESCE(SUM(CASE WHEN outcome != 'ok' THEN 1 ELSE 0 END), 0) AS failed_calls,
		COALESCE(AVG(latency_ms), 0) AS avg_latency
	FROM call_records
	WHERE created_at >= DATE('now', '-' || ? || ' days')
	GROUP BY DATE(created_at)
	ORDER BY date DESC`
	err := r.db.SelectContext(ctx, &stats, query, days)
	return stats, err
}

func (r *callRepo) GetDeploymentStats(ctx context.Context, days int) ([]model.DeploymentStats, error) {
	var stats []model.DeploymentStats
	query := `
	SELECT
		deployment_id,
		COUNT(*) AS total_calls,
		COALESCE(SUM(CASE WHEN outcome != 'ok' THEN 1 ELSE 0 END), 0) AS failed_calls,
		COALESCE(AVG(attempts), 0) AS avg_attempts
	FROM call_records
	WHERE created_at >= DATE('now', '-' || ? || ' days')
	GROUP BY deployment_id
	ORDER BY total_calls DESC`
	err := r.db.SelectContext(ctx, &stats, query, days)
	return stats, err
}
