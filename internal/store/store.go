package store

import (
	"context"

	"github.com/cobalt-labs/relay/internal/store/model"
)

// Repository is the main contract for the data layer.
type Repository interface {
	Calls() CallRepository

	// transaction support
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	Close() error
}

type CallRepository interface {
	// Log stores a completed call record.
	Log(ctx context.Context, rec *model.CallRecord) error
	// GetByID returns a single call record by ID.
	GetByID(ctx context.Context, id string) (*model.CallRecord, error)
	// GetRecent returns the last N records for a logical model name.
	GetRecent(ctx context.Context, modelName string, limit int) ([]model.CallRecord, error)
	// GetDailyStats returns aggregated stats grouped by day.
	GetDailyStats(ctx context.Context, days int) ([]model.DailyStats, error)
	// GetDeploymentStats returns per-deployment traffic aggregates.
	GetDeploymentStats(ctx context.Context, days int) ([]model.DeploymentStats, error)
}
