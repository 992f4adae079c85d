package analytics

import (
	"context"

	"github.com/cobalt-labs/relay/internal/store"
	"github.com/cobalt-labs/relay/internal/store/model"
)

type Service interface {
	GetUsageOverview(ctx context.Context, days int) ([]model.DailyStats, error)
	GetDeploymentOverview(ctx context.Context, days int) ([]model.DeploymentStats, error)
}

type service struct {
	repo store.Repository
}

func NewService(repo store.Repository) Service {
	return &service{repo: repo}
}

func (s *service) GetUsageOverview(ctx context.Context, days int) ([]model.DailyStats, error) {
	if days <= 0 {
		days = 7 // default to last week
	}
	return s.repo.Calls().GetDailyStats(ctx, days)
}

func (s *service) GetDeploymentOverview(ctx context.Context, days int) ([]model.DeploymentStats, error) {
	if days <= 0 {
		days = 7
	}
	return s.repo.Calls().GetDeploymentStats(ctx, days)
}
