package model

import (
	"database/sql"
	"time"
)

// CallRecord captures the full detail of one completed gateway call,
// including the failover path it took.
type CallRecord struct {
	ID             string        `db:"id" json:"id"`
	ModelName      string        `db:"model_name" json:"model_name"`
	DeploymentID   string        `db:"deployment_id" json:"deployment_id"`
	ProviderKind   string        `db:"provider_kind" json:"provider_kind"`
	UpstreamModel  string        `db:"upstream_model" json:"upstream_model"`
	Attempts       int           `db:"attempts" json:"attempts"`
	FinishReason   string        `db:"finish_reason" json:"finish_reason"`
	PromptTokens   int           `db:"prompt_tokens" json:"prompt_tokens"`
	OutputTokens   int           `db:"output_tokens" json:"output_tokens"`
	LatencyMS      int64         `db:"latency_ms" json:"latency_ms"`
	TTFTMS         sql.NullInt64 `db:"ttft_ms" json:"ttft_ms,omitempty"`
	IsStreamed     bool          `db:"is_streamed" json:"is_streamed"`
	Outcome        string        `db:"outcome" json:"outcome"` // 'ok', 'error', 'exhausted'
	ErrorKind      string        `db:"error_kind" json:"error_kind,omitempty"`
	ClientAppName  string        `db:"client_app_name" json:"client_app_name,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}

// DailyStats is aggregated call volume for one day.
type DailyStats struct {
	Date           string  `db:"date" json:"date"`
	TotalCalls     int     `db:"total_calls" json:"total_calls"`
	TotalTokens    int     `db:"total_tokens" json:"total_tokens"`
	FailedCalls    int     `db:"failed_calls" json:"failed_calls"`
	AverageLatency float64 `db:"avg_latency" json:"avg_latency"`
}

// DeploymentStats is aggregated traffic for one deployment, used to spot
// pool members that soak up failovers.
type DeploymentStats struct {
	DeploymentID string  `db:"deployment_id" json:"deployment_id"`
	TotalCalls   int     `db:"total_calls" json:"total_calls"`
	FailedCalls  int     `db:"failed_calls" json:"failed_calls"`
	AvgAttempts  float64 `db:"avg_attempts" json:"avg_attempts"`
}
