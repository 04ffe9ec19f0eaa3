package stats

import (
	"context"
	"time"
)

// Collaborator is everything the job layer asks of the statistics service.
type Collaborator interface {
	RefreshCoreRecords(ctx context.Context) error
	RefreshInjuryRecords(ctx context.Context) error
	RefreshTransferRecords(ctx context.Context) error
	ComputePrediction(ctx context.Context, period int) (PredictionResult, error)
	CurrentHistoricalRecordCount(ctx context.Context) (int, error)
	RunHistoricalCollection(ctx context.Context) (CollectionSummary, error)
	CurrentPeriodID(ctx context.Context) (int, error)
}

type Pick struct {
	ID    int     `json:"id"`
	Name  string  `json:"name"`
	Team  string  `json:"team,omitempty"`
	Score float64 `json:"score"`
}

// PredictionResult is only inspected for its sizes; the picks are logged as counts.
type PredictionResult struct {
	Period        int    `json:"period"`
	TopPerformers []Pick `json:"top_performers"`
	BestValue     []Pick `json:"best_value"`
	Differentials []Pick `json:"differentials"`
}

type CollectionSummary struct {
	Success             bool   `json:"success"`
	TotalRecordsCreated int    `json:"total_records_created"`
	Message             string `json:"message,omitempty"`
}

// Config configures the HTTP client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec int
	Burst      int
	Token      string
}
