package store

import (
	"context"
	"time"

	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/outcome"
)

// DataStore is the interface consumed by the batcher, the stats processor
// and the API. The concrete implementation is *Store (pgx-backed).
type DataStore interface {
	InsertOutcomes(ctx context.Context, outs []outcome.Outcome) error
	UpsertDestinationStat(ctx context.Context, destinationID string, date time.Time, updates map[string]any) error
	QueryOutcomes(ctx context.Context, status string, limit int) ([]map[string]any, error)
	GetDestinationStats(ctx context.Context, destinationID string) (map[string]any, error)
	Close()
}
