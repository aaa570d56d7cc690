package stats

import (
	"context"
	"log/slog"

	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/outcome"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/store"
)

type Processor struct {
	store store.DataStore
}

func NewProcessor(s store.DataStore) *Processor {
	return &Processor{store: s}
}

// Process folds an outcome into the daily counters of its destination.
// Outcomes that failed before a destination was known are skipped.
func (p *Processor) Process(ctx context.Context, o outcome.Outcome) {
	if o.DestinationID == "" {
		return
	}

	updates := map[string]any{}
	if o.Success {
		updates["inc_delivered"] = true
	} else {
		updates["inc_failed"] = true
		updates["last_error"] = o.Error
	}
	if d := o.Duration().Milliseconds(); d > 0 {
		updates["max_duration_ms"] = d
	}

	day := o.CompletedAt
	if day.IsZero() {
		day = o.ReceivedAt
	}
	if err := p.store.UpsertDestinationStat(ctx, o.DestinationID, day.UTC(), updates); err != nil {
		slog.Error("failed to update destination stats", "destination_id", o.DestinationID, "error", err)
	}
}
