package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/outcome"
)

// MockStore is a thread-safe in-memory implementation of store.DataStore for testing.
type MockStore struct {
	mu sync.Mutex

	Outcomes []outcome.Outcome
	Stats    map[string]map[string]any // key: "destinationID|date"

	InsertErr     error
	UpsertStatErr error
	// RejectOutcome fails any InsertOutcomes call whose batch contains a
	// matching outcome, the way a single bad row fails a COPY.
	RejectOutcome func(o outcome.Outcome) bool

	InsertCalls     int
	UpsertStatCalls int
}

func NewMockStore() *MockStore {
	return &MockStore{
		Outcomes: make([]outcome.Outcome, 0),
		Stats:    make(map[string]map[string]any),
	}
}

func (m *MockStore) InsertOutcomes(_ context.Context, outs []outcome.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.InsertErr != nil {
		return m.InsertErr
	}
	if m.RejectOutcome != nil {
		for _, o := range outs {
			if m.RejectOutcome(o) {
				return fmt.Errorf("outcome %s rejected", o.RequestID)
			}
		}
	}
	m.Outcomes = append(m.Outcomes, outs...)
	return nil
}

func (m *MockStore) UpsertDestinationStat(_ context.Context, destinationID string, date time.Time, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertStatCalls++
	if m.UpsertStatErr != nil {
		return m.UpsertStatErr
	}
	key := destinationID + "|" + date.Format("2006-01-02")
	row := m.Stats[key]
	if row == nil {
		row = map[string]any{
			"destination_id":  destinationID,
			"stat_date":       date.Format("2006-01-02"),
			"delivered":       0,
			"failed":          0,
			"max_duration_ms": int64(0),
		}
		m.Stats[key] = row
	}
	for k, v := range updates {
		switch k {
		case "inc_delivered":
			row["delivered"] = row["delivered"].(int) + 1
		case "inc_failed":
			row["failed"] = row["failed"].(int) + 1
		case "max_duration_ms":
			if d, ok := v.(int64); ok && d > row["max_duration_ms"].(int64) {
				row["max_duration_ms"] = d
			}
		default:
			row[k] = v
		}
	}
	return nil
}

func (m *MockStore) QueryOutcomes(_ context.Context, status string, limit int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := make([]outcome.Outcome, len(m.Outcomes))
	copy(sorted, m.Outcomes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CompletedAt.After(sorted[j].CompletedAt)
	})

	var results []map[string]any
	for _, o := range sorted {
		if status != "" && o.Status() != status {
			continue
		}
		results = append(results, map[string]any{
			"request_id":     o.RequestID,
			"destination_id": o.DestinationID,
			"success":        o.Success,
			"stage":          string(o.Stage),
			"error":          o.Error,
			"published":      o.Published,
			"payload":        o.Payload,
			"received_at":    o.ReceivedAt,
			"completed_at":   o.CompletedAt,
		})
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (m *MockStore) GetDestinationStats(_ context.Context, destinationID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		latest map[string]any
		date   string
	)
	for _, v := range m.Stats {
		if v["destination_id"] != destinationID {
			continue
		}
		if d, _ := v["stat_date"].(string); d > date {
			latest, date = v, d
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("stats not found for %s", destinationID)
	}
	cp := make(map[string]any, len(latest))
	for k, v := range latest {
		cp[k] = v
	}
	return cp, nil
}

func (m *MockStore) Close() {}

// GetInsertCalls returns how many times InsertOutcomes was called.
func (m *MockStore) GetInsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InsertCalls
}

// GetOutcomeCount returns total outcomes stored.
func (m *MockStore) GetOutcomeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Outcomes)
}
