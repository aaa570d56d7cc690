package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/outcome"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_relay_outcomes (
	request_id     uuid PRIMARY KEY,
	destination_id text,
	success        boolean NOT NULL,
	stage          text NOT NULL,
	error          text,
	message_name   text,
	published      boolean NOT NULL,
	payload        jsonb,
	received_at    timestamptz NOT NULL,
	completed_at   timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_relay_outcomes_completed_idx ON chat_relay_outcomes (completed_at DESC);

CREATE TABLE IF NOT EXISTS chat_destination_stats (
	destination_id  text NOT NULL,
	stat_date       date NOT NULL,
	delivered       integer NOT NULL DEFAULT 0,
	failed          integer NOT NULL DEFAULT 0,
	max_duration_ms bigint NOT NULL DEFAULT 0,
	last_error      text,
	updated_at      timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (destination_id, stat_date)
);
`

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// EnsureSchema creates the outcome and stats tables if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// InsertOutcomes batch-inserts relay outcomes into chat_relay_outcomes.
func (s *Store) InsertOutcomes(ctx context.Context, outs []outcome.Outcome) error {
	if len(outs) == 0 {
		return nil
	}

	rows := make([][]any, len(outs))
	for i, o := range outs {
		rid, err := uuid.Parse(o.RequestID)
		if err != nil {
			return fmt.Errorf("outcome request id %q: %w", o.RequestID, err)
		}
		rows[i] = []any{
			pgtype.UUID{Bytes: rid, Valid: true}, nullable(o.DestinationID), o.Success, string(o.Stage), nullable(o.Error),
			nullable(o.MessageName), o.Published, jsonbPayload(o.Payload), o.ReceivedAt, o.CompletedAt,
		}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"chat_relay_outcomes"},
		[]string{"request_id", "destination_id", "success", "stage", "error", "message_name", "published", "payload", "received_at", "completed_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy outcomes: %w", err)
	}

	slog.Debug("inserted outcomes", "count", len(outs))
	return nil
}

// UpsertDestinationStat updates the per-day counters for a destination.
func (s *Store) UpsertDestinationStat(ctx context.Context, destinationID string, date time.Time, updates map[string]any) error {
	d := date.Format("2006-01-02")
	destinationID = pgText(destinationID)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_destination_stats (destination_id, stat_date)
		VALUES ($1, $2)
		ON CONFLICT (destination_id, stat_date) DO NOTHING
	`, destinationID, d)
	if err != nil {
		return fmt.Errorf("ensure chat_destination_stats row: %w", err)
	}

	for field, value := range updates {
		var q string
		switch field {
		case "inc_delivered":
			q = `UPDATE chat_destination_stats SET delivered = delivered + 1, updated_at = now() WHERE destination_id = $1 AND stat_date = $2`
			if _, err := s.pool.Exec(ctx, q, destinationID, d); err != nil {
				return fmt.Errorf("inc delivered: %w", err)
			}
			continue
		case "inc_failed":
			q = `UPDATE chat_destination_stats SET failed = failed + 1, updated_at = now() WHERE destination_id = $1 AND stat_date = $2`
			if _, err := s.pool.Exec(ctx, q, destinationID, d); err != nil {
				return fmt.Errorf("inc failed: %w", err)
			}
			continue
		case "max_duration_ms":
			q = `UPDATE chat_destination_stats SET max_duration_ms = GREATEST(max_duration_ms, $3), updated_at = now() WHERE destination_id = $1 AND stat_date = $2`
		case "last_error":
			q = `UPDATE chat_destination_stats SET last_error = $3, updated_at = now() WHERE destination_id = $1 AND stat_date = $2`
			if str, ok := value.(string); ok {
				value = pgText(str)
			}
		default:
			continue
		}
		if _, err := s.pool.Exec(ctx, q, destinationID, d, value); err != nil {
			return fmt.Errorf("update stat %s: %w", field, err)
		}
	}

	return nil
}

// QueryOutcomes lists recent outcomes, newest first. status is "",
// "success" or "failure".
func (s *Store) QueryOutcomes(ctx context.Context, status string, limit int) ([]map[string]any, error) {
	query := `
		SELECT request_id::text, destination_id, success, stage, error, message_name, published, payload, received_at, completed_at
		FROM chat_relay_outcomes
		WHERE ($1::text = '' OR success = ($1::text = 'success'))
		ORDER BY completed_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []map[string]any
	for rows.Next() {
		var (
			rid, stage              string
			dest, errStr, msgName   *string
			success, published      bool
			payload                 *json.RawMessage
			receivedAt, completedAt time.Time
		)
		if err := rows.Scan(&rid, &dest, &success, &stage, &errStr, &msgName, &published, &payload, &receivedAt, &completedAt); err != nil {
			return nil, err
		}
		r := map[string]any{
			"request_id":   rid,
			"success":      success,
			"stage":        stage,
			"published":    published,
			"received_at":  receivedAt,
			"completed_at": completedAt,
			"duration_ms":  completedAt.Sub(receivedAt).Milliseconds(),
		}
		if dest != nil {
			r["destination_id"] = *dest
		}
		if errStr != nil {
			r["error"] = *errStr
		}
		if msgName != nil {
			r["message_name"] = *msgName
		}
		if payload != nil {
			r["payload"] = *payload
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetDestinationStats returns the latest stats row for a destination.
func (s *Store) GetDestinationStats(ctx context.Context, destinationID string) (map[string]any, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT destination_id, stat_date, delivered, failed, max_duration_ms, last_error
		FROM chat_destination_stats
		WHERE destination_id = $1
		ORDER BY stat_date DESC
		LIMIT 1
	`, destinationID)

	var (
		did               string
		sdate             time.Time
		delivered, failed int
		maxD              int64
		lastErr           *string
	)
	if err := row.Scan(&did, &sdate, &delivered, &failed, &maxD, &lastErr); err != nil {
		return nil, err
	}

	result := map[string]any{
		"destination_id":  did,
		"stat_date":       sdate.Format("2006-01-02"),
		"delivered":       delivered,
		"failed":          failed,
		"max_duration_ms": maxD,
	}
	if lastErr != nil {
		result["last_error"] = *lastErr
	}
	return result, nil
}

// pgText strips what a Postgres text column refuses: NUL bytes and
// invalid UTF-8.
func pgText(s string) string {
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "\uFFFD")
}

func nullable(s string) *string {
	s = pgText(s)
	if s == "" {
		return nil
	}
	return &s
}

var nulEscape = []byte(`\u0000`)

// jsonbPayload returns the payload as jsonb input. jsonb cannot hold
// \u0000, so those escapes are removed; a payload that is no longer
// valid JSON afterwards is stored as NULL.
func jsonbPayload(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	if bytes.Contains(raw, nulEscape) {
		raw = bytes.ReplaceAll(raw, nulEscape, nil)
	}
	if !json.Valid(raw) {
		return nil
	}
	return string(raw)
}
