package outcome

import (
	"encoding/json"
	"time"
)

// Stage names the pipeline step an outcome finished at.
type Stage string

const (
	StageRequest Stage = "request"
	StageSecrets Stage = "secrets"
	StageConfig  Stage = "config"
	StageSign    Stage = "sign"
	StageToken   Stage = "token"
	StageDeliver Stage = "deliver"
	StageDone    Stage = "done"
)

// Outcome is the record of one relayed request, successful or not.
type Outcome struct {
	RequestID     string          `json:"request_id"`
	DestinationID string          `json:"destination_id,omitempty"`
	Success       bool            `json:"success"`
	Stage         Stage           `json:"stage"`
	Error         string          `json:"error,omitempty"`
	MessageName   string          `json:"message_name,omitempty"`
	Published     bool            `json:"published"`
	Payload       json.RawMessage `json:"payload"`
	ReceivedAt    time.Time       `json:"received_at"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// Duration is the time between receipt and the response publish.
func (o Outcome) Duration() time.Duration {
	if o.CompletedAt.IsZero() || o.ReceivedAt.IsZero() {
		return 0
	}
	return o.CompletedAt.Sub(o.ReceivedAt)
}

// Status is "success" or "failure", the filter value used by the API.
func (o Outcome) Status() string {
	if o.Success {
		return "success"
	}
	return "failure"
}
