package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ChatRequest is the inbound "send chat message" action.
type ChatRequest struct {
	Action struct {
		// Config is normally a JSON-encoded string; a plain object is
		// accepted too.
		Config json.RawMessage `json:"config"`
	} `json:"action"`
	Defaults struct {
		FullMessage  string         `json:"full_message"`
		Placeholders map[string]any `json:"placeholders,omitempty"`
	} `json:"defaults"`
}

// ActionConfig is the decoded action.config.
type ActionConfig struct {
	DestinationID string `json:"destination_id"`
}

// ChatResponse is published once per request on the response subject.
type ChatResponse struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error,omitempty"`
}

// DestinationID decodes action.config and returns the trimmed
// destination id. An absent config yields "" rather than an error.
func (r *ChatRequest) DestinationID() (string, error) {
	raw := bytes.TrimSpace(r.Action.Config)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("invalid action config: %w", err)
		}
		raw = bytes.TrimSpace([]byte(s))
		if len(raw) == 0 {
			return "", nil
		}
	}

	var cfg ActionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return "", fmt.Errorf("invalid action config: %w", err)
	}
	return strings.TrimSpace(cfg.DestinationID), nil
}

// Text returns the message with every literal {key} replaced by its
// placeholder value.
func (r *ChatRequest) Text() string {
	return renderPlaceholders(r.Defaults.FullMessage, r.Defaults.Placeholders)
}

func renderPlaceholders(text string, placeholders map[string]any) string {
	if len(placeholders) == 0 {
		return text
	}
	keys := make([]string, 0, len(placeholders))
	for k := range placeholders {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", fmt.Sprint(placeholders[k]))
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
