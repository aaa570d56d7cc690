package gchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// DeliveryResult is the subset of the Chat API message resource we keep.
type DeliveryResult struct {
	Name       string `json:"name"`
	Text       string `json:"text"`
	CreateTime string `json:"createTime"`
	Space      struct {
		Name string `json:"name"`
	} `json:"space"`
	Thread struct {
		Name string `json:"name"`
	} `json:"thread"`
}

// DeliveryError is returned for a missing destination or a non-2xx reply
// from the Chat API.
type DeliveryError struct {
	StatusCode int
	Reason     string
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("chat API request failed with status %d: %s", e.StatusCode, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("chat API request failed: %s: %v", e.Reason, e.Err)
	default:
		return e.Reason
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ErrMissingDestination is the reason given when no destination id was supplied.
const ErrMissingDestination = "destination_id is required"

// Client posts text messages into Chat spaces.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a delivery client rooted at the Chat API base URL,
// e.g. https://chat.googleapis.com/v1.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

// MessagesURL returns the create-message endpoint for a destination.
// Both "AAAA" and "spaces/AAAA" are accepted.
func (c *Client) MessagesURL(destinationID string) string {
	id := strings.TrimPrefix(strings.TrimSpace(destinationID), "spaces/")
	return c.baseURL + "/spaces/" + url.PathEscape(id) + "/messages"
}

// Deliver posts text to destinationID. An empty destination fails before
// any request is made. There is no retry.
func (c *Client) Deliver(ctx context.Context, accessToken, destinationID, text string) (DeliveryResult, error) {
	if strings.TrimSpace(destinationID) == "" {
		return DeliveryResult{}, &DeliveryError{Reason: ErrMissingDestination}
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return DeliveryResult{}, &DeliveryError{Reason: "marshal message", Err: err}
	}

	endpoint := c.MessagesURL(destinationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return DeliveryResult{}, &DeliveryError{Reason: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	slog.Debug("sending chat message", "url", endpoint)

	resp, err := c.client.Do(req)
	if err != nil {
		return DeliveryResult{}, &DeliveryError{Reason: "post message", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return DeliveryResult{}, &DeliveryError{
			StatusCode: resp.StatusCode,
			Reason:     http.StatusText(resp.StatusCode),
			Body:       string(bytes.TrimSpace(snippet)),
		}
	}

	var result DeliveryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return DeliveryResult{}, &DeliveryError{Reason: "decode delivery confirmation", Err: err}
	}

	slog.Info("chat message delivered", "message", result.Name, "space", result.Space.Name)
	return result, nil
}
