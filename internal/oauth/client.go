package oauth

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

// GrantTypeJWTBearer is the RFC 7523 grant type for assertion exchange.
const GrantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// maxErrorBody caps how much of a failed response body is kept.
const maxErrorBody = 64 << 10

// AccessToken is a short-lived bearer token. It is used for exactly one
// delivery and then dropped.
type AccessToken struct {
	Token     string `json:"access_token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
}

// TokenExchangeError covers every way the exchange can fail. StatusCode
// is zero when no HTTP response was received.
type TokenExchangeError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TokenExchangeError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("token exchange failed with status %d: %s: %v", e.StatusCode, e.Message, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("token exchange failed with status %d: %s", e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("token exchange failed: %v", e.Err)
	default:
		return "token exchange failed: " + e.Message
	}
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// Client trades signed assertions for access tokens at a fixed endpoint.
type Client struct {
	tokenURL string
	client   *http.Client
}

// NewClient creates a token exchange client. A nil httpClient selects
// http.DefaultClient.
func NewClient(tokenURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{tokenURL: tokenURL, client: httpClient}
}

// Exchange posts assertion with the JWT bearer grant. A single attempt is
// made.
func (c *Client) Exchange(ctx context.Context, assertion string) (AccessToken, error) {
	form := url.Values{
		"grant_type": {GrantTypeJWTBearer},
		"assertion":  {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, &TokenExchangeError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return AccessToken{}, &TokenExchangeError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return AccessToken{}, &TokenExchangeError{StatusCode: resp.StatusCode, Message: "read response body", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return AccessToken{}, &TokenExchangeError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
		}
	}

	var tok AccessToken
	if err := json.Unmarshal(body, &tok); err != nil {
		return AccessToken{}, &TokenExchangeError{StatusCode: resp.StatusCode, Message: "decode token response", Err: err}
	}
	if tok.Token == "" {
		return AccessToken{}, &TokenExchangeError{StatusCode: resp.StatusCode, Message: "response has no access_token"}
	}

	slog.Debug("access token issued", "token_type", tok.TokenType, "expires_in", tok.ExpiresIn)
	return tok, nil
}

// errorMessage renders an error body for humans: compacted JSON when the
// body is JSON, trimmed text otherwise.
func errorMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "empty response body"
	}
	var buf bytes.Buffer
	if json.Valid(trimmed) && json.Compact(&buf, trimmed) == nil {
		return buf.String()
	}
	return string(trimmed)
}
