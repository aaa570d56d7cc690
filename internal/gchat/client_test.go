package gchat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestDeliver_Success(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &gotBody); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Write([]byte(`{"name":"spaces/AAA/messages/m1","text":"hello","space":{"name":"spaces/AAA"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/", srv.Client())
	res, err := c.Deliver(context.Background(), "ya29.tok", "AAA", "hello")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if gotPath != "/v1/spaces/AAA/messages" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotAuth != "Bearer ya29.tok" {
		t.Errorf("unexpected Authorization %s", gotAuth)
	}
	if gotBody["text"] != "hello" {
		t.Errorf("unexpected text %q", gotBody["text"])
	}
	if res.Name != "spaces/AAA/messages/m1" || res.Space.Name != "spaces/AAA" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestDeliver_EmptyDestinationMakesNoRequest(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).Deliver(context.Background(), "tok", "  ", "hi")

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if !strings.Contains(err.Error(), "destination_id") {
		t.Errorf("expected missing destination message, got %q", err)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no HTTP calls, got %d", calls.Load())
	}
}

func TestDeliver_ServerErrorNoRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"code":500}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).Deliver(context.Background(), "tok", "AAA", "hi")

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if de.StatusCode != 500 {
		t.Errorf("expected status 500, got %d", de.StatusCode)
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "Internal Server Error") {
		t.Errorf("unexpected error message %q", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls.Load())
	}
}

func TestMessagesURL_NormalisesSpacePrefix(t *testing.T) {
	c := NewClient("https://chat.example.test/v1", nil)

	if got := c.MessagesURL("spaces/AAA"); got != "https://chat.example.test/v1/spaces/AAA/messages" {
		t.Errorf("unexpected url %s", got)
	}
	if got := c.MessagesURL("a/b"); got != "https://chat.example.test/v1/spaces/a%2Fb/messages" {
		t.Errorf("expected escaped id, got %s", got)
	}
}
