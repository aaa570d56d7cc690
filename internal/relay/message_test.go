package relay

import (
	"encoding/json"
	"strings"
	"testing"
)

func decodeRequest(t *testing.T, raw string) ChatRequest {
	t.Helper()
	var r ChatRequest
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return r
}

func TestDestinationID_EncodedString(t *testing.T) {
	r := decodeRequest(t, `{"action":{"config":"{\"destination_id\":\" AAAA \"}"}}`)
	got, err := r.DestinationID()
	if err != nil {
		t.Fatal(err)
	}
	if got != "AAAA" {
		t.Errorf("expected AAAA, got %q", got)
	}
}

func TestDestinationID_PlainObject(t *testing.T) {
	r := decodeRequest(t, `{"action":{"config":{"destination_id":"BBBB"}}}`)
	got, err := r.DestinationID()
	if err != nil {
		t.Fatal(err)
	}
	if got != "BBBB" {
		t.Errorf("expected BBBB, got %q", got)
	}
}

func TestDestinationID_Absent(t *testing.T) {
	for _, raw := range []string{`{}`, `{"action":{}}`, `{"action":{"config":null}}`, `{"action":{"config":""}}`, `{"action":{"config":"{}"}}`} {
		r := decodeRequest(t, raw)
		got, err := r.DestinationID()
		if err != nil {
			t.Errorf("%s: unexpected error %v", raw, err)
		}
		if got != "" {
			t.Errorf("%s: expected empty destination, got %q", raw, got)
		}
	}
}

func TestDestinationID_Invalid(t *testing.T) {
	r := decodeRequest(t, `{"action":{"config":"[1,2]"}}`)
	_, err := r.DestinationID()
	if err == nil || !strings.Contains(err.Error(), "invalid action config") {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}

func TestText_Placeholders(t *testing.T) {
	r := decodeRequest(t, `{"defaults":{"full_message":"Hello {name} from {platform}, bye {name}. {unknown}","placeholders":{"name":"Ada","platform":"ClearBlade","count":3}}}`)

	got := r.Text()
	want := "Hello Ada from ClearBlade, bye Ada. {unknown}"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestText_NoPlaceholders(t *testing.T) {
	r := decodeRequest(t, `{"defaults":{"full_message":"literal {braces} stay"}}`)
	if got := r.Text(); got != "literal {braces} stay" {
		t.Errorf("unexpected text %q", got)
	}
}
