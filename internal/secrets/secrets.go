// Package secrets reads service-account material for the relay. The
// backing store is treated as an opaque key/value reader and is consulted
// on every request.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/credential"

	"github.com/nats-io/nats.go/jetstream"
)

// Secret store keys for the Chat service account.
const (
	KeyClientEmail = "google_chat_client_email"
	KeyPrivateKey  = "google_chat_private_key"
)

// Accessor returns the current secret values. A missing key is not an
// error at this level; Credential decides what is required.
type Accessor interface {
	Read(ctx context.Context) (map[string]string, error)
}

// MissingError reports absent or empty credential fields.
type MissingError struct {
	Missing []string
}

func (e *MissingError) Error() string {
	return "failed to parse secrets: missing " + strings.Join(e.Missing, ", ")
}

// Credential validates values and builds the service account from them.
func Credential(values map[string]string) (credential.ServiceAccount, error) {
	var missing []string
	for _, k := range []string{KeyClientEmail, KeyPrivateKey} {
		if strings.TrimSpace(values[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return credential.ServiceAccount{}, &MissingError{Missing: missing}
	}
	return credential.ServiceAccount{
		Email:      strings.TrimSpace(values[KeyClientEmail]),
		PrivateKey: values[KeyPrivateKey],
	}, nil
}

// Keys lists which keys are present, for logging without values.
func Keys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- Environment ---

// EnvAccessor reads GOOGLE_CHAT_CLIENT_EMAIL and GOOGLE_CHAT_PRIVATE_KEY.
type EnvAccessor struct{}

func (EnvAccessor) Read(_ context.Context) (map[string]string, error) {
	values := map[string]string{}
	for _, k := range []string{KeyClientEmail, KeyPrivateKey} {
		if v, ok := os.LookupEnv(strings.ToUpper(k)); ok {
			values[k] = v
		}
	}
	return values, nil
}

// --- Service account key file ---

// FileAccessor reads a Google service-account key JSON file.
type FileAccessor struct {
	Path string
}

type serviceAccountKey struct {
	Type        string `json:"type"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

func (f FileAccessor) Read(_ context.Context) (map[string]string, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	var key serviceAccountKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("decode credentials file %s: %w", f.Path, err)
	}
	values := map[string]string{}
	if key.ClientEmail != "" {
		values[KeyClientEmail] = key.ClientEmail
	}
	if key.PrivateKey != "" {
		values[KeyPrivateKey] = key.PrivateKey
	}
	return values, nil
}

// --- NATS JetStream key/value ---

type kvGetter interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
}

// KVAccessor reads the credential keys from a JetStream KV bucket.
type KVAccessor struct {
	bucket string
	kv     kvGetter
}

// NewKVAccessor binds to an existing bucket.
func NewKVAccessor(ctx context.Context, js jetstream.JetStream, bucket string) (*KVAccessor, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return &KVAccessor{bucket: bucket, kv: kv}, nil
}

func (a *KVAccessor) Read(ctx context.Context) (map[string]string, error) {
	values := map[string]string{}
	for _, k := range []string{KeyClientEmail, KeyPrivateKey} {
		entry, err := a.kv.Get(ctx, k)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("kv get %s/%s: %w", a.bucket, k, err)
		}
		values[k] = string(entry.Value())
	}
	return values, nil
}
