package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/credential"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/gchat"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/oauth"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/outcome"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/secrets"

	"github.com/google/uuid"
)

// Broker is the bus the controller listens and answers on.
type Broker interface {
	Subscribe(subject string, handler func(data []byte)) error
	Publish(subject string, data []byte) error
}

// AssertionSigner builds a signed assertion for a service account.
type AssertionSigner interface {
	Sign(sa credential.ServiceAccount, scope string, ttl time.Duration) (credential.SignedAssertion, error)
}

// TokenExchanger trades an assertion for an access token.
type TokenExchanger interface {
	Exchange(ctx context.Context, assertion string) (oauth.AccessToken, error)
}

// Deliverer posts a message to a destination.
type Deliverer interface {
	Deliver(ctx context.Context, accessToken, destinationID, text string) (gchat.DeliveryResult, error)
}

// Recorder receives finished outcomes. It must not block.
type Recorder interface {
	Add(o outcome.Outcome)
}

// Alerter is notified of failures operators should look at.
type Alerter interface {
	PostFailure(ctx context.Context, o outcome.Outcome) error
}

// PublishError means the response for a request never made it onto the
// bus. The requester will not hear back.
type PublishError struct {
	Subject string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish response on %s: %v", e.Subject, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

const alertTimeout = 10 * time.Second

type Config struct {
	RequestSubject  string
	ResponseSubject string
	Scope           string
	AssertionTTL    time.Duration
}

// Controller subscribes to chat requests and runs one independent
// sign → exchange → deliver → respond pipeline per message.
type Controller struct {
	cfg      Config
	broker   Broker
	secrets  secrets.Accessor
	signer   AssertionSigner
	tokens   TokenExchanger
	delivery Deliverer
	recorder Recorder
	alerter  Alerter

	mu       sync.Mutex
	started  bool
	stopping bool
	ctx      context.Context

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

func New(cfg Config, b Broker, sa secrets.Accessor, s AssertionSigner, t TokenExchanger, d Deliverer) *Controller {
	if cfg.AssertionTTL <= 0 {
		cfg.AssertionTTL = credential.DefaultTTL
	}
	return &Controller{
		cfg:      cfg,
		broker:   b,
		secrets:  sa,
		signer:   s,
		tokens:   t,
		delivery: d,
		ctx:      context.Background(),
	}
}

// SetRecorder registers where finished outcomes are sent.
func (c *Controller) SetRecorder(r Recorder) {
	c.recorder = r
}

// SetAlerter registers the failure alert sink.
func (c *Controller) SetAlerter(a Alerter) {
	c.alerter = a
}

// Start subscribes to the request subject. It is called once; a
// subscription failure is returned and not retried.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("relay already started")
	}
	c.started = true
	// Pipelines outlive shutdown: once begun they run to completion.
	c.ctx = context.WithoutCancel(ctx)
	c.mu.Unlock()

	if err := c.broker.Subscribe(c.cfg.RequestSubject, c.handle); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	slog.Info("relay subscribed", "request_subject", c.cfg.RequestSubject, "response_subject", c.cfg.ResponseSubject)
	return nil
}

// Wait blocks until every in-flight pipeline has published its response.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Stop refuses new requests and waits for in-flight pipelines. Call it
// after the subscription is gone; a callback that was already running
// when the bus unsubscribed is dropped here instead of racing Wait.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
	c.wg.Wait()
}

// InFlight returns the number of pipelines currently running.
func (c *Controller) InFlight() int {
	return int(c.inFlight.Load())
}

func (c *Controller) handle(data []byte) {
	// The bus may reuse its buffer after the callback returns.
	payload := append([]byte(nil), data...)

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		slog.Warn("relay stopping, chat request dropped", "size", len(payload))
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	c.inFlight.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.inFlight.Add(-1)
		c.process(c.ctx, payload)
	}()
}

func (c *Controller) process(ctx context.Context, payload []byte) {
	o := outcome.Outcome{
		RequestID:  uuid.NewString(),
		ReceivedAt: time.Now().UTC(),
	}
	log := slog.With("request_id", o.RequestID)

	if !json.Valid(payload) {
		log.Error("chat request is not JSON, dropping", "size", len(payload))
		return
	}
	o.Payload = json.RawMessage(payload)
	log.Info("chat request received")

	var (
		req    ChatRequest
		result gchat.DeliveryResult
		stage  outcome.Stage
		err    error
	)
	if uerr := json.Unmarshal(payload, &req); uerr != nil {
		stage, err = outcome.StageRequest, fmt.Errorf("invalid chat request: %w", uerr)
	} else {
		result, stage, err = c.run(ctx, log, &req, &o)
	}
	o.Stage = stage
	if err != nil {
		o.Error = err.Error()
		log.Warn("chat request failed", "stage", stage, "destination_id", o.DestinationID, "error", err)
	} else {
		o.Success = true
		o.MessageName = result.Name
		log.Info("chat message sent", "destination_id", o.DestinationID, "message", result.Name)
	}

	pubErr := c.respond(ChatResponse{Success: o.Success, Payload: o.Payload, Error: o.Error})
	o.Published = pubErr == nil
	o.CompletedAt = time.Now().UTC()
	if pubErr != nil {
		log.Error("failed to publish response", "error", pubErr)
	}

	if c.recorder != nil {
		c.recorder.Add(o)
	}
	if c.alerter != nil && (!o.Published || o.Stage == outcome.StageDeliver || o.Stage == outcome.StageToken) {
		actx, cancel := context.WithTimeout(ctx, alertTimeout)
		if err := c.alerter.PostFailure(actx, o); err != nil {
			log.Warn("failed to post failure alert", "error", err)
		}
		cancel()
	}
}

// run executes the pipeline and reports the stage it stopped at.
func (c *Controller) run(ctx context.Context, log *slog.Logger, req *ChatRequest, o *outcome.Outcome) (gchat.DeliveryResult, outcome.Stage, error) {
	values, err := c.secrets.Read(ctx)
	if err != nil {
		return gchat.DeliveryResult{}, outcome.StageSecrets, fmt.Errorf("failed to read secrets: %w", err)
	}
	sa, err := secrets.Credential(values)
	if err != nil {
		log.Warn("service account secrets incomplete", "present_keys", secrets.Keys(values))
		return gchat.DeliveryResult{}, outcome.StageSecrets, err
	}

	dest, err := req.DestinationID()
	if err != nil {
		return gchat.DeliveryResult{}, outcome.StageConfig, err
	}
	o.DestinationID = dest
	if dest == "" {
		return gchat.DeliveryResult{}, outcome.StageConfig, &gchat.DeliveryError{Reason: gchat.ErrMissingDestination}
	}
	text := req.Text()

	assertion, err := c.signer.Sign(sa, c.cfg.Scope, c.cfg.AssertionTTL)
	if err != nil {
		return gchat.DeliveryResult{}, outcome.StageSign, err
	}

	token, err := c.tokens.Exchange(ctx, assertion.Token)
	if err != nil {
		return gchat.DeliveryResult{}, outcome.StageToken, err
	}

	result, err := c.delivery.Deliver(ctx, token.Token, dest, text)
	if err != nil {
		return gchat.DeliveryResult{}, outcome.StageDeliver, err
	}
	return result, outcome.StageDone, nil
}

func (c *Controller) respond(resp ChatResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return &PublishError{Subject: c.cfg.ResponseSubject, Err: fmt.Errorf("marshal response: %w", err)}
	}
	if err := c.broker.Publish(c.cfg.ResponseSubject, data); err != nil {
		return &PublishError{Subject: c.cfg.ResponseSubject, Err: err}
	}
	return nil
}
