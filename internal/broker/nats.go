package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATS is the relay's bus client: plain core-NATS subscriptions for
// requests, fire-and-forget publishes for responses.
type NATS struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials natsURL and keeps reconnecting forever.
func Connect(natsURL string, name string) (*NATS, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{nc: nc}, nil
}

// Subscribe delivers every message on subject to handler. NATS invokes
// handlers for one subscription sequentially, so handler must not block.
func (b *NATS) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	slog.Info("subscribed", "subject", subject)
	return nil
}

// Publish sends data on subject.
func (b *NATS) Publish(subject string, data []byte) error {
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// JetStream returns a JetStream context on the shared connection, used
// by the KV secret accessor.
func (b *NATS) JetStream() (jetstream.JetStream, error) {
	js, err := jetstream.New(b.nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	return js, nil
}

// Unsubscribe stops request delivery while keeping the connection open
// for in-flight responses.
func (b *NATS) Unsubscribe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	b.subs = nil
}

// Close drains pending publishes and closes the connection.
func (b *NATS) Close() {
	if err := b.nc.Drain(); err != nil {
		slog.Warn("NATS drain failed", "error", err)
	}
}
