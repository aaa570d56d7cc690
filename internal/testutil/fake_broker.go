package testutil

import (
	"errors"
	"sync"
)

// Message is one publish recorded by FakeBroker.
type Message struct {
	Subject string
	Data    []byte
}

// FakeBroker is an in-memory relay.Broker. Inject feeds a message to the
// subscribed handler as the bus would.
type FakeBroker struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)

	Published    []Message
	SubscribeErr error
	PublishErr   error

	PublishCalls int
}

func NewFakeBroker() *FakeBroker {
	return &FakeBroker{handlers: make(map[string]func([]byte))}
}

func (b *FakeBroker) Subscribe(subject string, handler func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SubscribeErr != nil {
		return b.SubscribeErr
	}
	b.handlers[subject] = handler
	return nil
}

func (b *FakeBroker) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PublishCalls++
	if b.PublishErr != nil {
		return b.PublishErr
	}
	b.Published = append(b.Published, Message{Subject: subject, Data: append([]byte(nil), data...)})
	return nil
}

// Inject delivers data to the handler subscribed on subject.
func (b *FakeBroker) Inject(subject string, data []byte) error {
	b.mu.Lock()
	h, ok := b.handlers[subject]
	b.mu.Unlock()
	if !ok {
		return errors.New("no subscriber for " + subject)
	}
	h(data)
	return nil
}

// Messages returns a copy of everything published so far.
func (b *FakeBroker) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.Published))
	copy(out, b.Published)
	return out
}

// Subscribed reports whether a handler is registered for subject.
func (b *FakeBroker) Subscribed(subject string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[subject]
	return ok
}
