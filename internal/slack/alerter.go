package slack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/outcome"

	goslack "github.com/slack-go/slack"
)

const rateLimit = 30 * time.Second

// Alerter posts relay failure alerts to a Slack channel via chat.postMessage.
type Alerter struct {
	client  *goslack.Client
	channel string

	mu       sync.Mutex
	lastSent time.Time
}

// NewAlerter creates a new Slack alerter. Extra options are passed to the
// slack client, e.g. goslack.OptionAPIURL in tests.
func NewAlerter(token, channel string, opts ...goslack.Option) *Alerter {
	return &Alerter{
		client:  goslack.New(token, opts...),
		channel: channel,
	}
}

// PostFailure sends a Block Kit message for a failed relay request. It
// rate-limits to at most one alert per 30 seconds to protect against
// burst storms.
func (a *Alerter) PostFailure(ctx context.Context, o outcome.Outcome) error {
	a.mu.Lock()
	if time.Since(a.lastSent) < rateLimit {
		a.mu.Unlock()
		return nil
	}
	a.lastSent = time.Now()
	a.mu.Unlock()

	dest := o.DestinationID
	if dest == "" {
		dest = "unknown"
	}
	errMsg := o.Error
	if errMsg == "" {
		errMsg = "unknown"
	}
	published := "yes"
	if !o.Published {
		published = "no"
	}

	blocks := []goslack.Block{
		goslack.NewHeaderBlock(
			goslack.NewTextBlockObject(goslack.PlainTextType, "Google Chat Relay Failure", false, false),
		),
		goslack.NewSectionBlock(nil, []*goslack.TextBlockObject{
			mrkdwn(fmt.Sprintf("*Destination:*\n%s", dest)),
			mrkdwn(fmt.Sprintf("*Stage:*\n%s", o.Stage)),
			mrkdwn(fmt.Sprintf("*Error:*\n%s", errMsg)),
			mrkdwn(fmt.Sprintf("*Response published:*\n%s", published)),
		}, nil),
		goslack.NewContextBlock("",
			mrkdwn(fmt.Sprintf("Request %s at %s", o.RequestID, time.Now().UTC().Format(time.RFC3339))),
		),
	}

	_, _, err := a.client.PostMessageContext(ctx, a.channel,
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fmt.Sprintf("Google Chat relay failure at %s: %s", o.Stage, errMsg), false),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}

	slog.Info("relay failure alert posted to Slack", "channel", a.channel, "request_id", o.RequestID)
	return nil
}

func mrkdwn(text string) *goslack.TextBlockObject {
	return goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false)
}
