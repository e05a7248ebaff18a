package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

// Message is the rendered notification handed to a channel.
type Message struct {
	DeliveryID string            `json:"delivery_id"`
	AlertID    string            `json:"alert_id"`
	Recipient  string            `json:"recipient"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Receipt is what a channel reports on success.
type Receipt struct {
	// Delivered is set when the channel confirmed end delivery rather than
	// just acceptance.
	Delivered bool
	Response  map[string]any
}

// Channel sends one message. A returned error is a failed attempt.
type Channel interface {
	Send(ctx context.Context, m Message) (Receipt, error)
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, m Message) (Receipt, error)

func (f ChannelFunc) Send(ctx context.Context, m Message) (Receipt, error) { return f(ctx, m) }

// LogChannel writes each message to the logger. It always succeeds.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel returns a channel that logs at info level.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Send(_ context.Context, m Message) (Receipt, error) {
	c.logger.Info("notification",
		"delivery_id", m.DeliveryID,
		"alert_id", m.AlertID,
		"recipient", m.Recipient,
		"subject", m.Subject,
		"body", m.Body,
	)
	return Receipt{Delivered: true, Response: map[string]any{"channel": "log"}}, nil
}

// RateLimited wraps a channel with a token bucket. Send waits for a token or
// fails when the context ends first.
type RateLimited struct {
	next    Channel
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond sends per second with an equal burst. A
// non-positive rate returns next unchanged.
func NewRateLimited(next Channel, perSecond float64) Channel {
	if perSecond <= 0 {
		return next
	}
	burst := max(int(perSecond), 1)
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (c *RateLimited) Send(ctx context.Context, m Message) (Receipt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Receipt{}, fmt.Errorf("rate limit: %w", err)
	}
	return c.next.Send(ctx, m)
}
