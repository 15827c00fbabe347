// Package stream feeds interaction events from a Watermill subscriber into
// the engine's single write path.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/actuallystonmai/track-recommender/internal/domain"
	"github.com/actuallystonmai/track-recommender/internal/metrics"
)

// Event is the wire form of one interaction.
type Event struct {
	UserID    int64     `json:"user_id"`
	TrackID   int64     `json:"track_id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

func NewMessage(e Event) (*message.Message, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal interaction event: %w", err)
	}
	return message.NewMessage(uuid.NewString(), payload), nil
}

type Sink interface {
	AppendInteraction(ctx context.Context, userID, trackID int64, kind domain.InteractionKind, ts time.Time) (uint64, error)
}

const (
	DefaultRetryBase = 200 * time.Millisecond
	DefaultRetryMax  = 30 * time.Second
)

type Consumer struct {
	subscriber message.Subscriber
	topic      string
	sink       Sink
	logger     zerolog.Logger

	retryBase time.Duration
	retryMax  time.Duration
	failures  int // consecutive transient failures, owned by Run
}

func NewConsumer(sub message.Subscriber, topic string, sink Sink, logger zerolog.Logger) *Consumer {
	return &Consumer{
		subscriber: sub,
		topic:      topic,
		sink:       sink,
		logger:     logger.With().Str("component", "stream").Str("topic", topic).Logger(),
		retryBase:  DefaultRetryBase,
		retryMax:   DefaultRetryMax,
	}
}

// WithRetryBackoff sets the delay before the first redelivery request and
// the cap it doubles up to while the sink keeps failing.
func (c *Consumer) WithRetryBackoff(base, limit time.Duration) *Consumer {
	if base > 0 {
		c.retryBase = base
	}
	if limit >= c.retryBase {
		c.retryMax = limit
	}
	return c
}

// Run consumes until ctx is done or the subscription closes. Messages that
// can never succeed are acked and dropped. Transient failures are nacked for
// redelivery after a growing delay.
func (c *Consumer) Run(ctx context.Context) error {
	messages, err := c.subscriber.Subscribe(ctx, c.topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.topic, err)
	}
	c.logger.Info().Msg("interaction stream consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *message.Message) {
	log := c.logger.With().Str("message_uuid", msg.UUID).Logger()

	var e Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		metrics.StreamMessages.WithLabelValues("malformed").Inc()
		log.Warn().Err(err).Msg("dropping malformed interaction event")
		msg.Ack()
		return
	}
	kind, err := domain.ParseInteractionKind(e.Kind)
	if err != nil {
		metrics.StreamMessages.WithLabelValues("malformed").Inc()
		log.Warn().Err(err).Msg("dropping interaction event")
		msg.Ack()
		return
	}

	seq, err := c.sink.AppendInteraction(ctx, e.UserID, e.TrackID, kind, e.Timestamp)
	switch {
	case err == nil:
		c.failures = 0
		metrics.StreamMessages.WithLabelValues("applied").Inc()
		log.Debug().Uint64("seq", seq).Msg("interaction event applied")
		msg.Ack()
	case permanent(err):
		c.failures = 0
		metrics.StreamMessages.WithLabelValues("rejected").Inc()
		log.Warn().Err(err).Int64("user_id", e.UserID).Int64("track_id", e.TrackID).Msg("interaction event rejected")
		msg.Ack()
	default:
		metrics.StreamMessages.WithLabelValues("failed").Inc()
		delay := c.nextBackoff()
		log.Error().Err(err).Dur("retry_in", delay).Msg("interaction event failed, requesting redelivery")
		// Nack redelivers at once, so hold the message while the sink is down.
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		msg.Nack()
	}
}

// nextBackoff doubles from retryBase per consecutive failure, capped at
// retryMax.
func (c *Consumer) nextBackoff() time.Duration {
	d := c.retryBase << min(c.failures, 30)
	if d <= 0 || d > c.retryMax {
		d = c.retryMax
	}
	c.failures++
	return d
}

func permanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidArgument) ||
		errors.Is(err, domain.ErrTrackNotFound) ||
		errors.Is(err, domain.ErrUserNotFound)
}
