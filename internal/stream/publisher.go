package stream

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Publisher enqueues interaction events for the Consumer.
type Publisher struct {
	publisher message.Publisher
	topic     string
}

func NewPublisher(pub message.Publisher, topic string) *Publisher {
	return &Publisher{publisher: pub, topic: topic}
}

// Publish returns the message UUID.
func (p *Publisher) Publish(ctx context.Context, e Event) (string, error) {
	msg, err := NewMessage(e)
	if err != nil {
		return "", err
	}
	msg.SetContext(ctx)
	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return "", fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return msg.UUID, nil
}
