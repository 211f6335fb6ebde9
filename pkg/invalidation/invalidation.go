// Package invalidation broadcasts cache maintenance commands over Google
// Pub/Sub so that every process sharing a resource namespace drops entries
// together.
package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Message is the JSON payload of an invalidation command. Exactly one of URL
// or All is set.
type Message struct {
	URL string `json:"url,omitempty"`
	All bool   `json:"all,omitempty"`
}

// Validate checks that the message names a single command.
func (m Message) Validate() error {
	switch {
	case m.All && m.URL != "":
		return errors.New("invalidation message sets both url and all")
	case !m.All && m.URL == "":
		return errors.New("invalidation message sets neither url nor all")
	}
	return nil
}

// Invalidator applies invalidation commands. *swr.Client satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, url string) error
	ClearAll(ctx context.Context) (int, error)
}

// Publisher sends invalidation commands to a topic.
type Publisher struct {
	topic  *pubsub.Topic
	origin string
	logger zerolog.Logger
}

// NewPublisher creates a publisher for topicID. origin is attached to every
// message so listeners can recognise their own commands.
func NewPublisher(client *pubsub.Client, topicID, origin string, logger zerolog.Logger) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	if topicID == "" {
		return nil, errors.New("topic ID is required")
	}
	return &Publisher{
		topic:  client.Topic(topicID),
		origin: origin,
		logger: logger.With().Str("component", "InvalidationPublisher").Str("topic_id", topicID).Logger(),
	}, nil
}

// Invalidate broadcasts a command to clear the entry for url.
func (p *Publisher) Invalidate(ctx context.Context, url string) error {
	return p.publish(ctx, Message{URL: url})
}

// ClearAll broadcasts a command to clear every entry.
func (p *Publisher) ClearAll(ctx context.Context) error {
	return p.publish(ctx, Message{All: true})
}

func (p *Publisher) publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation message: %w", err)
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{originAttribute: p.origin},
	})
	id, err := res.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish invalidation message: %w", err)
	}
	p.logger.Debug().Str("msg_id", id).Str("url", msg.URL).Bool("all", msg.All).Msg("Published invalidation.")
	return nil
}

// Stop flushes pending publishes and releases the topic's resources.
func (p *Publisher) Stop() {
	p.topic.Stop()
}
