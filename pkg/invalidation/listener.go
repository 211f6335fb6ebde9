package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const originAttribute = "origin"

// ListenerConfig configures the subscription a Listener receives from.
type ListenerConfig struct {
	SubscriptionID         string
	MaxOutstandingMessages int
	NumGoroutines          int
	// Origin identifies this process. Messages carrying the same origin were
	// already applied locally and are acked without being re-applied.
	Origin string
}

// NewListenerDefaults returns a config with sensible receive settings.
func NewListenerDefaults(subID string) *ListenerConfig {
	return &ListenerConfig{
		SubscriptionID:         subID,
		MaxOutstandingMessages: 100,
		NumGoroutines:          2,
		Origin:                 uuid.NewString(),
	}
}

// Listener applies invalidation commands received on a subscription.
type Listener struct {
	subscription       *pubsub.Subscription
	target             Invalidator
	origin             string
	logger             zerolog.Logger
	stopOnce           sync.Once
	cancelSubscription context.CancelFunc
	doneChan           chan struct{}
}

// NewListener checks the subscription exists and prepares to receive from it.
func NewListener(ctx context.Context, cfg *ListenerConfig, client *pubsub.Client, target Invalidator, logger zerolog.Logger) (*Listener, error) {
	if client == nil || target == nil {
		return nil, errors.New("pubsub client and invalidator cannot be nil")
	}
	sub := client.Subscription(cfg.SubscriptionID)

	existsCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}

	if cfg.MaxOutstandingMessages > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	}
	if cfg.NumGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines
	}

	return &Listener{
		subscription: sub,
		target:       target,
		origin:       cfg.Origin,
		logger:       logger.With().Str("component", "InvalidationListener").Str("subscription_id", cfg.SubscriptionID).Logger(),
		doneChan:     make(chan struct{}),
	}, nil
}

// Start begins receiving in a background goroutine.
func (l *Listener) Start(ctx context.Context) error {
	receiveCtx, cancel := context.WithCancel(ctx)
	l.cancelSubscription = cancel
	go func() {
		defer close(l.doneChan)
		l.logger.Info().Msg("Invalidation listener started.")
		err := l.subscription.Receive(receiveCtx, l.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
		}
		l.logger.Info().Msg("Invalidation listener stopped.")
	}()
	return nil
}

func (l *Listener) handle(ctx context.Context, msg *pubsub.Message) {
	if l.origin != "" && msg.Attributes[originAttribute] == l.origin {
		msg.Ack()
		return
	}

	var cmd Message
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		l.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Dropping malformed invalidation message.")
		msg.Ack()
		return
	}
	if err := cmd.Validate(); err != nil {
		l.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Dropping invalid invalidation message.")
		msg.Ack()
		return
	}

	if err := l.apply(ctx, cmd); err != nil {
		l.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to apply invalidation, will retry.")
		msg.Nack()
		return
	}
	msg.Ack()
}

func (l *Listener) apply(ctx context.Context, cmd Message) error {
	if cmd.All {
		removed, err := l.target.ClearAll(ctx)
		if err != nil {
			return err
		}
		l.logger.Info().Int("removed", removed).Msg("Applied clear-all.")
		return nil
	}
	if err := l.target.Invalidate(ctx, cmd.URL); err != nil {
		return err
	}
	l.logger.Info().Str("url", cmd.URL).Msg("Applied invalidation.")
	return nil
}

// Stop cancels the receive loop and waits for it to exit.
func (l *Listener) Stop(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		if l.cancelSubscription != nil {
			l.cancelSubscription()
		} else {
			close(l.doneChan)
			return
		}
		select {
		case <-l.doneChan:
		case <-ctx.Done():
			err = fmt.Errorf("timeout waiting for invalidation listener to stop: %w", ctx.Err())
		}
	})
	return err
}

// Done returns a channel closed once the receive loop has exited.
func (l *Listener) Done() <-chan struct{} { return l.doneChan }
