package bus

import (
	"chitchat/contract"
	"context"
	"log/slog"
)

// LocalBus is an in-process EventBus. Publish delivers synchronously on the
// caller goroutine, so every publish is local whatever the flag says.
// Handlers may subscribe, unsubscribe or publish from inside a delivery.
type LocalBus struct {
	log      *slog.Logger
	registry *Registry
}

var _ contract.IEventBus = (*LocalBus)(nil)

func NewLocalBus(log *slog.Logger) *LocalBus {
	return &LocalBus{log: log, registry: NewRegistry()}
}

// Subscribe is acknowledged as soon as the handler is registered.
func (b *LocalBus) Subscribe(ctx context.Context, channel string, handler contract.Handler) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, _ := b.registry.Add(channel, handler)
	b.log.Debug("Subscribed", "channel", channel, "id", id)
	return id, nil
}

func (b *LocalBus) Unsubscribe(channel, id string) {
	b.registry.Remove(channel, id)
	b.log.Debug("Unsubscribed", "channel", channel, "id", id)
}

func (b *LocalBus) Publish(ctx context.Context, channel string, payload []byte, _ bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, handler := range b.registry.Handlers(channel) {
		handler(payload)
	}
	return nil
}

// Subscribers returns how many handlers listen on channel.
func (b *LocalBus) Subscribers(channel string) int {
	return b.registry.Count(channel)
}
