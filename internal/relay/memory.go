package relay

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// MemoryBackend is an in-process backend on a watermill Go channel. Several
// bridges sharing one MemoryBackend behave like processes sharing a store.
type MemoryBackend struct {
	pubsub *gochannel.GoChannel
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: subscriptionBuffer,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
	}
}

func (b *MemoryBackend) Publish(_ context.Context, channel string, frame []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), append([]byte(nil), frame...))
	if err := b.pubsub.Publish(channel, msg); err != nil {
		return fmt.Errorf("memory publish: %w", err)
	}
	return nil
}

func (b *MemoryBackend) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	msgs, err := b.pubsub.Subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("memory subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscriptionBuffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			payload := msg.Payload
			msg.Ack()
			select {
			case out <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (b *MemoryBackend) Ping(context.Context) error {
	return nil
}

func (b *MemoryBackend) Close() error {
	return b.pubsub.Close()
}
