package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/pkg/mqtt"
)

type aliveMessage struct {
	Status     string `json:"status"`
	InstanceID string `json:"instance_id"`
}

// Subscribe feeds the coordinator's round-control broadcasts on channel into b.
func Subscribe(ctx context.Context, channel string, pubsub mqtt.PubSub, b coordinator.Broadcaster, logger *slog.Logger) error {
	topic := coordinator.BaseTopic(channel) + "/control/coordinator/#"

	return pubsub.Subscribe(ctx, topic, Handle(ctx, b, logger))
}

func Handle(ctx context.Context, b coordinator.Broadcaster, logger *slog.Logger) mqtt.Handler {
	return func(topic string, payload []byte) error {
		var event coordinator.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("failed to decode event on %s: %w", topic, err)
		}
		if !event.Signal.Valid() {
			return fmt.Errorf("invalid signal %q on %s", event.Signal, topic)
		}
		logger.DebugContext(ctx, "Received round-control event",
			slog.String("signal", string(event.Signal)),
			slog.Int("round", event.Round),
		)

		return b.Broadcast(ctx, event)
	}
}

// Heartbeat publishes a liveness message every interval until ctx is done.
func Heartbeat(ctx context.Context, channel, id string, interval time.Duration, pubsub mqtt.PubSub, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	topic := coordinator.AliveTopic(channel)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping liveness updates", slog.String("executor", id))

			return
		case <-ticker.C:
			if err := pubsub.Publish(ctx, topic, aliveMessage{Status: "alive", InstanceID: id}); err != nil {
				logger.Error("Failed to publish liveness message", slog.Any("error", err))
			}
		}
	}
}
