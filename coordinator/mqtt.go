package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/absmach/evofed/pkg/fl"
	"github.com/absmach/evofed/pkg/mqtt"
	"github.com/fxamacker/cbor/v2"
)

// Subscribe routes executor reports published on channel into svc.
func Subscribe(ctx context.Context, channel string, pubsub mqtt.PubSub, svc Service, logger *slog.Logger) error {
	topic := BaseTopic(channel) + "/control/executor/#"

	return pubsub.Subscribe(ctx, topic, Handle(ctx, channel, svc, logger))
}

func Handle(ctx context.Context, channel string, svc Service, logger *slog.Logger) mqtt.Handler {
	results := ResultsTopic(channel)
	tests := TestResultsTopic(channel)
	alive := AliveTopic(channel)

	return func(topic string, payload []byte) error {
		switch topic {
		case results:
			r, err := DecodeResult(payload)
			if err != nil {
				return err
			}
			status, err := svc.SubmitResult(ctx, r)
			if err != nil {
				return err
			}
			if status.VariantComplete {
				logger.InfoContext(ctx, "Variant aggregation completed",
					slog.Int("round", status.Round),
					slog.Int("variant", r.ModelID),
				)
			}
		case tests:
			var r fl.TestResult
			if err := json.Unmarshal(payload, &r); err != nil {
				return fmt.Errorf("failed to decode test result: %w", err)
			}

			return svc.SubmitTestResult(ctx, r)
		case alive:
			var msg struct {
				Status     string `json:"status"`
				InstanceID string `json:"instance_id"`
			}
			if err := json.Unmarshal(payload, &msg); err != nil {
				return fmt.Errorf("failed to decode liveness message: %w", err)
			}
			if msg.Status != "alive" {
				logger.WarnContext(ctx, "Executor went offline", slog.String("executor", msg.InstanceID))

				return nil
			}
			logger.DebugContext(ctx, "Executor is alive", slog.String("executor", msg.InstanceID))
		}

		return nil
	}
}

// DecodeResult accepts a JSON object or a CBOR map.
func DecodeResult(payload []byte) (fl.ClientResult, error) {
	var r fl.ClientResult
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return fl.ClientResult{}, fmt.Errorf("%w: %w", fl.ErrMalformedResult, err)
		}

		return r, nil
	}
	if err := cbor.Unmarshal(payload, &r); err != nil {
		return fl.ClientResult{}, fmt.Errorf("%w: %w", fl.ErrMalformedResult, err)
	}

	return r, nil
}
