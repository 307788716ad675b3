package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/absmach/evofed/pkg/fl"
	"github.com/absmach/evofed/pkg/mqtt"
)

// Event is a round-control broadcast. Only the fields relevant to the signal
// are set.
type Event struct {
	Signal fl.Signal `json:"signal"`
	Round  int       `json:"round"`
	// Models carries every variant's weights on UPDATE_MODEL.
	Models map[int]fl.Weights `json:"models,omitempty"`
	// Plan and Assignment are set on START_ROUND.
	Plan       *fl.RoundPlan  `json:"plan,omitempty"`
	Assignment map[string]int `json:"assignment,omitempty"`
	// Variants lists the variants to evaluate on MODEL_TEST.
	Variants []int `json:"variants,omitempty"`
}

type Broadcaster interface {
	Broadcast(ctx context.Context, event Event) error
}

// Broadcasters fans an event out to every member.
type Broadcasters []Broadcaster

func (bs Broadcasters) Broadcast(ctx context.Context, event Event) error {
	var errs []error
	for _, b := range bs {
		if err := b.Broadcast(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

type mqttBroadcaster struct {
	pubsub  mqtt.PubSub
	channel string
}

func NewMQTTBroadcaster(pubsub mqtt.PubSub, channel string) Broadcaster {
	return &mqttBroadcaster{
		pubsub:  pubsub,
		channel: channel,
	}
}

func (mb *mqttBroadcaster) Broadcast(ctx context.Context, event Event) error {
	if !event.Signal.Valid() {
		return fmt.Errorf("invalid signal %q", event.Signal)
	}

	return mb.pubsub.Publish(ctx, SignalTopic(mb.channel, event.Signal), event)
}

func BaseTopic(channel string) string {
	return "channels/" + channel + "/messages"
}

// SignalTopic is the topic a signal is published on, e.g.
// channels/<channel>/messages/control/coordinator/start_round.
func SignalTopic(channel string, s fl.Signal) string {
	return BaseTopic(channel) + "/control/coordinator/" + strings.ToLower(string(s))
}

func ResultsTopic(channel string) string {
	return BaseTopic(channel) + "/control/executor/results"
}

func TestResultsTopic(channel string) string {
	return BaseTopic(channel) + "/control/executor/test_results"
}

// AliveTopic carries executor heartbeats and their last will.
func AliveTopic(channel string) string {
	return BaseTopic(channel) + "/control/executor/alive"
}
