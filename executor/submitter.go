package executor

import (
	"context"
	"fmt"

	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/pkg/fl"
	"github.com/absmach/evofed/pkg/mqtt"
	"github.com/absmach/evofed/pkg/sdk"
	"github.com/fxamacker/cbor/v2"
)

type serviceSubmitter struct {
	svc coordinator.Service
}

// NewServiceSubmitter reports straight into an in-process coordinator.
func NewServiceSubmitter(svc coordinator.Service) Submitter {
	return &serviceSubmitter{svc: svc}
}

func (s *serviceSubmitter) SubmitResult(ctx context.Context, result fl.ClientResult) error {
	_, err := s.svc.SubmitResult(ctx, result)

	return err
}

func (s *serviceSubmitter) SubmitTestResult(ctx context.Context, result fl.TestResult) error {
	return s.svc.SubmitTestResult(ctx, result)
}

type mqttSubmitter struct {
	pubsub  mqtt.PubSub
	channel string
}

// NewMQTTSubmitter publishes client results as CBOR and test results as JSON.
func NewMQTTSubmitter(pubsub mqtt.PubSub, channel string) Submitter {
	return &mqttSubmitter{
		pubsub:  pubsub,
		channel: channel,
	}
}

func (s *mqttSubmitter) SubmitResult(ctx context.Context, result fl.ClientResult) error {
	data, err := cbor.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode client result: %w", err)
	}

	return s.pubsub.Publish(ctx, coordinator.ResultsTopic(s.channel), data)
}

func (s *mqttSubmitter) SubmitTestResult(ctx context.Context, result fl.TestResult) error {
	return s.pubsub.Publish(ctx, coordinator.TestResultsTopic(s.channel), result)
}

type httpSubmitter struct {
	sdk sdk.SDK
}

// NewHTTPSubmitter posts client results as CBOR over the coordinator API.
func NewHTTPSubmitter(s sdk.SDK) Submitter {
	return &httpSubmitter{sdk: s}
}

func (s *httpSubmitter) SubmitResult(_ context.Context, result fl.ClientResult) error {
	_, err := s.sdk.SubmitResultCBOR(result)

	return err
}

func (s *httpSubmitter) SubmitTestResult(_ context.Context, result fl.TestResult) error {
	return s.sdk.SubmitTestResult(result)
}
