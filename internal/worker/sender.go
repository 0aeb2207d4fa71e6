package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/whatsapp"
)

// RequestBuilder renders a template message into a provider payload
type RequestBuilder interface {
	BuildRequest(ctx context.Context, msg whatsapp.TemplateMessage) (*whatsapp.SendRequest, error)
}

// MessageSender defines the interface for sending messages
type MessageSender interface {
	RequestBuilder
	Send(ctx context.Context, phoneNumberID string, req *whatsapp.SendRequest) (*whatsapp.SendResult, error)
}

// dryRunSender renders payloads for real but never calls the provider
type dryRunSender struct {
	RequestBuilder
	minDelay time.Duration
	maxDelay time.Duration
}

// NewDryRunSender creates a sender that validates and renders every message, then
// simulates the provider call with a short delay and a synthetic message ID
func NewDryRunSender(builder RequestBuilder) MessageSender {
	return &dryRunSender{
		RequestBuilder: builder,
		minDelay:       50 * time.Millisecond, // simulated network latency
		maxDelay:       200 * time.Millisecond,
	}
}

// Send simulates sending a message
func (s *dryRunSender) Send(ctx context.Context, phoneNumberID string, req *whatsapp.SendRequest) (*whatsapp.SendResult, error) {
	delay := s.minDelay + time.Duration(rand.Int63n(int64(s.maxDelay-s.minDelay)))

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}

	id := "wamid.dryrun." + uuid.NewString()
	response, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"dry_run":           true,
		"phone_number_id":   phoneNumberID,
		"messages":          []map[string]string{{"id": id}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dry-run response: %w", err)
	}

	return &whatsapp.SendResult{
		MessageID: id,
		Payload:   payload,
		Response:  response,
	}, nil
}
