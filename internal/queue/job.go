package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue names
const (
	BroadcastsQueue       = "broadcasts"
	AbTestBroadcastsQueue = "abtests_broadcasts"
)

// Job kinds
const (
	KindSendBroadcast                 = "BROADCASTS::SEND_BROADCAST"
	KindSendAbTestBroadcast           = "BROADCASTS::SEND_AB_TEST_BROADCAST"
	KindSendBroadcastToContacts       = "BROADCASTS::SEND_BROADCAST_TO_CONTACTS"
	KindSendAbTestBroadcastToContacts = "BROADCASTS::SEND_AB_TEST_BROADCAST_TO_CONTACTS"
)

// Job is the envelope every queue backend carries.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// SendBroadcastPayload starts planning for a broadcast.
type SendBroadcastPayload struct {
	BroadcastID string `json:"broadcastId"`
}

// DeliveryPayload is one batch of contacts for a broadcast.
type DeliveryPayload struct {
	BroadcastID string   `json:"broadcastId"`
	ContactIDs  []string `json:"contactIds"`
}

// AbTestDeliveryPayload is the A/B variant of DeliveryPayload.
type AbTestDeliveryPayload struct {
	AbTestBroadcastID string   `json:"abTestBroadcastId"`
	ContactIDs        []string `json:"contactIds"`
}

func NewJob(kind string, payload any) (Job, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Job{ID: uuid.NewString(), Kind: kind, Payload: b, EnqueuedAt: time.Now().UTC()}, nil
}

func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Kind, err))
	}
	return nil
}

// Queue hands jobs to a named queue. A positive delay defers delivery.
type Queue interface {
	Enqueue(ctx context.Context, queueName string, job Job, delay time.Duration) error
}

type Handler func(ctx context.Context, job Job) error

// Consumer runs handler for every job arriving on queueName until ctx ends.
type Consumer interface {
	Subscribe(ctx context.Context, queueName string, handler Handler) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Mux dispatches jobs by kind.
type Mux struct {
	handlers map[string]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: map[string]Handler{}}
}

func (m *Mux) Handle(kind string, h Handler) {
	m.handlers[kind] = h
}

func (m *Mux) Process(ctx context.Context, job Job) error {
	h, ok := m.handlers[job.Kind]
	if !ok {
		return Permanent(fmt.Errorf("no handler for job kind %q", job.Kind))
	}
	return h(ctx, job)
}
