// internal/handler/webhook_handler.go
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-mailer/internal/events"
	"github.com/unclebandit/broadcast-mailer/internal/metrics"
)

const (
	messageTypeHeader        = "x-amz-sns-message-type"
	subscriptionConfirmation = "SubscriptionConfirmation"
	notification             = "Notification"

	maxWebhookBody = 1 << 20
)

type snsMessage struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	SubscribeURL string `json:"SubscribeURL"`
}

// WebhookHandler receives provider notifications. It always acknowledges with
// 200 so the provider never redelivers.
type WebhookHandler struct {
	Client    *resty.Client
	Publisher events.Publisher
	// ConfirmHostSuffix restricts which hosts a confirmation URL may point at.
	// Empty allows any https host.
	ConfirmHostSuffix string
	Log               *zap.SugaredLogger
}

func NewWebhookHandler(publisher events.Publisher, log *zap.SugaredLogger) *WebhookHandler {
	return &WebhookHandler{
		Client:            resty.New().SetRetryCount(2),
		Publisher:         publisher,
		ConfirmHostSuffix: ".amazonaws.com",
		Log:               log,
	}
}

func (h *WebhookHandler) Routes(r chi.Router) {
	r.Post("/webhooks/{provider}", h.Receive)
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	messageType := r.Header.Get(messageTypeHeader)
	if messageType == "" {
		messageType = "unknown"
	}
	metrics.WebhookMessages.WithLabelValues(provider, messageType).Inc()

	if err := h.process(r.Context(), r.Body, messageType); err != nil {
		h.Log.Warnw("webhook processing failed", "provider", provider, "type", messageType, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (h *WebhookHandler) process(ctx context.Context, body io.Reader, messageType string) error {
	raw, err := io.ReadAll(io.LimitReader(body, maxWebhookBody))
	if err != nil {
		return err
	}
	var msg snsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode webhook: %w", err)
	}

	switch messageType {
	case subscriptionConfirmation:
		return h.confirm(ctx, msg)
	case notification:
		return h.Publisher.Publish(ctx, msg.MessageID, raw)
	}
	return nil
}

func (h *WebhookHandler) confirm(ctx context.Context, msg snsMessage) error {
	u, err := url.Parse(msg.SubscribeURL)
	if err != nil || u.Scheme != "https" {
		return fmt.Errorf("refusing confirmation url %q", msg.SubscribeURL)
	}
	if h.ConfirmHostSuffix != "" && !strings.HasSuffix(u.Hostname(), h.ConfirmHostSuffix) {
		return fmt.Errorf("refusing confirmation host %q", u.Hostname())
	}

	resp, err := h.Client.R().SetContext(ctx).Get(u.String())
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("confirmation returned %d", resp.StatusCode())
	}
	h.Log.Infow("webhook subscription confirmed", "topic", msg.TopicArn)
	return nil
}
