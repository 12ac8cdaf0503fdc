package handler_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-mailer/internal/handler"
	"github.com/unclebandit/broadcast-mailer/internal/metrics"
)

type recordingPublisher struct {
	mu       sync.Mutex
	keys     []string
	payloads []string
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.payloads = append(p.payloads, string(payload))
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	router    http.Handler
	publisher *recordingPublisher
	hits      *int64
	url       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var hits int64
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	publisher := &recordingPublisher{}
	h := &handler.WebhookHandler{
		Client:    resty.NewWithClient(srv.Client()),
		Publisher: publisher,
		Log:       zap.NewNop().Sugar(),
	}
	r := chi.NewRouter()
	h.Routes(r)
	return &fixture{router: r, publisher: publisher, hits: &hits, url: srv.URL}
}

func (f *fixture) post(t *testing.T, messageType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/ses", strings.NewReader(body))
	if messageType != "" {
		req.Header.Set("x-amz-sns-message-type", messageType)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func assertAcknowledged(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestSubscriptionConfirmationFetchesSubscribeURL(t *testing.T) {
	f := newFixture(t)
	before := testutil.ToFloat64(metrics.WebhookMessages.WithLabelValues("ses", "SubscriptionConfirmation"))

	body := `{"Type":"SubscriptionConfirmation","TopicArn":"arn:aws:sns:eu-west-1:1:kibamail_m1","SubscribeURL":"` + f.url + `/confirm?token=abc"}`
	w := f.post(t, "SubscriptionConfirmation", body)

	assertAcknowledged(t, w)
	assert.EqualValues(t, 1, atomic.LoadInt64(f.hits))
	assert.Empty(t, f.publisher.keys)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.WebhookMessages.WithLabelValues("ses", "SubscriptionConfirmation")))
}

func TestSubscriptionConfirmationRefusesPlainHTTP(t *testing.T) {
	f := newFixture(t)
	plain := strings.Replace(f.url, "https://", "http://", 1)

	w := f.post(t, "SubscriptionConfirmation", `{"SubscribeURL":"`+plain+`/confirm"}`)
	assertAcknowledged(t, w)
	assert.Zero(t, atomic.LoadInt64(f.hits))
}

func TestSubscriptionConfirmationRespectsHostSuffix(t *testing.T) {
	var hits int64
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
	}))
	defer srv.Close()

	h := &handler.WebhookHandler{
		Client:            resty.NewWithClient(srv.Client()),
		Publisher:         &recordingPublisher{},
		ConfirmHostSuffix: ".amazonaws.com",
		Log:               zap.NewNop().Sugar(),
	}
	r := chi.NewRouter()
	h.Routes(r)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/ses", strings.NewReader(`{"SubscribeURL":"`+srv.URL+`"}`))
	req.Header.Set("x-amz-sns-message-type", "SubscriptionConfirmation")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assertAcknowledged(t, w)
	assert.Zero(t, atomic.LoadInt64(&hits))
}

func TestNotificationIsForwarded(t *testing.T) {
	f := newFixture(t)
	body := `{"Type":"Notification","MessageId":"msg-1","Message":"{\"eventType\":\"Bounce\"}"}`

	w := f.post(t, "Notification", body)
	assertAcknowledged(t, w)
	require.Len(t, f.publisher.keys, 1)
	assert.Equal(t, "msg-1", f.publisher.keys[0])
	assert.Equal(t, body, f.publisher.payloads[0])
}

func TestWebhookAlwaysAcknowledges(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")

	assertAcknowledged(t, f.post(t, "Notification", `{"MessageId":"msg-2"}`))
	assertAcknowledged(t, f.post(t, "SubscriptionConfirmation", `not json`))
	assertAcknowledged(t, f.post(t, "", `{}`))
	assertAcknowledged(t, f.post(t, "UnsubscribeConfirmation", `{}`))
	assert.Zero(t, atomic.LoadInt64(f.hits))
}
