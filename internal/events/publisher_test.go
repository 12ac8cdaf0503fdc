package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-mailer/internal/events"
)

func newProducer(t *testing.T) *mocks.SyncProducer {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return mocks.NewSyncProducer(t, cfg)
}

func TestPublishSendsPayloadToTopic(t *testing.T) {
	producer := newProducer(t)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"Type":"Notification"}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})

	p := events.NewKafkaPublisher(producer, "provider-webhooks", zap.NewNop().Sugar())
	require.NoError(t, p.Publish(context.Background(), "msg-1", []byte(`{"Type":"Notification"}`)))
	require.NoError(t, p.Close())
}

func TestPublishReturnsBrokerError(t *testing.T) {
	producer := newProducer(t)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	p := events.NewKafkaPublisher(producer, "provider-webhooks", zap.NewNop().Sugar())
	err := p.Publish(context.Background(), "msg-1", []byte("{}"))
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	require.NoError(t, p.Close())
}

func TestPublishHonoursCancelledContext(t *testing.T) {
	producer := newProducer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := events.NewKafkaPublisher(producer, "provider-webhooks", zap.NewNop().Sugar())
	assert.ErrorIs(t, p.Publish(ctx, "msg-1", []byte("{}")), context.Canceled)
	require.NoError(t, p.Close())
}

func TestNopPublisher(t *testing.T) {
	var p events.Publisher = events.NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), "k", nil))
	assert.NoError(t, p.Close())
}
