package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-mailer/internal/model"
	"github.com/unclebandit/broadcast-mailer/internal/queue"
	"github.com/unclebandit/broadcast-mailer/internal/service"
)

func TestBroadcastRunsEndToEndThroughQueue(t *testing.T) {
	for _, abTest := range []bool{false, true} {
		f := newSchedulerFixture(t, ratePtr(3), 7)
		f.st.broadcasts["b1"].Status = model.BroadcastStatusDraft
		f.st.broadcasts["b1"].IsAbTest = abTest

		q := queue.NewInMemoryQueue(zap.NewNop().Sugar())
		f.scheduler.Queue = q
		sender := &recordingSender{}
		worker := newDeliveryWorker(f, sender)

		require.NoError(t, service.ConsumeBroadcastQueues(context.Background(), q, service.NewJobMux(f.scheduler, worker)))

		_, err := newBroadcastService(f).Send(context.Background(), "t1", "b1")
		require.NoError(t, err)
		q.Wait()

		assert.Len(t, sender.sent, 7)
		assert.Equal(t, model.BroadcastStatusCompleted, f.st.broadcast("b1").Status)
	}
}

func TestJobMuxRejectsUnknownKind(t *testing.T) {
	f := newSchedulerFixture(t, ratePtr(1), 0)
	mux := service.NewJobMux(f.scheduler, newDeliveryWorker(f, &recordingSender{}))

	err := mux.Process(context.Background(), queue.Job{Kind: "BROADCASTS::UNKNOWN"})
	assert.True(t, queue.IsPermanent(err))
}
