// internal/service/jobs.go
package service

import (
	"context"

	"github.com/unclebandit/broadcast-mailer/internal/queue"
)

// NewJobMux routes the four broadcast job kinds to their handlers.
func NewJobMux(scheduler *BroadcastScheduler, worker *DeliveryWorker) *queue.Mux {
	mux := queue.NewMux()
	mux.Handle(queue.KindSendBroadcast, scheduler.HandlePlanningJob)
	mux.Handle(queue.KindSendAbTestBroadcast, scheduler.HandlePlanningJob)
	mux.Handle(queue.KindSendBroadcastToContacts, worker.HandleBatch)
	mux.Handle(queue.KindSendAbTestBroadcastToContacts, worker.HandleBatch)
	return mux
}

// ConsumeBroadcastQueues subscribes mux to the standard and A/B queues.
func ConsumeBroadcastQueues(ctx context.Context, consumer queue.Consumer, mux *queue.Mux) error {
	for _, name := range []string{queue.BroadcastsQueue, queue.AbTestBroadcastsQueue} {
		if err := consumer.Subscribe(ctx, name, mux.Process); err != nil {
			return err
		}
	}
	return nil
}
