// internal/service/broadcast_scheduler.go
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/broadcast-mailer/internal/errors"
	"github.com/unclebandit/broadcast-mailer/internal/metrics"
	"github.com/unclebandit/broadcast-mailer/internal/model"
	"github.com/unclebandit/broadcast-mailer/internal/queue"
	"github.com/unclebandit/broadcast-mailer/internal/repository"
)

// QuotaResolver yields the send quota of the mailer owned by a team.
type QuotaResolver interface {
	TeamQuota(ctx context.Context, teamID string) (int, error)
}

// BroadcastScheduler splits a broadcast's unsent audience into rate-safe
// batches and enqueues one delivery job per batch.
type BroadcastScheduler struct {
	BroadcastRepo repository.BroadcastRepositoryInterface
	SendRepo      repository.SendRepositoryInterface
	Quotas        QuotaResolver
	Queue         queue.Queue

	// QuotaRetryDelay defers a planning job whose mailer is degraded.
	QuotaRetryDelay time.Duration
	// PlanAttempts is how many times a failing planning job runs before the
	// broadcast is marked FAILED.
	PlanAttempts int

	Now func() time.Time
	Log *zap.SugaredLogger
}

type PlanResult struct {
	Unsent    int
	BatchSize int
	Batches   int
}

func (s *BroadcastScheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Schedule submits the deferred start-planning job for a broadcast.
func (s *BroadcastScheduler) Schedule(ctx context.Context, b *model.Broadcast) error {
	var delay time.Duration
	if b.SendAt != nil {
		if d := b.SendAt.Sub(s.now()); d > 0 {
			delay = d
		}
	}

	kind, queueName := queue.KindSendBroadcast, queue.BroadcastsQueue
	if b.IsAbTest {
		kind, queueName = queue.KindSendAbTestBroadcast, queue.AbTestBroadcastsQueue
	}
	job, err := queue.NewJob(kind, queue.SendBroadcastPayload{BroadcastID: b.ID})
	if err != nil {
		return err
	}
	if err := s.Queue.Enqueue(ctx, queueName, job, delay); err != nil {
		return err
	}
	s.Log.Infow("broadcast scheduled", "broadcast_id", b.ID, "queue", queueName, "delay", delay)
	return nil
}

// Plan partitions the unsent audience of a QUEUED_FOR_SENDING broadcast.
// Each batch is enqueued before its Send rows are written, so a crash between
// the two re-plans those contacts rather than dropping them.
func (s *BroadcastScheduler) Plan(ctx context.Context, broadcastID string) (PlanResult, error) {
	start := time.Now()
	res, err := s.plan(ctx, broadcastID)
	metrics.BroadcastPlanDuration.Observe(time.Since(start).Seconds())
	metrics.BroadcastPlans.WithLabelValues(planResultLabel(err)).Inc()
	return res, err
}

func (s *BroadcastScheduler) plan(ctx context.Context, broadcastID string) (PlanResult, error) {
	b, err := s.BroadcastRepo.GetByID(ctx, broadcastID)
	if err != nil {
		return PlanResult{}, err
	}
	if err := requireQueued(b); err != nil {
		return PlanResult{}, err
	}

	quota, err := s.Quotas.TeamQuota(ctx, b.TeamID)
	if err != nil {
		return PlanResult{}, err
	}

	var res PlanResult
	err = s.BroadcastRepo.WithPlanningLock(ctx, b.ID, func(ctx context.Context) error {
		// Another planner may have finished while we waited on the quota.
		current, err := s.BroadcastRepo.GetByID(ctx, b.ID)
		if err != nil {
			return err
		}
		if err := requireQueued(current); err != nil {
			return err
		}
		res, err = s.enqueueBatches(ctx, current, quota)
		if err != nil {
			return err
		}
		return s.BroadcastRepo.UpdateStatus(ctx, current.ID, model.BroadcastStatusSending)
	})
	if errors.Is(err, repository.ErrPlanningLocked) {
		return PlanResult{}, appErrors.NewInvalidState("broadcast", b.ID, "PLANNING", string(model.BroadcastStatusQueuedForSending))
	}
	if err != nil {
		return PlanResult{}, err
	}

	if res.Batches > 0 {
		// Small batches can finish before the status flip above.
		if err := completeIfDone(ctx, s.BroadcastRepo, s.SendRepo, b.ID, s.Log); err != nil {
			s.Log.Warnw("completion check after planning failed", "broadcast_id", b.ID, "error", err)
		}
	}

	s.Log.Infow("broadcast planned", "broadcast_id", b.ID, "quota", quota, "unsent", res.Unsent, "batch_size", res.BatchSize, "batches", res.Batches)
	return res, nil
}

func (s *BroadcastScheduler) enqueueBatches(ctx context.Context, b *model.Broadcast, quota int) (PlanResult, error) {
	unsent, err := s.SendRepo.CountUnsentContacts(ctx, b.AudienceID, b.ID)
	if err != nil {
		return PlanResult{}, err
	}
	res := PlanResult{Unsent: unsent}
	if unsent == 0 {
		return res, nil
	}

	totalBatches := quota
	if totalBatches < 1 {
		totalBatches = 1
	}
	res.BatchSize = (unsent + totalBatches - 1) / totalBatches

	// Paging runs until the cursor is exhausted, so contacts added since the
	// count land in trailing batches.
	cursor := ""
	for batch := 0; ; batch++ {
		ids, err := s.SendRepo.SelectUnsentContactIDs(ctx, b.AudienceID, b.ID, cursor, res.BatchSize)
		if err != nil {
			return res, err
		}
		if len(ids) == 0 {
			break
		}

		queueName, err := s.enqueueDelivery(ctx, b, ids)
		if err != nil {
			return res, err
		}
		if err := s.SendRepo.RecordSends(ctx, b.ID, ids); err != nil {
			return res, err
		}

		metrics.BatchesEnqueued.WithLabelValues(queueName).Inc()
		s.Log.Debugw("batch enqueued", "broadcast_id", b.ID, "batch", batch, "size", len(ids), "queue", queueName)
		res.Batches++
		cursor = ids[len(ids)-1]
	}
	return res, nil
}

func (s *BroadcastScheduler) enqueueDelivery(ctx context.Context, b *model.Broadcast, ids []string) (string, error) {
	var (
		job       queue.Job
		err       error
		queueName = queue.BroadcastsQueue
	)
	if b.IsAbTest {
		queueName = queue.AbTestBroadcastsQueue
		job, err = queue.NewJob(queue.KindSendAbTestBroadcastToContacts, queue.AbTestDeliveryPayload{AbTestBroadcastID: b.ID, ContactIDs: ids})
	} else {
		job, err = queue.NewJob(queue.KindSendBroadcastToContacts, queue.DeliveryPayload{BroadcastID: b.ID, ContactIDs: ids})
	}
	if err != nil {
		return "", err
	}
	return queueName, s.Queue.Enqueue(ctx, queueName, job, 0)
}

func requireQueued(b *model.Broadcast) error {
	if b.Status != model.BroadcastStatusQueuedForSending {
		return appErrors.NewInvalidState("broadcast", b.ID, string(b.Status), string(model.BroadcastStatusQueuedForSending))
	}
	return nil
}

func planResultLabel(err error) string {
	switch {
	case err == nil:
		return "planned"
	case appErrors.IsQuotaUnavailable(err):
		return "quota_unavailable"
	case appErrors.IsInvalidState(err):
		return "invalid_state"
	default:
		return "error"
	}
}

// HandlePlanningJob runs Plan for a start-planning job. A degraded mailer
// defers the job; a broadcast that keeps failing to plan is marked FAILED.
func (s *BroadcastScheduler) HandlePlanningJob(ctx context.Context, job queue.Job) error {
	var p queue.SendBroadcastPayload
	if err := job.Decode(&p); err != nil {
		return err
	}

	_, err := s.Plan(ctx, p.BroadcastID)
	switch {
	case err == nil:
		return nil
	case appErrors.IsQuotaUnavailable(err):
		queueName := queue.BroadcastsQueue
		if job.Kind == queue.KindSendAbTestBroadcast {
			queueName = queue.AbTestBroadcastsQueue
		}
		s.Log.Warnw("mailer degraded, deferring planning", "broadcast_id", p.BroadcastID, "delay", s.quotaRetryDelay())
		return s.Queue.Enqueue(ctx, queueName, job, s.quotaRetryDelay())
	case appErrors.IsInvalidState(err), appErrors.IsNotFound(err):
		s.Log.Warnw("broadcast not plannable", "broadcast_id", p.BroadcastID, "error", err)
		return queue.Permanent(err)
	}

	attempts := s.PlanAttempts
	if attempts < 1 {
		attempts = 3
	}
	if job.Attempt+1 < attempts {
		return err
	}
	s.Log.Errorw("broadcast planning failed", "broadcast_id", p.BroadcastID, "attempts", job.Attempt+1, "error", err)
	if uerr := s.BroadcastRepo.UpdateStatus(ctx, p.BroadcastID, model.BroadcastStatusFailed); uerr != nil {
		s.Log.Errorw("marking broadcast failed", "broadcast_id", p.BroadcastID, "error", uerr)
	}
	return queue.Permanent(err)
}

func (s *BroadcastScheduler) quotaRetryDelay() time.Duration {
	if s.QuotaRetryDelay > 0 {
		return s.QuotaRetryDelay
	}
	return 5 * time.Minute
}
