package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unclebandit/broadcast-mailer/internal/delivery"
	appErrors "github.com/unclebandit/broadcast-mailer/internal/errors"
	"github.com/unclebandit/broadcast-mailer/internal/metrics"
	"github.com/unclebandit/broadcast-mailer/internal/model"
	"github.com/unclebandit/broadcast-mailer/internal/queue"
	"github.com/unclebandit/broadcast-mailer/internal/repository"
)

// DeliveryWorker sends one batch of a broadcast, paced to one message per Interval.
type DeliveryWorker struct {
	BroadcastRepo repository.BroadcastRepositoryInterface
	SendRepo      repository.SendRepositoryInterface
	MailerRepo    repository.MailerRepositoryInterface
	Sender        delivery.Sender

	Interval  time.Duration
	ShortName string
	Log       *zap.SugaredLogger
}

func batchOf(job queue.Job) (string, []string, error) {
	if job.Kind == queue.KindSendAbTestBroadcastToContacts {
		var p queue.AbTestDeliveryPayload
		if err := job.Decode(&p); err != nil {
			return "", nil, err
		}
		return p.AbTestBroadcastID, p.ContactIDs, nil
	}
	var p queue.DeliveryPayload
	if err := job.Decode(&p); err != nil {
		return "", nil, err
	}
	return p.BroadcastID, p.ContactIDs, nil
}

// HandleBatch processes a delivery job.
func (w *DeliveryWorker) HandleBatch(ctx context.Context, job queue.Job) error {
	broadcastID, contactIDs, err := batchOf(job)
	if err != nil {
		return err
	}

	b, err := w.BroadcastRepo.GetByID(ctx, broadcastID)
	if appErrors.IsNotFound(err) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	if b.CancelRequestedAt != nil {
		w.Log.Infow("broadcast cancelled, skipping batch", "broadcast_id", b.ID, "contacts", len(contactIDs))
		return nil
	}

	mailer, err := w.MailerRepo.FindByTeamID(ctx, b.TeamID)
	if err != nil {
		return err
	}
	headers := map[string]string{
		"X-SES-CONFIGURATION-SET": w.ShortName + "_" + mailer.ID,
	}

	contacts, err := w.SendRepo.PendingContacts(ctx, b.ID, contactIDs)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Every(w.Interval), 1)
	for _, c := range contacts {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		status, lastError := model.SendStatusSent, ""
		if err := w.Sender.Send(ctx, messageFor(b, c, headers)); err != nil {
			status, lastError = model.SendStatusFailed, err.Error()
			w.Log.Warnw("send failed", "broadcast_id", b.ID, "contact_id", c.ID, "error", err)
		}
		metrics.DeliverySends.WithLabelValues(string(status)).Inc()

		if err := w.SendRepo.MarkSendResult(ctx, b.ID, c.ID, status, lastError); err != nil {
			return err
		}
	}

	return completeIfDone(ctx, w.BroadcastRepo, w.SendRepo, b.ID, w.Log)
}

func messageFor(b *model.Broadcast, c model.Contact, headers map[string]string) delivery.Message {
	return delivery.Message{
		FromName:  b.FromName,
		FromEmail: b.FromEmail,
		To:        c.Email,
		ReplyTo:   b.ReplyTo,
		Subject:   b.Subject,
		HTML:      b.ContentHTML,
		Text:      b.ContentText,
		Headers:   headers,
	}
}

// completeIfDone marks a SENDING broadcast COMPLETED when no contact is left
// unscheduled and no Send is still queued. Both the planner and the delivery
// worker call it, so whichever finishes last completes the broadcast.
func completeIfDone(ctx context.Context, broadcasts repository.BroadcastRepositoryInterface, sends repository.SendRepositoryInterface, broadcastID string, log *zap.SugaredLogger) error {
	b, err := broadcasts.GetByID(ctx, broadcastID)
	if err != nil {
		return err
	}
	if b.Status != model.BroadcastStatusSending {
		return nil
	}
	// Every planned contact has a Send row once the broadcast is SENDING.
	// Contacts that joined the audience later are not part of this broadcast.
	counts, err := sends.CountByStatus(ctx, b.ID)
	if err != nil {
		return err
	}
	if counts[model.SendStatusQueued] > 0 {
		return nil
	}
	if err := broadcasts.UpdateStatus(ctx, b.ID, model.BroadcastStatusCompleted); err != nil {
		return err
	}
	log.Infow("broadcast completed", "broadcast_id", b.ID, "sent", counts[model.SendStatusSent], "failed", counts[model.SendStatusFailed])
	return nil
}
