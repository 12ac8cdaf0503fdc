// internal/service/broadcast_service.go
package service

import (
	"context"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/broadcast-mailer/internal/errors"
	"github.com/unclebandit/broadcast-mailer/internal/model"
	"github.com/unclebandit/broadcast-mailer/internal/repository"
)

type BroadcastService struct {
	BroadcastRepo repository.BroadcastRepositoryInterface
	SendRepo      repository.SendRepositoryInterface
	Scheduler     *BroadcastScheduler
	Log           *zap.SugaredLogger
}

type BroadcastDetails struct {
	*model.Broadcast
	Stats map[string]int `json:"stats"`
}

func (s *BroadcastService) get(ctx context.Context, teamID, broadcastID string) (*model.Broadcast, error) {
	b, err := s.BroadcastRepo.GetByID(ctx, broadcastID)
	if err != nil {
		return nil, err
	}
	if b.TeamID != teamID {
		return nil, appErrors.NewNotFound("broadcast", broadcastID)
	}
	return b, nil
}

// Send queues a draft broadcast. Planning happens later, at or after SendAt.
// The status is written before the planning job exists, since the job may run
// as soon as it is enqueued.
func (s *BroadcastService) Send(ctx context.Context, teamID, broadcastID string) (*model.Broadcast, error) {
	b, err := s.get(ctx, teamID, broadcastID)
	if err != nil {
		return nil, err
	}
	if b.Status != model.BroadcastStatusDraft {
		return nil, appErrors.NewValidation("status", "Only draft broadcasts can be sent.")
	}

	if err := s.BroadcastRepo.UpdateStatus(ctx, b.ID, model.BroadcastStatusQueuedForSending); err != nil {
		return nil, err
	}
	b.Status = model.BroadcastStatusQueuedForSending

	if err := s.Scheduler.Schedule(ctx, b); err != nil {
		if rerr := s.BroadcastRepo.UpdateStatus(context.WithoutCancel(ctx), b.ID, model.BroadcastStatusDraft); rerr != nil {
			s.Log.Errorw("failed to return broadcast to draft", "broadcast_id", b.ID, "error", rerr)
		}
		return nil, err
	}
	return b, nil
}

// GetDetailsWithStats returns a broadcast with its Send counts by status.
func (s *BroadcastService) GetDetailsWithStats(ctx context.Context, teamID, broadcastID string) (*BroadcastDetails, error) {
	b, err := s.get(ctx, teamID, broadcastID)
	if err != nil {
		return nil, err
	}

	counts, err := s.SendRepo.CountByStatus(ctx, b.ID)
	if err != nil {
		s.Log.Errorw("failed to count sends", "broadcast_id", b.ID, "error", err)
		return nil, err
	}

	stats := map[string]int{"total": 0, "queued": 0, "sent": 0, "failed": 0}
	for status, n := range counts {
		switch status {
		case model.SendStatusQueued:
			stats["queued"] = n
		case model.SendStatusSent:
			stats["sent"] = n
		case model.SendStatusFailed:
			stats["failed"] = n
		}
		stats["total"] += n
	}

	return &BroadcastDetails{Broadcast: b, Stats: stats}, nil
}
