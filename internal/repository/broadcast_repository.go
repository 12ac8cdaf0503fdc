// internal/repository/broadcast_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	appErrors "github.com/unclebandit/broadcast-mailer/internal/errors"
	"github.com/unclebandit/broadcast-mailer/internal/model"
)

// ErrPlanningLocked is returned when another planner holds the broadcast's lock.
var ErrPlanningLocked = errors.New("broadcast planning already in progress")

type BroadcastRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Broadcast, error)
	UpdateStatus(ctx context.Context, id string, status model.BroadcastStatus) error
	// WithPlanningLock runs fn while holding an exclusive per-broadcast lock.
	WithPlanningLock(ctx context.Context, id string, fn func(ctx context.Context) error) error
}

type BroadcastRepository struct {
	DB *sql.DB
}

func (r *BroadcastRepository) GetByID(ctx context.Context, id string) (*model.Broadcast, error) {
	query := `
        SELECT id, team_id, audience_id, name, status, is_ab_test, subject, from_name, from_email,
               reply_to, content_html, content_text, send_at, cancel_requested_at, created_at, updated_at
        FROM broadcasts WHERE id=$1
    `
	var (
		b                           model.Broadcast
		replyTo                     sql.NullString
		sendAt, cancelAt, updatedAt sql.NullTime
	)
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&b.ID, &b.TeamID, &b.AudienceID, &b.Name, &b.Status, &b.IsAbTest, &b.Subject, &b.FromName, &b.FromEmail,
		&replyTo, &b.ContentHTML, &b.ContentText, &sendAt, &cancelAt, &b.CreatedAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("broadcast", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get broadcast %s: %w", id, err)
	}

	b.ReplyTo = replyTo.String
	if sendAt.Valid {
		b.SendAt = &sendAt.Time
	}
	if cancelAt.Valid {
		b.CancelRequestedAt = &cancelAt.Time
	}
	if updatedAt.Valid {
		b.UpdatedAt = &updatedAt.Time
	}
	return &b, nil
}

func (r *BroadcastRepository) UpdateStatus(ctx context.Context, id string, status model.BroadcastStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE broadcasts SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	if err != nil {
		return fmt.Errorf("update broadcast %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.NewNotFound("broadcast", id)
	}
	return nil
}

// WithPlanningLock takes a session advisory lock on a dedicated connection so the
// lock and its release happen on the same backend.
func (r *BroadcastRepository) WithPlanningLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("planning lock connection: %w", err)
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, id).Scan(&acquired); err != nil {
		return fmt.Errorf("acquire planning lock: %w", err)
	}
	if !acquired {
		return ErrPlanningLocked
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, id)

	return fn(ctx)
}

var _ BroadcastRepositoryInterface = (*BroadcastRepository)(nil)
