// internal/repository/send_repository.go
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/unclebandit/broadcast-mailer/internal/model"
)

// SendRepositoryInterface covers the audience side of a broadcast: which contacts
// still have no Send row, and the Send rows themselves.
type SendRepositoryInterface interface {
	CountUnsentContacts(ctx context.Context, audienceID, broadcastID string) (int, error)
	// SelectUnsentContactIDs pages by contact id: only ids greater than afterID are returned.
	SelectUnsentContactIDs(ctx context.Context, audienceID, broadcastID, afterID string, limit int) ([]string, error)
	RecordSend(ctx context.Context, contactID, broadcastID string) error
	RecordSends(ctx context.Context, broadcastID string, contactIDs []string) error

	// PendingContacts loads the given contacts minus those already SENT for the broadcast.
	PendingContacts(ctx context.Context, broadcastID string, ids []string) ([]model.Contact, error)
	MarkSendResult(ctx context.Context, broadcastID, contactID string, status model.SendStatus, lastError string) error
	CountByStatus(ctx context.Context, broadcastID string) (map[model.SendStatus]int, error)
}

type SendRepository struct {
	DB *sql.DB
}

func (r *SendRepository) CountUnsentContacts(ctx context.Context, audienceID, broadcastID string) (int, error) {
	query := `
        SELECT COUNT(*)
        FROM contacts c
        LEFT JOIN sends s ON s.contact_id = c.id AND s.broadcast_id = $2
        WHERE c.audience_id = $1 AND s.id IS NULL
    `
	var count int
	if err := r.DB.QueryRowContext(ctx, query, audienceID, broadcastID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unsent contacts: %w", err)
	}
	return count, nil
}

func (r *SendRepository) SelectUnsentContactIDs(ctx context.Context, audienceID, broadcastID, afterID string, limit int) ([]string, error) {
	query := `
        SELECT c.id
        FROM contacts c
        LEFT JOIN sends s ON s.contact_id = c.id AND s.broadcast_id = $2
        WHERE c.audience_id = $1 AND s.id IS NULL AND c.id > $3
        ORDER BY c.id
        LIMIT $4
    `
	rows, err := r.DB.QueryContext(ctx, query, audienceID, broadcastID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("select unsent contacts: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordSend is idempotent per (contact, broadcast).
func (r *SendRepository) RecordSend(ctx context.Context, contactID, broadcastID string) error {
	return r.RecordSends(ctx, broadcastID, []string{contactID})
}

func (r *SendRepository) RecordSends(ctx context.Context, broadcastID string, contactIDs []string) error {
	if len(contactIDs) == 0 {
		return nil
	}
	ids := make([]string, len(contactIDs))
	for i := range ids {
		ids[i] = uuid.NewString()
	}

	query := `
        INSERT INTO sends (id, broadcast_id, contact_id, status, created_at, updated_at)
        SELECT u.id, $1, u.contact_id, $4, NOW(), NOW()
        FROM unnest($2::text[], $3::text[]) AS u(id, contact_id)
        ON CONFLICT (broadcast_id, contact_id) DO NOTHING
    `
	_, err := r.DB.ExecContext(ctx, query, broadcastID, pq.Array(ids), pq.Array(contactIDs), model.SendStatusQueued)
	if err != nil {
		return fmt.Errorf("record sends for broadcast %s: %w", broadcastID, err)
	}
	return nil
}

func (r *SendRepository) PendingContacts(ctx context.Context, broadcastID string, ids []string) ([]model.Contact, error) {
	query := `
        SELECT c.id, c.audience_id, c.email, c.first_name, c.last_name
        FROM contacts c
        LEFT JOIN sends s ON s.contact_id = c.id AND s.broadcast_id = $2
        WHERE c.id = ANY($1) AND (s.status IS NULL OR s.status <> $3)
        ORDER BY c.id
    `
	rows, err := r.DB.QueryContext(ctx, query, pq.Array(ids), broadcastID, model.SendStatusSent)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	defer rows.Close()

	contacts := []model.Contact{}
	for rows.Next() {
		var (
			c                   model.Contact
			firstName, lastName sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.AudienceID, &c.Email, &firstName, &lastName); err != nil {
			return nil, err
		}
		c.FirstName, c.LastName = firstName.String, lastName.String
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// MarkSendResult upserts: a worker may finish a contact before the planner has
// recorded its Send row.
func (r *SendRepository) MarkSendResult(ctx context.Context, broadcastID, contactID string, status model.SendStatus, lastError string) error {
	query := `
        INSERT INTO sends (id, broadcast_id, contact_id, status, last_error, created_at, updated_at)
        VALUES ($1, $2, $3, $4, NULLIF($5, ''), NOW(), NOW())
        ON CONFLICT (broadcast_id, contact_id)
        DO UPDATE SET status = EXCLUDED.status, last_error = EXCLUDED.last_error, updated_at = NOW()
    `
	_, err := r.DB.ExecContext(ctx, query, uuid.NewString(), broadcastID, contactID, status, lastError)
	if err != nil {
		return fmt.Errorf("mark send %s/%s: %w", broadcastID, contactID, err)
	}
	return nil
}

func (r *SendRepository) CountByStatus(ctx context.Context, broadcastID string) (map[model.SendStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM sends WHERE broadcast_id=$1 GROUP BY status`, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[model.SendStatus]int{
		model.SendStatusQueued: 0,
		model.SendStatusSent:   0,
		model.SendStatusFailed: 0,
	}
	for rows.Next() {
		var (
			status model.SendStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

var _ SendRepositoryInterface = (*SendRepository)(nil)
