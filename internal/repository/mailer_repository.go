// internal/repository/mailer_repository.go
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/broadcast-mailer/internal/errors"
	"github.com/unclebandit/broadcast-mailer/internal/model"
)

type MailerRepositoryInterface interface {
	// Mailers
	FindByID(ctx context.Context, id string) (*model.Mailer, error)
	FindByTeamID(ctx context.Context, teamID string) (*model.Mailer, error)
	UpdateStatus(ctx context.Context, id string, status model.MailerStatus) error
	UpdateConfiguration(ctx context.Context, id, encrypted string) error
	MarkInstalled(ctx context.Context, id string, status model.MailerStatus, at time.Time) error
	UpdateQuota(ctx context.Context, id string, maxSendRate, max24HourSend int, sendingEnabled bool) error
	ListForHealthCheck(ctx context.Context) ([]*model.Mailer, error)

	// Identities
	CreateIdentity(ctx context.Context, identity *model.MailerIdentity) error
	ListIdentities(ctx context.Context, mailerID string) ([]*model.MailerIdentity, error)
	UpdateIdentityStatus(ctx context.Context, id string, status model.IdentityStatus) error
}

type MailerRepository struct {
	DB *sql.DB
}

const mailerColumns = `id, team_id, name, provider, configuration, status, sending_enabled,
        max_send_rate, max_24_hour_send, installation_completed_at, created_at, updated_at`

// ====================== Mailers ======================

func (r *MailerRepository) FindByID(ctx context.Context, id string) (*model.Mailer, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+mailerColumns+` FROM mailers WHERE id=$1`, id)
	m, err := scanMailer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("mailer", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find mailer %s: %w", id, err)
	}
	return m, nil
}

func (r *MailerRepository) FindByTeamID(ctx context.Context, teamID string) (*model.Mailer, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+mailerColumns+` FROM mailers WHERE team_id=$1 ORDER BY created_at LIMIT 1`, teamID)
	m, err := scanMailer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("mailer for team", teamID)
	}
	if err != nil {
		return nil, fmt.Errorf("find mailer for team %s: %w", teamID, err)
	}
	return m, nil
}

func (r *MailerRepository) UpdateStatus(ctx context.Context, id string, status model.MailerStatus) error {
	return r.exec(ctx, id, `UPDATE mailers SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
}

func (r *MailerRepository) UpdateConfiguration(ctx context.Context, id, encrypted string) error {
	return r.exec(ctx, id, `UPDATE mailers SET configuration=$1, updated_at=NOW() WHERE id=$2`, encrypted, id)
}

func (r *MailerRepository) MarkInstalled(ctx context.Context, id string, status model.MailerStatus, at time.Time) error {
	return r.exec(ctx, id,
		`UPDATE mailers SET status=$1, installation_completed_at=$2, updated_at=NOW() WHERE id=$3`,
		status, at, id)
}

func (r *MailerRepository) UpdateQuota(ctx context.Context, id string, maxSendRate, max24HourSend int, sendingEnabled bool) error {
	return r.exec(ctx, id, `
        UPDATE mailers
        SET max_send_rate=$1, max_24_hour_send=$2, sending_enabled=$3, updated_at=NOW()
        WHERE id=$4
    `, maxSendRate, max24HourSend, sendingEnabled, id)
}

// ListForHealthCheck returns mailers whose credentials are worth probing.
func (r *MailerRepository) ListForHealthCheck(ctx context.Context) ([]*model.Mailer, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+mailerColumns+` FROM mailers WHERE status IN ($1, $2, $3) ORDER BY id`,
		model.MailerStatusReady, model.MailerStatusDegraded, model.MailerStatusCreatingIdentities)
	if err != nil {
		return nil, fmt.Errorf("list mailers: %w", err)
	}
	defer rows.Close()

	mailers := []*model.Mailer{}
	for rows.Next() {
		m, err := scanMailer(rows)
		if err != nil {
			return nil, err
		}
		mailers = append(mailers, m)
	}
	return mailers, rows.Err()
}

func (r *MailerRepository) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update mailer %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.NewNotFound("mailer", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMailer(s scanner) (*model.Mailer, error) {
	var (
		m                      model.Mailer
		maxRate, max24         sql.NullInt64
		installedAt, updatedAt sql.NullTime
	)
	err := s.Scan(&m.ID, &m.TeamID, &m.Name, &m.Provider, &m.Configuration, &m.Status, &m.SendingEnabled,
		&maxRate, &max24, &installedAt, &m.CreatedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if maxRate.Valid {
		v := int(maxRate.Int64)
		m.MaxSendRate = &v
	}
	if max24.Valid {
		v := int(max24.Int64)
		m.Max24HourSend = &v
	}
	if installedAt.Valid {
		m.InstallationCompletedAt = &installedAt.Time
	}
	if updatedAt.Valid {
		m.UpdatedAt = &updatedAt.Time
	}
	return &m, nil
}

// ====================== Identities ======================

func (r *MailerRepository) CreateIdentity(ctx context.Context, identity *model.MailerIdentity) error {
	var configuration sql.NullString
	if identity.Configuration != nil {
		b, err := json.Marshal(identity.Configuration)
		if err != nil {
			return err
		}
		configuration = sql.NullString{String: string(b), Valid: true}
	}
	identity.CreatedAt = time.Now()

	query := `
        INSERT INTO mailer_identities (id, mailer_id, type, value, status, configuration, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `
	_, err := r.DB.ExecContext(ctx, query, identity.ID, identity.MailerID, identity.Type, identity.Value,
		identity.Status, configuration, identity.CreatedAt)
	if err != nil {
		return fmt.Errorf("create identity %s: %w", identity.Value, err)
	}
	return nil
}

func (r *MailerRepository) ListIdentities(ctx context.Context, mailerID string) ([]*model.MailerIdentity, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, mailer_id, type, value, status, configuration, created_at
        FROM mailer_identities WHERE mailer_id=$1 ORDER BY created_at
    `, mailerID)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	identities := []*model.MailerIdentity{}
	for rows.Next() {
		var (
			i             model.MailerIdentity
			configuration []byte
		)
		if err := rows.Scan(&i.ID, &i.MailerID, &i.Type, &i.Value, &i.Status, &configuration, &i.CreatedAt); err != nil {
			return nil, err
		}
		if len(configuration) > 0 {
			i.Configuration = &model.IdentityConfiguration{}
			if err := json.Unmarshal(configuration, i.Configuration); err != nil {
				return nil, fmt.Errorf("identity %s configuration: %w", i.ID, err)
			}
		}
		identities = append(identities, &i)
	}
	return identities, rows.Err()
}

func (r *MailerRepository) UpdateIdentityStatus(ctx context.Context, id string, status model.IdentityStatus) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE mailer_identities SET status=$1 WHERE id=$2`, status, id)
	return err
}

var _ MailerRepositoryInterface = (*MailerRepository)(nil)
