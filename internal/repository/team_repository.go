package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	appErrors "github.com/unclebandit/broadcast-mailer/internal/errors"
	"github.com/unclebandit/broadcast-mailer/internal/model"
)

// TeamRepositoryInterface defines methods used by the mailer service
type TeamRepositoryInterface interface {
	FindByID(ctx context.Context, id string) (*model.Team, error)
}

// TeamRepository is the concrete implementation
type TeamRepository struct {
	DB *sql.DB
}

// FindByID fetches a team with its encrypted configuration key
func (r *TeamRepository) FindByID(ctx context.Context, id string) (*model.Team, error) {
	query := `
        SELECT id, name, configuration_key
        FROM teams
        WHERE id = $1
    `
	var t model.Team
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Name, &t.ConfigurationKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("team", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find team %s: %w", id, err)
	}
	return &t, nil
}

var _ TeamRepositoryInterface = (*TeamRepository)(nil)
