// internal/model/team.go
package model

// Team owns a mailer. ConfigurationKey is the per-team key encrypted under APP_KEY.
type Team struct {
	ID               string `db:"id" json:"id"`
	Name             string `db:"name" json:"name"`
	ConfigurationKey string `db:"configuration_key" json:"-"`
}
