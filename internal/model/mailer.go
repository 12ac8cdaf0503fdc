// internal/model/mailer.go
package model

import "time"

type MailerProvider string

const (
	ProviderAWSSES MailerProvider = "AWS_SES"
)

type MailerStatus string

const (
	MailerStatusNew                MailerStatus = "NEW"
	MailerStatusInstalling         MailerStatus = "INSTALLING"
	MailerStatusCreatingIdentities MailerStatus = "CREATING_IDENTITIES"
	MailerStatusReady              MailerStatus = "READY"
	MailerStatusDegraded           MailerStatus = "DEGRADED"
	MailerStatusFailed             MailerStatus = "FAILED"
)

// Mailer is one team's connection to a sending provider account.
// Configuration holds the encrypted MailerConfiguration JSON.
type Mailer struct {
	ID                      string         `db:"id" json:"id"`
	TeamID                  string         `db:"team_id" json:"team_id"`
	Name                    string         `db:"name" json:"name"`
	Provider                MailerProvider `db:"provider" json:"provider"`
	Configuration           string         `db:"configuration" json:"-"`
	Status                  MailerStatus   `db:"status" json:"status"`
	SendingEnabled          bool           `db:"sending_enabled" json:"sending_enabled"`
	MaxSendRate             *int           `db:"max_send_rate" json:"max_send_rate,omitempty"`
	Max24HourSend           *int           `db:"max_24_hour_send" json:"max_24_hour_send,omitempty"`
	InstallationCompletedAt *time.Time     `db:"installation_completed_at" json:"installation_completed_at,omitempty"`
	CreatedAt               time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt               *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

type IdentityType string

const (
	IdentityTypeDomain IdentityType = "DOMAIN"
	IdentityTypeEmail  IdentityType = "EMAIL"
)

type IdentityStatus string

const (
	IdentityStatusPending  IdentityStatus = "PENDING"
	IdentityStatusApproved IdentityStatus = "APPROVED"
	IdentityStatusFailed   IdentityStatus = "FAILED"
)

// MailerIdentity is a sender domain or address under a mailer.
// Configuration is only set for DOMAIN identities and carries the encrypted DKIM key.
type MailerIdentity struct {
	ID            string                 `db:"id" json:"id"`
	MailerID      string                 `db:"mailer_id" json:"mailer_id"`
	Type          IdentityType           `db:"type" json:"type"`
	Value         string                 `db:"value" json:"value"`
	Status        IdentityStatus         `db:"status" json:"status"`
	Configuration *IdentityConfiguration `db:"configuration" json:"-"`
	CreatedAt     time.Time              `db:"created_at" json:"created_at"`
}

type IdentityConfiguration struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}
