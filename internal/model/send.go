// internal/model/send.go
package model

import "time"

type SendStatus string

const (
	SendStatusQueued SendStatus = "QUEUED"
	SendStatusSent   SendStatus = "SENT"
	SendStatusFailed SendStatus = "FAILED"
)

// Send marks that a contact was scheduled for a broadcast. One row per (contact, broadcast).
type Send struct {
	ID          string     `db:"id" json:"id"`
	BroadcastID string     `db:"broadcast_id" json:"broadcast_id"`
	ContactID   string     `db:"contact_id" json:"contact_id"`
	Status      SendStatus `db:"status" json:"status"`
	LastError   string     `db:"last_error,omitempty" json:"last_error,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}
