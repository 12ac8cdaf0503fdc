// internal/model/broadcast.go
package model

import "time"

type BroadcastStatus string

const (
	BroadcastStatusDraft            BroadcastStatus = "DRAFT"
	BroadcastStatusQueuedForSending BroadcastStatus = "QUEUED_FOR_SENDING"
	BroadcastStatusSending          BroadcastStatus = "SENDING"
	BroadcastStatusCompleted        BroadcastStatus = "COMPLETED"
	BroadcastStatusFailed           BroadcastStatus = "FAILED"
)

type Broadcast struct {
	ID                string          `db:"id" json:"id"`
	TeamID            string          `db:"team_id" json:"team_id"`
	AudienceID        string          `db:"audience_id" json:"audience_id"`
	Name              string          `db:"name" json:"name"`
	Status            BroadcastStatus `db:"status" json:"status"`
	IsAbTest          bool            `db:"is_ab_test" json:"is_ab_test"`
	Subject           string          `db:"subject" json:"subject"`
	FromName          string          `db:"from_name" json:"from_name"`
	FromEmail         string          `db:"from_email" json:"from_email"`
	ReplyTo           string          `db:"reply_to" json:"reply_to,omitempty"`
	ContentHTML       string          `db:"content_html" json:"-"`
	ContentText       string          `db:"content_text" json:"-"`
	SendAt            *time.Time      `db:"send_at" json:"send_at,omitempty"`
	CancelRequestedAt *time.Time      `db:"cancel_requested_at" json:"cancel_requested_at,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         *time.Time      `db:"updated_at" json:"updated_at,omitempty"`
}
