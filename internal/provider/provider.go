// Package provider describes what the mailer state machine needs from an email
// sending provider. Each provider kind has its own implementation.
package provider

import (
	"context"

	"github.com/unclebandit/broadcast-mailer/internal/model"
	"github.com/unclebandit/broadcast-mailer/internal/secret"
)

type SendQuota struct {
	Max24Hour        float64
	MaxRatePerSecond float64
	SentLast24Hours  float64
	SendingEnabled   bool
}

type TopicRef struct {
	Name string
	ARN  string
}

type Subscription struct {
	ARN      string
	Endpoint string
}

// Pending reports whether the subscribed endpoint has not confirmed yet.
func (s Subscription) Pending() bool {
	return s.ARN == "" || s.ARN == PendingConfirmation
}

const PendingConfirmation = "PendingConfirmation"

type IdentityRequest struct {
	Type                 model.IdentityType
	Value                string
	ConfigurationSetName string
	DKIMPrivateKey       secret.Secret
	DKIMSelector         string
}

// Gateway is the capability set over one provider account.
type Gateway interface {
	// CheckAccountAccess is a read-only probe of the permissions the platform needs.
	CheckAccountAccess(ctx context.Context) bool
	GetSendQuota(ctx context.Context) (SendQuota, error)

	CreateTopic(ctx context.Context, name string) (TopicRef, error)
	DeleteTopic(ctx context.Context, ref TopicRef) error
	ListTopics(ctx context.Context) ([]TopicRef, error)
	CreateSubscription(ctx context.Context, ref TopicRef, endpoint string) (Subscription, error)
	ListSubscriptions(ctx context.Context, ref TopicRef) ([]Subscription, error)

	// EnsureEventRouting routes the account's sending events for name to the topic.
	EnsureEventRouting(ctx context.Context, name string, ref TopicRef) error
	RemoveEventRouting(ctx context.Context, name string) error

	CreateIdentity(ctx context.Context, req IdentityRequest) error
	IdentityStatuses(ctx context.Context, values []string) (map[string]model.IdentityStatus, error)
}

// Credentials are the decrypted parts of a mailer configuration a gateway needs.
type Credentials struct {
	AccessKey    secret.Secret
	AccessSecret secret.Secret
	Region       string
}

// Factory builds a gateway for a mailer's provider kind.
type Factory interface {
	Gateway(kind model.MailerProvider, creds Credentials) (Gateway, error)
}
