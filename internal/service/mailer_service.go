// internal/service/mailer_service.go
package service

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/broadcast-mailer/internal/errors"
	"github.com/unclebandit/broadcast-mailer/internal/metrics"
	"github.com/unclebandit/broadcast-mailer/internal/model"
	"github.com/unclebandit/broadcast-mailer/internal/provider"
	"github.com/unclebandit/broadcast-mailer/internal/repository"
	"github.com/unclebandit/broadcast-mailer/internal/secret"
)

// MailerService owns the mailer lifecycle. It is the only writer of mailer
// status and configuration.
type MailerService struct {
	MailerRepo repository.MailerRepositoryInterface
	TeamRepo   repository.TeamRepositoryInterface
	Gateways   provider.Factory
	Keyring    *secret.Keyring

	// ShortName prefixes provider resources and is the DKIM selector.
	ShortName string
	// WebhookEndpoint is where the provider topic delivers notifications.
	WebhookEndpoint string

	Confirm RetryPolicy
	Sleeper Sleeper
	// InstallTimeout is how long a mailer may sit in INSTALLING before another
	// install may take it over.
	InstallTimeout time.Duration
	Now            func() time.Time
	Log            *zap.SugaredLogger
}

const (
	defaultInstallTimeout = 5 * time.Minute
	cleanupTimeout        = 30 * time.Second
)

// mailerContext is everything an operation needs about one mailer.
type mailerContext struct {
	mailer *model.Mailer
	team   *model.Team
	enc    *secret.Encryption
	conf   MailerConfiguration
}

func (s *MailerService) load(ctx context.Context, mailerID string) (*mailerContext, error) {
	mailer, err := s.MailerRepo.FindByID(ctx, mailerID)
	if err != nil {
		return nil, err
	}
	team, err := s.TeamRepo.FindByID(ctx, mailer.TeamID)
	if err != nil {
		return nil, err
	}
	enc, err := s.Keyring.ForTeam(team.ConfigurationKey)
	if err != nil {
		return nil, fmt.Errorf("team %s key: %w", team.ID, err)
	}
	conf, err := DecryptConfiguration(enc, mailer.Configuration)
	if err != nil {
		return nil, err
	}
	return &mailerContext{mailer: mailer, team: team, enc: enc, conf: conf}, nil
}

// Get returns the mailer when it belongs to teamID.
func (s *MailerService) Get(ctx context.Context, teamID, mailerID string) (*model.Mailer, error) {
	mailer, err := s.MailerRepo.FindByID(ctx, mailerID)
	if err != nil {
		return nil, err
	}
	if mailer.TeamID != teamID {
		return nil, appErrors.NewNotFound("mailer", mailerID)
	}
	return mailer, nil
}

// ResourceName names the topic and configuration set of a mailer.
func (s *MailerService) ResourceName(mailerID string) string {
	return s.ShortName + "_" + mailerID
}

func (s *MailerService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *MailerService) setStatus(ctx context.Context, m *model.Mailer, to model.MailerStatus) error {
	from := m.Status
	if err := s.MailerRepo.UpdateStatus(ctx, m.ID, to); err != nil {
		return err
	}
	m.Status = to
	metrics.MailerStatusTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.Log.Infow("mailer status changed", "mailer_id", m.ID, "from", from, "to", to)
	return nil
}

// Install provisions the provider side of a mailer: capability probe, topic,
// event routing and a confirmed webhook subscription. It returns false without
// touching the mailer when the credentials fail the probe.
func (s *MailerService) Install(ctx context.Context, mailerID string) (bool, error) {
	mc, err := s.load(ctx, mailerID)
	if err != nil {
		return false, err
	}
	m := mc.mailer

	if m.Status == model.MailerStatusInstalling && !s.installStale(m) {
		return false, appErrors.NewInvalidState("mailer", m.ID, string(m.Status), "not "+string(model.MailerStatusInstalling))
	}
	if err := s.validateInstall(mc.conf); err != nil {
		return false, err
	}

	gw, err := s.Gateways.Gateway(m.Provider, mc.conf.credentials())
	if err != nil {
		return false, appErrors.NewValidation("provider", err.Error())
	}
	if !gw.CheckAccountAccess(ctx) {
		s.Log.Warnw("mailer credentials failed capability probe", "mailer_id", m.ID)
		return false, nil
	}

	previous := m.Status
	if previous == model.MailerStatusInstalling {
		s.Log.Warnw("taking over stale install", "mailer_id", m.ID, "since", m.UpdatedAt)
		previous = model.MailerStatusFailed
	}
	if err := s.setStatus(ctx, m, model.MailerStatusInstalling); err != nil {
		return false, err
	}

	name := s.ResourceName(m.ID)
	topic, err := gw.CreateTopic(ctx, name)
	if err != nil {
		return false, s.abortInstall(ctx, m, previous, appErrors.NewProvisioning("create topic", err))
	}

	confirmed, err := s.provision(ctx, gw, name, topic)
	if err != nil {
		s.compensate(ctx, gw, m.ID, name, topic)
		return false, s.abortInstall(ctx, m, previous, err)
	}
	if !confirmed {
		s.compensate(ctx, gw, m.ID, name, topic)
		return false, s.abortInstall(ctx, m, model.MailerStatusFailed, appErrors.NewProvisioning("subscription not confirmed", nil))
	}

	if err := s.MailerRepo.MarkInstalled(ctx, m.ID, model.MailerStatusCreatingIdentities, s.now()); err != nil {
		s.compensate(ctx, gw, m.ID, name, topic)
		return false, s.abortInstall(ctx, m, previous, err)
	}
	metrics.MailerStatusTransitions.WithLabelValues(string(m.Status), string(model.MailerStatusCreatingIdentities)).Inc()
	s.Log.Infow("mailer installed", "mailer_id", m.ID, "topic", topic.ARN)

	s.refreshQuota(ctx, gw, m.ID)
	return true, nil
}

// installStale reports whether an INSTALLING mailer has been stuck there longer
// than InstallTimeout.
func (s *MailerService) installStale(m *model.Mailer) bool {
	if m.UpdatedAt == nil {
		return true
	}
	timeout := s.InstallTimeout
	if timeout <= 0 {
		timeout = defaultInstallTimeout
	}
	return s.now().Sub(*m.UpdatedAt) > timeout
}

func (s *MailerService) validateInstall(conf MailerConfiguration) error {
	verr := &appErrors.ValidationError{}
	if conf.Region == "" {
		verr.Errors = append(verr.Errors, appErrors.FieldError{Field: "configuration.region", Message: "Region is not defined for this mailer."})
	}
	if !conf.hasSendingIdentity() {
		verr.Errors = append(verr.Errors, appErrors.FieldError{Field: "configuration.domain", Message: "A sending domain or email is required."})
	}
	if s.WebhookEndpoint == "" {
		verr.Errors = append(verr.Errors, appErrors.FieldError{Field: "APP_URL", Message: "Application URL is not configured."})
	}
	if len(verr.Errors) > 0 {
		return verr
	}
	return nil
}

// provision routes events to the topic and subscribes the webhook, then polls
// for the subscription to leave pending confirmation.
func (s *MailerService) provision(ctx context.Context, gw provider.Gateway, name string, topic provider.TopicRef) (bool, error) {
	if err := gw.EnsureEventRouting(ctx, name, topic); err != nil {
		return false, appErrors.NewProvisioning("event routing", err)
	}
	if _, err := gw.CreateSubscription(ctx, topic, s.WebhookEndpoint); err != nil {
		return false, appErrors.NewProvisioning("create subscription", err)
	}

	policy := s.Confirm
	if policy.Attempts == 0 {
		policy = DefaultConfirmPolicy
	}
	sleeper := s.Sleeper
	if sleeper == nil {
		sleeper = RealSleeper
	}

	return policy.Poll(ctx, sleeper, func(ctx context.Context) (bool, error) {
		subs, err := gw.ListSubscriptions(ctx, topic)
		if err != nil {
			return false, appErrors.NewProvisioning("list subscriptions", err)
		}
		for _, sub := range subs {
			if sub.Endpoint == s.WebhookEndpoint && !sub.Pending() {
				return true, nil
			}
		}
		return false, nil
	})
}

// cleanupContext survives cancellation of ctx and is bounded by cleanupTimeout.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

// compensate removes what install created. Failures are logged, not returned.
func (s *MailerService) compensate(ctx context.Context, gw provider.Gateway, mailerID, name string, topic provider.TopicRef) {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()

	if err := gw.RemoveEventRouting(ctx, name); err != nil {
		s.Log.Errorw("cleanup: remove event routing failed", "mailer_id", mailerID, "error", err)
	}
	if err := gw.DeleteTopic(ctx, topic); err != nil {
		s.Log.Errorw("cleanup: delete topic failed", "mailer_id", mailerID, "topic", topic.ARN, "error", err)
	}
}

func (s *MailerService) abortInstall(ctx context.Context, m *model.Mailer, to model.MailerStatus, cause error) error {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()

	if err := s.setStatus(ctx, m, to); err != nil {
		s.Log.Errorw("failed to reset mailer status after install failure", "mailer_id", m.ID, "error", err)
	}
	s.Log.Warnw("mailer install failed", "mailer_id", m.ID, "error", cause)
	return cause
}

func (s *MailerService) refreshQuota(ctx context.Context, gw provider.Gateway, mailerID string) {
	quota, err := gw.GetSendQuota(ctx)
	if err != nil {
		s.Log.Warnw("reading send quota failed", "mailer_id", mailerID, "error", err)
		return
	}
	if err := s.MailerRepo.UpdateQuota(ctx, mailerID, int(quota.MaxRatePerSecond), int(quota.Max24Hour), quota.SendingEnabled); err != nil {
		s.Log.Warnw("storing send quota failed", "mailer_id", mailerID, "error", err)
	}
}

// Reconnect replaces the credentials of a mailer. The region is fixed for the
// life of a mailer and a sending identity may not be dropped.
func (s *MailerService) Reconnect(ctx context.Context, mailerID string, next MailerConfiguration) error {
	mc, err := s.load(ctx, mailerID)
	if err != nil {
		return err
	}

	verr := &appErrors.ValidationError{}
	if next.Region != mc.conf.Region {
		verr.Errors = append(verr.Errors, appErrors.FieldError{
			Field:   "configuration.region",
			Message: "Cannot update region when reconnecting. To change the region of your mailer, please create a new mailer instead.",
		})
	}
	if mc.conf.hasSendingIdentity() && !next.hasSendingIdentity() {
		verr.Errors = append(verr.Errors, appErrors.FieldError{Field: "configuration.domain", Message: "A sending domain or email is required."})
	}
	if next.AccessKey.IsEmpty() || next.AccessSecret.IsEmpty() {
		verr.Errors = append(verr.Errors, appErrors.FieldError{Field: "configuration.accessKey", Message: "Access key and secret are required."})
	}
	if len(verr.Errors) > 0 {
		return verr
	}

	encrypted, err := EncryptConfiguration(mc.enc, next)
	if err != nil {
		return err
	}
	if err := s.MailerRepo.UpdateConfiguration(ctx, mailerID, encrypted); err != nil {
		return err
	}
	s.Log.Infow("mailer credentials replaced", "mailer_id", mailerID)
	return nil
}

// CheckCredentialHealth probes the provider with the stored credentials and
// moves READY to DEGRADED on failure, DEGRADED to READY on success. Provider
// errors count as unhealthy and are never returned.
func (s *MailerService) CheckCredentialHealth(ctx context.Context, mailerID string) (bool, error) {
	mc, err := s.load(ctx, mailerID)
	if err != nil {
		return false, err
	}
	m := mc.mailer

	healthy := false
	gw, err := s.Gateways.Gateway(m.Provider, mc.conf.credentials())
	if err != nil {
		s.Log.Warnw("no gateway for mailer", "mailer_id", m.ID, "error", err)
	} else {
		healthy = gw.CheckAccountAccess(ctx)
	}

	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	metrics.MailerHealthChecks.WithLabelValues(result).Inc()

	switch {
	case !healthy && m.Status == model.MailerStatusReady:
		if err := s.setStatus(ctx, m, model.MailerStatusDegraded); err != nil {
			return healthy, err
		}
	case healthy && m.Status == model.MailerStatusDegraded:
		if err := s.setStatus(ctx, m, model.MailerStatusReady); err != nil {
			return healthy, err
		}
	}

	if healthy {
		s.refreshQuota(ctx, gw, m.ID)
	}
	return healthy, nil
}

// EffectiveQuota is the messages per second the scheduler may plan for. It is
// read fresh on every call.
func (s *MailerService) EffectiveQuota(ctx context.Context, mailerID string) (int, error) {
	m, err := s.MailerRepo.FindByID(ctx, mailerID)
	if err != nil {
		return 0, err
	}
	return quotaOf(m)
}

func quotaOf(m *model.Mailer) (int, error) {
	if m.Status == model.MailerStatusDegraded {
		return 0, appErrors.NewQuotaUnavailable(m.ID)
	}
	if m.MaxSendRate == nil || *m.MaxSendRate < 1 {
		return 1, nil
	}
	return *m.MaxSendRate, nil
}

// CreateIdentity registers a sender domain or address with the provider.
// Domains get a fresh DKIM key, stored encrypted under the team key.
func (s *MailerService) CreateIdentity(ctx context.Context, mailerID string, kind model.IdentityType, value string) (*model.MailerIdentity, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if err := validateIdentity(kind, value); err != nil {
		return nil, err
	}

	mc, err := s.load(ctx, mailerID)
	if err != nil {
		return nil, err
	}
	gw, err := s.Gateways.Gateway(mc.mailer.Provider, mc.conf.credentials())
	if err != nil {
		return nil, appErrors.NewValidation("provider", err.Error())
	}

	identity := &model.MailerIdentity{
		ID:       uuid.NewString(),
		MailerID: mailerID,
		Type:     kind,
		Value:    value,
		Status:   model.IdentityStatusPending,
	}
	req := provider.IdentityRequest{
		Type:                 kind,
		Value:                value,
		ConfigurationSetName: s.ResourceName(mailerID),
	}

	if kind == model.IdentityTypeDomain {
		privateKey, publicKey, err := dkimKeyPair()
		if err != nil {
			return nil, err
		}
		encryptedKey, err := mc.enc.Encrypt(privateKey)
		if err != nil {
			return nil, err
		}
		identity.Configuration = &model.IdentityConfiguration{PrivateKey: encryptedKey, PublicKey: publicKey}
		req.DKIMPrivateKey = secret.New(privateKey)
		req.DKIMSelector = s.ShortName
	}

	if err := gw.CreateIdentity(ctx, req); err != nil {
		return nil, appErrors.NewProvisioning("create identity", err)
	}
	if err := s.MailerRepo.CreateIdentity(ctx, identity); err != nil {
		return nil, err
	}
	s.Log.Infow("mailer identity created", "mailer_id", mailerID, "type", kind, "value", value)
	return identity, nil
}

func validateIdentity(kind model.IdentityType, value string) error {
	switch kind {
	case model.IdentityTypeEmail:
		if addr, err := mail.ParseAddress(value); err != nil || addr.Address != value {
			return appErrors.NewValidation("value", "Must be a valid email address.")
		}
	case model.IdentityTypeDomain:
		if value == "" || !strings.Contains(value, ".") || strings.ContainsAny(value, "@ /") {
			return appErrors.NewValidation("value", "Must be a valid domain name.")
		}
	default:
		return appErrors.NewValidation("type", "Must be DOMAIN or EMAIL.")
	}
	return nil
}

// SyncIdentities pulls verification status from the provider and promotes a
// freshly installed mailer to READY once an identity is approved.
func (s *MailerService) SyncIdentities(ctx context.Context, mailerID string) ([]*model.MailerIdentity, error) {
	mc, err := s.load(ctx, mailerID)
	if err != nil {
		return nil, err
	}
	identities, err := s.MailerRepo.ListIdentities(ctx, mailerID)
	if err != nil {
		return nil, err
	}
	if len(identities) == 0 {
		return identities, nil
	}

	gw, err := s.Gateways.Gateway(mc.mailer.Provider, mc.conf.credentials())
	if err != nil {
		return nil, appErrors.NewValidation("provider", err.Error())
	}
	values := make([]string, len(identities))
	for i, id := range identities {
		values[i] = id.Value
	}
	statuses, err := gw.IdentityStatuses(ctx, values)
	if err != nil {
		return nil, appErrors.NewProvisioning("identity status", err)
	}

	approved := false
	for _, id := range identities {
		status, ok := statuses[id.Value]
		if ok && status != id.Status {
			if err := s.MailerRepo.UpdateIdentityStatus(ctx, id.ID, status); err != nil {
				return nil, err
			}
			id.Status = status
		}
		if id.Status == model.IdentityStatusApproved {
			approved = true
		}
	}

	m := mc.mailer
	if approved && m.Status == model.MailerStatusCreatingIdentities && m.InstallationCompletedAt != nil {
		if err := s.setStatus(ctx, m, model.MailerStatusReady); err != nil {
			return nil, err
		}
	}
	return identities, nil
}

// SweepHealth probes every installed mailer. Used by the periodic job.
func (s *MailerService) SweepHealth(ctx context.Context) error {
	mailers, err := s.MailerRepo.ListForHealthCheck(ctx)
	if err != nil {
		return err
	}
	for _, m := range mailers {
		if _, err := s.CheckCredentialHealth(ctx, m.ID); err != nil {
			s.Log.Errorw("health check failed", "mailer_id", m.ID, "error", err)
		}
	}
	return nil
}

// SweepIdentities syncs identity verification for mailers still waiting on it.
func (s *MailerService) SweepIdentities(ctx context.Context) error {
	mailers, err := s.MailerRepo.ListForHealthCheck(ctx)
	if err != nil {
		return err
	}
	for _, m := range mailers {
		if m.Status != model.MailerStatusCreatingIdentities {
			continue
		}
		if _, err := s.SyncIdentities(ctx, m.ID); err != nil {
			s.Log.Errorw("identity sync failed", "mailer_id", m.ID, "error", err)
		}
	}
	return nil
}

// TeamQuota is EffectiveQuota for the mailer owned by teamID.
func (s *MailerService) TeamQuota(ctx context.Context, teamID string) (int, error) {
	m, err := s.MailerRepo.FindByTeamID(ctx, teamID)
	if err != nil {
		return 0, err
	}
	return quotaOf(m)
}
