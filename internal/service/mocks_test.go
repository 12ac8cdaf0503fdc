package service_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	appErrors "github.com/unclebandit/broadcast-mailer/internal/errors"
	"github.com/unclebandit/broadcast-mailer/internal/model"
	"github.com/unclebandit/broadcast-mailer/internal/provider"
	"github.com/unclebandit/broadcast-mailer/internal/queue"
	"github.com/unclebandit/broadcast-mailer/internal/repository"
)

// store backs every mock repository so tests can observe one consistent state.
type store struct {
	mu         sync.Mutex
	mailers    map[string]*model.Mailer
	teams      map[string]*model.Team
	identities map[string][]*model.MailerIdentity
	broadcasts map[string]*model.Broadcast
	contacts   []model.Contact
	sends      map[string]map[string]model.SendStatus
	locked     map[string]bool

	mailerStatuses   []model.MailerStatus
	markInstalledErr error
}

func newStore() *store {
	return &store{
		mailers:    map[string]*model.Mailer{},
		teams:      map[string]*model.Team{},
		identities: map[string][]*model.MailerIdentity{},
		broadcasts: map[string]*model.Broadcast{},
		sends:      map[string]map[string]model.SendStatus{},
		locked:     map[string]bool{},
	}
}

func (s *store) addContacts(audienceID string, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.contacts = append(s.contacts, model.Contact{ID: id, AudienceID: audienceID, Email: id + "@example.com"})
	}
	sort.Slice(s.contacts, func(i, j int) bool { return s.contacts[i].ID < s.contacts[j].ID })
}

func (s *store) mailer(id string) model.Mailer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.mailers[id]
}

func (s *store) broadcast(id string) model.Broadcast {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.broadcasts[id]
}

func (s *store) sendStatus(broadcastID, contactID string) (model.SendStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sends[broadcastID][contactID]
	return st, ok
}

// --- Mailer repository ---

type MockMailerRepo struct{ *store }

func (r *MockMailerRepo) FindByID(ctx context.Context, id string) (*model.Mailer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mailers[id]
	if !ok {
		return nil, appErrors.NewNotFound("mailer", id)
	}
	cp := *m
	return &cp, nil
}

func (r *MockMailerRepo) FindByTeamID(ctx context.Context, teamID string) (*model.Mailer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mailers {
		if m.TeamID == teamID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, appErrors.NewNotFound("mailer for team", teamID)
}

func (r *MockMailerRepo) UpdateStatus(ctx context.Context, id string, status model.MailerStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mailers[id].Status = status
	r.mailerStatuses = append(r.mailerStatuses, status)
	return nil
}

func (r *MockMailerRepo) UpdateConfiguration(ctx context.Context, id, encrypted string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mailers[id].Configuration = encrypted
	return nil
}

func (r *MockMailerRepo) MarkInstalled(ctx context.Context, id string, status model.MailerStatus, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markInstalledErr != nil {
		return r.markInstalledErr
	}
	r.mailers[id].Status = status
	r.mailers[id].InstallationCompletedAt = &at
	r.mailerStatuses = append(r.mailerStatuses, status)
	return nil
}

func (r *MockMailerRepo) UpdateQuota(ctx context.Context, id string, maxSendRate, max24HourSend int, sendingEnabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.mailers[id]
	m.MaxSendRate, m.Max24HourSend, m.SendingEnabled = &maxSendRate, &max24HourSend, sendingEnabled
	return nil
}

func (r *MockMailerRepo) ListForHealthCheck(ctx context.Context) ([]*model.Mailer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*model.Mailer{}
	for _, m := range r.mailers {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MockMailerRepo) CreateIdentity(ctx context.Context, identity *model.MailerIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[identity.MailerID] = append(r.identities[identity.MailerID], identity)
	return nil
}

func (r *MockMailerRepo) ListIdentities(ctx context.Context, mailerID string) ([]*model.MailerIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*model.MailerIdentity{}
	for _, id := range r.identities[mailerID] {
		cp := *id
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MockMailerRepo) UpdateIdentityStatus(ctx context.Context, id string, status model.IdentityStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.identities {
		for _, i := range list {
			if i.ID == id {
				i.Status = status
			}
		}
	}
	return nil
}

// --- Team repository ---

type MockTeamRepo struct{ *store }

func (r *MockTeamRepo) FindByID(ctx context.Context, id string) (*model.Team, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.teams[id]
	if !ok {
		return nil, appErrors.NewNotFound("team", id)
	}
	cp := *t
	return &cp, nil
}

// --- Broadcast repository ---

type MockBroadcastRepo struct{ *store }

func (r *MockBroadcastRepo) GetByID(ctx context.Context, id string) (*model.Broadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.broadcasts[id]
	if !ok {
		return nil, appErrors.NewNotFound("broadcast", id)
	}
	cp := *b
	return &cp, nil
}

func (r *MockBroadcastRepo) UpdateStatus(ctx context.Context, id string, status model.BroadcastStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.broadcasts[id]
	if !ok {
		return appErrors.NewNotFound("broadcast", id)
	}
	b.Status = status
	return nil
}

func (r *MockBroadcastRepo) WithPlanningLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	if r.locked[id] {
		r.mu.Unlock()
		return repository.ErrPlanningLocked
	}
	r.locked[id] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.locked, id)
		r.mu.Unlock()
	}()
	return fn(ctx)
}

// --- Send repository ---

type MockSendRepo struct{ *store }

func (r *MockSendRepo) unsent(audienceID, broadcastID string) []model.Contact {
	out := []model.Contact{}
	for _, c := range r.contacts {
		if c.AudienceID != audienceID {
			continue
		}
		if _, ok := r.sends[broadcastID][c.ID]; ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *MockSendRepo) CountUnsentContacts(ctx context.Context, audienceID, broadcastID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unsent(audienceID, broadcastID)), nil
}

func (r *MockSendRepo) SelectUnsentContactIDs(ctx context.Context, audienceID, broadcastID, afterID string, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := []string{}
	for _, c := range r.unsent(audienceID, broadcastID) {
		if c.ID <= afterID {
			continue
		}
		if len(ids) == limit {
			break
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (r *MockSendRepo) RecordSend(ctx context.Context, contactID, broadcastID string) error {
	return r.RecordSends(ctx, broadcastID, []string{contactID})
}

func (r *MockSendRepo) RecordSends(ctx context.Context, broadcastID string, contactIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sends[broadcastID] == nil {
		r.sends[broadcastID] = map[string]model.SendStatus{}
	}
	for _, id := range contactIDs {
		if _, ok := r.sends[broadcastID][id]; !ok {
			r.sends[broadcastID][id] = model.SendStatusQueued
		}
	}
	return nil
}

func (r *MockSendRepo) PendingContacts(ctx context.Context, broadcastID string, ids []string) ([]model.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	out := []model.Contact{}
	for _, c := range r.contacts {
		if want[c.ID] && r.sends[broadcastID][c.ID] != model.SendStatusSent {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *MockSendRepo) MarkSendResult(ctx context.Context, broadcastID, contactID string, status model.SendStatus, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sends[broadcastID] == nil {
		r.sends[broadcastID] = map[string]model.SendStatus{}
	}
	r.sends[broadcastID][contactID] = status
	return nil
}

func (r *MockSendRepo) CountByStatus(ctx context.Context, broadcastID string) (map[model.SendStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[model.SendStatus]int{model.SendStatusQueued: 0, model.SendStatusSent: 0, model.SendStatusFailed: 0}
	for _, st := range r.sends[broadcastID] {
		out[st]++
	}
	return out, nil
}

// --- Queue ---

type enqueued struct {
	queue string
	job   queue.Job
	delay time.Duration
}

type MockQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
	// onEnqueue runs after a job is recorded, outside the lock.
	onEnqueue func(e enqueued)
}

func (q *MockQueue) Enqueue(ctx context.Context, queueName string, job queue.Job, delay time.Duration) error {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return q.err
	}
	e := enqueued{queue: queueName, job: job, delay: delay}
	q.jobs = append(q.jobs, e)
	hook := q.onEnqueue
	q.mu.Unlock()
	if hook != nil {
		hook(e)
	}
	return nil
}

func (q *MockQueue) all() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueued(nil), q.jobs...)
}

// --- Provider gateway ---

type MockGateway struct{ mock.Mock }

func (g *MockGateway) CheckAccountAccess(ctx context.Context) bool {
	return g.Called().Bool(0)
}

func (g *MockGateway) GetSendQuota(ctx context.Context) (provider.SendQuota, error) {
	args := g.Called()
	return args.Get(0).(provider.SendQuota), args.Error(1)
}

func (g *MockGateway) CreateTopic(ctx context.Context, name string) (provider.TopicRef, error) {
	args := g.Called(name)
	return args.Get(0).(provider.TopicRef), args.Error(1)
}

// DeleteTopic and RemoveEventRouting fail on a cancelled context before the
// call is recorded, as the SDK would.
func (g *MockGateway) DeleteTopic(ctx context.Context, ref provider.TopicRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.Called(ref).Error(0)
}

func (g *MockGateway) ListTopics(ctx context.Context) ([]provider.TopicRef, error) {
	args := g.Called()
	return args.Get(0).([]provider.TopicRef), args.Error(1)
}

func (g *MockGateway) CreateSubscription(ctx context.Context, ref provider.TopicRef, endpoint string) (provider.Subscription, error) {
	args := g.Called(ref, endpoint)
	return args.Get(0).(provider.Subscription), args.Error(1)
}

func (g *MockGateway) ListSubscriptions(ctx context.Context, ref provider.TopicRef) ([]provider.Subscription, error) {
	args := g.Called(ref)
	subs, _ := args.Get(0).([]provider.Subscription)
	return subs, args.Error(1)
}

func (g *MockGateway) EnsureEventRouting(ctx context.Context, name string, ref provider.TopicRef) error {
	return g.Called(name, ref).Error(0)
}

func (g *MockGateway) RemoveEventRouting(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.Called(name).Error(0)
}

func (g *MockGateway) CreateIdentity(ctx context.Context, req provider.IdentityRequest) error {
	return g.Called(req).Error(0)
}

func (g *MockGateway) IdentityStatuses(ctx context.Context, values []string) (map[string]model.IdentityStatus, error) {
	args := g.Called(values)
	statuses, _ := args.Get(0).(map[string]model.IdentityStatus)
	return statuses, args.Error(1)
}

type MockFactory struct {
	gw    provider.Gateway
	creds []provider.Credentials
}

func (f *MockFactory) Gateway(kind model.MailerProvider, creds provider.Credentials) (provider.Gateway, error) {
	f.creds = append(f.creds, creds)
	return f.gw, nil
}

// --- Clock ---

type virtualSleeper struct {
	slept []time.Duration
}

func (v *virtualSleeper) Sleep(ctx context.Context, d time.Duration) error {
	v.slept = append(v.slept, d)
	return nil
}

// cancellingSleeper cancels the caller's context on the first wait, like a
// client hanging up mid-install.
type cancellingSleeper struct{ cancel context.CancelFunc }

func (c cancellingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	c.cancel()
	return ctx.Err()
}

var (
	_ repository.MailerRepositoryInterface    = (*MockMailerRepo)(nil)
	_ repository.TeamRepositoryInterface      = (*MockTeamRepo)(nil)
	_ repository.BroadcastRepositoryInterface = (*MockBroadcastRepo)(nil)
	_ repository.SendRepositoryInterface      = (*MockSendRepo)(nil)
	_ provider.Gateway                        = (*MockGateway)(nil)
	_ queue.Queue                             = (*MockQueue)(nil)
)
