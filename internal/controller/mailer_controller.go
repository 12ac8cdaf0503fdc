// internal/controller/mailer_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/broadcast-mailer/internal/errors"
	"github.com/unclebandit/broadcast-mailer/internal/model"
	"github.com/unclebandit/broadcast-mailer/internal/secret"
	"github.com/unclebandit/broadcast-mailer/internal/service"
)

// MailerOperations is the part of service.MailerService the HTTP surface uses.
type MailerOperations interface {
	Get(ctx context.Context, teamID, mailerID string) (*model.Mailer, error)
	Install(ctx context.Context, mailerID string) (bool, error)
	Reconnect(ctx context.Context, mailerID string, next service.MailerConfiguration) error
	CheckCredentialHealth(ctx context.Context, mailerID string) (bool, error)
	CreateIdentity(ctx context.Context, mailerID string, kind model.IdentityType, value string) (*model.MailerIdentity, error)
	SyncIdentities(ctx context.Context, mailerID string) ([]*model.MailerIdentity, error)
}

var _ MailerOperations = (*service.MailerService)(nil)

type MailerController struct {
	MailerService MailerOperations
	TeamHeader    string
	Log           *zap.SugaredLogger
}

func (c *MailerController) Routes(r chi.Router) {
	r.Get("/mailers/{mailerId}", c.GetMailer)
	r.Post("/mailers/{mailerId}/install", c.InstallMailer)
	r.Patch("/mailers/{mailerId}/reconnect", c.ReconnectMailer)
	r.Post("/mailers/{mailerId}/health", c.CheckHealth)
	r.Post("/mailers/{mailerId}/identities", c.CreateIdentity)
	r.Post("/mailers/{mailerId}/identities/sync", c.SyncIdentities)
}

// owned resolves the mailer in the URL for the acting team.
func (c *MailerController) owned(w http.ResponseWriter, r *http.Request) (*model.Mailer, bool) {
	team, ok := teamID(w, r, c.TeamHeader)
	if !ok {
		return nil, false
	}
	mailer, err := c.MailerService.Get(r.Context(), team, chi.URLParam(r, "mailerId"))
	if err != nil {
		writeError(w, c.Log, err)
		return nil, false
	}
	return mailer, true
}

func (c *MailerController) GetMailer(w http.ResponseWriter, r *http.Request) {
	mailer, ok := c.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, mailer)
}

func (c *MailerController) InstallMailer(w http.ResponseWriter, r *http.Request) {
	mailer, ok := c.owned(w, r)
	if !ok {
		return
	}
	c.install(w, r, mailer.ID)
}

func (c *MailerController) install(w http.ResponseWriter, r *http.Request, mailerID string) {
	installed, err := c.MailerService.Install(r.Context(), mailerID)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	if !installed {
		writeError(w, c.Log, appErrors.NewValidation("configuration.accessKey",
			"The provided credentials cannot access the provider account. Check the key permissions and try again."))
		return
	}

	c.Log.Infow("mailer installed via api", "mailer_id", mailerID)
	mailer, err := c.MailerService.Get(r.Context(), r.Header.Get(c.TeamHeader), mailerID)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, mailer)
}

type reconnectRequest struct {
	Configuration struct {
		AccessKey     string `json:"accessKey"`
		AccessSecret  string `json:"accessSecret"`
		Region        string `json:"region"`
		Domain        string `json:"domain"`
		Email         string `json:"email"`
		DefaultSender string `json:"defaultSender"`
	} `json:"configuration"`
}

// ReconnectMailer swaps the credentials and reinstalls with them.
func (c *MailerController) ReconnectMailer(w http.ResponseWriter, r *http.Request) {
	mailer, ok := c.owned(w, r)
	if !ok {
		return
	}

	var body reconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid body")
		return
	}
	next := service.MailerConfiguration{
		AccessKey:     secret.New(body.Configuration.AccessKey),
		AccessSecret:  secret.New(body.Configuration.AccessSecret),
		Region:        body.Configuration.Region,
		Domain:        body.Configuration.Domain,
		Email:         body.Configuration.Email,
		DefaultSender: body.Configuration.DefaultSender,
	}
	if err := c.MailerService.Reconnect(r.Context(), mailer.ID, next); err != nil {
		writeError(w, c.Log, err)
		return
	}
	c.install(w, r, mailer.ID)
}

func (c *MailerController) CheckHealth(w http.ResponseWriter, r *http.Request) {
	mailer, ok := c.owned(w, r)
	if !ok {
		return
	}
	healthy, err := c.MailerService.CheckCredentialHealth(r.Context(), mailer.ID)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	current, err := c.MailerService.Get(r.Context(), mailer.TeamID, mailer.ID)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": healthy,
		"status":  current.Status,
	})
}

func (c *MailerController) CreateIdentity(w http.ResponseWriter, r *http.Request) {
	mailer, ok := c.owned(w, r)
	if !ok {
		return
	}

	var body struct {
		Type  model.IdentityType `json:"type"`
		Value string             `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid body")
		return
	}

	identity, err := c.MailerService.CreateIdentity(r.Context(), mailer.ID, body.Type, body.Value)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

func (c *MailerController) SyncIdentities(w http.ResponseWriter, r *http.Request) {
	mailer, ok := c.owned(w, r)
	if !ok {
		return
	}
	identities, err := c.MailerService.SyncIdentities(r.Context(), mailer.ID)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": identities})
}
