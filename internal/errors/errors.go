// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError is returned when a mailer, team or broadcast does not exist
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

func NewNotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// FieldError is a single invalid input
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError means the caller can fix the input and retry.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func NewValidation(field, message string) error {
	return &ValidationError{Errors: []FieldError{{Field: field, Message: message}}}
}

// ProvisioningError means the provider side setup failed or could not be confirmed.
// Compensating cleanup has already run when this is returned.
type ProvisioningError struct {
	Reason string
	Err    error
}

func (e *ProvisioningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provisioning failed: %s: %v", e.Reason, e.Err)
	}
	return "provisioning failed: " + e.Reason
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

func NewProvisioning(reason string, err error) error {
	return &ProvisioningError{Reason: reason, Err: err}
}

// QuotaUnavailableError is the scheduler's backpressure signal: the mailer lost provider access.
type QuotaUnavailableError struct {
	MailerID string
}

func (e *QuotaUnavailableError) Error() string {
	return fmt.Sprintf("send quota unavailable for mailer %s", e.MailerID)
}

func NewQuotaUnavailable(mailerID string) error {
	return &QuotaUnavailableError{MailerID: mailerID}
}

// InvalidStateError is a caller error: the entity is not in the status the operation needs.
type InvalidStateError struct {
	Entity   string
	ID       string
	Status   string
	Expected string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is in status %s, expected %s", e.Entity, e.ID, e.Status, e.Expected)
}

func NewInvalidState(entity, id, status, expected string) error {
	return &InvalidStateError{Entity: entity, ID: id, Status: status, Expected: expected}
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsProvisioning(err error) bool {
	var target *ProvisioningError
	return errors.As(err, &target)
}

func IsQuotaUnavailable(err error) bool {
	var target *QuotaUnavailableError
	return errors.As(err, &target)
}

func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}
