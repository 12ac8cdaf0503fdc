// internal/model/contact.go
package model

type Contact struct {
	ID         string `db:"id" json:"id"`
	AudienceID string `db:"audience_id" json:"audience_id"`
	Email      string `db:"email" json:"email"`
	FirstName  string `db:"first_name" json:"first_name"`
	LastName   string `db:"last_name" json:"last_name"`
}
