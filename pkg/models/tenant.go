package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents an account. Every job belongs to a tenant, and the tenant
// is the identity the rate limiter meters.
type Tenant struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
