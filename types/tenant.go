package types

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents an organizational boundary under which users and
// tasks are scoped and isolated from other organizations.
type Tenant struct {
	// ID is the unique identifier of the tenant.
	ID uuid.UUID `json:"id" db:"id"`

	// Name is the human-readable tenant name.
	Name string `json:"name" db:"name"`

	// Slug is a unique, URL-safe identifier for the tenant.
	Slug string `json:"slug" db:"slug"`

	// Active indicates whether the tenant may be used for login
	// and task operations.
	Active bool `json:"active" db:"active"`

	// CreatedAt is the timestamp at which the tenant was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the tenant.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
