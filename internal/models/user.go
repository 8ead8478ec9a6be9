package models

import (
	"time"

	"github.com/google/uuid"
)

// Plan tiers.
const (
	PlanFree   = "free"
	PlanPro    = "pro"
	PlanStudio = "studio"
)

type User struct {
	ID            uuid.UUID  `json:"id"`
	ExternalID    string     `json:"-"`
	Email         string     `json:"email"`
	DisplayName   string     `json:"display_name"`
	IsAdmin       bool       `json:"is_admin"`
	Plan          string     `json:"plan"`
	CreditBalance int        `json:"credit_balance"`
	DeletedAt     *time.Time `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Active reports whether the user has not been soft-deleted.
func (u *User) Active() bool { return u.DeletedAt == nil }
