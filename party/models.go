package party

import "time"

type Role string

const (
	// RoleOperator may mint records and exercise custody operations.
	RoleOperator Role = "operator"
	// RoleObserver may read records and deposit envelopes only.
	RoleObserver Role = "observer"
)

// Party is the domain representation of a registry participant. Its ID is
// the authenticated caller identity every custody and envelope operation
// compares against stored creator/custodian fields.
type Party struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains participant registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains participant login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
