package session

import "time"

// AuthStatus describes the last known validity of a persisted session.
type AuthStatus string

const (
	AuthUnknown AuthStatus = "unknown"
	AuthValid   AuthStatus = "valid"
	AuthExpired AuthStatus = "expired"
)

// Profile is the persisted authentication state for one service.
// The AuthState blob is opaque to the core: adapters decide what goes in it
// (cookie jars, local-storage snapshots, API tokens).
type Profile struct {
	ServiceID       string     `json:"service_id"`
	AuthState       []byte     `json:"auth_state,omitempty"`
	AuthStatus      AuthStatus `json:"auth_status"`
	LastValidatedAt time.Time  `json:"last_validated_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
