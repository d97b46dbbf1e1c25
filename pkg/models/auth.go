package models

// LoginRequest is the credential payload of POST /auth/login/
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse carries the issued token pair. Role is only present on
// backends that issue it authoritatively.
type LoginResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	Role    string `json:"role,omitempty"`
}

// RegisterRequest is the payload of POST /auth/register/{host|renter}/
type RegisterRequest struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// RegisterResponse is returned by both registration endpoints
type RegisterResponse struct {
	Message  string `json:"message"`
	RenterID string `json:"renter_id,omitempty"`
	HostID   string `json:"host_id,omitempty"`
	Access   string `json:"access"`
	Refresh  string `json:"refresh"`
}

// RefreshRequest is the payload of POST /auth/refresh/
type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// RefreshResponse carries the new access token. Refresh is set only when
// the backend rotates refresh tokens.
type RefreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// HeartbeatResponse acknowledges a host agent heartbeat
type HeartbeatResponse struct {
	Message  string `json:"message"`
	LastSeen string `json:"last_seen,omitempty"`
}
