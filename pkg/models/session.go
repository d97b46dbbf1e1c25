package models

// SessionStatus represents the current state of a rental session
type SessionStatus string

const (
	StatusPending   SessionStatus = "PENDING"   // Requested by a renter, waiting for the host agent
	StatusActive    SessionStatus = "ACTIVE"    // Started by the agent, billing
	StatusCompleted SessionStatus = "COMPLETED" // Ended by the renter, billed duration fixed
	StatusCancelled SessionStatus = "CANCELLED" // Cancelled before start, nothing billed
)

// IsTerminal returns true if no transition leaves the status
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Session is a time-bounded grant of one GPU to one renter.
//
// Timestamps are kept as the strings the backend sent; they are parsed by
// the cost projection, which treats unparseable values explicitly.
type Session struct {
	ID         string        `json:"id"`
	GPU        GPU           `json:"gpu"`
	GPUName    string        `json:"gpu_name"`
	Renter     Party         `json:"renter"`
	RenterName string        `json:"renter_name"`
	Host       Party         `json:"host"`
	HostName   string        `json:"host_name"`
	Status     SessionStatus `json:"status"`
	StartTime  string        `json:"start_time"`
	EndTime    string        `json:"end_time,omitempty"`
	TotalCost  Amount        `json:"total_cost"`

	// Connection details, supplied by the host agent on mark_started
	SSHConnectionString string `json:"ssh_connection_string,omitempty"`
	SSHHost             string `json:"ssh_host,omitempty"`
	SSHPort             int    `json:"ssh_port,omitempty"`
	SSHUsername         string `json:"ssh_username,omitempty"`
	SSHPassword         string `json:"ssh_password,omitempty"`
	SessionDuration     string `json:"session_duration,omitempty"`

	// Live metrics reported by the agent
	GPUUtilization    *float64 `json:"gpu_utilization,omitempty"`
	MemoryUtilization *float64 `json:"memory_utilization,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`

	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// IsPending returns true while the session waits for the agent
func (s *Session) IsPending() bool {
	return s.Status == StatusPending
}

// IsActive returns true while the session is billing
func (s *Session) IsActive() bool {
	return s.Status == StatusActive
}

// HasConnection returns true once the agent supplied an SSH endpoint
func (s *Session) HasConnection() bool {
	return s.SSHHost != "" && s.SSHPort > 0
}

// CreateSessionRequest is the request to rent a GPU
type CreateSessionRequest struct {
	GPU string `json:"gpu" validate:"required"`
}

// MarkStartedRequest is sent by the host agent when the resource is ready
type MarkStartedRequest struct {
	SSHPassword string `json:"ssh_password,omitempty"`
	SSHHost     string `json:"ssh_host,omitempty"`
	SSHPort     int    `json:"ssh_port,omitempty" validate:"omitempty,min=1,max=65535"`
	SSHUsername string `json:"ssh_username,omitempty"`
}

// MarkStartedResponse is the acknowledgement of mark_started
type MarkStartedResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// SessionPatch is a partial update of a session record
type SessionPatch struct {
	SSHHost     *string `json:"ssh_host,omitempty"`
	SSHPort     *int    `json:"ssh_port,omitempty" validate:"omitempty,min=1,max=65535"`
	SSHUsername *string `json:"ssh_username,omitempty"`
}

// ConnectionInfo is the authoritative SSH endpoint of a session
type ConnectionInfo struct {
	SSHConnectionString string `json:"ssh_connection_string"`
	SSHHost             string `json:"ssh_host"`
	SSHPort             int    `json:"ssh_port"`
	SSHUsername         string `json:"ssh_username"`
	ConnectionStatus    string `json:"connection_status"`
	IsConnected         bool   `json:"is_connected"`
}

// GPUMetrics is a utilization sample reported by the agent
type GPUMetrics struct {
	GPUUtilization    float64 `json:"gpu_utilization" validate:"gte=0,lte=100"`
	MemoryUtilization float64 `json:"memory_utilization" validate:"gte=0,lte=100"`
	Temperature       float64 `json:"temperature" validate:"gte=0"`
}

// ConnectionStatusUpdate is reported by the agent when the renter connects or disconnects
type ConnectionStatusUpdate struct {
	ConnectionStatus string `json:"connection_status" validate:"required"`
	IsConnected      bool   `json:"is_connected"`
}
