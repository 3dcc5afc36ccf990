// Package protocol defines the JSON bodies exchanged between the provisioner's
// HTTP API and its clients (the dashboard and vncctl).
package protocol

// DefaultAPIURL is where the provisioner listens unless configured otherwise.
const DefaultAPIURL = "http://localhost:3001"

// API paths.
const (
	PathUsers       = "/api/users"
	PathProvision   = "/api/provision"
	PathDeprovision = "/api/deprovision"
	PathHealth      = "/api/health"
	PathHistory     = "/api/history"
)

// User is a session as seen by clients.
type User struct {
	Username      string `json:"username"`
	DisplayNumber int    `json:"displayNumber"`
	VNCPort       int    `json:"vncPort"`
	Running       bool   `json:"running"`
}

// UsersResponse is returned by GET /api/users.
type UsersResponse struct {
	Users []User `json:"users"`
}

// Connection tells a client where to point a VNC viewer.
type Connection struct {
	Type     string `json:"type"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

// UserResponse is returned by GET /api/users/{username}.
type UserResponse struct {
	User       User       `json:"user"`
	Connection Connection `json:"connection"`
}

// ProvisionResponse is returned by POST /api/provision.
type ProvisionResponse struct {
	Success bool `json:"success"`
	User    User `json:"user"`
}

// DeprovisionResponse is returned by DELETE /api/deprovision/{username}.
type DeprovisionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ErrorResponse is the body of every non-2xx response. Step is set when a
// provisioning sequence failed part way.
type ErrorResponse struct {
	Error string `json:"error"`
	Step  string `json:"step,omitempty"`
}

// Operation names recorded in the history.
const (
	OpProvision   = "provision"
	OpDeprovision = "deprovision"
)

// HistoryEntry is one provisioning or deprovisioning attempt, as returned by
// GET /api/history.
type HistoryEntry struct {
	Timestamp     string  `json:"timestamp"`
	RequestID     string  `json:"request_id,omitempty"`
	Operation     string  `json:"operation"`
	Session       string  `json:"session,omitempty"`
	DeleteAccount bool    `json:"delete_account,omitempty"`
	Success       bool    `json:"success"`
	Step          string  `json:"step,omitempty"`
	Error         string  `json:"error,omitempty"`
	Duration      float64 `json:"duration_ms,omitempty"`
}
