// Package health provides system health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ComponentHealth is one dependency's health state.
type ComponentHealth struct {
	Name   string       `json:"name"`
	Status SystemStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// Report is the full node health report.
type Report struct {
	SystemStatus SystemStatus               `json:"system_status"`
	Halted       bool                       `json:"halted"`
	Components   map[string]ComponentHealth `json:"components"`
	Transfers    map[string]int             `json:"transfers"`
	TotalLocked  uint64                     `json:"total_locked"`
}
