package server

import (
	"controlroom/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id" minLength:"1"`
	Description *string `json:"description,omitempty"`
}

type ValidateRequest struct {
	// Config is forwarded to the runner untouched.
	Config map[string]string `json:"config,omitempty"`
}

type SpendRequest struct {
	Phase  string  `json:"phase,omitempty"`
	Agent  string  `json:"agent,omitempty"`
	Item   string  `json:"item,omitempty"`
	Amount float64 `json:"amount" minimum:"0"`
}

type ResetAlertsRequest struct {
	Scope string `json:"scope,omitempty" doc:"project, phase:<name>, agent:<name>; empty resets every scope"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type paginatedAudit struct {
	Items      []domain.AuditLogEntry `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{ID: p.ID, Description: p.Description, CreatedAt: p.CreatedAt}
}
