package domain

type CheckStatus string

const (
	CheckPending CheckStatus = "pending"
	CheckRunning CheckStatus = "running"
	CheckPass    CheckStatus = "pass"
	CheckFail    CheckStatus = "fail"
	CheckWarn    CheckStatus = "warn"
)

// Valid reports whether s is one of the known check statuses.
func (s CheckStatus) Valid() bool {
	switch s {
	case CheckPending, CheckRunning, CheckPass, CheckFail, CheckWarn:
		return true
	}
	return false
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal:
		return true
	}
	return false
}

type RunStatus string

const (
	RunIdle       RunStatus = "idle"
	RunValidating RunStatus = "validating"
	RunReady      RunStatus = "ready"
	RunBlocked    RunStatus = "blocked"
)

// Terminal reports whether a run in this status has finished.
func (s RunStatus) Terminal() bool {
	return s == RunReady || s == RunBlocked
}

type Project struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Check struct {
	ID             string      `json:"id"`
	Category       string      `json:"category"`
	Name           string      `json:"name"`
	Status         CheckStatus `json:"status" enum:"pending,running,pass,fail,warn"`
	Priority       Priority    `json:"priority,omitempty" enum:"critical,high,normal"`
	Message        string      `json:"message,omitempty"`
	Command        string      `json:"command,omitempty"`
	Output         string      `json:"output,omitempty"`
	Recommendation string      `json:"recommendation,omitempty"`
	Timestamp      string      `json:"timestamp,omitempty"`
}

type ValidationRun struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Status        RunStatus `json:"status" enum:"idle,validating,ready,blocked"`
	StartedAt     string    `json:"started_at,omitempty" format:"date-time"`
	LastCheckedAt string    `json:"last_checked_at,omitempty" format:"date-time"`
	Error         string    `json:"error,omitempty"`
	Checks        []Check   `json:"checks"`
}

// ValidationSnapshot is the durable form of a finished run. It lives under
// the "validation" key of the project's config document.
type ValidationSnapshot struct {
	RunID         string    `json:"run_id"`
	Status        RunStatus `json:"status" enum:"idle,validating,ready,blocked"`
	Checks        []Check   `json:"checks"`
	StartedAt     string    `json:"started_at,omitempty" format:"date-time"`
	LastCheckedAt string    `json:"last_checked_at" format:"date-time"`
	Error         string    `json:"error,omitempty"`
}

type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

const (
	ActionPauseAgent = "pause_agent"
	ActionAutoPause  = "auto_pause"
)

type Alert struct {
	Level     AlertLevel `json:"level" enum:"info,warning,critical"`
	Type      string     `json:"type"`
	Target    string     `json:"target"`
	Message   string     `json:"message"`
	Action    string     `json:"action,omitempty"`
	Timestamp string     `json:"timestamp" format:"date-time"`
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type AuditLogEntry struct {
	ID             int64          `json:"id"`
	ProjectID      string         `json:"project_id"`
	EventType      string         `json:"event_type"`
	Severity       Severity       `json:"severity" enum:"info,warning,critical"`
	ActorType      string         `json:"actor_type" enum:"user,agent,system"`
	ActorID        string         `json:"actor_id"`
	Action         string         `json:"action"`
	Details        map[string]any `json:"details,omitempty"`
	SafetyTags     []string       `json:"safety_tags,omitempty"`
	RequiresReview bool           `json:"requires_review"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type SpendRecord struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Phase     string  `json:"phase,omitempty"`
	Agent     string  `json:"agent,omitempty"`
	Item      string  `json:"item,omitempty"`
	Amount    float64 `json:"amount"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}
