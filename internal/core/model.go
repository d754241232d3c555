package core

import "time"

type SessionStatus string

const (
	StatusRunning SessionStatus = "running"
	StatusExited  SessionStatus = "exited"
)

type DetailedState string

const (
	StateStarting         DetailedState = "starting"
	StateIdle             DetailedState = "idle"
	StateWorking          DetailedState = "working"
	StatePermissionNeeded DetailedState = "permission_needed"
	StateCompacting       DetailedState = "compacting"
	StateError            DetailedState = "error"
)

const (
	// DefaultBaseName seeds auto-assigned session names.
	DefaultBaseName = "claude"
	// DefaultGroup is the sentinel group for sessions spawned without one.
	DefaultGroup = "default"

	MaxNameLen  = 200
	MaxGroupLen = 200

	// ScrollbackLimitBytes bounds per-session scrollback retention.
	ScrollbackLimitBytes = 2 * 1024 * 1024

	// MaxSessions caps concurrently live sessions.
	MaxSessions = 100

	// DefaultTranscriptMax bounds per-session transcript entries.
	DefaultTranscriptMax = 500
)

// Session is the durable, observable record per agent session. Timestamps are
// UTC and serialize as ISO-8601.
type Session struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Group         string        `json:"group"`
	Cwd           string        `json:"cwd"`
	Status        SessionStatus `json:"status"`
	DetailedState DetailedState `json:"detailed_state"`
	ExitCode      *int          `json:"exit_code,omitempty"`
	Pid           int           `json:"pid,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	TaskStartedAt  *time.Time `json:"task_started_at,omitempty"`

	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`

	Task string `json:"task,omitempty"`

	CompactionCount       int   `json:"compaction_count"`
	TotalWorkingMs        int64 `json:"total_working_ms"`
	TotalIdleMs           int64 `json:"total_idle_ms"`
	TotalPermissionWaitMs int64 `json:"total_permission_wait_ms"`
}

type TranscriptRole string

const (
	RoleUser      TranscriptRole = "user"
	RoleAssistant TranscriptRole = "assistant"
)

type TranscriptEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Role      TranscriptRole `json:"role"`
	Content   string         `json:"content"`
}
