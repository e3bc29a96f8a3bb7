package models

import "time"

// ScheduleState is owned by the scheduler. NextRunAt is nil for disabled or
// unscheduled agents.
type ScheduleState struct {
	AgentID     string     `json:"agent_id"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	Running     bool       `json:"running"`
	LastOutcome Outcome    `json:"last_outcome,omitempty"`
}
