package types

import (
	"time"

	"github.com/avatar-engine/avatar-engine/internal/providers"
)

// SessionInfo describes one stored conversation, as reported by an agent or
// recovered from its on-disk session files.
type SessionInfo struct {
	SessionID  string             `json:"session_id"`
	Provider   providers.Provider `json:"provider"`
	WorkingDir string             `json:"working_dir"`
	Title      string             `json:"title,omitempty"`
	UpdatedAt  *time.Time         `json:"updated_at,omitempty"`
}

// SessionCapabilities reports which session operations the live agent
// supports. For ACP agents this is parsed from the initialize response; the
// stream-JSON agent supports load and continue via CLI flags.
type SessionCapabilities struct {
	CanList         bool `json:"can_list"`
	CanLoad         bool `json:"can_load"`
	CanContinueLast bool `json:"can_continue_last"`
}
