// Package state implements the client-held session snapshot: export,
// HMAC-SHA256 signing, verification, sanitization, and restore. The server
// keeps no durable session state; everything a client needs to resume in a
// fresh process travels inside the signed envelope.
package state

import (
	"time"

	"github.com/agentgate/agentgate/pkg/agent"
)

// SchemaVersion is the current signed-state schema.
const SchemaVersion = "1"

// Snapshot is the state payload inside a signed envelope.
type Snapshot struct {
	SessionID            string          `json:"session_id"`
	CurrentStep          int             `json:"current_step"`
	AgentState           string          `json:"agent_state"`
	CreatedAt            time.Time       `json:"created_at"`
	LastActiveAt         time.Time       `json:"last_active_at"`
	MemorySnapshot       []agent.Message `json:"memory_snapshot"`
	ToolStates           map[string]any  `json:"tool_states,omitempty"`
	PendingConfirmations []string        `json:"pending_confirmations,omitempty"`
	Metadata             map[string]any  `json:"metadata,omitempty"`
}
