package v1

// Capability names a kind of work an agent can perform
type Capability string

const (
	CapabilitySpecWriting Capability = "spec-writing"
	CapabilityCodeWriting Capability = "code-writing"
	CapabilityTestWriting Capability = "test-writing"
	CapabilityDocWriting  Capability = "doc-writing"
	CapabilityCodeDoctor  Capability = "code-doctor"
)

// AllCapabilities lists every known capability.
var AllCapabilities = []Capability{
	CapabilitySpecWriting,
	CapabilityCodeWriting,
	CapabilityTestWriting,
	CapabilityDocWriting,
	CapabilityCodeDoctor,
}

// IsValid reports whether the capability is one of the known values.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilitySpecWriting, CapabilityCodeWriting, CapabilityTestWriting,
		CapabilityDocWriting, CapabilityCodeDoctor:
		return true
	}
	return false
}

// AgentSource identifies how the agent connects
type AgentSource string

const (
	AgentSourceCLI AgentSource = "CLI"
	AgentSourceIDE AgentSource = "IDE"
)

// AgentStatus is the derived availability of an agent. It is computed from
// assigned tasks, waiter presence and lastSeen; it is never stored.
type AgentStatus string

const (
	AgentStatusProcessing AgentStatus = "PROCESSING"
	AgentStatusWaiting    AgentStatus = "WAITING"
	AgentStatusOffline    AgentStatus = "OFFLINE"
)

// EvictionAction tells an evicted agent what to do after disconnecting
type EvictionAction string

const (
	EvictionActionRestart  EvictionAction = "RESTART"
	EvictionActionShutdown EvictionAction = "SHUTDOWN"
)

// severity ranks actions so a pending eviction can only be upgraded
var evictionSeverity = map[EvictionAction]int{
	EvictionActionRestart:  1,
	EvictionActionShutdown: 2,
}

// Supersedes reports whether a is at least as severe as prior. RESTART never
// downgrades a pending SHUTDOWN.
func (a EvictionAction) Supersedes(prior EvictionAction) bool {
	return evictionSeverity[a] >= evictionSeverity[prior]
}

// Eviction is a pending eviction request against an agent
type Eviction struct {
	Requested bool           `json:"requested"`
	Reason    string         `json:"reason,omitempty"`
	Action    EvictionAction `json:"action,omitempty"`
}

// ControlSignalEvict marks a long-poll response as an eviction rather than a task.
const ControlSignalEvict = "EVICT"

// EvictionSignal is returned to a long-polling agent when it has been evicted
type EvictionSignal struct {
	ControlSignal string         `json:"controlSignal"` // always "EVICT"
	Reason        string         `json:"reason"`
	Action        EvictionAction `json:"action"`
}

// Agent represents a registered worker
type Agent struct {
	ID               string            `json:"id"`
	DisplayName      string            `json:"displayName"`
	Role             string            `json:"role,omitempty"`
	Capabilities     []Capability      `json:"capabilities"`
	WorkspaceContext *WorkspaceContext `json:"workspaceContext,omitempty"`
	Source           AgentSource       `json:"source"`
	Color            string            `json:"color"`
	Status           AgentStatus       `json:"status,omitempty"` // derived, filled on reads
	CreatedAt        int64             `json:"createdAt"`
	LastSeen         int64             `json:"lastSeen"`
	Eviction         *Eviction         `json:"eviction,omitempty"`
}

// RegisterAgentRequest is the input for agent registration
type RegisterAgentRequest struct {
	AgentID          string            `json:"agentId"`
	DisplayName      string            `json:"displayName,omitempty"`
	Role             string            `json:"role,omitempty"`
	Capabilities     []Capability      `json:"capabilities"`
	WorkspaceContext *WorkspaceContext `json:"workspaceContext,omitempty"`
	Source           AgentSource       `json:"source,omitempty"` // default IDE
}

// AgentUpdate carries the mutable fields of an admin agent update. Zero
// values leave the current value in place.
type AgentUpdate struct {
	DisplayName      string            `json:"displayName,omitempty"`
	Role             string            `json:"role,omitempty"`
	Capabilities     []Capability      `json:"capabilities,omitempty"`
	WorkspaceContext *WorkspaceContext `json:"workspaceContext,omitempty"`
	Color            string            `json:"color,omitempty"`
}
