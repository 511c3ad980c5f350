// Package events defines the event vocabulary of the core: global event
// types, session event types, and the well-known stream, channel, and key
// names on the bus. All key construction goes through the helpers here so
// producers and consumers can never disagree on naming.
package events

import "fmt"

// Global event types carried on the events:global stream.
const (
	RunCreated                   = "RUN_CREATED"
	RunComplete                  = "RUN_COMPLETE"
	RunFailed                    = "RUN_FAILED"
	StepStarted                  = "STEP_STARTED"
	StepComplete                 = "STEP_COMPLETE"
	StepFailed                   = "STEP_FAILED"
	PulseTriggered               = "PULSE_TRIGGERED"
	TaskStatusChanged            = "TASK_STATUS_CHANGED"
	TaskWorkspaceRemoveRequested = "TASK_WORKSPACE_REMOVE_REQUESTED"
	MCPRestartRequested          = "MCP_RESTART_REQUESTED"
	ProjectPlanningCompleted     = "PROJECT_PLANNING_COMPLETED"
)

// Session event types produced by agent runtimes and routed per session.
const (
	SessionConnected       = "connected"
	SessionStepStart       = "step_start"
	SessionStepEnd         = "step_end"
	SessionThinking        = "thinking"
	SessionOutput          = "output"
	SessionToolStart       = "tool_start"
	SessionToolEnd         = "tool_end"
	SessionTurnEnd         = "turn_end"
	SessionResponseAborted = "response_aborted"
	SessionContainerReady  = "container_ready"
	SessionContainerBusy   = "container_busy"
	SessionContainerIdle   = "container_idle"
	SessionContainerExit   = "container_exiting"
	SessionComplete        = "session_complete"
	SessionHeartbeat       = "heartbeat"
)

// IsStructural reports whether a session event type belongs in the
// persistent replay stream. Token-level output and thinking frames, the
// connected sentinel, and heartbeats are live-only.
func IsStructural(eventType string) bool {
	switch eventType {
	case SessionStepStart, SessionStepEnd, SessionToolStart, SessionToolEnd,
		SessionTurnEnd, SessionResponseAborted,
		SessionContainerReady, SessionContainerBusy, SessionContainerIdle, SessionContainerExit,
		SessionComplete:
		return true
	}
	return false
}

// Inbox message types and priorities.
const (
	InboxInfo           = "info"
	InboxReviewRequest  = "review_request"
	InboxHelpRequest    = "help_request"
	InboxUrgent         = "urgent"
	InboxWorkAssignment = "work_assignment"

	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Well-known streams.
const (
	GlobalStream    = "events:global"
	NewRunsStream   = "events:new_runs"
	NewSwarmsStream = "events:new_swarms"
)

// Well-known channels.
const (
	SessionsLiveChannel   = "sessions:live"
	WebhooksGitHubChannel = "webhooks:github"
	LLMCallsChannel       = "llm-calls:live"
	TTSCallsChannel       = "tts-calls:live"
)

// Well-known keys.
const (
	DispatcherCursorKey = "dispatcher:cursor"
)

// SessionStream is the persistent per-session structural event stream.
func SessionStream(sessionID string) string {
	return fmt.Sprintf("sessions:%s:stream", sessionID)
}

// SessionChannel is the live per-session fan-out channel, including
// token-level frames.
func SessionChannel(sessionID string) string {
	return fmt.Sprintf("sessions:%s", sessionID)
}

// SessionControlChannel carries cancel signals to the session's runtime.
func SessionControlChannel(sessionID string) string {
	return fmt.Sprintf("sessions:%s:control", sessionID)
}

// SessionMessagesKey is the pending user-message queue for a chat session.
func SessionMessagesKey(sessionID string) string {
	return fmt.Sprintf("sessions:%s:messages", sessionID)
}

// AgentInboxStream is the durable inter-agent message stream.
func AgentInboxStream(agentID string) string {
	return fmt.Sprintf("agent:%s:inbox", agentID)
}

// AgentInboxLastReadKey stores the agent's last-read inbox cursor.
func AgentInboxLastReadKey(agentID string) string {
	return fmt.Sprintf("agent:%s:inbox:last_read", agentID)
}

// AgentStateKey holds the agent's lifecycle state JSON.
func AgentStateKey(agentID string) string {
	return fmt.Sprintf("agent:%s:state", agentID)
}

// AgentQueueKey is the agent's pending work list.
func AgentQueueKey(agentID string) string {
	return fmt.Sprintf("agent:%s:queue", agentID)
}

// AgentPulseKey holds pulse configuration and last-pulse metadata.
func AgentPulseKey(agentID string) string {
	return fmt.Sprintf("agent:%s:pulse", agentID)
}

// WorkLockKey is the TTL-guarded lock entry for one unit of work.
func WorkLockKey(agentID, workKey string) string {
	return fmt.Sprintf("agent:%s:work_lock:%s", agentID, workKey)
}

// WorkLedgerKey is the set of work keys an agent currently holds locks for.
func WorkLedgerKey(agentID string) string {
	return fmt.Sprintf("agent:%s:work_ledger", agentID)
}

// WakesKey is the agent's daily wake counter. The date is YYYY-MM-DD.
func WakesKey(agentID, date string) string {
	return fmt.Sprintf("agent:%s:wakes:%s", agentID, date)
}

// PairWakesKey counts wakes of one agent triggered by a specific peer today.
func PairWakesKey(agentID, peerID, date string) string {
	return fmt.Sprintf("agent:%s:wakes:%s:pair:%s", agentID, date, peerID)
}

// SessionMinutesKey tracks the agent's consumed session minutes today.
func SessionMinutesKey(agentID, date string) string {
	return fmt.Sprintf("agent:%s:session_minutes:%s", agentID, date)
}

// PulseSessionsKey is the set of currently active pulse sessions per agent.
func PulseSessionsKey(agentID string) string {
	return fmt.Sprintf("agent:%s:pulse_sessions", agentID)
}

// LastWakeKey stores the unix timestamp of the agent's last wake.
func LastWakeKey(agentID string) string {
	return fmt.Sprintf("agent:%s:last_wake", agentID)
}
