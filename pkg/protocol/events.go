package protocol

// Coordination events exchanged between agents on team topics.
const (
	EventContextUpdate     = "context_update"
	EventPeerMessage       = "peer_message"
	EventTaskAssigned      = "task_assigned"
	EventQuery             = "query"
	EventQueryAnswer       = "query_answer"
	EventKeeperCreated     = "keeper_created"
	EventRoleChangeRequest = "role_change_request"
	EventRoleChanged       = "role_changed"
	EventAgentStatus       = "agent_status"
	EventSubTeamCompleted  = "sub_team_completed"
)

// Session events for the solo orchestrator permission flow.
const (
	EventPermissionRequest  = "permission_request"
	EventPermissionResponse = "permission_response"
)

// Telemetry events mirrored to telemetry topics.
const (
	EventBudgetWarning  = "budget_warning"
	EventBudgetExceeded = "budget_exceeded"
	EventEscalation     = "model_escalation"
	EventTaskCreated    = "task_created"
	EventTaskUpdated    = "task_updated"
	EventTaskCompleted  = "task_completed"
	EventGraphPulse     = "graph_pulse"
)

// Agent loop progress events, delivered through the run callback and
// rebroadcast onto telemetry topics.
const (
	LoopEventNewMessage        = "new_message"
	LoopEventToolExecuting     = "tool_executing"
	LoopEventToolCallsReceived = "tool_calls_received"
	LoopEventToolComplete      = "tool_complete"
	LoopEventUsage             = "usage"
)
