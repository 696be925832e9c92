// Package protocol defines the topic names and event vocabulary shared by
// every component of the runtime, plus the wire frames spoken by the gateway.
package protocol

import "fmt"

// Well-known static topics.
const (
	// TopicSystem carries runtime-wide lifecycle events.
	TopicSystem = "loom:system"

	// TopicTelemetryUpdates is the firehose mirrored to all observers.
	TopicTelemetryUpdates = "telemetry:updates"
)

// TeamTopic is the broadcast topic every member of a team subscribes to.
func TeamTopic(teamID string) string {
	return fmt.Sprintf("team:%s", teamID)
}

// SessionTopic carries a solo session's progress and permission traffic.
func SessionTopic(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// AgentTopic addresses a single agent within a team.
func AgentTopic(teamID, agentName string) string {
	return fmt.Sprintf("team:%s:agent:%s", teamID, agentName)
}

// TasksTopic carries task lifecycle events for a team.
func TasksTopic(teamID string) string {
	return fmt.Sprintf("team:%s:tasks", teamID)
}

// DecisionsTopic carries decision graph updates for a team.
func DecisionsTopic(teamID string) string {
	return fmt.Sprintf("team:%s:decisions", teamID)
}

// ContextTopic carries context keeper announcements for a team.
func ContextTopic(teamID string) string {
	return fmt.Sprintf("team:%s:context", teamID)
}

// TelemetryTopic carries observability events for a single team.
func TelemetryTopic(teamID string) string {
	return fmt.Sprintf("telemetry:team:%s", teamID)
}
