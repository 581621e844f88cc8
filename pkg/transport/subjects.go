package transport

import (
	"strings"

	"github.com/fyrsmithlabs/cogentd/pkg/envelope"
)

// Subject naming is fixed for interoperability with existing
// deployments. Every agent id maps 1:1 to a command subject and an
// event subject prefix.
const (
	// BroadcastSubject is the shared fan-out subject. Senders ignore
	// their own broadcasts.
	BroadcastSubject = "agent.shared.broadcast"

	// EventWildcard matches every agent's event subjects. Used by the
	// orchestrator and the gateway for aggregation.
	EventWildcard = "agent.*.events.>"
)

// CommandSubject returns the request-reply subject for an agent.
func CommandSubject(agentID string) string {
	return "agent." + agentID + ".command"
}

// EventSubject returns the publish subject for one event kind.
func EventSubject(agentID string, kind envelope.Kind) string {
	return "agent." + agentID + ".events." + kind.String()
}

// EventPrefix returns the subject prefix covering all of an agent's
// events. Gateway subscriptions are stored as prefixes.
func EventPrefix(agentID string) string {
	return "agent." + agentID + ".events"
}

// StatusSubject returns the health/status subject for an agent.
func StatusSubject(agentID string) string {
	return "agent." + agentID + ".status"
}

// OrchestratorCommandSubject returns the orchestrator's command subject.
func OrchestratorCommandSubject(orchestratorID string) string {
	return "orchestrator." + orchestratorID + ".command"
}

// StreamName returns the JetStream stream name for an agent.
func StreamName(agentID string) string {
	return "AGENT_" + strings.ToUpper(strings.ReplaceAll(agentID, "-", "_"))
}

// BucketName returns the KV bucket name for an agent.
func BucketName(agentID string) string {
	return "agent_" + strings.ReplaceAll(agentID, "-", "_")
}

// AgentFromSubject extracts the agent id from a subject of the form
// agent.{id}.events.{kind}. Returns "" when the subject does not match.
func AgentFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "agent" {
		return ""
	}
	return parts[1]
}
