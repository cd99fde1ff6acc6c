package a2a

import "fmt"

// Topics builds the engine's broker topic strings, scoped to a
// single deployment namespace.
type Topics struct {
	Namespace string
}

// AgentRequest is the topic an agent subscribes to for incoming task
// requests and peer sub-task requests.
func (t Topics) AgentRequest(agentName string) string {
	return fmt.Sprintf("%s/agent/%s/request", t.Namespace, agentName)
}

// AgentResponse is the topic an agent's peer delegations reply to by
// default when the caller does not set a more specific reply-to topic.
func (t Topics) AgentResponse(agentName string) string {
	return fmt.Sprintf("%s/agent/%s/response", t.Namespace, agentName)
}

// GatewayStatus is the topic intermediate and terminal status updates are
// published to when a task originated from a gateway.
func (t Topics) GatewayStatus(gatewayID, taskID string) string {
	return fmt.Sprintf("%s/gateway/%s/task/%s/status", t.Namespace, gatewayID, taskID)
}

// GatewayResponse is the topic the final JSON-RPC response (or an error)
// is published to for a gateway-originated task.
func (t Topics) GatewayResponse(gatewayID, taskID string) string {
	return fmt.Sprintf("%s/gateway/%s/task/%s/response", t.Namespace, gatewayID, taskID)
}

// Discovery is the topic agent cards are broadcast to on heartbeat.
func (t Topics) Discovery() string {
	return fmt.Sprintf("%s/discovery/agentcards", t.Namespace)
}
