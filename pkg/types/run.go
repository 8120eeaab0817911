// Package types provides shared types for the orchestrator service.
package types

import (
	"time"
)

// NodeSpec describes the external invocation of a single NodeDef whose
// function has no in-process registration: the command a subprocess or
// K8s Job driver should run, the container image to run it in, and the
// environment it should see. Built by a driver's RunNode from a
// registry.FunctionSpec and consumed by the K8s job builder.
type NodeSpec struct {
	ID      string            `json:"id"`
	AgentID string            `json:"agent_id,omitempty"`
	Command []string          `json:"command,omitempty"`
	Image   string            `json:"image,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}
