package types

import (
	"encoding/json"
	"time"
)

// Execution is a durable, revisioned instance of a registered graph.
type Execution struct {
	ID         string          `json:"id"`
	GraphRef   GraphRef        `json:"graph_ref"`
	Revision   int64           `json:"revision"`
	ArchivedAt *time.Time      `json:"archived_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// IsArchived reports whether the execution has been archived and therefore
// rejects further mutation.
func (e *Execution) IsArchived() bool {
	return e != nil && e.ArchivedAt != nil
}

// NodeInstance holds the per-execution value slot for one NodeDef.
type NodeInstance struct {
	NodeName    string          `json:"node_name"`
	IsSet       bool            `json:"is_set"`
	Value       json.RawMessage `json:"value,omitempty"`
	SetRevision int64           `json:"set_revision"`
	SetTime     *time.Time      `json:"set_time,omitempty"`
}

// ExecutionSnapshot is a point-in-time, read-only view of an execution and all
// its node instances, used by the readiness evaluator. It is never mutated in
// place; a fresh snapshot is taken for each evaluation pass.
type ExecutionSnapshot struct {
	Execution *Execution
	Nodes     map[string]*NodeInstance
	// LatestComputation holds, per node, the most recent terminal (or in-flight)
	// Computation known to the store at snapshot time.
	LatestComputation map[string]*Computation
}
