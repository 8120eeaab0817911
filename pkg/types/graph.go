// Package types provides shared types for the orchestrator service.
package types

import "fmt"

// NodeKind identifies the behavior a NodeDef exhibits when the dispatcher runs it.
type NodeKind string

const (
	NodeKindInput             NodeKind = "input"
	NodeKindCompute           NodeKind = "compute"
	NodeKindScheduleOnce      NodeKind = "schedule_once"
	NodeKindScheduleRecurring NodeKind = "schedule_recurring"
	NodeKindMutate            NodeKind = "mutate"
)

// GraphRef identifies a registered graph by its content-addressed key.
type GraphRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (r GraphRef) String() string {
	return fmt.Sprintf("%s@%s", r.Name, r.Version)
}

// NodeDef declares one node of a graph: its kind, its upstream predicate, and
// (for non-input kinds) the function reference invoked to produce its value.
type NodeDef struct {
	Name string   `json:"name"`
	Kind NodeKind `json:"kind"`

	// DependsOn lists the direct upstream node names this node's predicate reads.
	// It is also used to build the input map passed to the node's function.
	DependsOn []string `json:"depends_on,omitempty"`

	// UpstreamPredicate is an expr-lang boolean expression evaluated against a
	// readiness environment built from DependsOn's current values and revisions.
	// Empty means "always ready" (used by most input nodes, which have none).
	UpstreamPredicate string `json:"upstream_predicate,omitempty"`

	// FunctionRef names the invocable function for compute/schedule/mutate nodes.
	// Resolution is delegated to a FunctionResolver (see internal/graph/functions.go).
	FunctionRef string `json:"function_ref,omitempty"`

	// Mutates names the target node a "mutate" kind node writes through to.
	// Required and only meaningful when Kind == NodeKindMutate.
	Mutates string `json:"mutates,omitempty"`

	MaxAttempts    int `json:"max_attempts,omitempty"`
	AttemptTimeout int `json:"attempt_timeout_seconds,omitempty"`
}

// GraphDef is the immutable, content-addressed definition of a dataflow graph.
type GraphDef struct {
	Ref   GraphRef            `json:"ref"`
	Nodes map[string]*NodeDef `json:"nodes"`
}

// SystemNodeExecutionID and SystemNodeLastUpdatedAt are implicitly present on
// every execution of every graph; they are not declared by graph authors.
const (
	SystemNodeExecutionID   = "execution_id"
	SystemNodeLastUpdatedAt = "last_updated_at"
)

// Equal reports whether two graph definitions are semantically identical,
// used to detect a GraphMismatch on re-registration of the same (name, version).
func (g *GraphDef) Equal(other *GraphDef) bool {
	if g == nil || other == nil {
		return g == other
	}
	if g.Ref != other.Ref {
		return false
	}
	if len(g.Nodes) != len(other.Nodes) {
		return false
	}
	for name, node := range g.Nodes {
		o, ok := other.Nodes[name]
		if !ok || !node.equal(o) {
			return false
		}
	}
	return true
}

func (n *NodeDef) equal(o *NodeDef) bool {
	if n.Name != o.Name || n.Kind != o.Kind || n.UpstreamPredicate != o.UpstreamPredicate ||
		n.FunctionRef != o.FunctionRef || n.Mutates != o.Mutates ||
		n.MaxAttempts != o.MaxAttempts || n.AttemptTimeout != o.AttemptTimeout {
		return false
	}
	if len(n.DependsOn) != len(o.DependsOn) {
		return false
	}
	for i, d := range n.DependsOn {
		if o.DependsOn[i] != d {
			return false
		}
	}
	return true
}
