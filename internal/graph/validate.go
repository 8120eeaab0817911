package graph

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

var (
	shapeValidatorOnce sync.Once
	shapeValidator     *validator.Validator
	shapeValidatorErr  error
)

// shapeValidatorInstance lazily compiles the graph-definition JSON schema
// once per process; every Register call after the first reuses the compiled
// schema.
func shapeValidatorInstance() (*validator.Validator, error) {
	shapeValidatorOnce.Do(func() {
		shapeValidator, shapeValidatorErr = validator.New()
	})
	return shapeValidator, shapeValidatorErr
}

// validateShape runs the jsonschema-backed structural check (required
// fields, the node-kind enum, predicate length, mutate nodes naming a
// target) ahead of the semantic checks below, which need graph-wide context
// a schema cannot express: cross-node references and acyclicity.
func validateShape(def *types.GraphDef) error {
	v, err := shapeValidatorInstance()
	if err != nil {
		return fmt.Errorf("initialize graph definition validator: %w", err)
	}

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal graph definition: %w", err)
	}

	result := v.ValidateGraphDefJSON(data)
	if result.Valid {
		return nil
	}

	messages := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		messages = append(messages, fmt.Sprintf("%s: %s", e.Path, e.Message))
	}
	return fmt.Errorf("%w: %s", ErrGraphMismatch, strings.Join(messages, "; "))
}

// cycleState tracks DFS coloring during cycle detection.
type cycleState int

const (
	cycleUnvisited cycleState = iota
	cycleVisiting
	cycleVisited
)

// Validate checks graph-registration-time invariants: names unique (implied
// by the map type), dependencies refer to existing nodes, no self-dependency,
// mutate targets exist and are not inputs, and the dependency graph is
// acyclic.
func Validate(def *types.GraphDef) error {
	if err := validateShape(def); err != nil {
		return err
	}

	if def.Ref.Name == "" || def.Ref.Version == "" {
		return fmt.Errorf("%w: graph ref requires both name and version", ErrGraphMismatch)
	}
	if def.Ref.Name == types.SystemNodeExecutionID || def.Ref.Name == types.SystemNodeLastUpdatedAt {
		return fmt.Errorf("%w: graph name collides with a system node", ErrGraphMismatch)
	}

	for name, node := range def.Nodes {
		if node.Name != name {
			return fmt.Errorf("node key %q does not match NodeDef.Name %q", name, node.Name)
		}
		if name == types.SystemNodeExecutionID || name == types.SystemNodeLastUpdatedAt {
			return fmt.Errorf("node %q collides with an implicit system node", name)
		}
		for _, dep := range node.DependsOn {
			if dep == name {
				return fmt.Errorf("node %q declares a self-dependency", name)
			}
			if _, ok := def.Nodes[dep]; !ok {
				return fmt.Errorf("node %q depends on unknown node %q", name, dep)
			}
		}
		if node.Kind == types.NodeKindMutate {
			target, ok := def.Nodes[node.Mutates]
			if !ok {
				return fmt.Errorf("mutate node %q targets unknown node %q", name, node.Mutates)
			}
			if target.Kind == types.NodeKindInput {
				return fmt.Errorf("mutate node %q cannot target input node %q", name, node.Mutates)
			}
		}
		if node.Kind == types.NodeKindInput && len(node.DependsOn) > 0 {
			return fmt.Errorf("input node %q may not declare dependencies", name)
		}
	}

	return checkAcyclic(def)
}

// checkAcyclic runs a DFS with three-color marking over the DependsOn edges.
func checkAcyclic(def *types.GraphDef) error {
	state := make(map[string]cycleState, len(def.Nodes))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case cycleVisited:
			return nil
		case cycleVisiting:
			return fmt.Errorf("%w: cycle detected at %q (path: %v)", ErrGraphMismatch, name, append(path, name))
		}

		state[name] = cycleVisiting
		node := def.Nodes[name]
		for _, dep := range node.DependsOn {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = cycleVisited
		return nil
	}

	for name := range def.Nodes {
		if state[name] == cycleUnvisited {
			if err := visit(name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
