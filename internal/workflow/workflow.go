package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/revoagent/orchestrator/internal/taskqueue"
)

var (
	ErrEmptyWorkflow = errors.New("workflow has no nodes")
	ErrUnknownNode   = errors.New("unknown node id")
	ErrCyclicGraph   = errors.New("workflow graph has a cycle")
)

// NodeStatus tracks a node through execution.
type NodeStatus int

const (
	NodePending NodeStatus = iota
	NodeRunning
	NodeCompleted
	NodeFailed
	NodeSkipped
	NodeCancelled
)

func (s NodeStatus) String() string {
	switch s {
	case NodePending:
		return "pending"
	case NodeRunning:
		return "running"
	case NodeCompleted:
		return "completed"
	case NodeFailed:
		return "failed"
	case NodeSkipped:
		return "skipped"
	case NodeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped || s == NodeCancelled
}

// Node is one unit of work in a workflow graph.
type Node struct {
	ID                   string
	Type                 string
	Payload              []byte
	RequiredCapabilities []string
	Priority             taskqueue.Priority
	DependsOn            []string

	// Condition gates the node on upstream results. Evaluated once all
	// dependencies complete; false skips the node and its whole subtree.
	// Nil means unconditional.
	Condition func(results map[string]interface{}) bool

	// BuildPayload derives the payload from upstream results at dispatch
	// time, for fan-in nodes like a reduce step. Nil keeps Payload as is.
	BuildPayload func(results map[string]interface{}) ([]byte, error)
}

// Workflow is a directed acyclic graph of nodes.
type Workflow struct {
	ID    string
	nodes []*Node
	byID  map[string]*Node
}

// New creates an empty workflow. An empty id gets a generated one.
func New(id string) *Workflow {
	if id == "" {
		id = uuid.New().String()
	}
	return &Workflow{ID: id, byID: make(map[string]*Node)}
}

// Add appends a node to the graph.
func (w *Workflow) Add(n *Node) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if _, ok := w.byID[n.ID]; ok {
		return fmt.Errorf("duplicate node id %q", n.ID)
	}
	w.nodes = append(w.nodes, n)
	w.byID[n.ID] = n
	return nil
}

// Nodes returns the nodes in insertion order.
func (w *Workflow) Nodes() []*Node { return w.nodes }

// Validate checks that dependencies resolve and the graph is acyclic.
func (w *Workflow) Validate() error {
	if len(w.nodes) == 0 {
		return ErrEmptyWorkflow
	}
	for _, n := range w.nodes {
		for _, dep := range n.DependsOn {
			if _, ok := w.byID[dep]; !ok {
				return fmt.Errorf("%w: node %q depends on %q", ErrUnknownNode, n.ID, dep)
			}
		}
	}

	// Kahn's algorithm; leftover nodes mean a cycle.
	indeg := make(map[string]int, len(w.nodes))
	dependents := make(map[string][]string)
	for _, n := range w.nodes {
		indeg[n.ID] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}
	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	visited := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, dep := range dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if visited != len(w.nodes) {
		return ErrCyclicGraph
	}
	return nil
}

// Sequential builds a linear chain: each step depends on the previous one.
func Sequential(id string, steps ...*Node) (*Workflow, error) {
	w := New(id)
	var prev string
	for _, s := range steps {
		if prev != "" {
			s.DependsOn = append(s.DependsOn, prev)
		}
		if err := w.Add(s); err != nil {
			return nil, err
		}
		prev = s.ID
	}
	return w, w.Validate()
}

// Parallel builds a workflow of independent nodes; the executor bounds their
// concurrency.
func Parallel(id string, steps ...*Node) (*Workflow, error) {
	w := New(id)
	for _, s := range steps {
		if err := w.Add(s); err != nil {
			return nil, err
		}
	}
	return w, w.Validate()
}

// MapReduce builds N independent map nodes and one reduce node depending on
// all of them. The reduce payload is the JSON array of map results in map
// node order.
func MapReduce(id string, maps []*Node, reduce *Node) (*Workflow, error) {
	w := New(id)
	mapIDs := make([]string, 0, len(maps))
	for _, m := range maps {
		if err := w.Add(m); err != nil {
			return nil, err
		}
		mapIDs = append(mapIDs, m.ID)
	}
	reduce.DependsOn = append(reduce.DependsOn, mapIDs...)
	if reduce.BuildPayload == nil {
		reduce.BuildPayload = func(results map[string]interface{}) ([]byte, error) {
			ordered := make([]interface{}, 0, len(mapIDs))
			for _, mid := range mapIDs {
				ordered = append(ordered, results[mid])
			}
			return json.Marshal(ordered)
		}
	}
	if err := w.Add(reduce); err != nil {
		return nil, err
	}
	return w, w.Validate()
}
