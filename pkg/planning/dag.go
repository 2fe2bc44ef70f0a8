// Package planning builds the research plan: perspective discovery and the
// task DAG the orchestrator schedules from.
package planning

import (
	"fmt"
	"sort"
	"sync"
)

// TaskType identifies what kind of work a DAG node represents.
type TaskType string

const (
	TaskRoot       TaskType = "root"
	TaskSearch     TaskType = "search"
	TaskAnalyze    TaskType = "analyze"
	TaskFillGaps   TaskType = "fill_gaps"
	TaskSynthesize TaskType = "synthesize"
)

// NodeStatus is the lifecycle state of one node.
type NodeStatus string

const (
	NodePending  NodeStatus = "pending"
	NodeReady    NodeStatus = "ready"
	NodeRunning  NodeStatus = "running"
	NodeComplete NodeStatus = "complete"
	NodeFailed   NodeStatus = "failed"
)

// Node is one schedulable task. Result is owned by the node once it
// transitions to complete.
type Node struct {
	ID          string     `json:"id"`
	Type        TaskType   `json:"type"`
	Description string     `json:"description"`
	Deps        []string   `json:"deps,omitempty"`
	Status      NodeStatus `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Retries     int        `json:"retries"`
}

// DAG is the dependency graph of research tasks. Mutations take the write
// lock; reads take the read lock. The topological order is computed lazily
// and invalidated by structural changes.
type DAG struct {
	mu         sync.RWMutex
	nodes      map[string]*Node
	maxRetries int
	topo       []string // nil = stale
}

// NewDAG creates an empty DAG with the given per-node retry budget.
func NewDAG(maxRetries int) *DAG {
	return &DAG{nodes: make(map[string]*Node), maxRetries: maxRetries}
}

// AddNode inserts a node in pending state. Duplicate IDs are rejected.
func (d *DAG) AddNode(id string, taskType TaskType, description string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.nodes[id]; exists {
		return fmt.Errorf("dag: node %q already exists", id)
	}
	d.nodes[id] = &Node{ID: id, Type: taskType, Description: description, Status: NodePending}
	d.topo = nil
	return nil
}

// AddEdge makes dst depend on src. Edges that would close a cycle are
// rejected.
func (d *DAG) AddEdge(src, dst string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.nodes[src]; !ok {
		return fmt.Errorf("dag: unknown node %q", src)
	}
	node, ok := d.nodes[dst]
	if !ok {
		return fmt.Errorf("dag: unknown node %q", dst)
	}
	if src == dst || d.reaches(src, dst) {
		return fmt.Errorf("dag: edge %s -> %s would create a cycle", src, dst)
	}
	for _, dep := range node.Deps {
		if dep == src {
			return nil
		}
	}
	node.Deps = append(node.Deps, src)
	d.topo = nil
	return nil
}

// reaches reports whether start is reachable from goal by following
// dependency edges upward. Caller holds the lock.
func (d *DAG) reaches(start, goal string) bool {
	if start == goal {
		return true
	}
	node := d.nodes[start]
	for _, dep := range node.Deps {
		if d.reaches(dep, goal) {
			return true
		}
	}
	return false
}

// ReadyTasks returns pending nodes whose dependencies are all settled, in
// topological order with a stable secondary sort by node ID. Returned nodes
// are marked ready so repeated calls do not dispatch twice.
func (d *DAG) ReadyTasks() []Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	order := d.topoLocked()
	var ready []Node
	for _, id := range order {
		node := d.nodes[id]
		if node.Status != NodePending {
			continue
		}
		if !d.depsSettledLocked(node) {
			continue
		}
		node.Status = NodeReady
		ready = append(ready, *node)
	}
	return ready
}

// depsSettledLocked reports whether every dependency reached a terminal
// state. A permanently failed dependency still settles its dependents:
// whether enough of the fan-in survived is the downstream node's call, not
// the scheduler's. Caller holds the lock.
func (d *DAG) depsSettledLocked(node *Node) bool {
	for _, dep := range node.Deps {
		switch d.nodes[dep].Status {
		case NodeComplete, NodeFailed:
		default:
			return false
		}
	}
	return true
}

// topoLocked returns the cached topological order, recomputing it with
// Kahn's algorithm when stale. Ties break on node ID for reproducible
// dispatch order. Caller holds the lock.
func (d *DAG) topoLocked() []string {
	if d.topo != nil {
		return d.topo
	}

	indegree := make(map[string]int, len(d.nodes))
	dependents := make(map[string][]string, len(d.nodes))
	for id, node := range d.nodes {
		indegree[id] = len(node.Deps)
		for _, dep := range node.Deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(d.nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		next := dependents[id]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
		sort.Strings(frontier)
	}

	d.topo = order
	return order
}

// MarkRunning transitions a ready node to running.
func (d *DAG) MarkRunning(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[id]
	if !ok {
		return fmt.Errorf("dag: unknown node %q", id)
	}
	node.Status = NodeRunning
	return nil
}

// SetResult records a node's result and marks it complete.
func (d *DAG) SetResult(id string, payload any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[id]
	if !ok {
		return fmt.Errorf("dag: unknown node %q", id)
	}
	node.Result = payload
	node.Status = NodeComplete
	node.Error = ""
	return nil
}

// Fail marks a node failed with the given error.
func (d *DAG) Fail(id string, err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[id]
	if !ok {
		return fmt.Errorf("dag: unknown node %q", id)
	}
	node.Status = NodeFailed
	if err != nil {
		node.Error = err.Error()
	}
	return nil
}

// Retry resets a failed node to pending if its retry budget allows. Returns
// false when the budget is spent.
func (d *DAG) Retry(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[id]
	if !ok || node.Retries >= d.maxRetries {
		return false
	}
	node.Retries++
	node.Status = NodePending
	node.Error = ""
	return true
}

// AllComplete reports whether every node is terminal (complete or failed).
func (d *DAG) AllComplete() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, node := range d.nodes {
		if node.Status != NodeComplete && node.Status != NodeFailed {
			return false
		}
	}
	return true
}

// Node returns a snapshot copy of one node.
func (d *DAG) Node(id string) (Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	node, ok := d.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *node, true
}

// Nodes returns snapshot copies of all nodes in topological order.
func (d *DAG) Nodes() []Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	order := d.topoLocked()
	out := make([]Node, 0, len(order))
	for _, id := range order {
		out = append(out, *d.nodes[id])
	}
	return out
}

// NodesByType returns snapshot copies of nodes of one task type.
func (d *DAG) NodesByType(taskType TaskType) []Node {
	var out []Node
	for _, node := range d.Nodes() {
		if node.Type == taskType {
			out = append(out, node)
		}
	}
	return out
}
