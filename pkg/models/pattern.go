package models

// PatternType identifies the collaboration topology of a pattern.
type PatternType string

const (
	PatternSolo         PatternType = "solo"
	PatternSequential   PatternType = "sequential"
	PatternParallel     PatternType = "parallel"
	PatternLoop         PatternType = "loop"
	PatternHierarchical PatternType = "hierarchical"
	PatternNetwork      PatternType = "network"
	PatternRouter       PatternType = "router"
	PatternAggregator   PatternType = "aggregator"
	PatternWave         PatternType = "wave"
	PatternHumanInLoop  PatternType = "human-in-the-loop"
)

// EdgeType classifies a pattern edge.
type EdgeType string

const (
	EdgeSequential    EdgeType = "sequential"
	EdgeParallel      EdgeType = "parallel"
	EdgeDelegate      EdgeType = "delegate"
	EdgeReport        EdgeType = "report"
	EdgeBidirectional EdgeType = "bidirectional"
	EdgeFeedback      EdgeType = "feedback"
	EdgeCheckpoint    EdgeType = "checkpoint"
	EdgeAggregate     EdgeType = "aggregate"
	EdgeRoute         EdgeType = "route"
)

// NodeStatus is the runtime status of one agent slot in a pattern run.
// Values are persisted inside event payloads and transcripts, so they keep
// their historical uppercase form.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeVetoed    NodeStatus = "VETOED"
	NodeFailed    NodeStatus = "FAILED"
)

// Terminal reports whether the status can no longer change within the run.
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeVetoed || s == NodeFailed
}

// NodeRef binds a graph-local node id to an agent definition. AgentID is
// empty for human slots in human-in-the-loop patterns.
type NodeRef struct {
	NodeID  string `json:"node_id" yaml:"node_id"`
	AgentID string `json:"agent_id,omitempty" yaml:"agent_id"`
}

// PatternEdge is one directed relation between two nodes.
type PatternEdge struct {
	From string   `json:"from" yaml:"from"`
	To   string   `json:"to" yaml:"to"`
	Type EdgeType `json:"type" yaml:"type"`
}

// PatternConfig carries the per-pattern tuning knobs.
type PatternConfig struct {
	MaxIterations     int    `json:"max_iterations,omitempty" yaml:"max_iterations"`
	MaxRounds         int    `json:"max_rounds,omitempty" yaml:"max_rounds"`
	CheckpointMessage string `json:"checkpoint_message,omitempty" yaml:"checkpoint_message"`
}

// PatternDef is a pattern graph: a topology type plus its agent slots and
// edges. Definitions come from the pattern registry or are synthesized by
// the orchestrator from a workflow phase.
type PatternDef struct {
	ID     string        `json:"id" yaml:"id"`
	Name   string        `json:"name" yaml:"name"`
	Type   PatternType   `json:"type" yaml:"type"`
	Agents []NodeRef     `json:"agents" yaml:"agents"`
	Edges  []PatternEdge `json:"edges,omitempty" yaml:"edges"`
	Config PatternConfig `json:"config,omitempty" yaml:"config"`
}

// NodeState is the runtime state of one agent slot inside a pattern run.
// It is created at run init and mutated only by the pattern engine.
type NodeState struct {
	NodeID  string           `json:"node_id"`
	AgentID string           `json:"agent_id,omitempty"`
	Agent   *AgentDef        `json:"-"`
	Status  NodeStatus       `json:"status"`
	Result  *ExecutionResult `json:"result,omitempty"`
	Output  string           `json:"output,omitempty"`
}

// PatternRun is the ephemeral execution state of one pattern invocation.
// It is created when the engine starts and owned exclusively by it until
// the run returns.
type PatternRun struct {
	Pattern       *PatternDef           `json:"pattern"`
	SessionID     string                `json:"session_id"`
	ProjectID     string                `json:"project_id,omitempty"`
	ProjectPath   string                `json:"project_path,omitempty"`
	PhaseID       string                `json:"phase_id,omitempty"`
	Nodes         map[string]*NodeState `json:"nodes"`
	Iteration     int                   `json:"iteration"`
	MaxIterations int                   `json:"max_iterations"`
	Finished      bool                  `json:"finished"`
	Success       bool                  `json:"success"`
	Error         string                `json:"error,omitempty"`
	FlowStep      string                `json:"flow_step,omitempty"`
}

// Node returns the state for a node id, or nil.
func (r *PatternRun) Node(id string) *NodeState {
	return r.Nodes[id]
}
