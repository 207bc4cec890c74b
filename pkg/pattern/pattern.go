// Package pattern executes collaboration graphs over agents. A pattern
// declares a topology (solo, sequential, parallel, loop, hierarchical,
// network, router, aggregator, wave, human-in-the-loop); the engine
// resolves the agents, drives the nodes per topology, compresses context
// between turns, persists the conversation, and distills key output into
// project memory. One Engine serves every run; all per-run state lives
// in the PatternRun.
package pattern

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/macaron-dev/macaron/pkg/agent"
	"github.com/macaron-dev/macaron/pkg/bus"
	"github.com/macaron-dev/macaron/pkg/models"
)

// AgentRunner executes a single agent turn. *agent.Executor satisfies it.
type AgentRunner interface {
	Run(ctx context.Context, execCtx *agent.ExecutionContext, message string) *models.ExecutionResult
	RunStreaming(ctx context.Context, execCtx *agent.ExecutionContext, message string) <-chan agent.StreamEvent
}

// AgentSource resolves agent definitions. *store.Store satisfies it.
type AgentSource interface {
	GetAgent(ctx context.Context, id string) (*models.AgentDef, error)
}

// Store is the persistence slice the engine needs: transcripts in,
// distilled memory out. *store.Store satisfies it.
type Store interface {
	AppendMessage(ctx context.Context, m *models.Message) error
	LastMessages(ctx context.Context, sessionID string, n int) ([]*models.Message, error)
	UpsertProjectMemory(ctx context.Context, e *models.MemoryEntry) error
	ListProjectMemory(ctx context.Context, projectID, category string, limit int) ([]*models.MemoryEntry, error)
}

// Request describes one pattern invocation. Vision and Context arrive
// from the orchestrator (mission brief, prior phase summaries); the
// engine threads them into every node's execution context.
type Request struct {
	Pattern     *models.PatternDef
	SessionID   string
	ProjectID   string
	ProjectPath string
	PhaseID     string
	FlowStep    string
	Task        string
	Vision      string
	Context     string
	Events      *bus.Dispatcher
}

// OutputGuard validates a node's final output before the engine accepts
// it. *guard.Validator satisfies it.
type OutputGuard interface {
	Check(ctx context.Context, patternType models.PatternType, role, task, content string, toolsUsed []string) (bool, string)
}

// Engine runs pattern graphs.
type Engine struct {
	runner AgentRunner
	agents AgentSource
	db     Store
	guard  OutputGuard
}

// New wires a pattern engine. db may be nil for transient runs that
// should not persist anything.
func New(runner AgentRunner, agents AgentSource, db Store) *Engine {
	return &Engine{runner: runner, agents: agents, db: db}
}

// WithGuard attaches an output validator. Rejected outputs fail their
// node; the transcript keeps the message so the rejection is auditable.
func (e *Engine) WithGuard(g OutputGuard) *Engine {
	e.guard = g
	return e
}

type runnerFunc func(ctx context.Context, rs *runState) error

func (e *Engine) runnerFor(t models.PatternType) runnerFunc {
	switch t {
	case models.PatternSolo:
		return runSolo
	case models.PatternSequential:
		return runSequential
	case models.PatternParallel:
		return runParallel
	case models.PatternLoop:
		return runLoop
	case models.PatternHierarchical:
		return runHierarchical
	case models.PatternNetwork:
		return runNetwork
	case models.PatternRouter:
		return runRouter
	case models.PatternAggregator:
		return runAggregator
	case models.PatternWave:
		return runWave
	case models.PatternHumanInLoop:
		return runHumanInLoop
	default:
		return nil
	}
}

// Run executes one pattern to completion. It always returns a finished
// PatternRun; engine-level failures land in run.Error with the untouched
// nodes left PENDING.
func (e *Engine) Run(ctx context.Context, req Request) *models.PatternRun {
	run := &models.PatternRun{
		Pattern:       req.Pattern,
		SessionID:     req.SessionID,
		ProjectID:     req.ProjectID,
		ProjectPath:   req.ProjectPath,
		PhaseID:       req.PhaseID,
		FlowStep:      req.FlowStep,
		Nodes:         make(map[string]*models.NodeState, len(req.Pattern.Agents)),
		MaxIterations: req.Pattern.Config.MaxIterations,
	}
	for _, ref := range req.Pattern.Agents {
		run.Nodes[ref.NodeID] = &models.NodeState{
			NodeID:  ref.NodeID,
			AgentID: ref.AgentID,
			Status:  models.NodePending,
		}
	}

	rs := &runState{engine: e, req: req, run: run}
	rs.emit(bus.PatternStart(req.Pattern.ID, string(req.Pattern.Type)))
	started := time.Now()

	if len(req.Pattern.Agents) == 0 {
		run.Finished = true
		run.Success = true
		rs.emitEnd()
		return run
	}

	runner := e.runnerFor(req.Pattern.Type)
	// Any pattern with a single agent node degenerates to solo.
	if len(req.Pattern.Agents) == 1 && req.Pattern.Agents[0].AgentID != "" {
		runner = runSolo
	}

	if err := rs.resolveAgents(ctx); err != nil {
		run.Error = err.Error()
	} else if runner == nil {
		run.Error = fmt.Sprintf("unknown pattern type %q", req.Pattern.Type)
	} else if err := runner(ctx, rs); err != nil {
		run.Error = err.Error()
	}

	run.Finished = true
	run.Success = run.Error == "" && nodesSucceeded(run)
	rs.emitEnd()

	slog.Info("Pattern run finished",
		"pattern", req.Pattern.ID,
		"type", req.Pattern.Type,
		"session_id", req.SessionID,
		"success", run.Success,
		"error", run.Error,
		"duration", time.Since(started).Round(time.Millisecond))
	return run
}

// nodesSucceeded applies the success rule: every node either completed
// or was never reached, and nobody vetoed.
func nodesSucceeded(run *models.PatternRun) bool {
	for _, n := range run.Nodes {
		switch n.Status {
		case models.NodeVetoed, models.NodeFailed, models.NodeRunning:
			return false
		}
	}
	return true
}
