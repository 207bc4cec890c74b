package pattern

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/macaron-dev/macaron/pkg/bus"
	"github.com/macaron-dev/macaron/pkg/models"
)

func runSolo(ctx context.Context, rs *runState) error {
	node := rs.orderedNodes()[0]
	_, err := rs.executeNode(ctx, node.NodeID, rs.req.Task, "", "")
	return err
}

// runSequential walks the topological order, feeding each node the
// compressed output of everyone before it. The last node addresses the
// first, closing the round trip.
func runSequential(ctx context.Context, rs *runState) error {
	order := rs.topoOrder()
	var entries []string
	for i, nodeID := range order {
		next := rs.run.Node(order[(i+1)%len(order)])
		output, err := rs.executeNode(ctx, nodeID, rs.req.Task, CompressContext(entries), next.AgentID)
		if err != nil {
			return err
		}
		entries = append(entries, entryFor(rs.run.Node(nodeID).Agent.Name, output))
	}
	return nil
}

// runParallel fans the task out: the first node dispatches, nodes on
// parallel edges work concurrently on the dispatcher's instructions,
// and the leftover node (if any) aggregates for the dispatcher.
func runParallel(ctx context.Context, rs *runState) error {
	nodes := rs.orderedNodes()
	dispatcher := nodes[0]

	workerSet := make(map[string]bool)
	for _, e := range rs.req.Pattern.Edges {
		if e.Type == models.EdgeParallel && e.To != dispatcher.NodeID {
			workerSet[e.To] = true
		}
	}

	var workers []*models.NodeState
	var aggregator *models.NodeState
	for _, n := range nodes[1:] {
		switch {
		case workerSet[n.NodeID] || len(workerSet) == 0:
			workers = append(workers, n)
		case aggregator == nil:
			aggregator = n
		default:
			workers = append(workers, n)
		}
	}

	rs.setFlowStep(stageLabel(rs.req.FlowStep, "dispatch"))
	brief, err := rs.executeNode(ctx, dispatcher.NodeID, rs.req.Task, "", "")
	if err != nil {
		return err
	}

	rs.setFlowStep(stageLabel(rs.req.FlowStep, "parallel work"))
	reportTo := dispatcher.AgentID
	if aggregator != nil {
		reportTo = aggregator.AgentID
	}
	entries, err := rs.fanOut(ctx, workers, rs.req.Task, brief, reportTo)
	if err != nil {
		return err
	}

	if aggregator != nil {
		rs.setFlowStep(stageLabel(rs.req.FlowStep, "aggregation"))
		task := "Consolidate your colleagues' contributions below into one coherent deliverable for the original task: " + rs.req.Task
		if _, err := rs.executeNode(ctx, aggregator.NodeID, task, CompressContext(entries), dispatcher.AgentID); err != nil {
			return err
		}
	}
	return nil
}

// runAggregator runs every contributor concurrently, then the
// aggregator folds their outputs. The aggregator is the target of an
// aggregate edge, or the last node by default.
func runAggregator(ctx context.Context, rs *runState) error {
	nodes := rs.orderedNodes()
	aggregator := nodes[len(nodes)-1]
	for _, e := range rs.req.Pattern.Edges {
		if e.Type == models.EdgeAggregate {
			if n := rs.run.Node(e.To); n != nil {
				aggregator = n
				break
			}
		}
	}

	var contributors []*models.NodeState
	for _, n := range nodes {
		if n.NodeID != aggregator.NodeID {
			contributors = append(contributors, n)
		}
	}

	rs.setFlowStep(stageLabel(rs.req.FlowStep, "contributions"))
	entries, err := rs.fanOut(ctx, contributors, rs.req.Task, "", aggregator.AgentID)
	if err != nil {
		return err
	}

	rs.setFlowStep(stageLabel(rs.req.FlowStep, "aggregation"))
	task := "Consolidate your colleagues' contributions below into one coherent deliverable for the original task: " + rs.req.Task
	_, err = rs.executeNode(ctx, aggregator.NodeID, task, CompressContext(entries), "")
	return err
}

// runRouter lets the first node classify the request and hands the work
// to exactly one specialist, which reports back to the router.
func runRouter(ctx context.Context, rs *runState) error {
	nodes := rs.orderedNodes()
	router := nodes[0]

	var routes strings.Builder
	for _, n := range nodes[1:] {
		fmt.Fprintf(&routes, "- %s: %s (%s)\n", n.NodeID, n.Agent.Name, n.Agent.Role)
	}
	routeTask := rs.req.Task + "\n\nROUTING: pick exactly one specialist for this request and end your answer with [ROUTE: <id>]. Specialists:\n" + routes.String()

	rs.setFlowStep(stageLabel(rs.req.FlowStep, "routing"))
	decision, err := rs.executeNode(ctx, router.NodeID, routeTask, "", "")
	if err != nil {
		return err
	}

	routeID := parseRoute(decision)
	target := rs.run.Node(routeID)
	if target == nil || target.NodeID == router.NodeID {
		return fmt.Errorf("router produced no valid route (got %q)", routeID)
	}

	rs.setFlowStep(stageLabel(rs.req.FlowStep, "specialist"))
	_, err = rs.executeNode(ctx, target.NodeID, rs.req.Task, decision, router.AgentID)
	return err
}

// runWave executes the dependency graph in waves: everything whose
// prerequisites are settled runs concurrently, then the next wave.
func runWave(ctx context.Context, rs *runState) error {
	waves := rs.computeWaves()
	var entries []string
	for i, wave := range waves {
		rs.setFlowStep(stageLabel(rs.req.FlowStep, fmt.Sprintf("wave %d", i+1)))
		waveEntries, err := rs.fanOut(ctx, wave, rs.req.Task, CompressContext(entries), "")
		if err != nil {
			return err
		}
		entries = append(entries, waveEntries...)
	}
	return nil
}

// runHumanInLoop is sequential execution where agentless slots become
// non-blocking checkpoints: the event and transcript record that a
// human look is wanted, and the run moves on. Whether to actually wait
// is the orchestrator's call.
func runHumanInLoop(ctx context.Context, rs *runState) error {
	question := rs.req.Pattern.Config.CheckpointMessage
	if question == "" {
		question = "Validation humaine requise avant de poursuivre."
	}

	var entries []string
	for _, node := range rs.orderedNodes() {
		if node.AgentID == "" {
			rs.checkpoint(ctx, node, question)
			continue
		}
		output, err := rs.executeNode(ctx, node.NodeID, rs.req.Task, CompressContext(entries), "")
		if err != nil {
			return err
		}
		entries = append(entries, entryFor(node.Agent.Name, output))
	}
	return nil
}

func (rs *runState) checkpoint(ctx context.Context, node *models.NodeState, question string) {
	node.Status = models.NodeCompleted
	node.Output = question

	ev := bus.Checkpoint(rs.req.PhaseID, question)
	ev["requires_input"] = true
	ev["node_id"] = node.NodeID
	rs.emit(ev)

	if rs.engine.db == nil {
		return
	}
	msg := &models.Message{
		SessionID: rs.req.SessionID,
		FromAgent: models.SenderSystem,
		ToAgent:   models.RecipientAll,
		Type:      models.MessageCheckpoint,
		Content:   question,
	}
	if err := rs.engine.db.AppendMessage(ctx, msg); err != nil {
		slog.Warn("Failed to persist checkpoint message",
			"session_id", rs.req.SessionID, "error", err)
	}
}

// fanOut runs a set of nodes concurrently on the same task and returns
// their outputs as context entries in node order. Node-level failures
// land in node state; only structural errors propagate.
func (rs *runState) fanOut(ctx context.Context, nodes []*models.NodeState, task, contextFrom, toAgent string) ([]string, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	outputs := make([]string, len(nodes))
	var g errgroup.Group
	for i, node := range nodes {
		g.Go(func() error {
			output, err := rs.executeNode(ctx, node.NodeID, task, contextFrom, toAgent)
			outputs[i] = output
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	entries := make([]string, 0, len(nodes))
	for i, node := range nodes {
		entries = append(entries, entryFor(node.Agent.Name, outputs[i]))
	}
	return entries, nil
}

// topoOrder orders nodes by their sequential and parallel edges,
// keeping declaration order among peers. Cycles fall back to
// declaration order for whatever remains.
func (rs *runState) topoOrder() []string {
	refs := rs.req.Pattern.Agents
	indeg := make(map[string]int, len(refs))
	adj := make(map[string][]string)
	for _, ref := range refs {
		indeg[ref.NodeID] = 0
	}
	for _, e := range rs.req.Pattern.Edges {
		if e.Type != models.EdgeSequential && e.Type != models.EdgeParallel {
			continue
		}
		if _, ok := indeg[e.From]; !ok {
			continue
		}
		if _, ok := indeg[e.To]; !ok {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
		indeg[e.To]++
	}

	order := make([]string, 0, len(refs))
	done := make(map[string]bool, len(refs))
	for len(order) < len(refs) {
		progressed := false
		for _, ref := range refs {
			if done[ref.NodeID] || indeg[ref.NodeID] > 0 {
				continue
			}
			done[ref.NodeID] = true
			order = append(order, ref.NodeID)
			for _, to := range adj[ref.NodeID] {
				indeg[to]--
			}
			progressed = true
		}
		if !progressed {
			for _, ref := range refs {
				if !done[ref.NodeID] {
					done[ref.NodeID] = true
					order = append(order, ref.NodeID)
				}
			}
		}
	}
	return order
}

// computeWaves groups nodes into dependency layers. Forward edge types
// count as dependencies; report, feedback, bidirectional and checkpoint
// edges describe communication, not ordering. Unsatisfiable nodes
// (cycles) run together in a final wave.
func (rs *runState) computeWaves() [][]*models.NodeState {
	deps := make(map[string][]string)
	for _, e := range rs.req.Pattern.Edges {
		switch e.Type {
		case models.EdgeSequential, models.EdgeParallel, models.EdgeDelegate,
			models.EdgeAggregate, models.EdgeRoute:
			deps[e.To] = append(deps[e.To], e.From)
		}
	}

	settled := make(map[string]bool)
	remaining := rs.orderedNodes()
	var waves [][]*models.NodeState
	for len(remaining) > 0 {
		var wave, next []*models.NodeState
		for _, n := range remaining {
			ready := true
			for _, dep := range deps[n.NodeID] {
				if !settled[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, n)
			} else {
				next = append(next, n)
			}
		}
		if len(wave) == 0 {
			waves = append(waves, next)
			break
		}
		for _, n := range wave {
			settled[n.NodeID] = true
		}
		waves = append(waves, wave)
		remaining = next
	}
	return waves
}

// stageLabel composes the flow step shown in memory keys and metadata.
func stageLabel(base, stage string) string {
	if base == "" {
		return stage
	}
	return base + " / " + stage
}
