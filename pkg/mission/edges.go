package mission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/macaron-dev/macaron/pkg/models"
)

// humanNodeID is the agentless slot appended to synthesized
// human-in-the-loop patterns. The engine turns it into a checkpoint.
const humanNodeID = "human-validation"

// buildPattern resolves the phase's pattern template. A template that
// declares its own agent slots is used as configured; a bare topology
// template is synthesized from the phase's agent team.
func (o *Orchestrator) buildPattern(ctx context.Context, st *missionState, idx int) (*models.PatternDef, error) {
	wfPhase := st.wf.Phases[idx]
	tmpl, err := o.patterns.Get(wfPhase.PatternID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pattern %q: %w", wfPhase.PatternID, err)
	}

	if len(tmpl.Agents) > 0 {
		pat := *tmpl
		if wfPhase.Config.MaxIterations > 0 {
			pat.Config.MaxIterations = wfPhase.Config.MaxIterations
		}
		return &pat, nil
	}

	ordered := orderForType(tmpl.Type, wfPhase.Config.AgentIDs, wfPhase.Config.Leader)
	defs := make(map[string]*models.AgentDef, len(ordered))
	for _, id := range ordered {
		a, err := o.agents.GetAgent(ctx, id)
		if err != nil {
			// The engine fails the node properly if the agent is gone;
			// here it only costs the rank-aware edges.
			slog.Warn("Agent lookup failed while building pattern",
				"agent_id", id, "phase", wfPhase.PhaseID, "error", err)
			continue
		}
		defs[id] = a
	}

	nodes := make([]models.NodeRef, 0, len(ordered)+1)
	for _, id := range ordered {
		nodes = append(nodes, models.NodeRef{NodeID: id, AgentID: id})
	}
	if tmpl.Type == models.PatternHumanInLoop {
		nodes = append(nodes, models.NodeRef{NodeID: humanNodeID})
	}

	cfg := tmpl.Config
	if wfPhase.Config.MaxIterations > 0 {
		cfg.MaxIterations = wfPhase.Config.MaxIterations
	}

	return &models.PatternDef{
		ID:     wfPhase.PatternID + ":" + wfPhase.PhaseID,
		Name:   wfPhase.Name,
		Type:   tmpl.Type,
		Agents: nodes,
		Edges:  BuildEdges(tmpl.Type, nodes, defs),
		Config: cfg,
	}, nil
}

// orderForType places the configured leader where the topology expects
// it: first for leader-driven patterns, last for aggregators (which
// fold their colleagues' output), untouched elsewhere.
func orderForType(t models.PatternType, agentIDs []string, leader string) []string {
	out := make([]string, len(agentIDs))
	copy(out, agentIDs)
	if leader == "" {
		return out
	}
	idx := -1
	for i, id := range out {
		if id == leader {
			idx = i
			break
		}
	}
	if idx < 0 {
		return out
	}
	switch t {
	case models.PatternNetwork, models.PatternHierarchical, models.PatternRouter, models.PatternParallel:
		out = append(out[:idx], out[idx+1:]...)
		out = append([]string{leader}, out...)
	case models.PatternAggregator:
		out = append(out[:idx], out[idx+1:]...)
		out = append(out, leader)
	}
	return out
}

// BuildEdges derives the communication graph for a synthesized pattern.
// Edges of type sequential and parallel drive execution order; the rest
// describe who talks to whom (transcript routing and the session graph).
func BuildEdges(t models.PatternType, nodes []models.NodeRef, agents map[string]*models.AgentDef) []models.PatternEdge {
	if len(nodes) < 2 {
		return nil
	}
	var edges []models.PatternEdge
	add := func(from, to string, et models.EdgeType) {
		edges = append(edges, models.PatternEdge{From: from, To: to, Type: et})
	}
	isWorker := func(ref models.NodeRef) bool {
		a := agents[ref.AgentID]
		return a != nil && a.IsWorker()
	}

	switch t {
	case models.PatternSequential:
		for i := 0; i+1 < len(nodes); i++ {
			add(nodes[i].NodeID, nodes[i+1].NodeID, models.EdgeSequential)
		}
		// With three or more stages the last reviewer can send work back.
		if len(nodes) >= 3 {
			add(nodes[len(nodes)-1].NodeID, nodes[0].NodeID, models.EdgeFeedback)
		}

	case models.PatternNetwork, models.PatternHierarchical:
		leader, followers := nodes[0], nodes[1:]
		for _, f := range followers {
			add(leader.NodeID, f.NodeID, models.EdgeDelegate)
			add(f.NodeID, leader.NodeID, models.EdgeReport)
		}
		for i := 0; i < len(followers); i++ {
			for j := i + 1; j < len(followers); j++ {
				// Hierarchies restrict peer chatter to the worker band.
				if t == models.PatternHierarchical && !(isWorker(followers[i]) && isWorker(followers[j])) {
					continue
				}
				add(followers[i].NodeID, followers[j].NodeID, models.EdgeBidirectional)
			}
		}

	case models.PatternAggregator:
		agg, contributors := nodes[len(nodes)-1], nodes[:len(nodes)-1]
		for _, c := range contributors {
			add(c.NodeID, agg.NodeID, models.EdgeReport)
		}
		for i := 0; i < len(contributors); i++ {
			for j := i + 1; j < len(contributors); j++ {
				add(contributors[i].NodeID, contributors[j].NodeID, models.EdgeBidirectional)
			}
		}

	case models.PatternRouter:
		router := nodes[0]
		for _, n := range nodes[1:] {
			add(router.NodeID, n.NodeID, models.EdgeRoute)
			add(n.NodeID, router.NodeID, models.EdgeReport)
		}

	case models.PatternParallel:
		dispatcher := nodes[0]
		for _, n := range nodes[1:] {
			add(dispatcher.NodeID, n.NodeID, models.EdgeDelegate)
			add(n.NodeID, dispatcher.NodeID, models.EdgeReport)
		}

	case models.PatternLoop:
		add(nodes[0].NodeID, nodes[1].NodeID, models.EdgeSequential)
		add(nodes[1].NodeID, nodes[0].NodeID, models.EdgeFeedback)

	case models.PatternHumanInLoop:
		var agentNodes []models.NodeRef
		for _, n := range nodes {
			if n.AgentID != "" {
				agentNodes = append(agentNodes, n)
			}
		}
		if len(agentNodes) < 2 {
			return nil
		}
		leader, followers := agentNodes[0], agentNodes[1:]
		for _, f := range followers {
			add(f.NodeID, leader.NodeID, models.EdgeReport)
		}
		for i := 0; i < len(followers); i++ {
			for j := i + 1; j < len(followers); j++ {
				add(followers[i].NodeID, followers[j].NodeID, models.EdgeBidirectional)
			}
		}
	}
	// solo and wave carry no synthesized edges: solo has nothing to
	// connect, wave graphs come from explicit pattern definitions.
	return edges
}
