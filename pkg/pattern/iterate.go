package pattern

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/macaron-dev/macaron/pkg/models"
)

const (
	defaultLoopIterations = 5
	defaultDebateRounds   = 3
	maxOuterIterations    = 3
	maxInnerIterations    = 2
)

// runLoop alternates a producer and a reviewer. A veto reopens both
// nodes and feeds the review back to the producer; anything else ends
// the loop.
func runLoop(ctx context.Context, rs *runState) error {
	nodes := rs.orderedNodes()
	if len(nodes) < 2 {
		return fmt.Errorf("loop pattern needs a producer and a reviewer")
	}
	producer, reviewer := nodes[0], nodes[1]

	maxIter := rs.req.Pattern.Config.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultLoopIterations
	}
	rs.run.MaxIterations = maxIter

	feedback := ""
	for iter := 1; iter <= maxIter; iter++ {
		rs.run.Iteration = iter
		rs.setFlowStep(stageLabel(rs.req.FlowStep, fmt.Sprintf("iteration %d/%d", iter, maxIter)))

		produced, err := rs.executeNode(ctx, producer.NodeID, rs.req.Task, feedback, reviewer.AgentID)
		if err != nil {
			return err
		}
		review, err := rs.executeNode(ctx, reviewer.NodeID,
			"Review your colleague's work against the task: "+rs.req.Task,
			produced, producer.AgentID)
		if err != nil {
			return err
		}

		if reviewer.Status == models.NodeVetoed && iter < maxIter {
			producer.Status = models.NodePending
			reviewer.Status = models.NodePending
			feedback = review
			continue
		}
		break
	}
	return nil
}

// runHierarchical has a manager decompose the task, workers execute the
// subtasks, the manager check completeness, and QA gate the result. A
// QA veto reopens the whole team with the veto reasons prepended to the
// next decomposition.
func runHierarchical(ctx context.Context, rs *runState) error {
	manager, workers, qa := rs.classifyHierarchy()
	if manager == nil || len(workers) == 0 {
		return fmt.Errorf("hierarchical pattern needs a manager and at least one worker")
	}

	qaFeedback := ""
	for outer := 1; outer <= maxOuterIterations; outer++ {
		rs.run.Iteration = outer
		rs.setFlowStep(stageLabel(rs.req.FlowStep, fmt.Sprintf("decomposition %d", outer)))

		decomposition, err := rs.executeNode(ctx, manager.NodeID,
			"Decompose the task below into concrete subtasks for your team, one per line, each formatted exactly as [SUBTASK N]: description.\n\n"+rs.req.Task,
			qaFeedback, "")
		if err != nil {
			return err
		}
		subtasks := parseSubtasks(decomposition)
		if len(subtasks) == 0 {
			subtasks = []string{rs.req.Task}
		}

		var workerEntries []string
		for inner := 1; inner <= maxInnerIterations; inner++ {
			rs.setFlowStep(stageLabel(rs.req.FlowStep, fmt.Sprintf("execution %d.%d", outer, inner)))
			workerEntries, err = rs.executeSubtasks(ctx, workers, subtasks, manager.AgentID)
			if err != nil {
				return err
			}

			rs.setFlowStep(stageLabel(rs.req.FlowStep, fmt.Sprintf("completeness review %d.%d", outer, inner)))
			review, err := rs.executeNode(ctx, manager.NodeID,
				"Review your team's work below for completeness. You MUST answer with [COMPLETE] or [INCOMPLETE]; on [INCOMPLETE], re-issue the missing work as [SUBTASK N]: description lines.\n\nOriginal task: "+rs.req.Task,
				CompressContext(workerEntries), "")
			if err != nil {
				return err
			}
			if reviewComplete(review) {
				break
			}
			if redo := parseSubtasks(review); len(redo) > 0 {
				subtasks = redo
			}
			// Inner budget exhausted: hand whatever exists to QA.
		}

		rs.setFlowStep(stageLabel(rs.req.FlowStep, fmt.Sprintf("qa validation %d", outer)))
		if _, err := rs.fanOut(ctx, qa,
			"Validate the team's work below against the original task: "+rs.req.Task,
			CompressContext(workerEntries), manager.AgentID); err != nil {
			return err
		}

		var vetoes []string
		for _, q := range qa {
			if q.Status == models.NodeVetoed {
				vetoes = append(vetoes, q.Output)
			}
		}
		if len(vetoes) == 0 {
			return nil
		}
		if outer == maxOuterIterations {
			return fmt.Errorf("unresolved QA vetoes after %d iterations", maxOuterIterations)
		}
		qaFeedback = "Previous iteration was vetoed by QA. Address every point below.\n\n" + strings.Join(vetoes, "\n\n")
		rs.reopenNodes()
	}
	return nil
}

// executeSubtasks round-robins subtasks over the workers and runs the
// assigned batches concurrently. Workers with nothing assigned stay
// PENDING.
func (rs *runState) executeSubtasks(ctx context.Context, workers []*models.NodeState, subtasks []string, managerID string) ([]string, error) {
	assignments := make([][]string, len(workers))
	for i, st := range subtasks {
		w := i % len(workers)
		assignments[w] = append(assignments[w], st)
	}

	outputs := make([]string, len(workers))
	var g errgroup.Group
	for i, w := range workers {
		if len(assignments[i]) == 0 {
			continue
		}
		g.Go(func() error {
			task := "Execute your assigned subtasks:\n" + formatSubtasks(assignments[i])
			out, err := rs.executeNode(ctx, w.NodeID, task, "", managerID)
			outputs[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var entries []string
	for i, w := range workers {
		if len(assignments[i]) == 0 {
			continue
		}
		entries = append(entries, entryFor(w.Agent.Name, outputs[i]))
	}
	return entries, nil
}

// classifyHierarchy splits nodes into manager, workers and QA. The
// first leadership-flagged agent manages; qa/test roles gate; everyone
// else works.
func (rs *runState) classifyHierarchy() (*models.NodeState, []*models.NodeState, []*models.NodeState) {
	var (
		manager *models.NodeState
		workers []*models.NodeState
		qa      []*models.NodeState
	)
	for _, n := range rs.orderedNodes() {
		if n.Agent == nil {
			continue
		}
		role := strings.ToLower(n.Agent.Role)
		switch {
		case manager == nil && (strings.Contains(role, "lead") || n.Agent.IsSenior()):
			manager = n
		case strings.Contains(role, "qa") || strings.Contains(role, "test"):
			qa = append(qa, n)
		default:
			workers = append(workers, n)
		}
	}
	if manager == nil && len(workers) > 0 {
		manager, workers = workers[0], workers[1:]
	}
	return manager, workers, qa
}

// reopenNodes resets every node for another outer iteration.
func (rs *runState) reopenNodes() {
	for _, n := range rs.run.Nodes {
		n.Status = models.NodePending
	}
}

// runNetwork stages a moderated debate: the first node briefs and
// finally synthesizes; the others argue in parallel rounds, each round
// seeing a compressed view of the previous one.
func runNetwork(ctx context.Context, rs *runState) error {
	nodes := rs.orderedNodes()
	judge := nodes[0]
	debaters := nodes[1:]
	if len(debaters) == 0 {
		return fmt.Errorf("network pattern needs at least one debater")
	}

	maxRounds := rs.req.Pattern.Config.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultDebateRounds
	}

	rs.setFlowStep(stageLabel(rs.req.FlowStep, "briefing"))
	brief, err := rs.executeNode(ctx, judge.NodeID,
		"Brief your panel: frame the question, the constraints, and what a winning argument looks like.\n\n"+rs.req.Task,
		"", "")
	if err != nil {
		return err
	}

	prior := []string{entryFor(judge.Agent.Name, brief)}
	for round := 1; round <= maxRounds; round++ {
		rs.run.Iteration = round
		rs.setFlowStep(stageLabel(rs.req.FlowStep, fmt.Sprintf("debate round %d/%d", round, maxRounds)))
		entries, err := rs.fanOut(ctx, debaters,
			rs.req.Task+"\n\nDEBATE: respond to the prior round, attack weak arguments, concede strong ones.",
			CompressContext(prior), "")
		if err != nil {
			return err
		}
		prior = entries
	}

	rs.setFlowStep(stageLabel(rs.req.FlowStep, "synthesis"))
	_, err = rs.executeNode(ctx, judge.NodeID,
		"Synthesize the debate into a final, defensible answer to the original task: "+rs.req.Task,
		CompressContext(prior), "")
	return err
}
