package pattern

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/macaron-dev/macaron/pkg/agent"
	"github.com/macaron-dev/macaron/pkg/bus"
	"github.com/macaron-dev/macaron/pkg/models"
)

const (
	historyWindow   = 20
	memoryEntrySeen = 10

	statusThinking = "thinking"
	statusIdle     = "idle"
)

// runState is the engine's working view of one run. Parallel runners
// fan goroutines over disjoint nodes; the mutex covers the shared
// pieces (flow step, persisted message ordering is the store's seq).
type runState struct {
	engine *Engine
	req    Request
	run    *models.PatternRun

	mu sync.Mutex
}

func (rs *runState) emit(ev bus.Event) {
	if rs.req.Events != nil {
		rs.req.Events.Emit(ev)
	}
}

func (rs *runState) emitEnd() {
	ev := bus.PatternEnd(rs.req.Pattern.ID, string(rs.req.Pattern.Type), rs.run.Success)
	if rs.run.Error != "" {
		ev["error"] = rs.run.Error
	}
	rs.emit(ev)
}

func (rs *runState) setFlowStep(label string) {
	rs.mu.Lock()
	rs.run.FlowStep = label
	rs.mu.Unlock()
}

func (rs *runState) flowStep() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run.FlowStep
}

// resolveAgents loads every referenced agent definition. Human slots
// (empty agent id) stay unresolved on purpose.
func (rs *runState) resolveAgents(ctx context.Context) error {
	for _, ref := range rs.req.Pattern.Agents {
		if ref.AgentID == "" {
			continue
		}
		a, err := rs.engine.agents.GetAgent(ctx, ref.AgentID)
		if err != nil {
			return fmt.Errorf("failed to resolve agent %s: %w", ref.AgentID, err)
		}
		rs.run.Nodes[ref.NodeID].Agent = a
	}
	return nil
}

// orderedNodes returns node states in pattern declaration order.
func (rs *runState) orderedNodes() []*models.NodeState {
	out := make([]*models.NodeState, 0, len(rs.req.Pattern.Agents))
	for _, ref := range rs.req.Pattern.Agents {
		out = append(out, rs.run.Nodes[ref.NodeID])
	}
	return out
}

// executeNode runs one agent slot: status bookkeeping, context assembly,
// protocol-suffixed task composition, streamed execution with fallback,
// verdict detection, transcript persistence, and memory distillation.
// contextFrom carries the upstream colleague output; toAgent addresses
// the persisted message (empty means the whole team).
func (rs *runState) executeNode(ctx context.Context, nodeID, task, contextFrom, toAgent string) (string, error) {
	node := rs.run.Node(nodeID)
	if node == nil {
		return "", fmt.Errorf("unknown node %q", nodeID)
	}
	if node.Agent == nil {
		return "", fmt.Errorf("node %q has no resolved agent", nodeID)
	}

	node.Status = models.NodeRunning
	rs.emit(bus.AgentStatus(node.AgentID, statusThinking))

	execCtx := rs.buildExecutionContext(ctx, node.Agent)
	message := rs.composeTask(node.Agent, task, contextFrom)

	rs.emit(bus.StreamStart(node.AgentID))
	result := rs.streamNode(ctx, execCtx, message, node.AgentID)
	node.Result = result

	output := agent.StripProviderTokens(result.Content)
	node.Output = output

	if !result.Failed() && rs.engine.guard != nil {
		if ok, reason := rs.engine.guard.Check(ctx, rs.req.Pattern.Type, node.Agent.Role, task, output, toolNames(result.ToolCalls)); !ok {
			result.Error = "output rejected: " + reason
			slog.Warn("Agent output rejected by adversarial guard",
				"agent_id", node.AgentID, "session_id", rs.req.SessionID, "reason", reason)
		}
	}

	if result.Failed() {
		node.Status = models.NodeFailed
	} else {
		switch detectVerdict(output) {
		case verdictVeto:
			node.Status = models.NodeVetoed
		default:
			node.Status = models.NodeCompleted
		}
	}

	rs.persistMessage(ctx, node, output, toAgent)
	rs.emit(bus.StreamEnd(node.AgentID))
	rs.emit(bus.Message(node.AgentID, node.Agent.Role, output))
	rs.emit(bus.AgentStatus(node.AgentID, statusIdle))

	if rs.req.ProjectID != "" && !result.Failed() {
		rs.distillMemory(ctx, node, output)
	}

	if err := ctx.Err(); err != nil {
		return output, err
	}
	return output, nil
}

// streamNode consumes the streaming executor, forwarding filtered deltas
// to the bus. A broken stream falls back to a plain run.
func (rs *runState) streamNode(ctx context.Context, execCtx *agent.ExecutionContext, message, agentID string) *models.ExecutionResult {
	var (
		result *models.ExecutionResult
		filter streamFilter
	)
	for ev := range rs.engine.runner.RunStreaming(ctx, execCtx, message) {
		switch ev.Kind {
		case agent.StreamDelta:
			if out, tick := filter.push(ev.Delta); out != "" {
				rs.emit(bus.StreamDelta(agentID, out))
			} else if tick {
				rs.emit(bus.StreamThinking(agentID, "..."))
			}
		case agent.StreamThinking:
			if filter.tick() {
				rs.emit(bus.StreamThinking(agentID, "..."))
			}
		case agent.StreamResult:
			result = ev.Result
		}
	}
	if tail := filter.flush(); tail != "" {
		rs.emit(bus.StreamDelta(agentID, tail))
	}
	if result == nil {
		slog.Warn("Stream ended without result, falling back to blocking run",
			"agent_id", agentID, "session_id", rs.req.SessionID)
		result = rs.engine.runner.Run(ctx, execCtx, message)
	}
	return result
}

// buildExecutionContext assembles the per-turn context: recent session
// history, a project memory digest, and the tool gate. Tools open only
// when the run has a real workspace and the agent holds a builder role.
func (rs *runState) buildExecutionContext(ctx context.Context, a *models.AgentDef) *agent.ExecutionContext {
	execCtx := &agent.ExecutionContext{
		Agent:        a,
		SessionID:    rs.req.SessionID,
		ProjectID:    rs.req.ProjectID,
		ProjectPath:  rs.req.ProjectPath,
		PhaseID:      rs.req.PhaseID,
		Vision:       rs.req.Vision,
		Context:      rs.req.Context,
		ToolsEnabled: rs.req.ProjectPath != "" && isBuilderRole(a),
	}
	if rs.engine.db == nil {
		return execCtx
	}
	history, err := rs.engine.db.LastMessages(ctx, rs.req.SessionID, historyWindow)
	if err != nil {
		slog.Warn("Failed to load session history", "session_id", rs.req.SessionID, "error", err)
	} else {
		execCtx.History = history
	}
	if rs.req.ProjectID != "" {
		entries, err := rs.engine.db.ListProjectMemory(ctx, rs.req.ProjectID, "", memoryEntrySeen)
		if err != nil {
			slog.Warn("Failed to load project memory", "project_id", rs.req.ProjectID, "error", err)
		} else {
			execCtx.Memory = formatMemory(entries)
		}
	}
	return execCtx
}

// isBuilderRole reports whether the agent may touch the workspace:
// explicitly junior ranks or any hands-on engineering role.
func isBuilderRole(a *models.AgentDef) bool {
	if a.HierarchyRank >= 40 {
		return true
	}
	role := strings.ToLower(a.Role)
	for _, marker := range []string{"dev", "qa", "test", "devops", "sre", "security"} {
		if strings.Contains(role, marker) {
			return true
		}
	}
	return false
}

func formatMemory(entries []*models.MemoryEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "- %s: %s\n", e.Key, e.Value)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (rs *runState) persistMessage(ctx context.Context, node *models.NodeState, output, toAgent string) {
	if rs.engine.db == nil {
		return
	}
	if toAgent == "" {
		toAgent = models.RecipientAll
	}
	msgType := models.MessageText
	switch node.Status {
	case models.NodeVetoed:
		msgType = models.MessageVeto
	case models.NodeCompleted:
		if detectVerdict(output) == verdictApprove {
			msgType = models.MessageApprove
		}
	}
	msg := &models.Message{
		SessionID: rs.req.SessionID,
		FromAgent: node.AgentID,
		ToAgent:   toAgent,
		Type:      msgType,
		Content:   output,
		Metadata:  resultMetadata(node.Result, rs.req.Pattern.ID, rs.flowStep()),
	}
	if err := rs.engine.db.AppendMessage(ctx, msg); err != nil {
		slog.Warn("Failed to persist agent message",
			"session_id", rs.req.SessionID, "agent_id", node.AgentID, "error", err)
	}
}

func resultMetadata(result *models.ExecutionResult, patternID, flowStep string) map[string]any {
	if result == nil {
		return nil
	}
	md := map[string]any{
		"provider":    result.Provider,
		"model":       result.Model,
		"tokens_in":   result.TokensIn,
		"tokens_out":  result.TokensOut,
		"duration_ms": result.DurationMs,
		"pattern_id":  patternID,
	}
	if flowStep != "" {
		md["flow_step"] = flowStep
	}
	if len(result.ToolCalls) > 0 {
		md["tool_calls"] = toolNames(result.ToolCalls)
	}
	if result.Error != "" {
		md["error"] = result.Error
	}
	return md
}

func toolNames(calls []models.ToolCallSummary) []string {
	if len(calls) == 0 {
		return nil
	}
	names := make([]string, 0, len(calls))
	for _, tc := range calls {
		names = append(names, tc.Name)
	}
	return names
}

// distillMemory stores the agent's key takeaways in project memory so
// later phases inherit decisions without replaying transcripts.
func (rs *runState) distillMemory(ctx context.Context, node *models.NodeState, output string) {
	if rs.engine.db == nil || output == "" {
		return
	}
	value := distill(output)
	if value == "" {
		return
	}
	key := fmt.Sprintf("%s: %s", node.Agent.Name, rs.flowStep())
	entry := &models.MemoryEntry{
		ProjectID: rs.req.ProjectID,
		Key:       key,
		Value:     value,
		Category:  memoryCategory(node.Agent.Role),
		Source:    node.AgentID,
	}
	if err := rs.engine.db.UpsertProjectMemory(ctx, entry); err != nil {
		slog.Warn("Failed to store project memory", "key", key, "error", err)
		return
	}
	rs.emit(bus.MemoryStored(key, entry.Category))
}
