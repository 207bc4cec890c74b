package pattern

import (
	"fmt"
	"strings"

	"github.com/macaron-dev/macaron/pkg/models"
)

// Role protocols appended to every task. They pin down the output
// contract per role family so downstream parsing (verdicts, PR lines)
// stays deterministic.
const (
	execProtocol = `EXEC PROTOCOL: You are implementing, not discussing. Use your tools to write real files and run real commands in the workspace. Never claim work you did not perform with a tool. Finish with a short factual summary of what changed.`

	qaProtocol = `QA PROTOCOL: Verify the work concretely against the requirements. You MUST end your answer with [APPROVE] or [VETO] followed by your reasons.`

	reviewProtocol = `REVIEW PROTOCOL: Assess the proposal critically. You MUST end your answer with [APPROVE] or [VETO] followed by your reasons.`

	researchProtocol = `RESEARCH PROTOCOL: Discussion only. Do not write files or run commands. Provide analysis, options, and a clear recommendation.`

	prProtocol = `PR PROTOCOL: For each product decision you take, append a line of the form "[PR] title — description" so decisions stay traceable.`
)

// protocolFor picks the role protocol. Without a project there is
// nothing to build or gate, so everyone discusses.
func protocolFor(a *models.AgentDef, projectID string) string {
	if projectID == "" {
		return researchProtocol
	}
	role := strings.ToLower(a.Role + " " + a.Name)
	switch {
	case strings.Contains(role, "qa") || strings.Contains(role, "test"):
		return qaProtocol
	case strings.Contains(role, "archi") || strings.Contains(role, "review") || strings.Contains(role, "lead"):
		return reviewProtocol
	case strings.Contains(role, "product") || strings.Contains(role, "owner") ||
		strings.Contains(role, "cdp") || strings.Contains(role, "chef de projet") ||
		strings.Contains(role, "marketing"):
		return prProtocol
	case isBuilderRole(a):
		return execProtocol
	default:
		return researchProtocol
	}
}

// roster lists the team so each agent knows who it can address.
func (rs *runState) roster() string {
	var sb strings.Builder
	sb.WriteString("Team:\n")
	for _, ref := range rs.req.Pattern.Agents {
		node := rs.run.Node(ref.NodeID)
		if node == nil || node.Agent == nil {
			continue
		}
		fmt.Fprintf(&sb, "- %s (%s)\n", node.Agent.Name, node.Agent.Role)
	}
	return sb.String()
}

// composeTask builds the final user message: roster, the upstream
// colleague's output when there is one, the task itself, and the role
// protocol.
func (rs *runState) composeTask(a *models.AgentDef, task, contextFrom string) string {
	var sb strings.Builder
	sb.WriteString(rs.roster())
	if contextFrom != "" {
		sb.WriteString("\n[Message from colleague]\n")
		sb.WriteString(contextFrom)
		sb.WriteString("\n")
	}
	sb.WriteString("\n[Your task]\n")
	sb.WriteString(task)
	sb.WriteString("\n\n")
	sb.WriteString(protocolFor(a, rs.req.ProjectID))
	return sb.String()
}

type verdict int

const (
	verdictNone verdict = iota
	verdictApprove
	verdictVeto
)

// detectVerdict scans agent output for explicit decision markers.
// Matching is case-insensitive but only accepts the canonical forms; a
// veto anywhere beats an approval.
func detectVerdict(content string) verdict {
	lower := strings.ToLower(content)
	trimmed := strings.TrimSpace(lower)

	vetoMarkers := []string{"[veto]", "statut: nogo", "décision: nogo", "decision: nogo"}
	for _, m := range vetoMarkers {
		if strings.Contains(lower, m) {
			return verdictVeto
		}
	}
	if trimmed == "nogo" {
		return verdictVeto
	}
	for _, line := range strings.Split(lower, "\n") {
		if strings.TrimSpace(line) == "nogo" {
			return verdictVeto
		}
	}

	approveMarkers := []string{"[approve]", "statut: go", "décision: go", "decision: go"}
	for _, m := range approveMarkers {
		if strings.Contains(lower, m) {
			return verdictApprove
		}
	}
	return verdictNone
}

const (
	distillMaxBullets = 5
	distillMaxChars   = 300
)

// distill reduces agent output to its decisions: up to five bullet or
// decision lines, else the head of the text.
func distill(content string) string {
	var bullets []string
	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		if isListLine(t) || hasDecisionMarker(strings.ToLower(t)) {
			bullets = append(bullets, t)
			if len(bullets) == distillMaxBullets {
				break
			}
		}
	}
	if len(bullets) > 0 {
		return strings.Join(bullets, "\n")
	}
	head := strings.TrimSpace(content)
	if len(head) > distillMaxChars {
		head = head[:distillMaxChars]
	}
	return head
}

// memoryCategory maps a role tag onto the memory taxonomy.
func memoryCategory(role string) string {
	r := strings.ToLower(role)
	switch {
	case strings.Contains(r, "archi"):
		return models.MemoryArchitecture
	case strings.Contains(r, "qa") || strings.Contains(r, "test") || strings.Contains(r, "quality"):
		return models.MemoryQuality
	case strings.Contains(r, "sécurité") || strings.Contains(r, "security") || strings.Contains(r, "pentest"):
		return models.MemorySecurity
	case strings.Contains(r, "devops") || strings.Contains(r, "sre") || strings.Contains(r, "infra"):
		return models.MemoryInfrastructure
	case strings.Contains(r, "product") || strings.Contains(r, "owner") || strings.Contains(r, "marketing"):
		return models.MemoryProduct
	case strings.Contains(r, "dev") || strings.Contains(r, "engineer"):
		return models.MemoryDevelopment
	default:
		return models.MemoryDecisions
	}
}
