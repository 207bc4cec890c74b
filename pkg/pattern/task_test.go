package pattern

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macaron-dev/macaron/pkg/models"
)

func TestDetectVerdict(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    verdict
	}{
		{"plain text", "All good here.", verdictNone},
		{"approve marker", "Done. [APPROVE]", verdictApprove},
		{"approve lowercase", "done. [approve]", verdictApprove},
		{"statut go", "Analyse finie. STATUT: GO", verdictApprove},
		{"decision go", "DECISION: GO", verdictApprove},
		{"veto marker", "[VETO] missing tests", verdictVeto},
		{"statut nogo", "statut: nogo", verdictVeto},
		{"decision nogo accented", "DÉCISION: NOGO", verdictVeto},
		{"decision nogo plain", "Decision: NOGO", verdictVeto},
		{"lone nogo line", "explanation\nNOGO\nmore text", verdictVeto},
		{"entire content nogo", "  NOGO  ", verdictVeto},
		{"nogo inside word ignored", "the nogotiation continues", verdictNone},
		{"veto wins ties", "[APPROVE] but also [VETO]", verdictVeto},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, detectVerdict(tc.content))
		})
	}
}

func TestProtocolFor(t *testing.T) {
	cases := []struct {
		name      string
		agent     *models.AgentDef
		projectID string
		want      string
	}{
		{"no project means research", &models.AgentDef{Role: "Developer", HierarchyRank: 50}, "", researchProtocol},
		{"qa gets qa protocol", &models.AgentDef{Role: "QA Engineer", HierarchyRank: 45}, "p", qaProtocol},
		{"tester gets qa protocol", &models.AgentDef{Role: "Testeur", HierarchyRank: 45}, "p", qaProtocol},
		{"lead reviews", &models.AgentDef{Role: "Tech Lead", HierarchyRank: 10}, "p", reviewProtocol},
		{"architect reviews", &models.AgentDef{Role: "Architecte", HierarchyRank: 15}, "p", reviewProtocol},
		{"product owner traces", &models.AgentDef{Role: "Product Owner", HierarchyRank: 5}, "p", prProtocol},
		{"dev executes", &models.AgentDef{Role: "Developer", HierarchyRank: 50}, "p", execProtocol},
		{"devops executes", &models.AgentDef{Role: "DevOps", HierarchyRank: 60}, "p", execProtocol},
		{"ux discusses", &models.AgentDef{Role: "UX Designer", HierarchyRank: 30}, "p", researchProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, protocolFor(tc.agent, tc.projectID))
		})
	}
}

func TestComposeTaskLayout(t *testing.T) {
	rs := &runState{
		req: Request{
			Pattern: &models.PatternDef{
				Agents: []models.NodeRef{{NodeID: "n1", AgentID: "dev-1"}},
			},
			ProjectID: "p",
			Task:      "unused here",
		},
		run: &models.PatternRun{
			Nodes: map[string]*models.NodeState{
				"n1": {NodeID: "n1", AgentID: "dev-1", Agent: &models.AgentDef{ID: "dev-1", Name: "Sam", Role: "Developer", HierarchyRank: 50}},
			},
		},
	}

	msg := rs.composeTask(rs.run.Node("n1").Agent, "Implement the endpoint.", "Use the v2 schema.")

	teamIdx := strings.Index(msg, "Team:\n- Sam (Developer)")
	colleagueIdx := strings.Index(msg, "[Message from colleague]\nUse the v2 schema.")
	taskIdx := strings.Index(msg, "[Your task]\nImplement the endpoint.")
	protocolIdx := strings.Index(msg, "EXEC PROTOCOL:")

	require.GreaterOrEqual(t, teamIdx, 0)
	require.Greater(t, colleagueIdx, teamIdx)
	require.Greater(t, taskIdx, colleagueIdx)
	require.Greater(t, protocolIdx, taskIdx)
}

func TestComposeTaskWithoutColleague(t *testing.T) {
	rs := &runState{
		req: Request{
			Pattern: &models.PatternDef{Agents: []models.NodeRef{{NodeID: "n1", AgentID: "a"}}},
		},
		run: &models.PatternRun{
			Nodes: map[string]*models.NodeState{
				"n1": {NodeID: "n1", AgentID: "a", Agent: &models.AgentDef{Name: "Alice", Role: "Architect"}},
			},
		},
	}

	msg := rs.composeTask(rs.run.Node("n1").Agent, "Think.", "")

	assert.NotContains(t, msg, "[Message from colleague]")
	assert.Contains(t, msg, "[Your task]\nThink.")
	assert.Contains(t, msg, "RESEARCH PROTOCOL:")
}

func TestMemoryCategory(t *testing.T) {
	cases := []struct {
		role string
		want string
	}{
		{"Architecte logiciel", models.MemoryArchitecture},
		{"QA Engineer", models.MemoryQuality},
		{"Testeur", models.MemoryQuality},
		{"Security Analyst", models.MemorySecurity},
		{"DevOps", models.MemoryInfrastructure},
		{"SRE", models.MemoryInfrastructure},
		{"Product Owner", models.MemoryProduct},
		{"Developer", models.MemoryDevelopment},
		{"Chef de projet", models.MemoryDecisions},
	}
	for _, tc := range cases {
		t.Run(tc.role, func(t *testing.T) {
			assert.Equal(t, tc.want, memoryCategory(tc.role))
		})
	}
}

func TestIsBuilderRole(t *testing.T) {
	assert.True(t, isBuilderRole(&models.AgentDef{Role: "Developer", HierarchyRank: 50}))
	assert.True(t, isBuilderRole(&models.AgentDef{Role: "442", HierarchyRank: 40}), "rank alone qualifies")
	assert.True(t, isBuilderRole(&models.AgentDef{Role: "Security Analyst", HierarchyRank: 10}))
	assert.True(t, isBuilderRole(&models.AgentDef{Role: "QA", HierarchyRank: 20}))
	assert.False(t, isBuilderRole(&models.AgentDef{Role: "Product Owner", HierarchyRank: 5}))
	assert.False(t, isBuilderRole(&models.AgentDef{Role: "Architect", HierarchyRank: 15}))
}

func TestSubtaskRoundTrip(t *testing.T) {
	subtasks := []string{"build the API", "write the tests", "wire the CI"}
	formatted := formatSubtasks(subtasks)
	assert.Equal(t, "[SUBTASK 1]: build the API\n[SUBTASK 2]: write the tests\n[SUBTASK 3]: wire the CI", formatted)
	assert.Equal(t, subtasks, parseSubtasks(formatted))
}

func TestParseSubtasksForgiving(t *testing.T) {
	content := "Plan:\n  [subtask 1] : first thing\n[SUBTASK 2]:second thing\nprose after"
	assert.Equal(t, []string{"first thing", "second thing"}, parseSubtasks(content))
	assert.Nil(t, parseSubtasks("no subtasks here"))
}

func TestParseRoute(t *testing.T) {
	assert.Equal(t, "n2", parseRoute("after thought [ROUTE: n2] trailing"))
	assert.Equal(t, "backend-dev", parseRoute("[route:backend-dev]"))
	assert.Equal(t, "", parseRoute("no route chosen"))
}

func TestReviewComplete(t *testing.T) {
	assert.True(t, reviewComplete("All good. [COMPLETE]"))
	assert.True(t, reviewComplete("[complete]"))
	assert.False(t, reviewComplete("[INCOMPLETE] missing the tests"))
	assert.False(t, reviewComplete("nothing decided"))
	assert.False(t, reviewComplete("[COMPLETE] wait no [INCOMPLETE]"), "incomplete wins")
}
