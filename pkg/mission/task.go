package mission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/macaron-dev/macaron/pkg/bus"
	"github.com/macaron-dev/macaron/pkg/llm"
	"github.com/macaron-dev/macaron/pkg/models"
)

const (
	// summaryTranscriptMax caps the transcript tail fed to the phase
	// summarizer.
	summaryTranscriptMax = 2000
	summaryMaxChars      = 200
	summaryTimeout       = 45 * time.Second
	retroMaxChars        = 300
	retroTimeout         = 30 * time.Second
	// promptSummaries is how many prior phase summaries a task carries.
	promptSummaries = 5
	// promptMemoryLimit is how many memory entries each section carries.
	promptMemoryLimit = 5
	// transcriptWindow is how many messages the summarizer reads back.
	transcriptWindow = 30
)

// Summarizer produces short summaries via the default model. Satisfied
// by *llm.Router.
type Summarizer interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// buildPhaseTask assembles the task handed to the phase's pattern:
// mission brief, sprint marker, prior phase summaries, and the
// project's product and architecture memory.
func (o *Orchestrator) buildPhaseTask(ctx context.Context, st *missionState, idx, sprintNum, maxSprints int) string {
	wfPhase := st.wf.Phases[idx]
	var b strings.Builder

	fmt.Fprintf(&b, "## Mission : %s\n\n%s\n", st.mission.Name, st.mission.Brief)
	if maxSprints > 1 {
		fmt.Fprintf(&b, "\n=== SPRINT %d/%d ===\n", sprintNum, maxSprints)
	}
	fmt.Fprintf(&b, "\n## Phase courante : %s\n", wfPhase.Name)

	if len(st.summaries) > 0 {
		b.WriteString("\n## Phases précédentes\n")
		start := len(st.summaries) - promptSummaries
		if start < 0 {
			start = 0
		}
		for _, s := range st.summaries[start:] {
			b.WriteString("- " + s + "\n")
		}
	}

	if st.mission.ProjectID != "" {
		o.writeMemorySection(ctx, &b, st.mission.ProjectID, "## Backlog produit", models.MemoryProduct)
		o.writeMemorySection(ctx, &b, st.mission.ProjectID, "## Notes d'architecture", models.MemoryArchitecture)
	}

	if sprintNum > 1 {
		o.writeRetroSection(ctx, &b, st.mission.ID)
	}
	return b.String()
}

func (o *Orchestrator) writeMemorySection(ctx context.Context, b *strings.Builder, projectID, heading, category string) {
	entries, err := o.db.ListProjectMemory(ctx, projectID, category, promptMemoryLimit)
	if err != nil || len(entries) == 0 {
		return
	}
	b.WriteString("\n" + heading + "\n")
	for _, e := range entries {
		fmt.Fprintf(b, "- %s: %s\n", e.Key, e.Value)
	}
}

func (o *Orchestrator) writeRetroSection(ctx context.Context, b *strings.Builder, missionID string) {
	sprints, err := o.db.ListSprints(ctx, missionID)
	if err != nil {
		return
	}
	var withRetro []*models.Sprint
	for _, sp := range sprints {
		if sp.Retrospective != "" {
			withRetro = append(withRetro, sp)
		}
	}
	if len(withRetro) == 0 {
		return
	}
	if len(withRetro) > promptSummaries {
		withRetro = withRetro[len(withRetro)-promptSummaries:]
	}
	b.WriteString("\n## Rétrospectives des sprints précédents\n")
	for _, sp := range withRetro {
		fmt.Fprintf(b, "- Sprint %d : %s\n", sp.Number, sp.Retrospective)
	}
}

// summarizePhase condenses the phase's transcript into a one-liner for
// the kanban card and the next phase's context.
func (o *Orchestrator) summarizePhase(ctx context.Context, st *missionState, idx int) string {
	phase := st.run.Phases[idx]
	transcript := o.transcriptTail(ctx, st.run.SessionID)
	if transcript == "" {
		return fmt.Sprintf("Phase %s terminée.", phase.Name)
	}
	prompt := fmt.Sprintf(
		"Résume cette discussion en %d caractères maximum. Concentre-toi sur les décisions et les livrables.\n\n%s",
		summaryMaxChars, transcript)
	out := o.summarize(ctx, "Tu résumes des discussions d'équipe en une phrase.", prompt, summaryTimeout, 120)
	if out == "" {
		return fmt.Sprintf("Phase %s terminée.", phase.Name)
	}
	return truncate(out, summaryMaxChars)
}

// sprintRetrospective asks the model what the sprint taught the team.
func (o *Orchestrator) sprintRetrospective(ctx context.Context, st *missionState, number int, success bool) string {
	transcript := o.transcriptTail(ctx, st.run.SessionID)
	if transcript == "" {
		return ""
	}
	outcome := "réussi"
	if !success {
		outcome = "échoué"
	}
	prompt := fmt.Sprintf(
		"Le sprint %d vient de se terminer (%s). En %d caractères maximum, note ce qui a marché et ce qu'il faut changer au prochain sprint.\n\n%s",
		number, outcome, retroMaxChars, transcript)
	out := o.summarize(ctx, "Tu animes des rétrospectives de sprint.", prompt, retroTimeout, 100)
	return truncate(out, retroMaxChars)
}

// missionRetrospective distills the whole run into project memory so
// later missions start smarter.
func (o *Orchestrator) missionRetrospective(ctx context.Context, st *missionState) {
	if st.mission.ProjectID == "" || len(st.summaries) == 0 {
		return
	}
	prompt := fmt.Sprintf(
		"Voici le déroulé d'une mission, phase par phase. En %d caractères maximum, retiens la leçon principale pour les prochaines missions de ce projet.\n\n%s",
		retroMaxChars, strings.Join(st.summaries, "\n"))
	out := o.summarize(ctx, "Tu capitalises les leçons des missions terminées.", prompt, retroTimeout, 100)
	if out == "" {
		return
	}
	entry := &models.MemoryEntry{
		ProjectID: st.mission.ProjectID,
		Key:       "Mission: " + st.mission.Name,
		Value:     truncate(out, retroMaxChars),
		Category:  models.MemoryRetrospective,
		Source:    models.SenderSystem,
	}
	if err := o.db.UpsertProjectMemory(ctx, entry); err != nil {
		slog.Warn("Failed to store mission retrospective", "mission_id", st.mission.ID, "error", err)
		return
	}
	st.events.Emit(bus.MemoryStored(entry.Key, entry.Category))
}

// transcriptTail renders the session's recent messages as
// "sender: content" lines, keeping the freshest tail.
func (o *Orchestrator) transcriptTail(ctx context.Context, sessionID string) string {
	msgs, err := o.db.LastMessages(ctx, sessionID, transcriptWindow)
	if err != nil || len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.FromAgent, m.Content)
	}
	s := b.String()
	if len(s) > summaryTranscriptMax {
		s = s[len(s)-summaryTranscriptMax:]
	}
	return s
}

// summarize is the shared single-shot completion used for summaries and
// retrospectives. Failures degrade to an empty string; callers have
// static fallbacks.
func (o *Orchestrator) summarize(ctx context.Context, system, prompt string, timeout time.Duration, maxTokens int) string {
	if o.llm == nil {
		return ""
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := o.llm.Chat(callCtx, llm.Request{
		Provider: o.defaults.Provider,
		Model:    o.defaults.Model,
		System:   system,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		// Summaries should be stable, not creative.
		Temperature: 0.3,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		slog.Warn("Summary generation failed", "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}
