package bus

import (
	"strings"
	"sync"
	"time"
)

// Event is one bus message. Every event carries a "type" field and an
// RFC3339Nano "timestamp"; orchestrator-routed events also carry
// "phase_id" (stamped by the Dispatcher).
type Event map[string]any

// Type returns the event's type field, or "" when absent.
func (e Event) Type() string {
	t, _ := e["type"].(string)
	return t
}

// Event types emitted by the core.
const (
	EventPatternStart   = "pattern_start"
	EventPatternEnd     = "pattern_end"
	EventPhaseStarted   = "phase_started"
	EventPhaseCompleted = "phase_completed"
	EventPhaseFailed    = "phase_failed"
	EventStreamStart    = "stream_start"
	EventStreamDelta    = "stream_delta"
	EventStreamThinking = "stream_thinking"
	EventStreamEnd      = "stream_end"
	EventMessage        = "message"
	EventAgentStatus    = "agent_status"
	EventCheckpoint     = "checkpoint"
	EventEvidenceGate   = "evidence_gate"
	EventReloop         = "reloop"
	EventMemoryStored   = "memory_stored"
	EventMissionFailed  = "mission_failed"
	EventKanbanRefresh  = "kanban_refresh"

	// EventOverflow is synthesized by the bus when a bounded queue drops
	// events. It never originates from the core.
	EventOverflow = "overflow"
)

// messagePreviewLimit caps the content excerpt carried by message
// events so the stream stays light.
const messagePreviewLimit = 280

func stamp(ev Event) Event {
	ev["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	return ev
}

// PatternStart announces a pattern run beginning.
func PatternStart(patternID, patternType string) Event {
	return stamp(Event{
		"type":         EventPatternStart,
		"pattern_id":   patternID,
		"pattern_type": patternType,
	})
}

// PatternEnd announces a pattern run finishing.
func PatternEnd(patternID, patternType string, success bool) Event {
	return stamp(Event{
		"type":         EventPatternEnd,
		"pattern_id":   patternID,
		"pattern_type": patternType,
		"success":      success,
	})
}

// PhaseStarted announces a mission phase beginning.
func PhaseStarted(phaseID, name string) Event {
	return stamp(Event{
		"type":     EventPhaseStarted,
		"phase_id": phaseID,
		"name":     name,
	})
}

// PhaseCompleted announces a phase reaching a settled status.
func PhaseCompleted(phaseID, status string) Event {
	return stamp(Event{
		"type":     EventPhaseCompleted,
		"phase_id": phaseID,
		"status":   status,
	})
}

// PhaseFailed announces a phase failure with its reason.
func PhaseFailed(phaseID, reason string) Event {
	return stamp(Event{
		"type":     EventPhaseFailed,
		"phase_id": phaseID,
		"reason":   reason,
	})
}

// StreamStart opens an agent's streamed answer.
func StreamStart(agentID string) Event {
	return stamp(Event{"type": EventStreamStart, "agent_id": agentID})
}

// StreamDelta carries one incremental text chunk.
func StreamDelta(agentID, delta string) Event {
	return stamp(Event{"type": EventStreamDelta, "agent_id": agentID, "delta": delta})
}

// StreamThinking carries one incremental reasoning chunk.
func StreamThinking(agentID, delta string) Event {
	return stamp(Event{"type": EventStreamThinking, "agent_id": agentID, "delta": delta})
}

// StreamEnd closes an agent's streamed answer.
func StreamEnd(agentID string) Event {
	return stamp(Event{"type": EventStreamEnd, "agent_id": agentID})
}

// Message announces a persisted session message with a short preview.
func Message(agentID, role, content string) Event {
	preview := content
	if len(preview) > messagePreviewLimit {
		preview = strings.ToValidUTF8(preview[:messagePreviewLimit], "") + "..."
	}
	return stamp(Event{
		"type":     EventMessage,
		"agent_id": agentID,
		"role":     role,
		"preview":  preview,
	})
}

// AgentStatus announces an agent transitioning between thinking,
// executing and done.
func AgentStatus(agentID, status string) Event {
	return stamp(Event{"type": EventAgentStatus, "agent_id": agentID, "status": status})
}

// Checkpoint announces a human-in-the-loop pause with the question put
// to the operator.
func Checkpoint(phaseID, question string) Event {
	return stamp(Event{
		"type":     EventCheckpoint,
		"phase_id": phaseID,
		"question": question,
	})
}

// EvidenceGate reports an evidence verdict for a phase.
func EvidenceGate(phaseID string, passed bool, failures []string) Event {
	return stamp(Event{
		"type":     EventEvidenceGate,
		"phase_id": phaseID,
		"passed":   passed,
		"failures": failures,
	})
}

// Reloop announces the mission jumping back to an earlier phase.
func Reloop(fromPhase, toPhase string, iteration int) Event {
	return stamp(Event{
		"type":      EventReloop,
		"from":      fromPhase,
		"to":        toPhase,
		"iteration": iteration,
	})
}

// MemoryStored announces a new project memory entry.
func MemoryStored(key, category string) Event {
	return stamp(Event{"type": EventMemoryStored, "key": key, "category": category})
}

// MissionFailed announces terminal mission failure.
func MissionFailed(missionID, reason string) Event {
	return stamp(Event{
		"type":       EventMissionFailed,
		"mission_id": missionID,
		"reason":     reason,
	})
}

// KanbanRefresh tells boards to reload after backlog mutations.
func KanbanRefresh(projectID string) Event {
	return stamp(Event{"type": EventKanbanRefresh, "project_id": projectID})
}

// Dispatcher publishes one session's events, stamping the phase that is
// currently executing onto everything it routes. The orchestrator moves
// the phase forward as the mission progresses; pattern runners and
// agents below it emit through the dispatcher without knowing which
// phase they serve.
type Dispatcher struct {
	bus       *Bus
	sessionID string

	mu      sync.RWMutex
	phaseID string
}

// NewDispatcher binds a dispatcher to one session stream.
func NewDispatcher(b *Bus, sessionID string) *Dispatcher {
	return &Dispatcher{bus: b, sessionID: sessionID}
}

// SessionID returns the session this dispatcher publishes to.
func (d *Dispatcher) SessionID() string { return d.sessionID }

// SetPhase changes the phase stamped onto subsequent events.
func (d *Dispatcher) SetPhase(phaseID string) {
	d.mu.Lock()
	d.phaseID = phaseID
	d.mu.Unlock()
}

// Emit publishes an event, injecting the active phase_id unless the
// event already carries one.
func (d *Dispatcher) Emit(ev Event) {
	if ev == nil {
		return
	}
	d.mu.RLock()
	phase := d.phaseID
	d.mu.RUnlock()
	if phase != "" {
		if _, ok := ev["phase_id"]; !ok {
			ev["phase_id"] = phase
		}
	}
	d.bus.Push(d.sessionID, ev)
}
