package guardrails

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/macaron-dev/macaron/pkg/config"
	"github.com/macaron-dev/macaron/pkg/models"
	"github.com/macaron-dev/macaron/pkg/store"
)

const (
	// settingsKey is the platform_settings row holding runtime overrides.
	settingsKey = "guardrails"

	argsPreviewLimit = 200

	EventBlock = "guardrail_block"
	EventWarn  = "guardrail_warn"

	ActionBlocked = "BLOCKED"
	ActionWarned  = "WARNED"
)

// Store is the persistence surface the engine needs: settings overrides
// and the append-only audit log. Satisfied by *store.Store. A nil store
// runs the engine on config defaults without auditing.
type Store interface {
	GetSetting(ctx context.Context, key string) (json.RawMessage, error)
	InsertAudit(ctx context.Context, rec *models.AuditRecord) error
}

// settingsOverride is the shape of the guardrails settings row.
type settingsOverride struct {
	MaxHighPerSession *int                   `json:"max_high_per_session,omitempty"`
	ExtraRules        []config.GuardrailRule `json:"extra_rules,omitempty"`
}

// Decision is the outcome of one tool-call check.
type Decision struct {
	Allowed  bool
	Action   string // BLOCKED, WARNED, or empty when no rule matched
	Label    string
	Severity Severity
	Message  string // returned to the model as the tool result when blocked
}

// Engine evaluates tool calls against the policy table. Rules and the
// HIGH budget are re-read from the settings table on a TTL.
type Engine struct {
	cfg *config.GuardrailsConfig
	st  Store

	mu         sync.Mutex
	rules      []Rule
	maxHigh    int
	expiresAt  time.Time
	highCounts map[string]int
}

// New compiles the policy table and loads the first settings snapshot.
func New(cfg *config.GuardrailsConfig, st Store) *Engine {
	if cfg == nil {
		cfg = config.DefaultGuardrailsConfig()
	}
	e := &Engine{
		cfg:        cfg,
		st:         st,
		highCounts: make(map[string]int),
	}
	e.reload(context.Background())

	slog.Info("Guardrail engine initialized",
		"builtin_rules", len(builtinRules),
		"total_rules", len(e.rules),
		"max_high_per_session", e.maxHigh,
		"cache_ttl", e.cfg.CacheTTL)
	return e
}

// CheckToolCall evaluates one tool call. Every match, blocking or not,
// lands in the audit log. The engine never returns an error: a broken
// settings reload falls back to the last good table.
func (e *Engine) CheckToolCall(ctx context.Context, sessionID, actorID, tool string, args map[string]any) Decision {
	e.refresh(ctx)

	rule := e.match(tool, args)
	if rule == nil {
		return Decision{Allowed: true}
	}

	e.mu.Lock()
	exhausted := e.highCounts[sessionID] >= e.maxHigh
	if rule.Severity == SeverityHigh {
		e.highCounts[sessionID]++
	}
	e.mu.Unlock()

	var d Decision
	switch rule.Severity {
	case SeverityCritical:
		d = Decision{
			Action:   ActionBlocked,
			Label:    rule.Label,
			Severity: rule.Severity,
			Message: fmt.Sprintf("Error: blocked by guardrail '%s' (CRITICAL). The %s call was not executed.",
				rule.Label, tool),
		}
	case SeverityHigh:
		msg := fmt.Sprintf("Error: blocked by guardrail '%s' (HIGH). The %s call was not executed.",
			rule.Label, tool)
		if exhausted {
			msg += " Session HIGH-severity budget exhausted; stop attempting destructive actions."
		}
		d = Decision{Action: ActionBlocked, Label: rule.Label, Severity: rule.Severity, Message: msg}
	case SeverityMedium:
		d = Decision{Allowed: true, Action: ActionWarned, Label: rule.Label, Severity: rule.Severity}
	}

	e.audit(ctx, sessionID, actorID, tool, args, d)

	if d.Action == ActionBlocked {
		slog.Warn("Guardrail blocked tool call",
			"tool", tool, "label", d.Label, "severity", d.Severity,
			"session_id", sessionID, "actor_id", actorID)
	}
	return d
}

// HighCount returns how many HIGH-severity blocks a session has accrued.
func (e *Engine) HighCount(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.highCounts[sessionID]
}

// ReleaseSession drops the HIGH counter of a finished session.
func (e *Engine) ReleaseSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.highCounts, sessionID)
}

// Invalidate forces the next check to re-read the settings table.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expiresAt = time.Time{}
}

func (e *Engine) match(tool string, args map[string]any) *Rule {
	e.mu.Lock()
	rules := e.rules
	e.mu.Unlock()

	var best *Rule
	for i := range rules {
		r := &rules[i]
		if r.Tool != "*" && r.Tool != tool {
			continue
		}
		if !ruleMatches(r, args) {
			continue
		}
		if best == nil || r.Severity.rank() > best.Severity.rank() {
			best = r
		}
	}
	return best
}

func ruleMatches(r *Rule, args map[string]any) bool {
	if r.ArgumentKey != "" {
		s, ok := args[r.ArgumentKey].(string)
		return ok && r.Regex.MatchString(s)
	}
	for _, v := range args {
		if s, ok := v.(string); ok && r.Regex.MatchString(s) {
			return true
		}
	}
	return false
}

func (e *Engine) refresh(ctx context.Context) {
	e.mu.Lock()
	fresh := time.Now().Before(e.expiresAt)
	e.mu.Unlock()
	if !fresh {
		e.reload(ctx)
	}
}

// reload rebuilds the rule table from builtins + config extras + the
// settings row. Failures keep the previous table.
func (e *Engine) reload(ctx context.Context) {
	maxHigh := e.cfg.MaxHighPerSession
	if maxHigh <= 0 {
		maxHigh = config.DefaultGuardrailsConfig().MaxHighPerSession
	}

	rules := make([]Rule, 0, len(builtinRules)+len(e.cfg.ExtraRules))
	rules = append(rules, builtinRules...)

	compiled, errs := compileRules(e.cfg.ExtraRules)
	for _, err := range errs {
		slog.Error("Skipping invalid guardrail rule from config", "error", err)
	}
	rules = append(rules, compiled...)

	if e.st != nil {
		raw, err := e.st.GetSetting(ctx, settingsKey)
		switch {
		case err == nil:
			var override settingsOverride
			if err := json.Unmarshal(raw, &override); err != nil {
				slog.Warn("Malformed guardrails settings row, keeping previous table", "error", err)
			} else {
				if override.MaxHighPerSession != nil && *override.MaxHighPerSession > 0 {
					maxHigh = *override.MaxHighPerSession
				}
				dbRules, errs := compileRules(override.ExtraRules)
				for _, err := range errs {
					slog.Error("Skipping invalid guardrail rule from settings", "error", err)
				}
				rules = append(rules, dbRules...)
			}
		case errors.Is(err, store.ErrNotFound):
			// No overrides stored; defaults apply.
		default:
			slog.Warn("Failed to load guardrails settings, keeping previous table", "error", err)
			e.mu.Lock()
			if e.rules == nil {
				e.rules, e.maxHigh = rules, maxHigh
			}
			e.expiresAt = time.Now().Add(e.ttl())
			e.mu.Unlock()
			return
		}
	}

	e.mu.Lock()
	e.rules = rules
	e.maxHigh = maxHigh
	e.expiresAt = time.Now().Add(e.ttl())
	e.mu.Unlock()
}

func (e *Engine) ttl() time.Duration {
	if e.cfg.CacheTTL > 0 {
		return e.cfg.CacheTTL
	}
	return config.DefaultGuardrailsConfig().CacheTTL
}

func (e *Engine) audit(ctx context.Context, sessionID, actorID, tool string, args map[string]any, d Decision) {
	if e.st == nil {
		return
	}
	eventType := EventWarn
	if d.Action == ActionBlocked {
		eventType = EventBlock
	}
	rec := &models.AuditRecord{
		EventType:  eventType,
		ActorID:    actorID,
		TargetType: "tool_call",
		TargetID:   tool,
		Details: map[string]any{
			"label":        d.Label,
			"severity":     string(d.Severity),
			"action":       d.Action,
			"args_preview": argsPreview(args),
			"session_id":   sessionID,
		},
	}
	if err := e.st.InsertAudit(ctx, rec); err != nil {
		slog.Warn("Failed to write guardrail audit record", "tool", tool, "error", err)
	}
}

func argsPreview(args map[string]any) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	s := string(encoded)
	if len(s) > argsPreviewLimit {
		s = s[:argsPreviewLimit] + "..."
	}
	return s
}
