// Package guardrails intercepts tool calls against a severity-ranked
// policy table before they execute. Text output validation lives in
// pkg/guard; this package only sees tool names and arguments.
package guardrails

import (
	"fmt"
	"regexp"

	"github.com/macaron-dev/macaron/pkg/config"
)

// Severity ranks a rule. CRITICAL and HIGH block, MEDIUM audits only.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

// Rule is one compiled interception rule. Tool "*" applies to every
// tool; an empty ArgumentKey inspects every string argument.
type Rule struct {
	Tool        string
	ArgumentKey string
	Label       string
	Severity    Severity
	Regex       *regexp.Regexp
}

// builtinRules is the always-on policy table. User rules from config or
// the settings table are appended, never replace these.
var builtinRules = []Rule{
	{
		Tool: "*", ArgumentKey: "command", Label: "destructive_rm", Severity: SeverityCritical,
		Regex: regexp.MustCompile(`(?i)\brm\s+(-[a-z]+\s+)*(-rf|-fr|-r\s+-f|-f\s+-r)\s+/(\s|$|\*)`),
	},
	{
		Tool: "*", ArgumentKey: "command", Label: "format_disk", Severity: SeverityCritical,
		Regex: regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`),
	},
	{
		Tool: "*", ArgumentKey: "command", Label: "destructive_git", Severity: SeverityHigh,
		Regex: regexp.MustCompile(`git\s+reset\s+--hard`),
	},
	{
		Tool: "*", ArgumentKey: "command", Label: "destructive_git", Severity: SeverityHigh,
		Regex: regexp.MustCompile(`git\s+push\s+(\S+\s+)*(--force\b|-f\b)`),
	},
	{
		Tool: "*", ArgumentKey: "command", Label: "destructive_sql", Severity: SeverityHigh,
		Regex: regexp.MustCompile(`(?i)\bDROP\s+(TABLE|DATABASE)\b`),
	},
	{
		Tool: "*", ArgumentKey: "command", Label: "destructive_sql", Severity: SeverityHigh,
		Regex: regexp.MustCompile(`(?i)\bDELETE\s+FROM\s+\S+\s*;?\s*$`),
	},
	{
		Tool: "*", ArgumentKey: "command", Label: "system_path_write", Severity: SeverityCritical,
		Regex: regexp.MustCompile(`(>>?|\btee\s+)\s*/(etc|usr/bin)/`),
	},
	{
		Tool: "*", ArgumentKey: "path", Label: "system_path_write", Severity: SeverityCritical,
		Regex: regexp.MustCompile(`^/(etc|usr/bin)/`),
	},
	{
		Tool: "*", ArgumentKey: "path", Label: "sensitive_file", Severity: SeverityHigh,
		Regex: regexp.MustCompile(`(^|/)(\.env(\.\w+)?|id_rsa(\.pub)?|production\.ya?ml)$`),
	},
	{
		Tool: "*", ArgumentKey: "command", Label: "sensitive_file", Severity: SeverityHigh,
		Regex: regexp.MustCompile(`>>?\s*\S*(\.env\b|id_rsa\b|production\.ya?ml)`),
	},
	{
		Tool: "*", ArgumentKey: "command", Label: "pipe_to_shell", Severity: SeverityHigh,
		Regex: regexp.MustCompile(`(?i)\b(curl|wget)\b[^|]*\|\s*(ba|z)?sh\b`),
	},
	{
		Tool: "*", ArgumentKey: "command", Label: "privilege_escalation", Severity: SeverityMedium,
		Regex: regexp.MustCompile(`(?i)\bsudo\b`),
	},
	{
		Tool: "*", ArgumentKey: "command", Label: "world_writable", Severity: SeverityMedium,
		Regex: regexp.MustCompile(`\bchmod\s+(-\w+\s+)*777\b`),
	},
}

// compileRules converts user-supplied rule specs, skipping entries whose
// regex does not compile. The caller logs skips.
func compileRules(specs []config.GuardrailRule) ([]Rule, []error) {
	var rules []Rule
	var errs []error
	for i, spec := range specs {
		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d (%s): %w", i, spec.Label, err))
			continue
		}
		sev := Severity(spec.Severity)
		if sev.rank() == 0 {
			errs = append(errs, fmt.Errorf("rule %d (%s): unknown severity %q", i, spec.Label, spec.Severity))
			continue
		}
		tool := spec.Tool
		if tool == "" {
			tool = "*"
		}
		rules = append(rules, Rule{
			Tool:        tool,
			ArgumentKey: spec.ArgumentKey,
			Label:       spec.Label,
			Severity:    sev,
			Regex:       re,
		})
	}
	return rules, errs
}
