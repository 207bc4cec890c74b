// Package guard validates agent output before the engine accepts it
// into session history. L0 is deterministic pattern scoring; L1 is an
// optional semantic review by a second model.
package guard

import (
	"regexp"
	"strings"
)

// RejectThreshold is the penalty total at which L0 rejects an output.
const RejectThreshold = 5

// Penalty weights per family. A family contributes once per matched
// pattern, not per occurrence.
const (
	weightEmpty         = 10
	weightSlop          = 2
	weightMock          = 3
	weightHallucination = 3
	weightLie           = 3
	weightLength        = 2
	weightEcho          = 3
	weightRepetition    = 2
)

// pattern is one compiled L0 check.
type pattern struct {
	label  string
	weight int
	regex  *regexp.Regexp
}

var slopPatterns = []pattern{
	{"slop: lorem ipsum", weightSlop, regexp.MustCompile(`(?i)lorem ipsum`)},
	{"slop: foo/bar/baz filler", weightSlop, regexp.MustCompile(`(?i)\bfoo\b[\s\S]{0,80}\bbar\b[\s\S]{0,80}\bbaz\b`)},
	{"slop: TBD/XXX placeholder", weightSlop, regexp.MustCompile(`\b(TBD|XXX)\b`)},
}

var mockPatterns = []pattern{
	{"mock: unimplemented TODO", weightMock, regexp.MustCompile(`(?i)TODO:?\s*implement`)},
	{"mock: NotImplementedError", weightMock, regexp.MustCompile(`\bNotImplementedError\b`)},
	{"mock: empty function body", weightMock, regexp.MustCompile(`(?m)(def\s+\w+\([^)]*\):\s*(pass|\.\.\.)\s*$|\)\s*\{\s*\})`)},
	{"mock: console.log test", weightMock, regexp.MustCompile(`console\.log\(['"]test['"]\)`)},
}

// hallucinationPattern matches claims of having executed, tested or
// deployed something. Scored only when no execution tool ran this turn.
var hallucinationPattern = regexp.MustCompile(`(?i)(successfully (deployed|executed|ran)|deployment (succeeded|complete)|tests? (passed|are passing|all pass)|j'ai (déployé|exécuté|lancé))`)

// liePattern matches claims of having created or written files. Scored
// only when no write tool ran this turn.
var liePattern = regexp.MustCompile(`(?i)(I (have )?(created|wrote|written|saved|generated)|j'ai (créé|écrit|généré)) (the |a |le |un |une )?\S*\s*(file|script|module|fichier)`)

// lengthFloors are minimum content lengths per role bucket, matched by
// substring on the lowercased role. Order matters: devops before dev.
var lengthFloors = []struct {
	match string
	min   int
}{
	{"devops", 150},
	{"dev", 200},
	{"qa", 150},
	{"arch", 200},
}

const lengthFloorDefault = 80

var writeTools = map[string]bool{
	"code_write": true,
	"code_edit":  true,
}

var executionTools = map[string]bool{
	"run_command": true,
	"build":       true,
	"git_commit":  true,
	"git_push":    true,
	"delete_file": true,
}

// Report is the outcome of an L0 validation pass.
type Report struct {
	Score   int      `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// Rejected reports whether the penalty total crosses the threshold.
func (r Report) Rejected() bool {
	return r.Score >= RejectThreshold
}

// Validate runs the deterministic L0 families over one agent output.
// toolsUsed carries the names of the tools the agent actually invoked
// this turn; it waives the lie, hallucination and length checks when
// the matching evidence exists.
func Validate(content, role string, toolsUsed []string) Report {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Report{Score: weightEmpty, Reasons: []string{"Empty output"}}
	}

	usedWrite, usedExec := false, false
	for _, name := range toolsUsed {
		if writeTools[name] {
			usedWrite = true
		}
		if executionTools[name] {
			usedExec = true
		}
	}

	var rep Report
	for _, p := range slopPatterns {
		if p.regex.MatchString(content) {
			rep.add(p.label, p.weight)
		}
	}
	for _, p := range mockPatterns {
		if p.regex.MatchString(content) {
			rep.add(p.label, p.weight)
		}
	}
	if !usedExec && hallucinationPattern.MatchString(content) {
		rep.add("hallucination: execution claim without tool evidence", weightHallucination)
	}
	if !usedWrite && liePattern.MatchString(content) {
		rep.add("lie: file creation claim without write tool", weightLie)
	}
	if !usedWrite {
		if floor := lengthFloor(role); len(trimmed) < floor {
			rep.add("length: output below role floor", weightLength)
		}
	}
	if echoed(trimmed) {
		rep.add("echo: mostly quoted lines", weightEcho)
	}
	if repetitive(trimmed) {
		rep.add("repetition: same lines repeated", weightRepetition)
	}
	return rep
}

func (r *Report) add(reason string, weight int) {
	r.Score += weight
	r.Reasons = append(r.Reasons, reason)
}

func lengthFloor(role string) int {
	role = strings.ToLower(role)
	for _, f := range lengthFloors {
		if strings.Contains(role, f.match) {
			return f.min
		}
	}
	return lengthFloorDefault
}

// echoed reports whether more than 70% of the non-empty lines are
// quoted. Short outputs are exempt.
func echoed(content string) bool {
	lines := strings.Split(content, "\n")
	total, quoted := 0, 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		total++
		if strings.HasPrefix(line, ">") {
			quoted++
		}
	}
	if total < 4 {
		return false
	}
	return float64(quoted)/float64(total) > 0.7
}

// repetitive reports whether more than three distinct lines each occur
// more than twice. Trivially short lines are ignored.
func repetitive(content string) bool {
	counts := map[string]int{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 8 {
			continue
		}
		counts[line]++
	}
	repeated := 0
	for _, n := range counts {
		if n > 2 {
			repeated++
		}
	}
	return repeated > 3
}
