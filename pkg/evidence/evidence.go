// Package evidence runs deterministic acceptance checks against a
// mission workspace. Agents claim; the gate verifies on disk.
package evidence

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/macaron-dev/macaron/pkg/models"
	"github.com/macaron-dev/macaron/pkg/sandbox"
)

const (
	// commandTimeout bounds a command_ok check.
	commandTimeout = 60 * time.Second
	// fakeHeadBytes is how much of a file no_fake_files inspects.
	fakeHeadBytes = 200
	// detailErrMax caps stderr carried into a criterion detail.
	detailErrMax = 200
)

// fakeMarkers flag generated placeholder content when found in the
// head of a file.
var fakeMarkers = []string{"placeholder", "echo", "/dev/null", "stub"}

// Gate evaluates criteria sets. Command checks go through the sandbox.
type Gate struct {
	sandbox *sandbox.Executor
}

// New returns a gate. A nil executor disables command_ok checks.
func New(sb *sandbox.Executor) *Gate {
	return &Gate{sandbox: sb}
}

// Run evaluates every criterion against the workspace and returns a
// fresh report; prior Passed/Detail values on the input are ignored.
func (g *Gate) Run(ctx context.Context, workspace string, criteria []models.EvidenceCriterion) models.EvidenceReport {
	report := models.EvidenceReport{
		Criteria:  make([]models.EvidenceCriterion, len(criteria)),
		AllPassed: true,
	}
	for i, c := range criteria {
		c.Passed, c.Detail = g.check(ctx, workspace, c)
		if !c.Passed {
			report.AllPassed = false
		}
		report.Criteria[i] = c
	}
	report.Text = formatReport(report)
	slog.Info("Evidence gate evaluated",
		"workspace", workspace,
		"criteria", len(criteria),
		"all_passed", report.AllPassed)
	return report
}

func (g *Gate) check(ctx context.Context, workspace string, c models.EvidenceCriterion) (bool, string) {
	switch c.Check {
	case models.CheckFileExists:
		return checkFileExists(workspace, stringParam(c.Params, "pattern"))
	case models.CheckFileCountMin:
		return checkFileCountMin(workspace, stringParam(c.Params, "pattern"), intParam(c.Params, "min"))
	case models.CheckFileCountMax:
		return checkFileCountMax(workspace, stringParam(c.Params, "pattern"), intParam(c.Params, "max"))
	case models.CheckDirExists:
		return checkDirExists(workspace, stringParam(c.Params, "path"))
	case models.CheckNoFakeFiles:
		return checkNoFakeFiles(workspace, stringParam(c.Params, "pattern"), intParam(c.Params, "min_size"))
	case models.CheckCommandOK:
		return g.checkCommandOK(ctx, workspace, stringParam(c.Params, "command"))
	default:
		return false, fmt.Sprintf("unknown check %q", c.Check)
	}
}

// glob resolves a pattern against the workspace, files only, with
// brace expansion, skipping anything under .git.
func glob(workspace, pattern string) ([]string, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	matches, err := doublestar.Glob(os.DirFS(workspace), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to glob %q: %w", pattern, err)
	}
	out := matches[:0]
	for _, m := range matches {
		if m == ".git" || strings.HasPrefix(m, ".git/") {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func checkFileExists(workspace, pattern string) (bool, string) {
	matches, err := glob(workspace, pattern)
	if err != nil {
		return false, err.Error()
	}
	if len(matches) == 0 {
		return false, fmt.Sprintf("no match for %s", pattern)
	}
	return true, fmt.Sprintf("%d match(es), first: %s", len(matches), matches[0])
}

func checkFileCountMin(workspace, pattern string, min int) (bool, string) {
	matches, err := glob(workspace, pattern)
	if err != nil {
		return false, err.Error()
	}
	return len(matches) >= min, fmt.Sprintf("%d/%d found", len(matches), min)
}

func checkFileCountMax(workspace, pattern string, max int) (bool, string) {
	matches, err := glob(workspace, pattern)
	if err != nil {
		return false, err.Error()
	}
	return len(matches) <= max, fmt.Sprintf("%d found, max %d", len(matches), max)
}

func checkDirExists(workspace, path string) (bool, string) {
	info, err := os.Stat(filepath.Join(workspace, path))
	if err != nil || !info.IsDir() {
		return false, fmt.Sprintf("missing directory: %s", path)
	}
	return true, "exists"
}

// checkNoFakeFiles rejects matches that are too small or whose head
// contains a placeholder marker. No matches at all passes; pair with
// file_count_min to require presence.
func checkNoFakeFiles(workspace, pattern string, minSize int) (bool, string) {
	matches, err := glob(workspace, pattern)
	if err != nil {
		return false, err.Error()
	}
	if len(matches) == 0 {
		return true, "no files to inspect"
	}
	for _, m := range matches {
		full := filepath.Join(workspace, m)
		info, err := os.Stat(full)
		if err != nil {
			return false, fmt.Sprintf("%s: %v", m, err)
		}
		if info.Size() < int64(minSize) {
			return false, fmt.Sprintf("%s: %d bytes, need >= %d", m, info.Size(), minSize)
		}
		if marker := fakeHead(full); marker != "" {
			return false, fmt.Sprintf("%s: contains %q", m, marker)
		}
	}
	return true, fmt.Sprintf("%d file(s) look real", len(matches))
}

// fakeHead returns the first fake marker found in the head of the
// file, or "".
func fakeHead(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	head := make([]byte, fakeHeadBytes)
	n, _ := f.Read(head)
	lower := bytes.ToLower(head[:n])
	for _, marker := range fakeMarkers {
		if bytes.Contains(lower, []byte(marker)) {
			return marker
		}
	}
	return ""
}

func (g *Gate) checkCommandOK(ctx context.Context, workspace, command string) (bool, string) {
	if command == "" {
		return false, "empty command"
	}
	if g.sandbox == nil {
		return false, "command checks disabled: no sandbox"
	}
	res := g.sandbox.Run(ctx, command, sandbox.RunOptions{
		Dir:     workspace,
		Timeout: commandTimeout,
	})
	if res.RC == 0 {
		return true, "exit 0"
	}
	detail := strings.TrimSpace(res.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(res.Stdout)
	}
	if len(detail) > detailErrMax {
		detail = detail[:detailErrMax]
	}
	return false, fmt.Sprintf("exit %d: %s", res.RC, detail)
}

// formatReport renders the per-criterion outcome as text meant for
// re-injection into the next sprint's prompt.
func formatReport(r models.EvidenceReport) string {
	passed := 0
	for _, c := range r.Criteria {
		if c.Passed {
			passed++
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Evidence gate: %d/%d criteria passed.\n", passed, len(r.Criteria))
	for _, c := range r.Criteria {
		status := "FAIL"
		if c.Passed {
			status = "PASS"
		}
		label := c.ID
		if label == "" {
			label = string(c.Check)
		}
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", status, label, c.Detail)
	}
	if !r.AllPassed {
		sb.WriteString("Fix every FAIL above with real files and commands before claiming completion.")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Failures lists the failed criteria as "id: detail" strings, ready
// for the evidence_gate event payload.
func Failures(r models.EvidenceReport) []string {
	var out []string
	for _, c := range r.Criteria {
		if c.Passed {
			continue
		}
		label := c.ID
		if label == "" {
			label = string(c.Check)
		}
		out = append(out, label+": "+c.Detail)
	}
	return out
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if s, ok := params[key].(string); ok {
		return s
	}
	return ""
}

// intParam tolerates the numeric types JSON and YAML decoding produce.
func intParam(params map[string]any, key string) int {
	if params == nil {
		return 0
	}
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
