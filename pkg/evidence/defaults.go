package evidence

import (
	"strings"

	"github.com/macaron-dev/macaron/pkg/models"
)

// ResolveCriteria returns the explicit criteria when the workflow
// declares any, else the defaults for its type.
func ResolveCriteria(workflowType string, explicit []models.EvidenceCriterion) []models.EvidenceCriterion {
	if len(explicit) > 0 {
		return explicit
	}
	return DefaultCriteria(workflowType)
}

// DefaultCriteria picks a criteria set by substring of the workflow
// type. Unknown types only require a non-empty workspace.
func DefaultCriteria(workflowType string) []models.EvidenceCriterion {
	t := strings.ToLower(workflowType)
	switch {
	case strings.Contains(t, "android"):
		return []models.EvidenceCriterion{
			criterion("gradle-build", "gradle build file present", models.CheckFileExists,
				map[string]any{"pattern": "**/build.gradle*"}),
			criterion("android-sources", "at least 3 Kotlin or Java sources", models.CheckFileCountMin,
				map[string]any{"pattern": "**/*.{kt,java}", "min": 3}),
			criterion("android-real-code", "sources are not placeholders", models.CheckNoFakeFiles,
				map[string]any{"pattern": "**/*.{kt,java}", "min_size": 50}),
		}
	case strings.Contains(t, "ios"):
		return []models.EvidenceCriterion{
			criterion("swift-sources", "at least 3 Swift sources", models.CheckFileCountMin,
				map[string]any{"pattern": "**/*.swift", "min": 3}),
			criterion("ios-real-code", "sources are not placeholders", models.CheckNoFakeFiles,
				map[string]any{"pattern": "**/*.swift", "min_size": 50}),
		}
	case strings.Contains(t, "web"):
		return []models.EvidenceCriterion{
			criterion("package-manifest", "package.json at the workspace root", models.CheckFileExists,
				map[string]any{"pattern": "package.json"}),
			criterion("web-sources", "at least 3 frontend sources", models.CheckFileCountMin,
				map[string]any{"pattern": "**/*.{ts,tsx,js,jsx,vue,svelte,html,css}", "min": 3}),
			criterion("web-real-code", "sources are not placeholders", models.CheckNoFakeFiles,
				map[string]any{"pattern": "**/*.{ts,tsx,js,jsx}", "min_size": 50}),
		}
	case strings.Contains(t, "backend"):
		return []models.EvidenceCriterion{
			criterion("backend-sources", "at least 3 backend sources", models.CheckFileCountMin,
				map[string]any{"pattern": "**/*.{py,go,rb,java,rs,php}", "min": 3}),
			criterion("backend-real-code", "sources are not placeholders", models.CheckNoFakeFiles,
				map[string]any{"pattern": "**/*.{py,go,rb,java,rs,php}", "min_size": 50}),
		}
	default:
		return []models.EvidenceCriterion{
			criterion("non-empty", "workspace contains at least one file", models.CheckFileExists,
				map[string]any{"pattern": "**/*"}),
		}
	}
}

func criterion(id, description string, check models.EvidenceCheck, params map[string]any) models.EvidenceCriterion {
	return models.EvidenceCriterion{
		ID:          id,
		Description: description,
		Check:       check,
		Params:      params,
	}
}
