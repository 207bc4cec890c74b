package tools

import "strings"

// Role buckets. Every agent is classified into exactly one bucket by
// substring matching on its role and name; the bucket selects the tool
// allowlist handed to the LLM.
const (
	BucketProduct      = "product"
	BucketArchitecture = "architecture"
	BucketUX           = "ux"
	BucketDev          = "dev"
	BucketQA           = "qa"
	BucketDevOps       = "devops"
	BucketSecurity     = "security"
	BucketCDP          = "cdp"
)

// bucketRule maps keyword substrings to a bucket. Order matters:
// "devops" must win over "dev", "qa engineer" over "engineer".
type bucketRule struct {
	bucket   string
	keywords []string
}

var bucketRules = []bucketRule{
	{BucketDevOps, []string{"devops", "sre", "infra", "deploy", "cicd", "release", "platform"}},
	{BucketSecurity, []string{"security", "sécurité", "pentest", "appsec"}},
	{BucketQA, []string{"qa", "test", "quality"}},
	{BucketArchitecture, []string{"archi"}},
	{BucketUX, []string{"ux", "design", "ui "}},
	{BucketCDP, []string{"cdp", "chef de projet", "project manager", "scrum"}},
	{BucketProduct, []string{"product", "owner", "marketing"}},
	{BucketDev, []string{"dev", "engineer", "backend", "frontend", "fullstack", "program", "code"}},
}

// Bucket classifies an agent by its role and name. Unmatched agents
// land in the product bucket, which only reads.
func Bucket(role, name string) string {
	haystack := strings.ToLower(role + " " + name)
	for _, rule := range bucketRules {
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				return rule.bucket
			}
		}
	}
	return BucketProduct
}

// Tool name groups used to compose the per-bucket allowlists.
var (
	readGroup      = []string{"code_read", "list_files"}
	writeGroup     = []string{"code_write", "code_edit", "delete_file"}
	execGroup      = []string{"run_command", "build"}
	gitReadGroup   = []string{"git_status", "git_diff", "git_log"}
	gitWriteGroup  = []string{"git_commit", "git_push"}
	knowledgeGroup = []string{"memory_search", "memory_store", "deep_search"}

	// universalGroup is appended to every bucket so any agent can
	// introspect the platform it runs on.
	universalGroup = []string{"platform_agents", "platform_missions", "platform_sessions"}
)

var bucketAllowlists = map[string][]string{
	BucketDev:          flatten(readGroup, writeGroup, execGroup, gitReadGroup, gitWriteGroup, knowledgeGroup),
	BucketDevOps:       flatten(readGroup, writeGroup, execGroup, gitReadGroup, gitWriteGroup, knowledgeGroup, []string{"web_push"}),
	BucketQA:           flatten(readGroup, execGroup, gitReadGroup, knowledgeGroup),
	BucketSecurity:     flatten(readGroup, []string{"run_command"}, gitReadGroup, knowledgeGroup),
	BucketArchitecture: flatten(readGroup, []string{"code_write"}, knowledgeGroup),
	BucketUX:           flatten(readGroup, knowledgeGroup, []string{"web_push"}),
	BucketProduct:      flatten(readGroup, knowledgeGroup),
	BucketCDP:          flatten(readGroup, knowledgeGroup, []string{"web_push"}),
}

// AllowedTools returns the tool allowlist for an agent, universal
// introspection tools included. The slice is freshly allocated.
func AllowedTools(role, name string) []string {
	bucket := Bucket(role, name)
	base := bucketAllowlists[bucket]
	out := make([]string, 0, len(base)+len(universalGroup))
	out = append(out, base...)
	out = append(out, universalGroup...)
	return out
}

func flatten(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
