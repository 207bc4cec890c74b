package models

// EvidenceCheck identifies one acceptance check kind.
type EvidenceCheck string

const (
	CheckFileExists   EvidenceCheck = "file_exists"
	CheckFileCountMin EvidenceCheck = "file_count_min"
	CheckFileCountMax EvidenceCheck = "file_count_max"
	CheckDirExists    EvidenceCheck = "dir_exists"
	CheckNoFakeFiles  EvidenceCheck = "no_fake_files"
	CheckCommandOK    EvidenceCheck = "command_ok"
)

// EvidenceCriterion is one acceptance check evaluated against the mission
// workspace. Passed and Detail are filled by the evidence gate.
type EvidenceCriterion struct {
	ID          string         `json:"id" yaml:"id"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Check       EvidenceCheck  `json:"check" yaml:"check"`
	Params      map[string]any `json:"params" yaml:"params"`
	Passed      bool           `json:"passed" yaml:"-"`
	Detail      string         `json:"detail,omitempty" yaml:"-"`
}

// EvidenceReport is the outcome of running a criteria set.
type EvidenceReport struct {
	Criteria  []EvidenceCriterion `json:"criteria"`
	AllPassed bool                `json:"all_passed"`
	Text      string              `json:"text"` // human-formatted, reinjected into the next sprint prompt
}
