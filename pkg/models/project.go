package models

import "time"

// Project is a registered codebase that missions operate on. A workspace
// path is exclusively assigned to one mission while its runs are active.
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Path          string    `json:"path,omitempty"`
	TMAMonitoring bool      `json:"tma_monitoring"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Feature is a backlog item. Backlog CRUD lives outside the core; the
// schema is kept so missions created by feedback hooks can reference it.
type Feature struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Status          string    `json:"status"`
	BusinessValue   int       `json:"business_value"`
	TimeCriticality int       `json:"time_criticality"`
	RiskReduction   int       `json:"risk_reduction"`
	JobSize         int       `json:"job_size"`
	CreatedAt       time.Time `json:"created_at"`
}

// WSJF computes weighted-shortest-job-first priority. Job size zero sorts
// last instead of dividing by zero.
func (f *Feature) WSJF() float64 {
	if f.JobSize <= 0 {
		return 0
	}
	return float64(f.BusinessValue+f.TimeCriticality+f.RiskReduction) / float64(f.JobSize)
}
