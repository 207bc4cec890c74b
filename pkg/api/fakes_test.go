package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/macaron-dev/macaron/pkg/models"
	"github.com/macaron-dev/macaron/pkg/store"
)

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	mu sync.Mutex

	healthErr error

	missions map[string]*models.Mission
	runs     map[string]*models.MissionRun
	runOrder []string
	sessions map[string]*models.Session
	sprints  map[string][]*models.Sprint

	messages  map[string][]*models.Message
	toolCalls map[string][]*models.ToolCallRecord
	artifacts map[string][]*models.Artifact

	agents   map[string]*models.AgentDef
	settings map[string]json.RawMessage
	projects map[string]*models.Project
	features map[string][]*models.Feature

	usage store.UsageTotals

	resumed          []string
	reverted         map[string]models.MissionStatus
	sessionStatusErr map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		missions:         make(map[string]*models.Mission),
		runs:             make(map[string]*models.MissionRun),
		sessions:         make(map[string]*models.Session),
		sprints:          make(map[string][]*models.Sprint),
		messages:         make(map[string][]*models.Message),
		toolCalls:        make(map[string][]*models.ToolCallRecord),
		artifacts:        make(map[string][]*models.Artifact),
		agents:           make(map[string]*models.AgentDef),
		settings:         make(map[string]json.RawMessage),
		projects:         make(map[string]*models.Project),
		features:         make(map[string][]*models.Feature),
		reverted:         make(map[string]models.MissionStatus),
		sessionStatusErr: make(map[string]error),
	}
}

func (f *fakeStore) Health(ctx context.Context) (*store.HealthStatus, error) {
	if f.healthErr != nil {
		return &store.HealthStatus{Status: "unhealthy"}, f.healthErr
	}
	return &store.HealthStatus{Status: "healthy"}, nil
}

func (f *fakeStore) CreateMission(ctx context.Context, m *models.Mission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = models.MissionPending
	}
	m.CreatedAt = time.Now()
	cp := *m
	f.missions[m.ID] = &cp
	return nil
}

func (f *fakeStore) GetMission(ctx context.Context, id string) (*models.Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.missions[id]
	if !ok {
		return nil, fmt.Errorf("mission %s: %w", id, store.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) ListMissions(ctx context.Context, status models.MissionStatus, limit int) ([]*models.Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Mission
	for _, m := range f.missions {
		if status == "" || m.Status == status {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) UpdateMissionStatus(ctx context.Context, id string, status models.MissionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.missions[id]
	if !ok {
		return fmt.Errorf("mission %s: %w", id, store.ErrNotFound)
	}
	m.Status = status
	return nil
}

func (f *fakeStore) CountMissionsByStatus(ctx context.Context) (map[models.MissionStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[models.MissionStatus]int)
	for _, m := range f.missions {
		out[m.Status]++
	}
	return out, nil
}

func (f *fakeStore) CreateRun(ctx context.Context, r *models.MissionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = models.MissionPending
	}
	r.CreatedAt = time.Now()
	cp := *r
	f.runs[r.ID] = &cp
	f.runOrder = append(f.runOrder, r.ID)
	return nil
}

func (f *fakeStore) GetRun(ctx context.Context, id string) (*models.MissionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	cp := *r
	cp.Phases = append([]models.PhaseState(nil), r.Phases...)
	return &cp, nil
}

func (f *fakeStore) ListRunsForMission(ctx context.Context, missionID string) ([]*models.MissionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.MissionRun
	// Newest first, matching the SQL ordering.
	for i := len(f.runOrder) - 1; i >= 0; i-- {
		r := f.runs[f.runOrder[i]]
		if r.MissionID == missionID {
			cp := *r
			cp.Phases = append([]models.PhaseState(nil), r.Phases...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateRunStatus(ctx context.Context, id string, status models.MissionStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	r.Status = status
	if errMsg != "" {
		r.Error = errMsg
	}
	return nil
}

func (f *fakeStore) FinishRun(ctx context.Context, id string, status models.MissionStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	now := time.Now()
	r.Status = status
	r.Error = errMsg
	r.CompletedAt = &now
	return nil
}

func (f *fakeStore) ResumeRun(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	r.Status = models.MissionPending
	r.ResumeAttempts++
	r.HumanInputRequired = false
	f.resumed = append(f.resumed, id)
	return nil
}

func (f *fakeStore) RevertRunResume(ctx context.Context, id string, prev models.MissionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[id]; ok {
		r.Status = prev
	}
	f.reverted[id] = prev
	return nil
}

func (f *fakeStore) SaveRunPhases(ctx context.Context, id string, phases []models.PhaseState, currentPhase string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	r.Phases = append([]models.PhaseState(nil), phases...)
	r.CurrentPhase = currentPhase
	return nil
}

func (f *fakeStore) ListSprints(ctx context.Context, missionID string) ([]*models.Sprint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sprints[missionID], nil
}

func (f *fakeStore) CreateSession(ctx context.Context, sess *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = models.SessionActive
	}
	sess.CreatedAt = time.Now()
	cp := *sess
	f.sessions[sess.ID] = &cp
	return nil
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sessionStatusErr[id]; err != nil {
		return err
	}
	sess, ok := f.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	sess.Status = status
	return nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, m *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Seq = int64(len(f.messages[m.SessionID]) + 1)
	m.CreatedAt = time.Now()
	cp := *m
	f.messages[m.SessionID] = append(f.messages[m.SessionID], &cp)
	return nil
}

func (f *fakeStore) ListMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Message
	for _, m := range f.messages[sessionID] {
		if m.Seq > afterSeq {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListToolCalls(ctx context.Context, sessionID string) ([]*models.ToolCallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toolCalls[sessionID], nil
}

func (f *fakeStore) ListArtifacts(ctx context.Context, sessionID string) ([]*models.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.artifacts[sessionID], nil
}

func (f *fakeStore) UpsertAgent(ctx context.Context, a *models.AgentDef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.agents[a.ID] = &cp
	return nil
}

func (f *fakeStore) GetAgent(ctx context.Context, id string) (*models.AgentDef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) ListAgents(ctx context.Context) ([]*models.AgentDef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.AgentDef
	for _, a := range f.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) DeleteAgent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.agents[id]; !ok {
		return fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	delete(f.agents, id)
	return nil
}

func (f *fakeStore) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.settings[key]
	if !ok {
		return nil, fmt.Errorf("setting %s: %w", key, store.ErrNotFound)
	}
	return v, nil
}

func (f *fakeStore) UpsertSetting(ctx context.Context, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.settings[key] = encoded
	return nil
}

func (f *fakeStore) ListSettings(ctx context.Context) ([]*store.Setting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Setting
	for k, v := range f.settings {
		out = append(out, &store.Setting{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *fakeStore) CreateProject(ctx context.Context, p *models.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now()
	cp := *p
	f.projects[p.ID] = &cp
	return nil
}

func (f *fakeStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Project
	for _, p := range f.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) SetProjectMonitoring(ctx context.Context, id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return fmt.Errorf("project %s: %w", id, store.ErrNotFound)
	}
	p.TMAMonitoring = enabled
	return nil
}

func (f *fakeStore) CreateFeature(ctx context.Context, feat *models.Feature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if feat.ID == "" {
		feat.ID = uuid.NewString()
	}
	cp := *feat
	f.features[feat.ProjectID] = append(f.features[feat.ProjectID], &cp)
	return nil
}

func (f *fakeStore) ListOpenFeatures(ctx context.Context, projectID string) ([]*models.Feature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.features[projectID], nil
}

func (f *fakeStore) SumUsageSince(ctx context.Context, since time.Time) (*store.UsageTotals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.usage
	return &cp, nil
}

func (f *fakeStore) CountRunsByStatus(ctx context.Context) (map[models.MissionStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[models.MissionStatus]int)
	for _, r := range f.runs {
		out[r.Status]++
	}
	return out, nil
}

// runStatus reads a run's status under the lock.
func (f *fakeStore) runStatus(id string) models.MissionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[id]; ok {
		return r.Status
	}
	return ""
}

// sessionStatus reads a session's status under the lock.
func (f *fakeStore) sessionStatus(id string) models.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		return s.Status
	}
	return ""
}

// missionStatus reads a mission's status under the lock.
func (f *fakeStore) missionStatus(id string) models.MissionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.missions[id]; ok {
		return m.Status
	}
	return ""
}

// fakePool records cancellations. A run id present in cancelable is
// "executing locally": the first CancelRun on it returns true.
type fakePool struct {
	mu         sync.Mutex
	cancelable map[string]bool
	cancelled  []string
	active     int
	processed  int
}

func newFakePool() *fakePool {
	return &fakePool{cancelable: make(map[string]bool)}
}

func (p *fakePool) CancelRun(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, runID)
	if p.cancelable[runID] {
		delete(p.cancelable, runID)
		return true
	}
	return false
}

func (p *fakePool) Active() int    { return p.active }
func (p *fakePool) Processed() int { return p.processed }

func (p *fakePool) cancelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancelled)
}

// fakeInvalidator counts cache invalidations.
type fakeInvalidator struct {
	mu sync.Mutex
	n  int
}

func (f *fakeInvalidator) Invalidate() {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
}

func (f *fakeInvalidator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}
