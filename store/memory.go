package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/util"
)

type packageKey struct {
	ecosystem string
	name      string
}

// Memory is an in-process Store. Every method takes the store lock, so each
// call is atomic with respect to the others.
type Memory struct {
	mu sync.RWMutex

	vulns     map[string]model.Vulnerability
	byPackage map[packageKey]map[string]struct{}
	meta      map[string]model.VulnerabilityMetadata
	feeds     map[string]model.FeedState

	projects       map[string]model.Project
	projectsByName map[string]string
	snapshots      map[string]model.Snapshot
	components     map[string]model.Component
	componentIndex map[string]string
	versions       map[string]model.ComponentVersion
	versionIndex   map[string]string
	deps           map[string][]model.Dependency

	advisories map[string]model.Advisory
	alerts     map[string]model.Alert
	alertKeys  map[model.AlertKey]string
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-process store
func NewMemory() *Memory {
	return &Memory{
		vulns:          map[string]model.Vulnerability{},
		byPackage:      map[packageKey]map[string]struct{}{},
		meta:           map[string]model.VulnerabilityMetadata{},
		feeds:          map[string]model.FeedState{},
		projects:       map[string]model.Project{},
		projectsByName: map[string]string{},
		snapshots:      map[string]model.Snapshot{},
		components:     map[string]model.Component{},
		componentIndex: map[string]string{},
		versions:       map[string]model.ComponentVersion{},
		versionIndex:   map[string]string{},
		deps:           map[string][]model.Dependency{},
		advisories:     map[string]model.Advisory{},
		alerts:         map[string]model.Alert{},
		alertKeys:      map[model.AlertKey]string{},
	}
}

func newKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// UpsertNamespace replaces the namespace's records by natural key
func (m *Memory) UpsertNamespace(ctx context.Context, _ string, vulns []model.Vulnerability, meta []model.VulnerabilityMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range vulns {
		v.Key = v.RecordKey()
		if prev, ok := m.vulns[v.Key]; ok {
			pk := packageKey{prev.Ecosystem, strings.ToLower(prev.PackageName)}
			delete(m.byPackage[pk], v.Key)
		}
		m.vulns[v.Key] = v

		pk := packageKey{v.Ecosystem, strings.ToLower(v.PackageName)}
		if m.byPackage[pk] == nil {
			m.byPackage[pk] = map[string]struct{}{}
		}
		m.byPackage[pk][v.Key] = struct{}{}
	}
	for _, md := range meta {
		md.Key = md.RecordKey()
		m.meta[md.Key] = md
	}
	return nil
}

// Candidates returns vulnerabilities for the package, ordered by key
func (m *Memory) Candidates(_ context.Context, ecosystem, packageName string) ([]model.Vulnerability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := m.byPackage[packageKey{ecosystem, strings.ToLower(packageName)}]
	out := make([]model.Vulnerability, 0, len(keys))
	for k := range keys {
		out = append(out, m.vulns[k])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// MetadataFor returns every metadata record carrying the identifier
func (m *Memory) MetadataFor(_ context.Context, id string) ([]model.VulnerabilityMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.VulnerabilityMetadata
	for _, md := range m.meta {
		if md.ID == id {
			out = append(out, md)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// CountVulnerabilities returns the number of stored vulnerability records
func (m *Memory) CountVulnerabilities(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vulns), nil
}

// CountMetadata returns the number of stored metadata records
func (m *Memory) CountMetadata(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.meta), nil
}

// GetFeedState returns the high-water mark for a source
func (m *Memory) GetFeedState(_ context.Context, source string) (*model.FeedState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.feeds[util.SanitizeKey(source)]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

// SaveFeedState records the high-water mark for a source
func (m *Memory) SaveFeedState(_ context.Context, state model.FeedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state.Key = util.SanitizeKey(state.Source)
	m.feeds[state.Key] = state
	return nil
}

// FindOrCreateProject returns the project with the given name, creating it on first use
func (m *Memory) FindOrCreateProject(_ context.Context, name string) (*model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.projectsByName[name]; ok {
		p := m.projects[id]
		return &p, nil
	}
	p := model.NewProject(name)
	p.Key = newKey()
	m.projects[p.Key] = *p
	m.projectsByName[name] = p.Key
	return p, nil
}

// GetProject returns a project by key
func (m *Memory) GetProject(_ context.Context, id string) (*model.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// ListProjects returns every project ordered by name
func (m *Memory) ListProjects(_ context.Context) ([]model.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateSnapshot stores the snapshot with the next sequence of its project
func (m *Memory) CreateSnapshot(_ context.Context, snap model.Snapshot) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[snap.ProjectID]; !ok {
		return nil, fmt.Errorf("project %s: %w", snap.ProjectID, ErrNotFound)
	}

	var seq int64
	for _, s := range m.snapshots {
		if s.ProjectID == snap.ProjectID && s.Sequence > seq {
			seq = s.Sequence
		}
	}
	snap.Key = newKey()
	snap.Sequence = seq + 1
	snap.Metadata = copyMeta(snap.Metadata)
	m.snapshots[snap.Key] = snap

	out := snap
	out.Metadata = copyMeta(snap.Metadata)
	return &out, nil
}

// GetSnapshot returns a snapshot by key
func (m *Memory) GetSnapshot(_ context.Context, id string) (*model.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.Metadata = copyMeta(s.Metadata)
	return &s, nil
}

// UpdateSnapshot saves state, error text and metadata of an existing snapshot
func (m *Memory) UpdateSnapshot(_ context.Context, snap model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.snapshots[snap.Key]
	if !ok {
		return ErrNotFound
	}
	cur.State = snap.State
	cur.Error = snap.Error
	cur.Metadata = copyMeta(snap.Metadata)
	cur.UpdatedAt = time.Now().UTC()
	m.snapshots[snap.Key] = cur
	return nil
}

// ListSnapshots returns the project's snapshots in sequence order
func (m *Memory) ListSnapshots(_ context.Context, projectID string) ([]model.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Snapshot
	for _, s := range m.snapshots {
		if s.ProjectID == projectID {
			s.Metadata = copyMeta(s.Metadata)
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// FindOrCreateComponent resolves a component by its natural key
func (m *Memory) FindOrCreateComponent(_ context.Context, c model.Component) (*model.Component, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nk := c.NaturalKey()
	if id, ok := m.componentIndex[nk]; ok {
		found := m.components[id]
		return &found, nil
	}
	c.Key = newKey()
	c.ObjType = "Component"
	m.components[c.Key] = c
	m.componentIndex[nk] = c.Key
	return &c, nil
}

// FindOrCreateComponentVersion resolves a version of an existing component
func (m *Memory) FindOrCreateComponentVersion(_ context.Context, componentID, version string) (*model.ComponentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.components[componentID]; !ok {
		return nil, fmt.Errorf("component %s: %w", componentID, ErrNotFound)
	}
	nk := componentID + "@" + version
	if id, ok := m.versionIndex[nk]; ok {
		found := m.versions[id]
		return &found, nil
	}
	v := model.NewComponentVersion(componentID, version)
	v.Key = newKey()
	m.versions[v.Key] = *v
	m.versionIndex[nk] = v.Key
	return v, nil
}

// CommitDependencies stores the dependency set and completes the snapshot
func (m *Memory) CommitDependencies(_ context.Context, snapshotID string, deps []model.Dependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[snapshotID]
	if !ok {
		return ErrNotFound
	}
	if snap.State != model.SnapshotProcessing {
		return fmt.Errorf("%w: %s is %s", ErrSnapshotState, snapshotID, snap.State)
	}

	stored := make([]model.Dependency, 0, len(deps))
	for _, d := range deps {
		if _, ok := m.components[d.ComponentID]; !ok {
			return fmt.Errorf("component %s: %w", d.ComponentID, ErrNotFound)
		}
		if _, ok := m.versions[d.ComponentVersionID]; !ok {
			return fmt.Errorf("component version %s: %w", d.ComponentVersionID, ErrNotFound)
		}
		d.SnapshotID = snapshotID
		d.Key = util.SanitizeKey(snapshotID + ":" + d.ComponentVersionID)
		d.From = "snapshot/" + snapshotID
		d.To = "component_version/" + d.ComponentVersionID
		stored = append(stored, d)
	}

	m.deps[snapshotID] = stored
	snap.State = model.SnapshotCompleted
	snap.Error = ""
	snap.UpdatedAt = time.Now().UTC()
	m.snapshots[snapshotID] = snap
	return nil
}

// Dependencies returns the frozen dependency set of a snapshot
func (m *Memory) Dependencies(_ context.Context, snapshotID string) ([]model.Dependency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.snapshots[snapshotID]; !ok {
		return nil, ErrNotFound
	}
	return append([]model.Dependency(nil), m.deps[snapshotID]...), nil
}

// GetAdvisory returns an advisory by name
func (m *Memory) GetAdvisory(_ context.Context, name string) (*model.Advisory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.advisories[name]
	if !ok {
		return nil, ErrNotFound
	}
	a.Vulnerabilities = append([]model.RelatedVulnerability(nil), a.Vulnerabilities...)
	return &a, nil
}

// GetAdvisories returns the advisories that exist among names
func (m *Memory) GetAdvisories(_ context.Context, names []string) (map[string]model.Advisory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]model.Advisory, len(names))
	for _, n := range names {
		if a, ok := m.advisories[n]; ok {
			out[n] = a
		}
	}
	return out, nil
}

// UpsertAdvisory replaces the advisory by name
func (m *Memory) UpsertAdvisory(_ context.Context, adv model.Advisory) (*model.Advisory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.advisories[adv.Name]; ok {
		adv.CreatedAt = prev.CreatedAt
	}
	adv.Key = util.SanitizeKey(adv.Name)
	adv.Vulnerabilities = append([]model.RelatedVulnerability(nil), adv.Vulnerabilities...)
	m.advisories[adv.Name] = adv
	return &adv, nil
}

// AlertsForSnapshot returns every alert of a snapshot, resolved ones included
func (m *Memory) AlertsForSnapshot(_ context.Context, snapshotID string) ([]model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.filterAlerts(func(a model.Alert) bool { return a.SnapshotID == snapshotID }), nil
}

// OpenAlertsForProject returns the project's new and active alerts across snapshots
func (m *Memory) OpenAlertsForProject(_ context.Context, projectID string) ([]model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.filterAlerts(func(a model.Alert) bool { return a.ProjectID == projectID && a.State.Open() }), nil
}

func (m *Memory) filterAlerts(keep func(model.Alert) bool) []model.Alert {
	var out []model.Alert
	for _, a := range m.alerts {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SaveAlerts upserts alerts by their (snapshot, dependency, advisory) triple
func (m *Memory) SaveAlerts(_ context.Context, alerts []model.Alert) ([]model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Alert, 0, len(alerts))
	for _, a := range alerts {
		if key, ok := m.alertKeys[a.Triple()]; ok {
			prev := m.alerts[key]
			a.Key = key
			a.CreatedAt = prev.CreatedAt
		} else {
			a.Key = newKey()
			a.ObjType = "Alert"
			m.alertKeys[a.Triple()] = a.Key
		}
		m.alerts[a.Key] = a
		out = append(out, a)
	}
	return out, nil
}

func copyMeta(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
