package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/ortelius/pdvd-vulncorr/database"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/util"
)

// Arango is the ArangoDB backed Store. Every multi-record write is a single
// AQL statement so it commits atomically.
type Arango struct {
	db database.DBConnection
}

var _ Store = (*Arango)(nil)

// NewArango wraps an initialized database connection
func NewArango(db database.DBConnection) *Arango {
	return &Arango{db: db}
}

// vulnerabilityDoc adds the lowercase lookup field indexed for candidate queries
type vulnerabilityDoc struct {
	model.Vulnerability
	PackageNameLower string `json:"package_name_lower"`
}

func queryAll[T any](ctx context.Context, db arangodb.Database, query string, bindVars map[string]interface{}) ([]T, error) {
	cursor, err := db.Query(ctx, query, &arangodb.QueryOptions{BindVars: bindVars})
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var out []T
	for cursor.HasMore() {
		var doc T
		if _, err := cursor.ReadDocument(ctx, &doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func queryOne[T any](ctx context.Context, db arangodb.Database, query string, bindVars map[string]interface{}) (*T, error) {
	docs, err := queryAll[T](ctx, db, query, bindVars)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return &docs[0], nil
}

func exec(ctx context.Context, db arangodb.Database, query string, bindVars map[string]interface{}) error {
	cursor, err := db.Query(ctx, query, &arangodb.QueryOptions{BindVars: bindVars})
	if err != nil {
		return err
	}
	return cursor.Close()
}

// UpsertNamespace replaces the namespace's vulnerabilities and metadata in one statement
func (s *Arango) UpsertNamespace(ctx context.Context, namespace string, vulns []model.Vulnerability, meta []model.VulnerabilityMetadata) error {
	vulnDocs := make([]vulnerabilityDoc, 0, len(vulns))
	for _, v := range vulns {
		v.Key = v.RecordKey()
		vulnDocs = append(vulnDocs, vulnerabilityDoc{Vulnerability: v, PackageNameLower: strings.ToLower(v.PackageName)})
	}
	for i := range meta {
		meta[i].Key = meta[i].RecordKey()
	}

	query := `
		LET vulns = (
			FOR v IN @vulns
				UPSERT { _key: v._key }
				INSERT v
				REPLACE v
				IN vulnerability
				RETURN 1
		)
		LET metas = (
			FOR m IN @metas
				UPSERT { _key: m._key }
				INSERT m
				REPLACE m
				IN vulnerability_metadata
				RETURN 1
		)
		RETURN { vulnerabilities: LENGTH(vulns), metadata: LENGTH(metas) }
	`
	if err := exec(ctx, s.db.Database, query, map[string]interface{}{
		"vulns": vulnDocs,
		"metas": meta,
	}); err != nil {
		return fmt.Errorf("upserting namespace %s: %w", namespace, err)
	}
	return nil
}

// Candidates returns vulnerabilities for the package in an ecosystem
func (s *Arango) Candidates(ctx context.Context, ecosystem, packageName string) ([]model.Vulnerability, error) {
	query := `
		FOR v IN vulnerability
			FILTER v.ecosystem == @ecosystem AND v.package_name_lower == @name
			SORT v._key
			RETURN UNSET(v, "package_name_lower")
	`
	return queryAll[model.Vulnerability](ctx, s.db.Database, query, map[string]interface{}{
		"ecosystem": ecosystem,
		"name":      strings.ToLower(packageName),
	})
}

// MetadataFor returns every metadata record carrying the identifier
func (s *Arango) MetadataFor(ctx context.Context, id string) ([]model.VulnerabilityMetadata, error) {
	query := `
		FOR m IN vulnerability_metadata
			FILTER m.id == @id
			SORT m._key
			RETURN m
	`
	return queryAll[model.VulnerabilityMetadata](ctx, s.db.Database, query, map[string]interface{}{"id": id})
}

func (s *Arango) count(ctx context.Context, collection string) (int, error) {
	query := `
		FOR d IN @@col
			COLLECT WITH COUNT INTO n
			RETURN n
	`
	n, err := queryOne[int](ctx, s.db.Database, query, map[string]interface{}{"@col": collection})
	if err != nil {
		return 0, err
	}
	return *n, nil
}

// CountVulnerabilities returns the number of stored vulnerability records
func (s *Arango) CountVulnerabilities(ctx context.Context) (int, error) {
	return s.count(ctx, database.VulnerabilityCollection)
}

// CountMetadata returns the number of stored metadata records
func (s *Arango) CountMetadata(ctx context.Context) (int, error) {
	return s.count(ctx, database.MetadataCollection)
}

// GetFeedState returns the high-water mark for a source
func (s *Arango) GetFeedState(ctx context.Context, source string) (*model.FeedState, error) {
	query := `
		LET doc = DOCUMENT("metadata", @key)
		FILTER doc != null
		RETURN doc
	`
	return queryOne[model.FeedState](ctx, s.db.Database, query, map[string]interface{}{"key": util.SanitizeKey(source)})
}

// SaveFeedState records the high-water mark for a source
func (s *Arango) SaveFeedState(ctx context.Context, state model.FeedState) error {
	state.Key = util.SanitizeKey(state.Source)
	if state.Key == "" {
		return fmt.Errorf("cannot save feed state for empty source")
	}
	state.ObjType = "FeedState"

	query := `
		UPSERT { _key: @state._key }
		INSERT @state
		REPLACE @state
		IN metadata
	`
	return exec(ctx, s.db.Database, query, map[string]interface{}{"state": state})
}

// FindOrCreateProject returns the project with the given name, creating it on first use
func (s *Arango) FindOrCreateProject(ctx context.Context, name string) (*model.Project, error) {
	p := model.NewProject(name)
	query := `
		UPSERT { name: @project.name }
		INSERT @project
		UPDATE {}
		IN project
		RETURN NEW
	`
	return queryOne[model.Project](ctx, s.db.Database, query, map[string]interface{}{"project": p})
}

// GetProject returns a project by key
func (s *Arango) GetProject(ctx context.Context, id string) (*model.Project, error) {
	query := `
		LET doc = DOCUMENT("project", @key)
		FILTER doc != null
		RETURN doc
	`
	return queryOne[model.Project](ctx, s.db.Database, query, map[string]interface{}{"key": id})
}

// ListProjects returns every project ordered by name
func (s *Arango) ListProjects(ctx context.Context) ([]model.Project, error) {
	return queryAll[model.Project](ctx, s.db.Database, `FOR p IN project SORT p.name RETURN p`, nil)
}

// CreateSnapshot stores the snapshot with the next sequence of its project
func (s *Arango) CreateSnapshot(ctx context.Context, snap model.Snapshot) (*model.Snapshot, error) {
	if _, err := s.GetProject(ctx, snap.ProjectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", snap.ProjectID, err)
	}
	snap.Key = ""

	query := `
		LET last = FIRST(
			FOR s IN snapshot
				FILTER s.project_id == @project
				SORT s.sequence DESC
				LIMIT 1
				RETURN s.sequence
		)
		INSERT MERGE(@snapshot, { sequence: last == null ? 1 : last + 1 })
		INTO snapshot
		RETURN NEW
	`
	return queryOne[model.Snapshot](ctx, s.db.Database, query, map[string]interface{}{
		"project":  snap.ProjectID,
		"snapshot": snap,
	})
}

// GetSnapshot returns a snapshot by key
func (s *Arango) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	query := `
		LET doc = DOCUMENT("snapshot", @key)
		FILTER doc != null
		RETURN doc
	`
	return queryOne[model.Snapshot](ctx, s.db.Database, query, map[string]interface{}{"key": id})
}

// UpdateSnapshot saves state, error text and metadata of an existing snapshot
func (s *Arango) UpdateSnapshot(ctx context.Context, snap model.Snapshot) error {
	query := `
		LET doc = DOCUMENT("snapshot", @key)
		FILTER doc != null
		UPDATE doc WITH { state: @state, error: @error, metadata: @metadata, updated_at: @now }
		IN snapshot OPTIONS { mergeObjects: false }
		RETURN NEW._key
	`
	_, err := queryOne[string](ctx, s.db.Database, query, map[string]interface{}{
		"key":      snap.Key,
		"state":    snap.State,
		"error":    snap.Error,
		"metadata": snap.Metadata,
		"now":      time.Now().UTC(),
	})
	return err
}

// ListSnapshots returns the project's snapshots in sequence order, without SBOM payloads
func (s *Arango) ListSnapshots(ctx context.Context, projectID string) ([]model.Snapshot, error) {
	query := `
		FOR s IN snapshot
			FILTER s.project_id == @project
			SORT s.sequence
			RETURN UNSET(s, "sbom")
	`
	return queryAll[model.Snapshot](ctx, s.db.Database, query, map[string]interface{}{"project": projectID})
}

// FindOrCreateComponent resolves a component by its natural key
func (s *Arango) FindOrCreateComponent(ctx context.Context, c model.Component) (*model.Component, error) {
	query := `
		UPSERT { type: @type, manager: @manager, namespace: @namespace, name: @name }
		INSERT { type: @type, manager: @manager, namespace: @namespace, name: @name, objtype: "Component" }
		UPDATE {}
		IN component
		RETURN NEW
	`
	return queryOne[model.Component](ctx, s.db.Database, query, map[string]interface{}{
		"type":      c.Type,
		"manager":   c.Manager,
		"namespace": c.Namespace,
		"name":      c.Name,
	})
}

// FindOrCreateComponentVersion resolves a version of a component
func (s *Arango) FindOrCreateComponentVersion(ctx context.Context, componentID, version string) (*model.ComponentVersion, error) {
	query := `
		UPSERT { component_id: @component, version: @version }
		INSERT { component_id: @component, version: @version, objtype: "ComponentVersion" }
		UPDATE {}
		IN component_version
		RETURN NEW
	`
	return queryOne[model.ComponentVersion](ctx, s.db.Database, query, map[string]interface{}{
		"component": componentID,
		"version":   version,
	})
}

// CommitDependencies inserts the dependency edges and completes the snapshot in one statement
func (s *Arango) CommitDependencies(ctx context.Context, snapshotID string, deps []model.Dependency) error {
	edges := make([]model.Dependency, 0, len(deps))
	for _, d := range deps {
		d.SnapshotID = snapshotID
		d.Key = util.SanitizeKey(snapshotID + ":" + d.ComponentVersionID)
		d.From = database.SnapshotCollection + "/" + snapshotID
		d.To = database.ComponentVersionCollection + "/" + d.ComponentVersionID
		edges = append(edges, d)
	}

	query := `
		LET snap = DOCUMENT("snapshot", @key)
		FILTER snap != null AND snap.state == "processing"
		LET inserted = (
			FOR d IN @deps
				INSERT d INTO dependency
				RETURN NEW._key
		)
		UPDATE snap WITH { state: "completed", error: "", updated_at: @now } IN snapshot
		RETURN LENGTH(inserted)
	`
	_, err := queryOne[int](ctx, s.db.Database, query, map[string]interface{}{
		"key":  snapshotID,
		"deps": edges,
		"now":  time.Now().UTC(),
	})
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrSnapshotState, snapshotID)
	}
	return err
}

// Dependencies returns the frozen dependency set of a snapshot
func (s *Arango) Dependencies(ctx context.Context, snapshotID string) ([]model.Dependency, error) {
	query := `
		FOR d IN dependency
			FILTER d.snapshot_id == @snapshot
			SORT d._key
			RETURN d
	`
	return queryAll[model.Dependency](ctx, s.db.Database, query, map[string]interface{}{"snapshot": snapshotID})
}

// GetAdvisory returns an advisory by name
func (s *Arango) GetAdvisory(ctx context.Context, name string) (*model.Advisory, error) {
	query := `
		FOR a IN advisory
			FILTER a.name == @name
			LIMIT 1
			RETURN a
	`
	return queryOne[model.Advisory](ctx, s.db.Database, query, map[string]interface{}{"name": name})
}

// GetAdvisories returns the advisories that exist among names
func (s *Arango) GetAdvisories(ctx context.Context, names []string) (map[string]model.Advisory, error) {
	query := `
		FOR a IN advisory
			FILTER a.name IN @names
			RETURN a
	`
	docs, err := queryAll[model.Advisory](ctx, s.db.Database, query, map[string]interface{}{"names": names})
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Advisory, len(docs))
	for _, a := range docs {
		out[a.Name] = a
	}
	return out, nil
}

// UpsertAdvisory replaces the advisory by name, keeping its creation time
func (s *Arango) UpsertAdvisory(ctx context.Context, adv model.Advisory) (*model.Advisory, error) {
	adv.Key = util.SanitizeKey(adv.Name)
	query := `
		UPSERT { name: @adv.name }
		INSERT @adv
		REPLACE MERGE(@adv, { created_at: OLD.created_at })
		IN advisory
		RETURN NEW
	`
	return queryOne[model.Advisory](ctx, s.db.Database, query, map[string]interface{}{"adv": adv})
}

// AlertsForSnapshot returns every alert of a snapshot, resolved ones included
func (s *Arango) AlertsForSnapshot(ctx context.Context, snapshotID string) ([]model.Alert, error) {
	query := `
		FOR a IN alert
			FILTER a.snapshot_id == @snapshot
			SORT a.created_at, a._key
			RETURN a
	`
	return queryAll[model.Alert](ctx, s.db.Database, query, map[string]interface{}{"snapshot": snapshotID})
}

// OpenAlertsForProject returns the project's new and active alerts across snapshots
func (s *Arango) OpenAlertsForProject(ctx context.Context, projectID string) ([]model.Alert, error) {
	query := `
		FOR a IN alert
			FILTER a.project_id == @project AND a.state IN ["new", "active"]
			SORT a.created_at, a._key
			RETURN a
	`
	return queryAll[model.Alert](ctx, s.db.Database, query, map[string]interface{}{"project": projectID})
}

// SaveAlerts upserts alerts by their (snapshot, dependency, advisory) triple in one statement
func (s *Arango) SaveAlerts(ctx context.Context, alerts []model.Alert) ([]model.Alert, error) {
	if len(alerts) == 0 {
		return nil, nil
	}
	for i := range alerts {
		alerts[i].Key = ""
		alerts[i].ObjType = "Alert"
	}

	query := `
		FOR a IN @alerts
			UPSERT { snapshot_id: a.snapshot_id, dependency_id: a.dependency_id, advisory_id: a.advisory_id }
			INSERT a
			UPDATE {
				name: a.name,
				state: a.state,
				needs_review: a.needs_review,
				updated_at: a.updated_at,
				resolved_at: a.resolved_at
			}
			IN alert
			RETURN NEW
	`
	return queryAll[model.Alert](ctx, s.db.Database, query, map[string]interface{}{"alerts": alerts})
}
