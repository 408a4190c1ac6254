package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/ortelius/pdvd-vulncorr/alerts"
	"github.com/ortelius/pdvd-vulncorr/internal/metrics"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/restapi"
	"github.com/ortelius/pdvd-vulncorr/snapshot"
	"github.com/ortelius/pdvd-vulncorr/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeScheduler struct {
	mu        sync.Mutex
	refreshes int
	triggered []string
	all       []bool
}

func (f *fakeScheduler) RequestRefresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
}

func (f *fakeScheduler) Trigger(projectID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, projectID)
}

func (f *fakeScheduler) TriggerAll(full bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all = append(f.all, full)
}

type testServer struct {
	app   *fiber.App
	mem   *store.Memory
	calc  *alerts.Calculator
	sched *fakeScheduler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()

	v := model.NewVulnerability()
	v.ID = "CVE-TEST-1"
	v.Namespace = "github:language:javascript"
	v.Ecosystem = "npm"
	v.PackageName = "left-pad"
	v.VersionConstraint = "< 1.3.0"
	v.VersionFormat = model.FormatSemantic
	m := model.NewVulnerabilityMetadata()
	m.ID = "CVE-TEST-1"
	m.Namespace = v.Namespace
	m.Severity = model.SeverityHigh
	require.NoError(t, mem.UpsertNamespace(context.Background(), v.Namespace,
		[]model.Vulnerability{*v}, []model.VulnerabilityMetadata{*m}))

	met := metrics.NewMetrics()
	svc := snapshot.NewService(mem, zap.NewNop(), met)
	calc := alerts.NewCalculator(mem, alerts.Options{}, zap.NewNop(), met)
	// calculate synchronously so the read routes see alerts right away
	svc.OnCompleted(func(ctx context.Context, snap model.Snapshot) {
		_, _ = calc.Calculate(ctx, snap.Key)
	})
	sched := &fakeScheduler{}

	app, err := NewFiberApp(restapi.Deps{
		Store:     mem,
		Snapshots: svc,
		Alerts:    calc,
		Scheduler: sched,
	}, Options{Metrics: met})
	require.NoError(t, err)
	return &testServer{app: app, mem: mem, calc: calc, sched: sched}
}

func (s *testServer) do(t *testing.T, method, path, contentType, body string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (s *testServer) createProject(t *testing.T, name string) model.Project {
	t.Helper()
	status, body := s.do(t, http.MethodPost, "/api/v1/projects", fiber.MIMEApplicationJSON, `{"name":"`+name+`"}`)
	require.Equal(t, http.StatusCreated, status, string(body))
	return decode[model.Project](t, body)
}

type submitResponse struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	Snapshot model.Snapshot `json:"snapshot"`
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))

	status, body = s.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "feed_vulnerabilities")
}

func TestProjectAndSnapshotRoutes(t *testing.T) {
	s := newTestServer(t)
	project := s.createProject(t, "web")

	again := s.createProject(t, "web")
	assert.Equal(t, project.Key, again.Key, "projects are found by name")

	status, body := s.do(t, http.MethodPost, "/api/v1/projects/"+project.Key+"/snapshots", fiber.MIMEApplicationJSON,
		`{"components":[{"ecosystem":"npm","name":"left-pad","version":"1.2.0"}]}`)
	require.Equal(t, http.StatusCreated, status, string(body))
	first := decode[submitResponse](t, body)
	assert.True(t, first.Success)
	assert.Equal(t, model.SnapshotCompleted, first.Snapshot.State)

	status, body = s.do(t, http.MethodPost, "/api/v1/projects/"+project.Key+"/snapshots", fiber.MIMEApplicationJSON,
		`{"components":[{"purl":"pkg:npm/left-pad@1.3.0"}]}`)
	require.Equal(t, http.StatusCreated, status, string(body))
	second := decode[submitResponse](t, body)

	status, body = s.do(t, http.MethodGet, "/api/v1/projects/"+project.Key+"/snapshots", "", "")
	require.Equal(t, http.StatusOK, status)
	snaps := decode[[]model.Snapshot](t, body)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(1), snaps[0].Sequence)
	assert.Equal(t, int64(2), snaps[1].Sequence)

	status, body = s.do(t, http.MethodGet, "/api/v1/snapshots/"+first.Snapshot.Key+"/alerts", "", "")
	require.Equal(t, http.StatusOK, status)
	list := decode[[]map[string]interface{}](t, body)
	require.Len(t, list, 1)
	assert.Equal(t, "CVE-TEST-1", list[0]["advisory_id"])
	assert.Equal(t, "high", list[0]["severity"])
	assert.Equal(t, "resolved", list[0]["state"], "the upgrade resolved the older alert")

	status, body = s.do(t, http.MethodGet, "/api/v1/snapshots/"+first.Snapshot.Key+"/alerts?open=true", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[[]map[string]interface{}](t, body))

	status, body = s.do(t, http.MethodGet, "/api/v1/projects/"+project.Key+"/summary", "", "")
	require.Equal(t, http.StatusOK, status)
	sum := decode[model.AlertSummary](t, body)
	assert.Equal(t, second.Snapshot.Key, sum.SnapshotID)
	assert.Equal(t, 0, sum.Total)

	status, body = s.do(t, http.MethodGet, "/api/v1/snapshots/"+first.Snapshot.Key+"/diff/"+second.Snapshot.Key, "", "")
	require.Equal(t, http.StatusOK, status)
	diff := decode[struct {
		Added     []model.DependencyKey `json:"added"`
		Removed   []model.DependencyKey `json:"removed"`
		Unchanged []model.DependencyKey `json:"unchanged"`
	}](t, body)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "1.3.0", diff.Added[0].Version)
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, "1.2.0", diff.Removed[0].Version)
	assert.Empty(t, diff.Unchanged)

	status, body = s.do(t, http.MethodGet, "/api/v1/snapshots/"+second.Snapshot.Key+"?dependencies=true", "", "")
	require.Equal(t, http.StatusOK, status)
	withDeps := decode[struct {
		Snapshot     model.Snapshot     `json:"snapshot"`
		Dependencies []model.Dependency `json:"dependencies"`
	}](t, body)
	assert.Equal(t, second.Snapshot.Key, withDeps.Snapshot.Key)
	require.Len(t, withDeps.Dependencies, 1)
	assert.Equal(t, "left-pad", withDeps.Dependencies[0].Name)
}

func TestSubmitCycloneDX(t *testing.T) {
	s := newTestServer(t)
	project := s.createProject(t, "api")

	bom := `{
  "bomFormat": "CycloneDX",
  "specVersion": "1.5",
  "components": [
    {"type": "library", "name": "left-pad", "version": "1.2.0", "purl": "pkg:npm/left-pad@1.2.0"}
  ]
}`
	status, body := s.do(t, http.MethodPost, "/api/v1/projects/"+project.Key+"/snapshots", fiber.MIMEApplicationJSON, bom)
	require.Equal(t, http.StatusCreated, status, string(body))
	res := decode[submitResponse](t, body)
	assert.Equal(t, "cyclonedx", res.Snapshot.Metadata[model.MetaBOMFormat])

	status, body = s.do(t, http.MethodGet, "/api/v1/projects/"+project.Key+"/alerts", "", "")
	require.Equal(t, http.StatusOK, status)
	list := decode[[]map[string]interface{}](t, body)
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0]["state"])

	status, body = s.do(t, http.MethodGet, "/api/v1/alerts/summary", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, decode[model.AlertSummary](t, body).High)
}

func TestSubmitRejectsInvalidComponents(t *testing.T) {
	s := newTestServer(t)
	project := s.createProject(t, "web")

	status, body := s.do(t, http.MethodPost, "/api/v1/projects/"+project.Key+"/snapshots", fiber.MIMEApplicationJSON,
		`{"components":[{"ecosystem":"npm","name":"","version":"1.0.0"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status, string(body))
	res := decode[submitResponse](t, body)
	assert.False(t, res.Success)
	assert.Equal(t, model.SnapshotFailed, res.Snapshot.State)

	status, _ = s.do(t, http.MethodPost, "/api/v1/projects/"+project.Key+"/snapshots", fiber.MIMEApplicationJSON, `{nope`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodPost, "/api/v1/projects/"+project.Key+"/snapshots", fiber.MIMEApplicationJSON, ``)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMissingRecords(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{
		"/api/v1/projects/missing",
		"/api/v1/projects/missing/snapshots",
		"/api/v1/projects/missing/alerts",
		"/api/v1/projects/missing/summary",
		"/api/v1/snapshots/missing",
		"/api/v1/snapshots/missing/alerts",
		"/api/v1/snapshots/missing/summary",
	} {
		status, _ := s.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusNotFound, status, path)
	}

	status, _ := s.do(t, http.MethodPost, "/api/v1/projects/missing/snapshots", fiber.MIMEApplicationJSON, `{"components":[]}`)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = s.do(t, http.MethodPost, "/api/v1/projects", fiber.MIMEApplicationJSON, `{"name":"  "}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodPost, "/api/v1/admin/refresh", "", "")
	assert.Equal(t, http.StatusAccepted, status)

	status, _ = s.do(t, http.MethodPost, "/api/v1/admin/recalculate", fiber.MIMEApplicationJSON, `{"full":true}`)
	assert.Equal(t, http.StatusAccepted, status)
	status, _ = s.do(t, http.MethodPost, "/api/v1/admin/recalculate", fiber.MIMEApplicationJSON, `{"project_id":"p1"}`)
	assert.Equal(t, http.StatusAccepted, status)

	assert.Equal(t, 1, s.sched.refreshes)
	assert.Equal(t, []bool{true}, s.sched.all)
	assert.Equal(t, []string{"p1"}, s.sched.triggered)
}

func TestGraphQLEndpoint(t *testing.T) {
	s := newTestServer(t)
	project := s.createProject(t, "web")
	status, body := s.do(t, http.MethodPost, "/api/v1/projects/"+project.Key+"/snapshots", fiber.MIMEApplicationJSON,
		`{"components":[{"ecosystem":"npm","name":"left-pad","version":"1.2.0"}]}`)
	require.Equal(t, http.StatusCreated, status, string(body))

	query, err := json.Marshal(map[string]interface{}{
		"query":     `query Alerts($id: String!) { projectAlerts(projectId: $id) { advisory_id severity } projectAlertSummary(projectId: $id) { high } }`,
		"variables": map[string]interface{}{"id": project.Key},
	})
	require.NoError(t, err)

	status, body = s.do(t, http.MethodPost, "/api/v1/graphql", fiber.MIMEApplicationJSON, string(query))
	require.Equal(t, http.StatusOK, status)
	var res struct {
		Data struct {
			ProjectAlerts []struct {
				AdvisoryID string `json:"advisory_id"`
				Severity   string `json:"severity"`
			} `json:"projectAlerts"`
			ProjectAlertSummary struct {
				High int `json:"high"`
			} `json:"projectAlertSummary"`
		} `json:"data"`
		Errors []interface{} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	require.Empty(t, res.Errors)
	require.Len(t, res.Data.ProjectAlerts, 1)
	assert.Equal(t, "high", res.Data.ProjectAlerts[0].Severity)
	assert.Equal(t, 1, res.Data.ProjectAlertSummary.High)

	status, _ = s.do(t, http.MethodPost, "/api/v1/graphql", fiber.MIMEApplicationJSON, `not json`)
	assert.Equal(t, http.StatusBadRequest, status)
}

