package alerts

import (
	"context"
	"errors"
	"sort"

	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/store"
)

// AlertDetail is an alert joined with its advisory, severity computed at read time
type AlertDetail struct {
	model.Alert
	Severity    model.Severity       `json:"severity"`
	Source      model.AdvisorySource `json:"source,omitempty"`
	Description string               `json:"description,omitempty"`
	URLs        []string             `json:"urls,omitempty"`
	CVSSScore   float64              `json:"cvss_score,omitempty"`
}

// Summary counts the open alerts of a snapshot per severity
func (c *Calculator) Summary(ctx context.Context, snapshotID string) (*model.AlertSummary, error) {
	snap, err := c.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	alerts, err := c.store.AlertsForSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	res := newSeverityResolver(c.store, c.opts.Overrides)
	if err := res.load(ctx, alerts); err != nil {
		return nil, err
	}

	sum := &model.AlertSummary{
		ProjectID:    snap.ProjectID,
		SnapshotID:   snap.Key,
		CalculatedAt: c.now(),
	}
	for _, a := range alerts {
		if !a.State.Open() {
			sum.Add(a.State, model.SeverityUnknown)
			continue
		}
		sev, err := res.severity(ctx, a.AdvisoryID)
		if err != nil {
			return nil, err
		}
		sum.Add(a.State, sev)
	}
	return sum, nil
}

// ProjectSummary summarizes the project's latest completed snapshot. A project
// without one has an empty summary.
func (c *Calculator) ProjectSummary(ctx context.Context, projectID string) (*model.AlertSummary, error) {
	if _, err := c.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	latest, err := store.LatestCompleted(ctx, c.store, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.AlertSummary{ProjectID: projectID, CalculatedAt: c.now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return c.Summary(ctx, latest.Key)
}

// GlobalSummary merges the summaries of every project and publishes the open
// counts as metrics.
func (c *Calculator) GlobalSummary(ctx context.Context) (*model.AlertSummary, error) {
	projects, err := c.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}

	total := &model.AlertSummary{CalculatedAt: c.now()}
	for _, p := range projects {
		sum, err := c.ProjectSummary(ctx, p.Key)
		if err != nil {
			return nil, err
		}
		total.Merge(*sum)
	}

	counts := make(map[string]int, len(model.Severities))
	for _, sev := range model.Severities {
		counts[sev.String()] = total.Count(sev)
	}
	c.metrics.SetOpenAlerts(counts)
	return total, nil
}

// AlertsForSnapshot lists every alert of a snapshot, most severe first
func (c *Calculator) AlertsForSnapshot(ctx context.Context, snapshotID string) ([]AlertDetail, error) {
	if _, err := c.store.GetSnapshot(ctx, snapshotID); err != nil {
		return nil, err
	}
	alerts, err := c.store.AlertsForSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	return c.details(ctx, alerts)
}

// AlertsForProject lists the alerts of the project's latest completed snapshot
func (c *Calculator) AlertsForProject(ctx context.Context, projectID string) ([]AlertDetail, error) {
	if _, err := c.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	latest, err := store.LatestCompleted(ctx, c.store, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return []AlertDetail{}, nil
	}
	if err != nil {
		return nil, err
	}
	return c.AlertsForSnapshot(ctx, latest.Key)
}

func (c *Calculator) details(ctx context.Context, alerts []model.Alert) ([]AlertDetail, error) {
	res := newSeverityResolver(c.store, c.opts.Overrides)
	if err := res.load(ctx, alerts); err != nil {
		return nil, err
	}

	out := make([]AlertDetail, 0, len(alerts))
	for _, a := range alerts {
		sev, err := res.severity(ctx, a.AdvisoryID)
		if err != nil {
			return nil, err
		}
		d := AlertDetail{Alert: a, Severity: sev}
		if adv, ok := res.advisory(a.AdvisoryID); ok {
			d.Source = adv.Source
			d.Description = adv.Description
			d.URLs = adv.URLs
			d.CVSSScore = adv.CVSSScore
		}
		out = append(out, d)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].State.Open() != out[j].State.Open() {
			return out[i].State.Open()
		}
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
