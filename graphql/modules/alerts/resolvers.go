package alerts

import (
	"context"

	calc "github.com/ortelius/pdvd-vulncorr/alerts"
	"github.com/ortelius/pdvd-vulncorr/model"
)

// Reader is the read side of the alert calculator
type Reader interface {
	AlertsForSnapshot(ctx context.Context, snapshotID string) ([]calc.AlertDetail, error)
	AlertsForProject(ctx context.Context, projectID string) ([]calc.AlertDetail, error)
	Summary(ctx context.Context, snapshotID string) (*model.AlertSummary, error)
	ProjectSummary(ctx context.Context, projectID string) (*model.AlertSummary, error)
	GlobalSummary(ctx context.Context) (*model.AlertSummary, error)
}

func alertList(details []calc.AlertDetail, err error) ([]map[string]interface{}, error) {
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(details))
	for _, d := range details {
		out = append(out, alertMap(d))
	}
	return out, nil
}

func summary(s *model.AlertSummary, err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	return summaryMap(s), nil
}

// ResolveSnapshotAlerts lists a snapshot's alerts, most severe first
func ResolveSnapshotAlerts(ctx context.Context, r Reader, snapshotID string) ([]map[string]interface{}, error) {
	return alertList(r.AlertsForSnapshot(ctx, snapshotID))
}

// ResolveProjectAlerts lists the alerts of a project's latest completed snapshot
func ResolveProjectAlerts(ctx context.Context, r Reader, projectID string) ([]map[string]interface{}, error) {
	return alertList(r.AlertsForProject(ctx, projectID))
}

// ResolveSummary counts a snapshot's open alerts
func ResolveSummary(ctx context.Context, r Reader, snapshotID string) (interface{}, error) {
	return summary(r.Summary(ctx, snapshotID))
}

// ResolveProjectSummary counts the open alerts of a project's latest completed snapshot
func ResolveProjectSummary(ctx context.Context, r Reader, projectID string) (interface{}, error) {
	return summary(r.ProjectSummary(ctx, projectID))
}

// ResolveGlobalSummary counts open alerts across every project
func ResolveGlobalSummary(ctx context.Context, r Reader) (interface{}, error) {
	return summary(r.GlobalSummary(ctx))
}
