package alerts

import (
	"context"
	"strings"
	"time"

	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/store"
)

// selectMetadata picks the metadata row describing a vulnerability: the same
// namespace first, then NVD for CVE ids, then GitHub for GHSA ids, then any.
func selectMetadata(id, namespace string, metas []model.VulnerabilityMetadata) *model.VulnerabilityMetadata {
	if len(metas) == 0 {
		return nil
	}

	pick := func(keep func(model.VulnerabilityMetadata) bool) *model.VulnerabilityMetadata {
		for i := range metas {
			if keep(metas[i]) {
				return &metas[i]
			}
		}
		return nil
	}

	if m := pick(func(m model.VulnerabilityMetadata) bool { return m.Namespace == namespace }); m != nil {
		return m
	}
	if strings.HasPrefix(id, "CVE-") {
		if m := pick(func(m model.VulnerabilityMetadata) bool { return m.Namespace == "nvd:cpe" }); m != nil {
			return m
		}
	}
	if strings.HasPrefix(id, "GHSA-") {
		if m := pick(func(m model.VulnerabilityMetadata) bool { return strings.HasPrefix(m.Namespace, "github:") }); m != nil {
			return m
		}
	}
	return &metas[0]
}

// dataSourceMarker names the feed format a vulnerability came from
func dataSourceMarker(namespace string) string {
	if strings.HasPrefix(namespace, "osv:") {
		return "osv"
	}
	return "grype"
}

// refreshAdvisory rederives the automatic fields of adv from current metadata
// and lays the curated overrides on top.
func refreshAdvisory(adv *model.Advisory, namespace string, meta *model.VulnerabilityMetadata, overrides Overrides, now time.Time) {
	adv.DataSource = dataSourceMarker(namespace)
	if meta != nil {
		adv.Source = model.AdvisorySourceFromRecordSource(meta.RecordSource)
		adv.Severity = meta.EffectiveSeverity()
		adv.Description = meta.Description
		adv.CVSSScore, adv.CVSSVector = meta.BaseScore()
		adv.URLs = append([]string(nil), meta.URLs...)
	} else if adv.Source == "" {
		adv.Source = model.SourceAnchore
	}
	if len(adv.URLs) == 0 {
		if u := model.DefaultAdvisoryURL(adv.Source, adv.Name); u != "" {
			adv.URLs = []string{u}
		}
	}
	overrides.apply(adv)
	adv.UpdatedAt = now
}

// severityResolver computes alert severity fresh from advisories and the
// current feed metadata, caching lookups for one request.
type severityResolver struct {
	store      store.Store
	overrides  Overrides
	advisories map[string]model.Advisory
	severities map[string]model.Severity
}

func newSeverityResolver(s store.Store, overrides Overrides) *severityResolver {
	return &severityResolver{
		store:      s,
		overrides:  overrides,
		advisories: map[string]model.Advisory{},
		severities: map[string]model.Severity{},
	}
}

// load fetches the advisories of the given alerts not yet cached
func (r *severityResolver) load(ctx context.Context, alerts []model.Alert) error {
	var missing []string
	seen := map[string]bool{}
	for _, a := range alerts {
		if _, ok := r.advisories[a.AdvisoryID]; ok || seen[a.AdvisoryID] {
			continue
		}
		seen[a.AdvisoryID] = true
		missing = append(missing, a.AdvisoryID)
	}
	if len(missing) == 0 {
		return nil
	}
	found, err := r.store.GetAdvisories(ctx, missing)
	if err != nil {
		return err
	}
	for name, adv := range found {
		r.advisories[name] = adv
	}
	return nil
}

// severity of an advisory: a curated severity wins, then the current feed
// metadata, then whatever the advisory recorded last.
func (r *severityResolver) severity(ctx context.Context, name string) (model.Severity, error) {
	if sev, ok := r.severities[name]; ok {
		return sev, nil
	}

	if ov, ok := r.overrides[name]; ok && ov.Severity != "" {
		sev := model.ParseSeverity(ov.Severity)
		r.severities[name] = sev
		return sev, nil
	}

	adv, known := r.advisories[name]
	namespace := ""
	if known && len(adv.Vulnerabilities) > 0 {
		namespace = adv.Vulnerabilities[0].Namespace
	}

	metas, err := r.store.MetadataFor(ctx, name)
	if err != nil {
		return model.SeverityUnknown, err
	}

	sev := model.SeverityUnknown
	if m := selectMetadata(name, namespace, metas); m != nil {
		sev = m.EffectiveSeverity()
	}
	if sev == model.SeverityUnknown && known {
		sev = adv.Severity
	}
	r.severities[name] = sev
	return sev, nil
}

func (r *severityResolver) advisory(name string) (model.Advisory, bool) {
	adv, ok := r.advisories[name]
	return adv, ok
}
