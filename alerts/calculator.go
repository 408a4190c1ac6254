// Package alerts matches snapshot dependencies against the vulnerability store
// and maintains the resulting alerts.
//
// Alerts are unique per (snapshot, dependency, advisory) and follow the
// lifecycle new -> active -> resolved. Severity is never stored on an alert;
// summaries derive it from current advisory and feed metadata on every read.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ortelius/pdvd-vulncorr/internal/metrics"
	"github.com/ortelius/pdvd-vulncorr/matcher"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/snapshot"
	"github.com/ortelius/pdvd-vulncorr/store"
	"go.uber.org/zap"
)

// Mode selects how much of a snapshot is rematched
type Mode string

// Calculation modes
const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ParseMode maps a config value onto a mode, defaulting to full
func ParseMode(s string) Mode {
	if Mode(strings.ToLower(strings.TrimSpace(s))) == ModeIncremental {
		return ModeIncremental
	}
	return ModeFull
}

// UnparseablePolicy decides what an unparseable dependency version means
type UnparseablePolicy string

// Policies
const (
	// FailOpen treats the dependency as not affected and counts the failure
	FailOpen UnparseablePolicy = "fail-open"
	// FailClosed raises the alert flagged for review
	FailClosed UnparseablePolicy = "fail-closed"
)

// ParseUnparseablePolicy maps a config value onto a policy, defaulting to fail-open
func ParseUnparseablePolicy(s string) UnparseablePolicy {
	if UnparseablePolicy(strings.ToLower(strings.TrimSpace(s))) == FailClosed {
		return FailClosed
	}
	return FailOpen
}

// DefaultWorkers bounds concurrent dependency matching
const DefaultWorkers = 8

// dependencies matched between alert saves
const flushEvery = 128

// Options tune a Calculator
type Options struct {
	Mode        Mode
	Workers     int
	Unparseable UnparseablePolicy
	Overrides   Overrides
}

// Calculator produces and maintains alerts for snapshots
type Calculator struct {
	store   store.Store
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewCalculator creates a calculator. logger and m may be nil.
func NewCalculator(s store.Store, opts Options, logger *zap.Logger, m *metrics.Metrics) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	if opts.Unparseable == "" {
		opts.Unparseable = FailOpen
	}
	if opts.Overrides == nil {
		opts.Overrides = Overrides{}
	}
	return &Calculator{
		store:   s,
		opts:    opts,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Mode returns the configured calculation mode
func (c *Calculator) Mode() Mode {
	return c.opts.Mode
}

// finding is one dependency flagged by one advisory
type finding struct {
	dep         model.Dependency
	advisory    string
	vuln        *model.RelatedVulnerability
	needsReview bool
}

type depResult struct {
	findings []finding
	skipped  bool
	failed   bool
	err      error
}

// Calculate runs the configured mode against a completed snapshot
func (c *Calculator) Calculate(ctx context.Context, snapshotID string) (*model.AlertSummary, error) {
	return c.CalculateMode(ctx, snapshotID, c.opts.Mode)
}

// CalculateMode matches the snapshot's dependencies, upserts their alerts and
// resolves alerts whose finding is gone. It is safe to rerun.
func (c *Calculator) CalculateMode(ctx context.Context, snapshotID string, mode Mode) (*model.AlertSummary, error) {
	start := time.Now()
	stats := &model.CalculationStats{}

	summary, err := c.calculate(ctx, snapshotID, mode, stats)
	if err != nil {
		c.metrics.ObserveCalculation("failed", time.Since(start), stats.MatchFailures)
		c.logger.Sugar().Errorf("Alert calculation for snapshot %s failed: %v", snapshotID, err)
		return nil, err
	}

	c.metrics.ObserveCalculation("success", time.Since(start), stats.MatchFailures)
	c.logger.Sugar().Infof("Calculated alerts for snapshot %s in %s: %d dependencies, %d matched, %d created, %d confirmed, %d resolved, %d match failures",
		snapshotID, time.Since(start), stats.Dependencies, stats.Matched, stats.Created, stats.Confirmed, stats.Resolved, stats.MatchFailures)
	return summary, nil
}

func (c *Calculator) calculate(ctx context.Context, snapshotID string, mode Mode, stats *model.CalculationStats) (*model.AlertSummary, error) {
	snap, err := c.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, calcErr(ErrSnapshotNotReady, snapshotID, err)
		}
		return nil, calcErr(ErrStoreUnavailable, snapshotID, err)
	}
	if snap.State != model.SnapshotCompleted {
		return nil, calcErr(ErrSnapshotNotReady, snapshotID, fmt.Errorf("snapshot is %s", snap.State))
	}

	deps, err := c.store.Dependencies(ctx, snapshotID)
	if err != nil {
		return nil, calcErr(ErrStoreUnavailable, snapshotID, err)
	}
	existing, err := c.store.AlertsForSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, calcErr(ErrStoreUnavailable, snapshotID, err)
	}

	r := newRun(c, snap, existing, stats)
	stats.Dependencies = len(deps)

	toMatch := deps
	if mode == ModeIncremental {
		prev, err := c.previousCalculated(ctx, snap)
		if err != nil {
			return nil, calcErr(ErrStoreUnavailable, snapshotID, err)
		}
		if prev != nil {
			var carried []finding
			toMatch, carried, err = c.incrementalScope(ctx, prev, deps)
			if err != nil {
				return nil, calcErr(ErrStoreUnavailable, snapshotID, err)
			}
			stats.Incremental = true
			if err := r.flush(ctx, carried); err != nil {
				return nil, calcErr(ErrStoreUnavailable, snapshotID, err)
			}
			c.logger.Sugar().Debugf("Incremental calculation of %s: %d of %d dependencies rematched against %s",
				snapshotID, len(toMatch), len(deps), prev.Key)
		}
	}

	if err := r.matchAll(ctx, toMatch); err != nil {
		return nil, err
	}

	if err := r.resolveStale(ctx); err != nil {
		return nil, calcErr(ErrStoreUnavailable, snapshotID, err)
	}
	if err := r.resolveAcrossSnapshots(ctx); err != nil {
		return nil, calcErr(ErrStoreUnavailable, snapshotID, err)
	}

	if snap.Metadata == nil {
		snap.Metadata = map[string]string{}
	}
	snap.Metadata[model.MetaAlertsCalculated] = r.now.Format(time.RFC3339Nano)
	if err := c.store.UpdateSnapshot(ctx, *snap); err != nil {
		return nil, calcErr(ErrStoreUnavailable, snapshotID, err)
	}

	summary, err := c.Summary(ctx, snapshotID)
	if err != nil {
		return nil, calcErr(ErrStoreUnavailable, snapshotID, err)
	}
	summary.Stats = stats
	return summary, nil
}

// previousCalculated returns the newest earlier completed snapshot of the
// project that has been calculated, or nil.
func (c *Calculator) previousCalculated(ctx context.Context, snap *model.Snapshot) (*model.Snapshot, error) {
	snaps, err := c.store.ListSnapshots(ctx, snap.ProjectID)
	if err != nil {
		return nil, err
	}
	for i := len(snaps) - 1; i >= 0; i-- {
		s := snaps[i]
		if s.Sequence >= snap.Sequence || s.State != model.SnapshotCompleted {
			continue
		}
		if s.Metadata[model.MetaAlertsCalculated] != "" {
			return &s, nil
		}
	}
	return nil, nil
}

// incrementalScope splits deps into those to rematch (added since prev) and
// findings carried over from prev's open alerts for unchanged dependencies.
func (c *Calculator) incrementalScope(ctx context.Context, prev *model.Snapshot, deps []model.Dependency) ([]model.Dependency, []finding, error) {
	prevDeps, err := c.store.Dependencies(ctx, prev.Key)
	if err != nil {
		return nil, nil, err
	}
	prevAlerts, err := c.store.AlertsForSnapshot(ctx, prev.Key)
	if err != nil {
		return nil, nil, err
	}

	diff := snapshot.Diff(prevDeps, deps)
	open := map[model.DependencyKey][]model.Alert{}
	for _, a := range prevAlerts {
		if a.State.Open() {
			k := a.Finding().Dependency
			open[k] = append(open[k], a)
		}
	}

	var toMatch []model.Dependency
	var carried []finding
	for _, d := range deps {
		k := d.DepKey()
		if diff.Added.Has(k) {
			toMatch = append(toMatch, d)
			continue
		}
		for _, a := range open[k] {
			if c.opts.Overrides.Suppressed(a.AdvisoryID) {
				continue
			}
			carried = append(carried, finding{dep: d, advisory: a.AdvisoryID, needsReview: a.NeedsReview})
		}
	}
	return toMatch, carried, nil
}

// matchDependency evaluates one dependency against every candidate record of its package
func (c *Calculator) matchDependency(ctx context.Context, d model.Dependency) depResult {
	var res depResult
	if !matcher.Matchable(d.Version) {
		res.skipped = true
		return res
	}

	pkg := d.PackageName()
	cands, err := c.store.Candidates(ctx, d.Manager, pkg)
	if err != nil {
		res.err = err
		return res
	}

	candidate := matcher.Candidate{Ecosystem: d.Manager, PackageName: pkg, Version: d.Version}
	for _, v := range cands {
		if c.opts.Overrides.Suppressed(v.ID) {
			continue
		}
		ref := &model.RelatedVulnerability{ID: v.ID, Namespace: v.Namespace}

		verdict := matcher.Evaluate(candidate, v)
		switch verdict.Verdict {
		case matcher.Affected:
			res.findings = append(res.findings, finding{dep: d, advisory: v.ID, vuln: ref})
		case matcher.Indeterminate:
			res.failed = true
			c.logger.Sugar().Warnf("Cannot evaluate %s@%s against %s (%s): %v", pkg, d.Version, v.ID, v.Namespace, verdict.Err)
			if c.opts.Unparseable == FailClosed {
				res.findings = append(res.findings, finding{dep: d, advisory: v.ID, vuln: ref, needsReview: true})
			}
		default:
			if verdict.Err != nil {
				c.logger.Sugar().Debugf("Ignoring %s (%s) for %s: %v", v.ID, v.Namespace, pkg, verdict.Err)
			}
		}
	}
	return res
}

// run carries the state of one calculation
type run struct {
	c        *Calculator
	snap     *model.Snapshot
	now      time.Time
	stats    *model.CalculationStats
	existing map[model.AlertKey]model.Alert
	found    map[model.AlertKey]bool
	findings map[model.FindingKey]bool

	advisories map[string]*model.Advisory
	refreshed  map[string]bool
}

func newRun(c *Calculator, snap *model.Snapshot, existing []model.Alert, stats *model.CalculationStats) *run {
	r := &run{
		c:          c,
		snap:       snap,
		now:        c.now(),
		stats:      stats,
		existing:   make(map[model.AlertKey]model.Alert, len(existing)),
		found:      map[model.AlertKey]bool{},
		findings:   map[model.FindingKey]bool{},
		advisories: map[string]*model.Advisory{},
		refreshed:  map[string]bool{},
	}
	for _, a := range existing {
		r.existing[a.Triple()] = a
	}
	return r
}

// matchAll fans dependencies out to a bounded worker pool and saves results
// every flushEvery dependencies. Cancellation stops between dependencies and
// keeps what was already saved.
func (r *run) matchAll(ctx context.Context, deps []model.Dependency) error {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan model.Dependency)
	results := make(chan depResult)

	var wg sync.WaitGroup
	for i := 0; i < r.c.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				results <- r.c.matchDependency(workCtx, d)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, d := range deps {
			select {
			case <-workCtx.Done():
				return
			case jobs <- d:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var batch []finding
	var fatal error
	processed := 0
	for res := range results {
		if fatal != nil {
			continue
		}
		if res.err != nil {
			fatal = res.err
			cancel()
			continue
		}

		processed++
		switch {
		case res.skipped:
			r.stats.Skipped++
		case res.failed:
			r.stats.MatchFailures++
		}
		if len(res.findings) > 0 {
			r.stats.Matched++
		}
		batch = append(batch, res.findings...)

		if processed%flushEvery == 0 {
			if err := r.flush(workCtx, batch); err != nil {
				fatal = err
				cancel()
			}
			batch = nil
		}
	}

	if err := ctx.Err(); err != nil {
		if flushErr := r.flush(context.WithoutCancel(ctx), batch); flushErr != nil {
			r.c.logger.Sugar().Warnf("Failed to save partial results for snapshot %s: %v", r.snap.Key, flushErr)
		}
		return calcErr(ErrCanceled, r.snap.Key, err)
	}
	if fatal != nil {
		return calcErr(ErrStoreUnavailable, r.snap.Key, fatal)
	}
	if err := r.flush(ctx, batch); err != nil {
		return calcErr(ErrStoreUnavailable, r.snap.Key, err)
	}
	return nil
}

type aggregate struct {
	dep         model.Dependency
	advisory    string
	needsReview bool
	vulns       []model.RelatedVulnerability
}

// flush upserts the advisories and alerts of a batch of findings
func (r *run) flush(ctx context.Context, findings []finding) error {
	if len(findings) == 0 {
		return nil
	}

	// Step 1: one aggregate per alert triple; any definite match clears needs_review
	aggs := map[model.AlertKey]*aggregate{}
	var order []model.AlertKey
	for _, f := range findings {
		k := model.AlertKey{SnapshotID: r.snap.Key, DependencyID: f.dep.Key, AdvisoryID: f.advisory}
		a, ok := aggs[k]
		if !ok {
			a = &aggregate{dep: f.dep, advisory: f.advisory, needsReview: f.needsReview}
			aggs[k] = a
			order = append(order, k)
		} else if !f.needsReview {
			a.needsReview = false
		}
		if f.vuln != nil {
			a.vulns = append(a.vulns, *f.vuln)
		}
	}

	// Step 2: advisories
	if err := r.upsertAdvisories(ctx, order, aggs); err != nil {
		return err
	}

	// Step 3: alerts
	batch := make([]model.Alert, 0, len(order))
	for _, k := range order {
		agg := aggs[k]
		r.found[k] = true
		r.findings[model.FindingKey{Dependency: agg.dep.DepKey(), AdvisoryID: agg.advisory}] = true

		if prev, ok := r.existing[k]; ok {
			if prev.State == model.AlertResolved {
				continue
			}
			if err := prev.Confirm(r.now); err != nil {
				return err
			}
			prev.NeedsReview = agg.needsReview
			batch = append(batch, prev)
			r.stats.Confirmed++
			continue
		}

		a := model.NewAlert(alertName(agg.advisory, agg.dep), r.snap.ProjectID, agg.dep, agg.advisory, r.now)
		a.NeedsReview = agg.needsReview
		batch = append(batch, *a)
		r.stats.Created++
	}
	return r.save(ctx, batch)
}

func alertName(advisory string, dep model.Dependency) string {
	return fmt.Sprintf("%s in %s@%s", advisory, dep.PackageName(), dep.Version)
}

func (r *run) upsertAdvisories(ctx context.Context, order []model.AlertKey, aggs map[model.AlertKey]*aggregate) error {
	var missing []string
	for _, k := range order {
		name := aggs[k].advisory
		if _, ok := r.advisories[name]; !ok {
			r.advisories[name] = nil
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		stored, err := r.c.store.GetAdvisories(ctx, missing)
		if err != nil {
			return err
		}
		for _, name := range missing {
			if adv, ok := stored[name]; ok {
				r.advisories[name] = &adv
			} else {
				r.advisories[name] = model.NewAdvisory(name, model.SourceAnchore, model.SeverityUnknown)
			}
		}
	}

	dirty := map[string]bool{}
	var dirtyOrder []string
	markDirty := func(name string) {
		if !dirty[name] {
			dirty[name] = true
			dirtyOrder = append(dirtyOrder, name)
		}
	}

	for _, k := range order {
		agg := aggs[k]
		adv := r.advisories[agg.advisory]

		if !r.refreshed[adv.Name] {
			namespace := ""
			if len(agg.vulns) > 0 {
				namespace = agg.vulns[0].Namespace
			} else if len(adv.Vulnerabilities) > 0 {
				namespace = adv.Vulnerabilities[0].Namespace
			}
			metas, err := r.c.store.MetadataFor(ctx, adv.Name)
			if err != nil {
				return err
			}
			refreshAdvisory(adv, namespace, selectMetadata(adv.Name, namespace, metas), r.c.opts.Overrides, r.now)
			r.refreshed[adv.Name] = true
			markDirty(adv.Name)
		}
		for _, v := range agg.vulns {
			if adv.AddVulnerability(v) {
				markDirty(adv.Name)
			}
		}
	}

	for _, name := range dirtyOrder {
		saved, err := r.c.store.UpsertAdvisory(ctx, *r.advisories[name])
		if err != nil {
			return err
		}
		r.advisories[name] = saved
	}
	return nil
}

func (r *run) save(ctx context.Context, batch []model.Alert) error {
	if len(batch) == 0 {
		return nil
	}
	saved, err := r.c.store.SaveAlerts(ctx, batch)
	if err != nil {
		return err
	}
	for _, a := range saved {
		if a.SnapshotID == r.snap.Key {
			r.existing[a.Triple()] = a
		}
	}
	return nil
}

// resolveStale resolves open alerts of this snapshot whose finding was not
// produced by this calculation.
func (r *run) resolveStale(ctx context.Context) error {
	var batch []model.Alert
	for k, a := range r.existing {
		if !a.State.Open() || r.found[k] {
			continue
		}
		if err := a.Resolve(r.now); err != nil {
			return err
		}
		batch = append(batch, a)
		r.stats.Resolved++
	}
	return r.save(ctx, batch)
}

// resolveAcrossSnapshots runs only when this snapshot is the project's latest
// completed one. Open alerts of earlier snapshots stay active while their
// finding is still present and are resolved otherwise.
func (r *run) resolveAcrossSnapshots(ctx context.Context) error {
	latest, err := store.LatestCompleted(ctx, r.c.store, r.snap.ProjectID)
	if err != nil {
		return err
	}
	if latest.Key != r.snap.Key {
		r.c.logger.Sugar().Debugf("Snapshot %s is not the latest of project %s, skipping cross-snapshot resolution", r.snap.Key, r.snap.ProjectID)
		return nil
	}

	open, err := r.c.store.OpenAlertsForProject(ctx, r.snap.ProjectID)
	if err != nil {
		return err
	}

	var batch []model.Alert
	for _, a := range open {
		if a.SnapshotID == r.snap.Key {
			continue
		}
		if r.findings[a.Finding()] {
			if err := a.Confirm(r.now); err != nil {
				return err
			}
		} else {
			if err := a.Resolve(r.now); err != nil {
				return err
			}
			r.stats.Resolved++
		}
		batch = append(batch, a)
	}
	return r.save(ctx, batch)
}
