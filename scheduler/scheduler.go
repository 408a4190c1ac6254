// Package scheduler re-runs the feed import on an interval and recalculates
// alerts when the feed changes or a snapshot completes.
//
// The scheduler owns its timer. Each project is calculated by its own
// goroutine, bounded by a worker semaphore, so a slow project never holds up
// the others. Snapshots of one project are always calculated in sequence order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ortelius/pdvd-vulncorr/alerts"
	"github.com/ortelius/pdvd-vulncorr/feed"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/store"
	"go.uber.org/zap"
)

// Defaults
const (
	DefaultInterval       = time.Hour
	DefaultInitialBackoff = 30 * time.Second
	DefaultMaxBackoff     = 30 * time.Minute
	DefaultWorkers        = 4
	DefaultCalcRetries    = 3
	DefaultCalcBackoff    = time.Second
)

// Importer refreshes the vulnerability feed. imported is false when the
// source had nothing newer.
type Importer interface {
	Refresh(ctx context.Context) (result *feed.ImportResult, imported bool, err error)
}

// Calculator calculates alerts for one snapshot
type Calculator interface {
	CalculateMode(ctx context.Context, snapshotID string, mode alerts.Mode) (*model.AlertSummary, error)
	Mode() alerts.Mode
}

// Notifier receives every summary the scheduler produces
type Notifier interface {
	AlertsCalculated(ctx context.Context, snap model.Snapshot, summary model.AlertSummary) error
}

// Options tune a Scheduler
type Options struct {
	Interval       time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Workers        int
	CalcRetries    uint64
	CalcBackoff    time.Duration
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.CalcRetries == 0 {
		o.CalcRetries = DefaultCalcRetries
	}
	if o.CalcBackoff <= 0 {
		o.CalcBackoff = DefaultCalcBackoff
	}
}

type projectState struct {
	running bool
	pending bool
	full    bool
	seeded  bool
	lastSeq int64
}

// Scheduler drives the importer and the calculator
type Scheduler struct {
	importer Importer
	calc     Calculator
	store    store.SnapshotStore
	notifier Notifier
	opts     Options
	logger   *zap.Logger

	sem       chan struct{}
	refreshCh chan struct{}
	wg        sync.WaitGroup

	mu       sync.Mutex
	ctx      context.Context
	projects map[string]*projectState
}

// New creates a scheduler. importer may be nil when no feed is configured.
func New(importer Importer, calc Calculator, s store.SnapshotStore, opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.defaults()
	return &Scheduler{
		importer:  importer,
		calc:      calc,
		store:     s,
		opts:      opts,
		logger:    logger,
		sem:       make(chan struct{}, opts.Workers),
		refreshCh: make(chan struct{}, 1),
		ctx:       context.Background(),
		projects:  map[string]*projectState{},
	}
}

// SetNotifier registers the receiver of calculated summaries
func (s *Scheduler) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Run imports immediately, then on every interval, until ctx is done. A failed
// import is retried with exponential backoff and never stops the loop. Run
// waits for in-flight project runs before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	bo := s.importBackoff()
	timer := time.NewTimer(s.refresh(ctx, bo))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-s.refreshCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.refresh(ctx, bo))
		case <-timer.C:
			timer.Reset(s.refresh(ctx, bo))
		}
	}
}

// RequestRefresh asks the running loop to import now. It never blocks.
func (s *Scheduler) RequestRefresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) importBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.InitialBackoff
	bo.MaxInterval = s.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

// refresh runs one import and returns how long to wait for the next
func (s *Scheduler) refresh(ctx context.Context, bo *backoff.ExponentialBackOff) time.Duration {
	if s.importer == nil {
		return s.opts.Interval
	}

	result, imported, err := s.safeImport(ctx)
	if err != nil {
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = s.opts.MaxBackoff
		}
		s.logger.Sugar().Warnf("Feed refresh failed, retrying in %s: %v", wait, err)
		return wait
	}
	bo.Reset()

	if !imported {
		s.logger.Sugar().Debugf("Feed is up to date, next refresh in %s", s.opts.Interval)
		return s.opts.Interval
	}

	s.logger.Sugar().Infof("Imported feed built %s (%d vulnerabilities), recalculating all projects",
		result.BuildTimestamp.Format(time.RFC3339), result.Vulnerabilities)
	s.TriggerAll(true)
	return s.opts.Interval
}

func (s *Scheduler) safeImport(ctx context.Context) (result *feed.ImportResult, imported bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("feed refresh panicked: %v", r)
		}
	}()
	return s.importer.Refresh(ctx)
}

// Trigger schedules a calculation of the project's new completed snapshots.
// A run already in flight is not restarted; it runs once more when done.
func (s *Scheduler) Trigger(projectID string) {
	s.schedule(projectID, false)
}

// TriggerAll schedules every project. With full the latest snapshot of each
// project is recalculated even when it was processed before.
func (s *Scheduler) TriggerAll(full bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		projects, err := s.store.ListProjects(s.baseContext())
		if err != nil {
			s.logger.Sugar().Errorf("Failed to list projects: %v", err)
			return
		}
		for _, p := range projects {
			s.schedule(p.Key, full)
		}
	}()
}

// Wait blocks until no project run or trigger is in flight
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// LastProcessed returns the sequence of the newest snapshot calculated for the project
func (s *Scheduler) LastProcessed(projectID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.projects[projectID]; ok {
		return st.lastSeq
	}
	return 0
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) schedule(projectID string, full bool) {
	s.mu.Lock()
	st, ok := s.projects[projectID]
	if !ok {
		st = &projectState{}
		s.projects[projectID] = st
	}
	if st.running {
		st.pending = true
		st.full = st.full || full
		s.mu.Unlock()
		return
	}
	st.running = true
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runProject(ctx, projectID, full)
}

func (s *Scheduler) runProject(ctx context.Context, projectID string, full bool) {
	defer s.wg.Done()

	for {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.finish(projectID)
			return
		}
		s.process(ctx, projectID, full)
		<-s.sem

		s.mu.Lock()
		st := s.projects[projectID]
		if !st.pending || ctx.Err() != nil {
			st.running = false
			st.pending = false
			st.full = false
			s.mu.Unlock()
			return
		}
		full = st.full
		st.pending = false
		st.full = false
		s.mu.Unlock()
	}
}

func (s *Scheduler) finish(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.projects[projectID]
	st.running = false
	st.pending = false
	st.full = false
}

// process calculates the project's completed snapshots newer than the last
// one processed, oldest first. It stops at the first failure so that a newer
// snapshot is never calculated ahead of an older one.
func (s *Scheduler) process(ctx context.Context, projectID string, full bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Sugar().Errorf("Recovered from panic while calculating project %s: %v", projectID, r)
		}
	}()

	snaps, err := s.store.ListSnapshots(ctx, projectID)
	if err != nil {
		s.logger.Sugar().Errorf("Failed to list snapshots of project %s: %v", projectID, err)
		return
	}

	lastSeq := s.seed(projectID, snaps)

	// Step 1: pick the work, in sequence order
	var todo []model.Snapshot
	var latest *model.Snapshot
	for i := range snaps {
		if snaps[i].State != model.SnapshotCompleted {
			continue
		}
		latest = &snaps[i]
		if snaps[i].Sequence > lastSeq {
			todo = append(todo, snaps[i])
		}
	}
	if latest == nil {
		return
	}
	if full && (len(todo) == 0 || todo[len(todo)-1].Key != latest.Key) {
		todo = append(todo, *latest)
	}

	// Step 2: calculate
	mode := s.calc.Mode()
	if full {
		mode = alerts.ModeFull
	}
	for _, snap := range todo {
		summary, err := s.calculate(ctx, snap, mode)
		if err != nil {
			s.logger.Sugar().Errorf("Giving up on snapshot %s of project %s: %v", snap.Key, projectID, err)
			return
		}

		s.mu.Lock()
		if st := s.projects[projectID]; snap.Sequence > st.lastSeq {
			st.lastSeq = snap.Sequence
		}
		notifier := s.notifier
		s.mu.Unlock()

		if notifier != nil {
			if err := notifier.AlertsCalculated(ctx, snap, *summary); err != nil {
				s.logger.Sugar().Warnf("Failed to publish summary of snapshot %s: %v", snap.Key, err)
			}
		}
	}
}

// seed initializes the high-water mark of a project seen for the first time
// from the snapshots already calculated in an earlier run.
func (s *Scheduler) seed(projectID string, snaps []model.Snapshot) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.projects[projectID]
	if !st.seeded {
		for _, snap := range snaps {
			if snap.Metadata[model.MetaAlertsCalculated] != "" && snap.Sequence > st.lastSeq {
				st.lastSeq = snap.Sequence
			}
		}
		st.seeded = true
	}
	return st.lastSeq
}

// calculate retries infrastructure failures with backoff
func (s *Scheduler) calculate(ctx context.Context, snap model.Snapshot, mode alerts.Mode) (*model.AlertSummary, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.CalcBackoff
	bo.MaxInterval = s.opts.MaxBackoff
	bo.Reset()

	var summary *model.AlertSummary
	var final error
	err := backoff.RetryNotify(func() error {
		sum, err := s.calc.CalculateMode(ctx, snap.Key, mode)
		if err != nil {
			if errors.Is(err, alerts.ErrSnapshotNotReady) || errors.Is(err, alerts.ErrCanceled) {
				final = err
				return nil
			}
			return err
		}
		summary = sum
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, s.opts.CalcRetries), ctx), func(err error, wait time.Duration) {
		s.logger.Sugar().Warnf("Retrying calculation of snapshot %s in %s: %v", snap.Key, wait, err)
	})
	if err != nil {
		return nil, err
	}
	if final != nil {
		return nil, final
	}
	return summary, nil
}
