package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ortelius/pdvd-vulncorr/alerts"
	"github.com/ortelius/pdvd-vulncorr/feed"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/snapshot"
	"github.com/ortelius/pdvd-vulncorr/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const githubNPM = "github:language:javascript"

func seedFeed(t *testing.T, s *store.Memory) {
	t.Helper()
	v := model.NewVulnerability()
	v.ID = "CVE-TEST-1"
	v.Namespace = githubNPM
	v.Ecosystem = "npm"
	v.PackageName = "left-pad"
	v.VersionConstraint = "< 1.3.0"
	v.VersionFormat = model.FormatSemantic
	v.FixedInVersions = []string{"1.3.0"}

	m := model.NewVulnerabilityMetadata()
	m.ID = "CVE-TEST-1"
	m.Namespace = githubNPM
	m.Severity = model.SeverityHigh

	require.NoError(t, s.UpsertNamespace(context.Background(), githubNPM, []model.Vulnerability{*v}, []model.VulnerabilityMetadata{*m}))
}

func submit(t *testing.T, svc *snapshot.Service, project, version string) *model.Snapshot {
	t.Helper()
	snap, err := svc.Submit(context.Background(), project,
		[]model.ObservedComponent{{Ecosystem: "npm", Name: "left-pad", Version: version}}, nil, nil)
	require.NoError(t, err)
	return snap
}

type recorder struct {
	mu    sync.Mutex
	snaps []string
	ch    chan model.AlertSummary
}

func (r *recorder) AlertsCalculated(_ context.Context, snap model.Snapshot, summary model.AlertSummary) error {
	r.mu.Lock()
	r.snaps = append(r.snaps, snap.Key)
	r.mu.Unlock()
	if r.ch != nil {
		r.ch <- summary
	}
	return nil
}

func (r *recorder) calculated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.snaps...)
}

func TestTriggerCalculatesSnapshotsInOrder(t *testing.T) {
	mem := store.NewMemory()
	seedFeed(t, mem)
	svc := snapshot.NewService(mem, zap.NewNop(), nil)
	calc := alerts.NewCalculator(mem, alerts.Options{}, zap.NewNop(), nil)

	first := submit(t, svc, "web", "1.2.0")
	second := submit(t, svc, "web", "1.3.0")

	rec := &recorder{}
	s := New(nil, calc, mem, Options{}, zap.NewNop())
	s.SetNotifier(rec)

	s.Trigger(first.ProjectID)
	s.Wait()

	assert.Equal(t, []string{first.Key, second.Key}, rec.calculated())
	assert.Equal(t, int64(2), s.LastProcessed(first.ProjectID))

	list, err := mem.AlertsForSnapshot(context.Background(), first.Key)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.AlertResolved, list[0].State, "the newer snapshot resolved the older alert")

	// nothing new: a second trigger does no work
	s.Trigger(first.ProjectID)
	s.Wait()
	assert.Len(t, rec.calculated(), 2)

	// full recalculates the latest snapshot only
	s.TriggerAll(true)
	s.Wait()
	assert.Equal(t, []string{first.Key, second.Key, second.Key}, rec.calculated())
}

func TestSeedSkipsSnapshotsCalculatedEarlier(t *testing.T) {
	mem := store.NewMemory()
	seedFeed(t, mem)
	svc := snapshot.NewService(mem, zap.NewNop(), nil)
	calc := alerts.NewCalculator(mem, alerts.Options{}, zap.NewNop(), nil)

	first := submit(t, svc, "web", "1.2.0")
	_, err := calc.Calculate(context.Background(), first.Key)
	require.NoError(t, err)
	second := submit(t, svc, "web", "1.2.0")

	rec := &recorder{}
	s := New(nil, calc, mem, Options{}, zap.NewNop())
	s.SetNotifier(rec)
	s.Trigger(first.ProjectID)
	s.Wait()

	assert.Equal(t, []string{second.Key}, rec.calculated())
}

// gatedCalc blocks calculations of one snapshot until released
type gatedCalc struct {
	gate     string
	started  chan struct{}
	release  chan struct{}
	calls    atomic.Int32
	failures int32
	panics   bool
}

func (g *gatedCalc) Mode() alerts.Mode { return alerts.ModeFull }

func (g *gatedCalc) CalculateMode(ctx context.Context, snapshotID string, _ alerts.Mode) (*model.AlertSummary, error) {
	n := g.calls.Add(1)
	if g.panics {
		panic("boom")
	}
	if snapshotID == g.gate {
		g.started <- struct{}{}
		<-g.release
	}
	if n <= g.failures {
		return nil, &alerts.CalcError{Kind: alerts.ErrStoreUnavailable, SnapshotID: snapshotID, Err: errors.New("connection reset")}
	}
	return &model.AlertSummary{SnapshotID: snapshotID}, nil
}

func TestTriggerCoalescesWhileRunning(t *testing.T) {
	mem := store.NewMemory()
	svc := snapshot.NewService(mem, zap.NewNop(), nil)
	snap := submit(t, svc, "web", "1.2.0")

	calc := &gatedCalc{gate: snap.Key, started: make(chan struct{}), release: make(chan struct{})}
	s := New(nil, calc, mem, Options{}, zap.NewNop())

	s.Trigger(snap.ProjectID)
	<-calc.started
	for i := 0; i < 5; i++ {
		s.Trigger(snap.ProjectID)
	}
	close(calc.release)
	s.Wait()

	assert.Equal(t, int32(1), calc.calls.Load(), "the in-flight run is not restarted")
	assert.Equal(t, int64(1), s.LastProcessed(snap.ProjectID))
}

func TestSlowProjectDoesNotBlockOthers(t *testing.T) {
	mem := store.NewMemory()
	svc := snapshot.NewService(mem, zap.NewNop(), nil)
	slow := submit(t, svc, "slow", "1.2.0")
	fast := submit(t, svc, "fast", "1.2.0")

	calc := &gatedCalc{gate: slow.Key, started: make(chan struct{}), release: make(chan struct{})}
	rec := &recorder{ch: make(chan model.AlertSummary, 2)}
	s := New(nil, calc, mem, Options{Workers: 2}, zap.NewNop())
	s.SetNotifier(rec)

	s.Trigger(slow.ProjectID)
	<-calc.started
	s.Trigger(fast.ProjectID)

	select {
	case sum := <-rec.ch:
		assert.Equal(t, fast.Key, sum.SnapshotID)
	case <-time.After(5 * time.Second):
		t.Fatal("fast project waited on the slow one")
	}

	close(calc.release)
	s.Wait()
	assert.Equal(t, int64(1), s.LastProcessed(slow.ProjectID))
}

func TestCalculationRetries(t *testing.T) {
	mem := store.NewMemory()
	svc := snapshot.NewService(mem, zap.NewNop(), nil)
	snap := submit(t, svc, "web", "1.2.0")

	calc := &gatedCalc{failures: 2}
	s := New(nil, calc, mem, Options{CalcBackoff: time.Millisecond}, zap.NewNop())
	s.Trigger(snap.ProjectID)
	s.Wait()

	assert.Equal(t, int32(3), calc.calls.Load())
	assert.Equal(t, int64(1), s.LastProcessed(snap.ProjectID))

	other := submit(t, svc, "api", "1.2.0")
	always := &gatedCalc{failures: 100}
	s = New(nil, always, mem, Options{CalcBackoff: time.Millisecond}, zap.NewNop())
	s.Trigger(other.ProjectID)
	s.Wait()

	assert.Equal(t, int32(1+DefaultCalcRetries), always.calls.Load())
	assert.Equal(t, int64(0), s.LastProcessed(other.ProjectID))
}

func TestPanicIsRecovered(t *testing.T) {
	mem := store.NewMemory()
	svc := snapshot.NewService(mem, zap.NewNop(), nil)
	snap := submit(t, svc, "web", "1.2.0")

	calc := &gatedCalc{panics: true}
	s := New(nil, calc, mem, Options{}, zap.NewNop())
	s.Trigger(snap.ProjectID)
	s.Wait()
	assert.Equal(t, int64(0), s.LastProcessed(snap.ProjectID))

	calc.panics = false
	s.Trigger(snap.ProjectID)
	s.Wait()
	assert.Equal(t, int64(1), s.LastProcessed(snap.ProjectID))
}

type fakeImporter struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (f *fakeImporter) Refresh(context.Context) (*feed.ImportResult, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) > 0 {
		err := f.results[0]
		f.results = f.results[1:]
		if err != nil {
			return nil, false, err
		}
		return &feed.ImportResult{Vulnerabilities: 1}, true, nil
	}
	return nil, false, nil
}

func TestImportFailureBacksOff(t *testing.T) {
	down := errors.New("listing unavailable")
	imp := &fakeImporter{results: []error{down, down, down, nil}}
	s := New(imp, &gatedCalc{}, store.NewMemory(), Options{
		Interval:       time.Hour,
		InitialBackoff: time.Second,
		MaxBackoff:     2 * time.Second,
	}, zap.NewNop())

	bo := s.importBackoff()
	ctx := context.Background()
	assert.Equal(t, time.Second, s.refresh(ctx, bo))
	assert.Equal(t, 1500*time.Millisecond, s.refresh(ctx, bo))
	assert.Equal(t, 2*time.Second, s.refresh(ctx, bo), "capped at the max backoff")
	assert.Equal(t, time.Hour, s.refresh(ctx, bo))
	s.Wait()

	assert.Equal(t, time.Hour, s.refresh(ctx, bo), "nothing newer to import")
	assert.Equal(t, 5, imp.calls)
}

func TestRunImportsThenRecalculates(t *testing.T) {
	mem := store.NewMemory()
	seedFeed(t, mem)
	svc := snapshot.NewService(mem, zap.NewNop(), nil)
	snap := submit(t, svc, "web", "1.2.0")

	rec := &recorder{ch: make(chan model.AlertSummary, 1)}
	imp := &fakeImporter{results: []error{nil}}
	s := New(imp, alerts.NewCalculator(mem, alerts.Options{}, zap.NewNop(), nil), mem, Options{Interval: time.Hour}, zap.NewNop())
	s.SetNotifier(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case sum := <-rec.ch:
		assert.Equal(t, snap.Key, sum.SnapshotID)
		assert.Equal(t, 1, sum.High)
	case <-time.After(5 * time.Second):
		t.Fatal("no calculation after import")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
