package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"phasegate/internal/config"
	"phasegate/internal/db"
	"phasegate/internal/domain"
	"phasegate/internal/gate"
	"phasegate/internal/migrate"
	"phasegate/internal/repo"
)

func seed(t *testing.T) repo.Repo {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}

	for _, a := range []domain.Actor{
		{ID: "mgr", DisplayName: "Morgan", Role: domain.RoleManager, OrgID: "acme", CreatedAt: "2026-01-01T00:00:00.000000000Z"},
		{ID: "dev1", DisplayName: "Dana", Role: domain.RoleEmployee, OrgID: "acme", CreatedAt: "2026-01-01T00:00:00.000000000Z"},
		{ID: "dev3", DisplayName: "Gil", Role: domain.RoleEmployee, OrgID: "globex", CreatedAt: "2026-01-01T00:00:00.000000000Z"},
	} {
		require.NoError(t, r.PutActor(ctx, a))
	}
	evidence := "https://ci.example/run/42"
	for _, task := range []domain.Task{
		{ID: "t1", OrgID: "acme", Title: "Login form", AssignedTo: "dev1", Phase: domain.PhaseDesignGuidance, SubState: domain.SubStatePendingValidation, SubmittedEvidence: &evidence, UpdatedAt: "2026-01-01T00:00:02.000000000Z"},
		{ID: "t2", OrgID: "acme", Title: "Billing export", AssignedTo: "ghost", Phase: domain.PhaseBuildGuidance, SubState: domain.SubStatePendingValidation, UpdatedAt: "2026-01-01T00:00:01.000000000Z"},
		{ID: "t3", OrgID: "acme", Title: "Still working", AssignedTo: "dev1", Phase: domain.PhaseRequirementRefiner, SubState: domain.SubStateInProgress, UpdatedAt: "2026-01-01T00:00:00.000000000Z"},
		{ID: "t4", OrgID: "globex", Title: "Other org", AssignedTo: "dev3", Phase: domain.PhaseDeployment, SubState: domain.SubStatePendingValidation, UpdatedAt: "2026-01-01T00:00:00.000000000Z"},
		{ID: "t5", OrgID: "acme", Title: "Own task", AssignedTo: "mgr", Phase: domain.PhaseDeployment, SubState: domain.SubStatePendingValidation, UpdatedAt: "2026-01-01T00:00:00.000000000Z"},
	} {
		task.CreatedAt = task.UpdatedAt
		require.NoError(t, r.InsertTask(ctx, nil, task))
	}
	return r
}

func newService(t *testing.T, store Store, dir Directory, strategy, scope string, meter *sdkmetric.MeterProvider) *Service {
	t.Helper()
	cfg := config.Default().Gate
	cfg.Scope = scope
	var s *Service
	var err error
	if meter != nil {
		s, err = New(store, dir, gate.NewRolePolicy(cfg), strategy, nil, meter.Meter("test"))
	} else {
		s, err = New(store, dir, gate.NewRolePolicy(cfg), strategy, nil, nil)
	}
	require.NoError(t, err)
	return s
}

type brokenView struct {
	repo.Repo
	calls int
}

func (b *brokenView) ListValidationQueue(context.Context, string) ([]repo.PendingRow, error) {
	b.calls++
	return nil, errors.New("no such table: validation_queue")
}

type emptyView struct {
	repo.Repo
}

func (emptyView) ListValidationQueue(context.Context, string) ([]repo.PendingRow, error) {
	return nil, nil
}

func TestJoinedQueueOrderAndNames(t *testing.T) {
	r := seed(t)
	s := newService(t, r, r, config.StrategyJoined, config.ScopeOrganization, nil)

	items, err := s.ForApprover(context.Background(), "mgr")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "t2", items[0].TaskID)
	assert.Equal(t, domain.UnknownActorName, items[0].AssignedToName)
	assert.Equal(t, domain.PhaseAcceptanceCriteria, items[0].NextRequestedPhase)
	assert.Nil(t, items[0].SubmittedEvidence)

	assert.Equal(t, "t1", items[1].TaskID)
	assert.Equal(t, "Dana", items[1].AssignedToName)
	assert.Equal(t, domain.PhaseBuildGuidance, items[1].NextRequestedPhase)
	require.NotNil(t, items[1].SubmittedEvidence)
	assert.Equal(t, "https://ci.example/run/42", *items[1].SubmittedEvidence)
	for _, it := range items {
		assert.Equal(t, domain.SubStatePendingValidation, it.SubState)
	}
}

func TestJoinedAndDecomposedAgree(t *testing.T) {
	r := seed(t)
	for _, scope := range []string{config.ScopeOrganization, config.ScopeGlobal} {
		joined, err := newService(t, r, r, config.StrategyJoined, scope, nil).ForApprover(context.Background(), "mgr")
		require.NoError(t, err)
		decomposed, err := newService(t, r, r, config.StrategyDecomposed, scope, nil).ForApprover(context.Background(), "mgr")
		require.NoError(t, err)
		assert.Equal(t, joined, decomposed, "scope %s", scope)
	}
}

func TestGlobalScopeIncludesOtherOrgs(t *testing.T) {
	r := seed(t)
	items, err := newService(t, r, r, config.StrategyJoined, config.ScopeGlobal, nil).ForApprover(context.Background(), "mgr")
	require.NoError(t, err)
	var ids []string
	for _, it := range items {
		ids = append(ids, it.TaskID)
	}
	assert.Equal(t, []string{"t4", "t2", "t1"}, ids)
}

func TestAutoFallsBackWhenJoinedFails(t *testing.T) {
	r := seed(t)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	store := &brokenView{Repo: r}
	s := newService(t, store, r, config.StrategyAuto, config.ScopeOrganization, mp)
	var observed []string
	s.Observer = func(_ context.Context, approverID string, cause error) {
		observed = append(observed, approverID)
		assert.Error(t, cause)
	}

	items, err := s.ForApprover(context.Background(), "mgr")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "t2", items[0].TaskID)
	assert.Equal(t, domain.UnknownActorName, items[0].AssignedToName)
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, []string{"mgr"}, observed)
	assert.Equal(t, int64(1), counterValue(t, reader, "phasegate.queue.fallback"))
}

func TestAutoDoesNotFallBackOnEmptyResult(t *testing.T) {
	r := seed(t)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	s := newService(t, emptyView{Repo: r}, r, config.StrategyAuto, config.ScopeOrganization, mp)
	s.Observer = func(context.Context, string, error) { t.Fatalf("unexpected fallback") }

	items, err := s.ForApprover(context.Background(), "mgr")
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NotNil(t, items)
	assert.Equal(t, int64(0), counterValue(t, reader, "phasegate.queue.fallback"))
}

func TestJoinedStrategyDoesNotFallBack(t *testing.T) {
	r := seed(t)
	_, err := newService(t, &brokenView{Repo: r}, r, config.StrategyJoined, config.ScopeOrganization, nil).
		ForApprover(context.Background(), "mgr")
	require.Error(t, err)
}

func TestQueueRejectsNonApprovers(t *testing.T) {
	r := seed(t)
	s := newService(t, r, r, config.StrategyAuto, config.ScopeOrganization, nil)

	_, err := s.ForApprover(context.Background(), "dev1")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = s.ForApprover(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestConcurrentReadsReturnIndependentSlices(t *testing.T) {
	r := seed(t)
	s := newService(t, r, r, config.StrategyAuto, config.ScopeOrganization, nil)

	var wg sync.WaitGroup
	results := make([][]domain.QueueItem, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			items, err := s.ForApprover(context.Background(), "mgr")
			assert.NoError(t, err)
			results[i] = items
		}(i)
	}
	wg.Wait()
	results[0][0].Title = "mutated"
	for _, items := range results[1:] {
		require.Len(t, items, 2)
		assert.Equal(t, "Billing export", items[0].Title)
	}
}

func TestUnknownStrategy(t *testing.T) {
	_, err := New(nil, nil, nil, "random", nil, nil)
	assert.Error(t, err)
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

// gatedView holds every joined read until release is closed, then honours
// the context the read was started with.
type gatedView struct {
	repo.Repo
	started chan struct{}
	release chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func newGatedView(r repo.Repo) *gatedView {
	return &gatedView{Repo: r, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedView) ListValidationQueue(ctx context.Context, orgID string) ([]repo.PendingRow, error) {
	g.calls.Add(1)
	g.once.Do(func() { close(g.started) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.Repo.ListValidationQueue(ctx, orgID)
}

func TestCancelledCallerDoesNotFailSharedRead(t *testing.T) {
	r := seed(t)
	view := newGatedView(r)
	s := newService(t, view, r, config.StrategyJoined, config.ScopeOrganization, nil)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.ForApprover(first, "mgr")
		firstErr <- err
	}()
	<-view.started

	type result struct {
		items []domain.QueueItem
		err   error
	}
	second := make(chan result, 1)
	go func() {
		items, err := s.ForApprover(context.Background(), "mgr")
		second <- result{items, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(view.release)
	res := <-second
	require.NoError(t, res.err)
	assert.Len(t, res.items, 2)
}

func TestInvalidateStartsFreshRead(t *testing.T) {
	r := seed(t)
	view := newGatedView(r)
	s := newService(t, view, r, config.StrategyJoined, config.ScopeOrganization, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := s.ForApprover(context.Background(), "mgr")
		assert.NoError(t, err)
	}()
	<-view.started
	s.Invalidate()
	go func() {
		defer wg.Done()
		_, err := s.ForApprover(context.Background(), "mgr")
		assert.NoError(t, err)
	}()
	close(view.release)
	wg.Wait()
	assert.Equal(t, int32(2), view.calls.Load())
}
