/*
scenarios_test.go - Tests for demo scenarios and the scheduler

PURPOSE:
	Tests that each scenario produces the state it describes, through the
	same engine calls production traffic uses, and that the result passes
	the reconciliation audit.
*/
package api

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	memstore "github.com/warp/loyalty-engine/loyalty/store"
	"github.com/warp/loyalty-engine/store/sqlite"
)

func TestScenario_TierClimb(t *testing.T) {
	// GIVEN: The tier-climb scenario
	// WHEN:  Loading the scenario
	// THEN:  alice is Gold after 10 nights, with multiplied points
	h := newTestHandler(t, memstore.NewMemory())
	ctx := context.Background()
	require.NoError(t, h.loadScenario(ctx, "tier-climb"))

	view, err := h.Processor.Member(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), view.Member.Nights)
	assert.Equal(t, loyalty.TierID("gold"), view.Member.TierID)
	// 10 + floor(40 * 1.25) + floor(50 * 1.25)
	assert.Equal(t, int64(10+50+62), view.Member.Points)

	found, err := h.Auditor.AuditAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestScenario_BreakfastRush(t *testing.T) {
	h := newTestHandler(t, memstore.NewMemory())
	ctx := context.Background()
	require.NoError(t, h.loadScenario(ctx, "breakfast-rush"))

	supply, err := h.Assigner.Supply(ctx, "free_breakfast")
	require.NoError(t, err)
	assert.Equal(t, 0, supply)

	assigned, err := h.Store.BenefitInstances(ctx, loyalty.BenefitFilter{
		TypeID: "free_breakfast", Statuses: []loyalty.BenefitStatus{loyalty.BenefitAssigned},
	})
	require.NoError(t, err)
	assert.Len(t, assigned, 2)
}

func TestScenario_PointsOnly(t *testing.T) {
	h := newTestHandler(t, memstore.NewMemory())
	ctx := context.Background()
	require.NoError(t, h.loadScenario(ctx, "points-only"))

	view, err := h.Processor.Member(ctx, "grace")
	require.NoError(t, err)
	assert.Equal(t, int64(300), view.Member.Points)
	assert.Equal(t, int64(0), view.Member.Nights)
	assert.Equal(t, loyalty.TierID("new_member"), view.Member.TierID)
}

func TestScenario_ReloadResetsSQLite(t *testing.T) {
	// GIVEN: A SQLite store with one scenario loaded
	// WHEN:  Another scenario is loaded over it
	// THEN:  Only the second scenario's members remain
	s, err := sqlite.New(filepath.Join(t.TempDir(), "demo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := newTestHandler(t, s)
	ctx := context.Background()
	require.NoError(t, h.loadScenario(ctx, "tier-climb"))
	require.NoError(t, h.loadScenario(ctx, "points-only"))

	ids, err := s.MemberIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []loyalty.MemberID{"grace"}, ids)

	types, err := s.BenefitTypes(ctx)
	require.NoError(t, err)
	require.Len(t, types, 1, "catalog is re-seeded after reset")
	assert.Equal(t, loyalty.BenefitTypeID("free_breakfast"), types[0].ID)
}

func TestScenario_HTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ScenarioDTO](t, rec), len(scenarios))

	rec = ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "tier-climb"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tier-climb", decodeBody[ScenarioDTO](t, rec).ID)
}

func TestScenario_RoutesHiddenByDefault(t *testing.T) {
	h := newTestHandler(t, memstore.NewMemory())
	ts := &testServer{h: h, mux: NewRouter(h, RouterConfig{})}

	rec := ts.do(t, http.MethodGet, "/api/scenarios", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestScheduler_RunNowExpiresAndAudits(t *testing.T) {
	ctx := context.Background()
	s := memstore.NewMemory()
	h := newTestHandler(t, s)

	_, err := h.Assigner.CreateBenefitType(ctx, freeBreakfast)
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	_, err = h.Assigner.Issue(ctx, freeBreakfast.ID, 3, &past)
	require.NoError(t, err)

	sched := NewScheduler(h.Auditor, h.Assigner, h.Log)
	sched.RunNow(ctx)

	supply, err := h.Assigner.Supply(ctx, freeBreakfast.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, supply)
	assert.True(t, sched.LastAudit().Consistent)
}

func TestScheduler_StartStop(t *testing.T) {
	h := newTestHandler(t, memstore.NewMemory())
	sched := NewScheduler(h.Auditor, h.Assigner, h.Log)
	sched.AuditInterval = 10 * time.Millisecond
	sched.ExpiryInterval = 10 * time.Millisecond

	sched.Start()
	sched.Start() // second start is a no-op
	require.Eventually(t, func() bool { return sched.LastAudit().RanAt != "" }, time.Second, 5*time.Millisecond)
	sched.Stop()
	sched.Stop()

	disabled := NewScheduler(h.Auditor, h.Assigner, h.Log)
	disabled.Enabled = false
	disabled.Start()
	disabled.Stop()
}
