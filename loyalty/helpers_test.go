package loyalty_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	memstore "github.com/warp/loyalty-engine/loyalty/store"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// forEachStore runs fn against every Store implementation. The SQLite store
// uses a file database so concurrent tests exercise real write-lock
// contention across connections.
func forEachStore(t *testing.T, fn func(t *testing.T, s loyalty.Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, memstore.NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlite.New(filepath.Join(t.TempDir(), "loyalty.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func fastRetry() loyalty.Option {
	return loyalty.WithRetry(loyalty.RetryConfig{
		MaxAttempts:     20,
		InitialInterval: time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
	})
}

func newProcessor(s loyalty.Store, opts ...loyalty.Option) *loyalty.Processor {
	return loyalty.NewProcessor(s, loyalty.DefaultTierPolicy(), append([]loyalty.Option{fastRetry()}, opts...)...)
}

func newAssigner(s loyalty.Store, opts ...loyalty.Option) *loyalty.BenefitAssigner {
	return loyalty.NewBenefitAssigner(s, loyalty.DefaultTierPolicy(), append([]loyalty.Option{fastRetry()}, opts...)...)
}

func register(t *testing.T, p *loyalty.Processor, ids ...loyalty.MemberID) {
	t.Helper()
	for _, id := range ids {
		_, err := p.RegisterMember(context.Background(), id)
		require.NoError(t, err)
	}
}

func stay(member loyalty.MemberID, nights, points int64, ref string) loyalty.StayInput {
	return loyalty.StayInput{
		MemberID:    member,
		NightsDelta: nights,
		PointsDelta: points,
		ExternalRef: ref,
		Source:      "booking",
	}
}

// seedBenefit creates a benefit type and issues supply instances of it.
func seedBenefit(t *testing.T, a *loyalty.BenefitAssigner, bt loyalty.BenefitType, supply int) []loyalty.BenefitInstanceID {
	t.Helper()
	ctx := context.Background()
	_, err := a.CreateBenefitType(ctx, bt)
	require.NoError(t, err)
	if supply == 0 {
		return nil
	}
	ids, err := a.Issue(ctx, bt.ID, supply, nil)
	require.NoError(t, err)
	return ids
}

// fakeClock is a settable clock safe for concurrent reads.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingObserver counts retries and outcomes.
type recordingObserver struct {
	mu          sync.Mutex
	retries     map[string]int
	outcomes    map[loyalty.Outcome]int
	tierChanges [][2]loyalty.TierID
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		retries:  make(map[string]int),
		outcomes: make(map[loyalty.Outcome]int),
	}
}

func (o *recordingObserver) ObserveOperation(_ string, _ time.Duration, outcome loyalty.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *recordingObserver) ObserveRetry(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries[op]++
}

func (o *recordingObserver) ObserveTierChange(from, to loyalty.TierID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tierChanges = append(o.tierChanges, [2]loyalty.TierID{from, to})
}

// flakyStore fails the first n transactions with a transient conflict.
type flakyStore struct {
	loyalty.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(loyalty.Tx) error) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return loyalty.ErrTransientConflict
	}
	f.mu.Unlock()
	return f.Store.WithTx(ctx, fn)
}
