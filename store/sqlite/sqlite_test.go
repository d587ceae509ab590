package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.June, 1, 9, 30, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMember(t *testing.T, s *sqlite.Store, id loyalty.MemberID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.CreateMember(ctx, loyalty.Member{ID: id, TierID: "new_member", TierUpdatedAt: t0, CreatedAt: t0})
	}))
}

func seedInstances(t *testing.T, s *sqlite.Store, typeID loyalty.BenefitTypeID, ids ...loyalty.BenefitInstanceID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error {
		if err := tx.SaveBenefitType(ctx, loyalty.BenefitType{ID: typeID, Name: string(typeID), CreatedAt: t0}); err != nil {
			return err
		}
		instances := make([]loyalty.BenefitInstance, len(ids))
		for i, id := range ids {
			instances[i] = loyalty.BenefitInstance{ID: id, TypeID: typeID, RedemptionCode: "C-" + string(id), IssuedAt: t0}
		}
		return tx.IssueBenefits(ctx, instances)
	}))
}

// =============================================================================
// MEMBERS AND LEDGER
// =============================================================================

func TestMembers_RoundTripAndConflicts(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedMember(t, s, "m-1")

	m, err := s.Member(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.TierID("new_member"), m.TierID)
	assert.True(t, m.CreatedAt.Equal(t0))
	assert.True(t, m.PointsUpdatedAt.IsZero())

	err = s.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.CreateMember(ctx, loyalty.Member{ID: "m-1", TierID: "new_member", CreatedAt: t0})
	})
	assert.ErrorIs(t, err, loyalty.ErrMemberExists)

	_, err = s.Member(ctx, "m-2")
	assert.ErrorIs(t, err, loyalty.ErrMemberNotFound)

	// the CHECK constraint backs the non-negative points rule
	err = s.WithTx(ctx, func(tx loyalty.Tx) error {
		m, err := tx.LoadMember(ctx, "m-1")
		if err != nil {
			return err
		}
		m.Points = -1
		return tx.SaveMember(ctx, m)
	})
	assert.ErrorIs(t, err, loyalty.ErrInvalidAdjustment)
}

func TestLedger_UniqueExternalRef(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedMember(t, s, "m-1")
	seedMember(t, s, "m-2")

	ev := loyalty.LedgerEvent{
		ID: "e-1", MemberID: "m-1", Kind: loyalty.EventStayRecorded,
		NightsDelta: 1, PointsDelta: 10, ExternalRef: "bk-1", At: t0,
		NightsAfter: 1, PointsAfter: 10, TierAfter: "silver", TierChanged: true,
	}
	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error { return tx.AppendEvent(ctx, ev) }))

	dup := ev
	dup.ID = "e-2"
	err := s.WithTx(ctx, func(tx loyalty.Tx) error { return tx.AppendEvent(ctx, dup) })
	assert.ErrorIs(t, err, loyalty.ErrDuplicateReference)
	assert.True(t, loyalty.IsRetryable(err))

	// same ref for another member is a different key
	other := ev
	other.ID, other.MemberID = "e-3", "m-2"
	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error { return tx.AppendEvent(ctx, other) }))

	// unreferenced events never collide
	for _, id := range []loyalty.EventID{"e-4", "e-5"} {
		plain := loyalty.LedgerEvent{ID: id, MemberID: "m-1", Kind: loyalty.EventPointsAdjustment, PointsDelta: 1, At: t0, TierAfter: "silver"}
		require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error { return tx.AppendEvent(ctx, plain) }))
	}

	err = s.WithTx(ctx, func(tx loyalty.Tx) error {
		found, err := tx.FindEventByRef(ctx, "m-1", "bk-1")
		require.NotNil(t, found)
		assert.Equal(t, loyalty.EventID("e-1"), found.ID)
		assert.Equal(t, int64(10), found.PointsAfter)
		assert.True(t, found.TierChanged)
		assert.True(t, found.At.Equal(t0))
		return err
	})
	require.NoError(t, err)
}

func TestLedger_EventOrdering(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedMember(t, s, "m-1")

	for i, id := range []loyalty.EventID{"a", "b", "c"} {
		ev := loyalty.LedgerEvent{ID: id, MemberID: "m-1", Kind: loyalty.EventPointsAdjustment, PointsDelta: int64(i + 1), At: t0, TierAfter: "new_member"}
		require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error { return tx.AppendEvent(ctx, ev) }))
	}

	newest, err := s.Events(ctx, "m-1", loyalty.EventPage{Limit: 10})
	require.NoError(t, err)
	require.Len(t, newest, 3)
	assert.Equal(t, []loyalty.EventID{"c", "b", "a"}, []loyalty.EventID{newest[0].ID, newest[1].ID, newest[2].ID})

	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error {
		all, err := tx.LoadEvents(ctx, "m-1")
		require.Len(t, all, 3)
		assert.Equal(t, loyalty.EventID("a"), all[0].ID, "commit order")
		return err
	}))
}

func TestLedger_ForeignKeyToMember(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	err := s.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.AppendEvent(ctx, loyalty.LedgerEvent{ID: "e", MemberID: "ghost", Kind: loyalty.EventStayRecorded, At: t0, TierAfter: "x"})
	})
	assert.Error(t, err)
}

// =============================================================================
// BENEFITS
// =============================================================================

func TestBenefits_ClaimRespectsActiveHoldIndex(t *testing.T) {
	// GIVEN: Two instances and a member already holding one exclusively
	// WHEN:  ClaimBenefit is called again without the ActiveHold pre-check
	// THEN:  The partial unique index rejects it and the tx rolls back
	ctx := context.Background()
	s := newStore(t)
	seedMember(t, s, "m-1")
	seedInstances(t, s, "spa", "b-1", "b-2")

	claim := loyalty.BenefitClaim{TypeID: "spa", MemberID: "m-1", Exclusive: true, AssignedBy: "desk", At: t0}
	var first loyalty.BenefitInstance
	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error {
		var err error
		first, err = tx.ClaimBenefit(ctx, claim)
		return err
	}))
	assert.Equal(t, loyalty.BenefitInstanceID("b-1"), first.ID)
	assert.Equal(t, loyalty.BenefitAssigned, first.Status)
	assert.Equal(t, "desk", first.AssignedBy)
	require.NotNil(t, first.AssignedAt)

	err := s.WithTx(ctx, func(tx loyalty.Tx) error {
		_, err := tx.ClaimBenefit(ctx, claim)
		return err
	})
	assert.ErrorIs(t, err, loyalty.ErrAlreadyAssigned)

	supply, err := s.Supply(ctx, "spa")
	require.NoError(t, err)
	assert.Equal(t, 1, supply, "rolled back claim leaves b-2 available")

	// non-exclusive claims are outside the index
	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error {
		claim.Exclusive = false
		_, err := tx.ClaimBenefit(ctx, claim)
		return err
	}))

	err = s.WithTx(ctx, func(tx loyalty.Tx) error {
		_, err := tx.ClaimBenefit(ctx, claim)
		return err
	})
	assert.ErrorIs(t, err, loyalty.ErrNoBenefitAvailable)
}

func TestBenefits_TransitionAndFilters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedMember(t, s, "m-1")
	seedInstances(t, s, "spa", "b-1", "b-2")

	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error {
		_, err := tx.ClaimBenefit(ctx, loyalty.BenefitClaim{TypeID: "spa", MemberID: "m-1", Exclusive: true, At: t0})
		return err
	}))

	later := t0.Add(time.Hour)
	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.TransitionBenefit(ctx, "b-1", loyalty.BenefitAssigned, loyalty.BenefitRedeemed, later)
	}))

	err := s.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.TransitionBenefit(ctx, "b-1", loyalty.BenefitAssigned, loyalty.BenefitRevoked, later)
	})
	assert.ErrorIs(t, err, loyalty.ErrInvalidTransition)

	err = s.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.TransitionBenefit(ctx, "nope", loyalty.BenefitAssigned, loyalty.BenefitRevoked, later)
	})
	assert.ErrorIs(t, err, loyalty.ErrBenefitNotFound)

	mine, err := s.BenefitInstances(ctx, loyalty.BenefitFilter{MemberID: "m-1"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, loyalty.BenefitRedeemed, mine[0].Status)
	require.NotNil(t, mine[0].TerminalAt)
	assert.True(t, mine[0].TerminalAt.Equal(later))

	avail, err := s.BenefitInstances(ctx, loyalty.BenefitFilter{TypeID: "spa", Statuses: []loyalty.BenefitStatus{loyalty.BenefitAvailable}})
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, loyalty.BenefitInstanceID("b-2"), avail[0].ID)
}

func TestBenefitTypes_EligibleTiersRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.SaveBenefitType(ctx, loyalty.BenefitType{
			ID: "lounge", Name: "Lounge", AllowMultiple: true,
			EligibleTiers: []loyalty.TierID{"gold", "platinum"}, CreatedAt: t0,
		})
	}))

	bt, err := s.BenefitType(ctx, "lounge")
	require.NoError(t, err)
	assert.True(t, bt.AllowMultiple)
	assert.Equal(t, []loyalty.TierID{"gold", "platinum"}, bt.EligibleTiers)

	err = s.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.IssueBenefits(ctx, []loyalty.BenefitInstance{{ID: "x", TypeID: "missing", IssuedAt: t0}})
	})
	assert.ErrorIs(t, err, loyalty.ErrBenefitTypeNotFound)

	_, err = s.BenefitType(ctx, "missing")
	assert.ErrorIs(t, err, loyalty.ErrBenefitTypeNotFound)

	all, err := s.BenefitTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestStore_ResetClearsEverything(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedMember(t, s, "m-1")
	seedInstances(t, s, "spa", "b-1")

	require.NoError(t, s.Reset(ctx))

	ids, err := s.MemberIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	supply, err := s.Supply(ctx, "spa")
	require.NoError(t, err)
	assert.Equal(t, 0, supply)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "loyalty.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	seedMember(t, s, "m-1")
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Member(ctx, "m-1")
	assert.NoError(t, err)
}

func TestStore_ClosedIsUnavailable(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Ping(ctx), loyalty.ErrStoreUnavailable)
	assert.ErrorIs(t, s.WithTx(ctx, func(loyalty.Tx) error { return nil }), loyalty.ErrStoreUnavailable)
	_, err = s.Member(ctx, "m-1")
	assert.ErrorIs(t, err, loyalty.ErrStoreUnavailable)
	_, err = s.Supply(ctx, "spa")
	assert.ErrorIs(t, err, loyalty.ErrStoreUnavailable)
	assert.Equal(t, loyalty.OutcomeUnavailable, loyalty.OutcomeOf(s.Ping(ctx)))
}
