package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

func TestMemory_RollbackOnError(t *testing.T) {
	// GIVEN: A transaction that writes and then fails
	// THEN:  None of its writes are visible
	ctx := context.Background()
	s := store.NewMemory()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx loyalty.Tx) error {
		if err := tx.CreateMember(ctx, loyalty.Member{ID: "m-1", TierID: "new_member"}); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, loyalty.LedgerEvent{ID: "e-1", MemberID: "m-1", Kind: loyalty.EventStayRecorded, ExternalRef: "r"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Member(ctx, "m-1")
	assert.ErrorIs(t, err, loyalty.ErrMemberNotFound)

	// the ref index was rolled back too
	err = s.WithTx(ctx, func(tx loyalty.Tx) error {
		ev, err := tx.FindEventByRef(ctx, "m-1", "r")
		assert.Nil(t, ev)
		return err
	})
	require.NoError(t, err)
}

func TestMemory_RollbackRestoresTouchedRecords(t *testing.T) {
	// GIVEN: Committed members, events and benefits
	// WHEN:  A transaction updates each of them and then fails
	// THEN:  Every record is back to its committed value
	ctx := context.Background()
	s := store.NewMemory()
	now := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error {
		if err := tx.CreateMember(ctx, loyalty.Member{ID: "m-1", Nights: 3, TierID: "silver"}); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, loyalty.LedgerEvent{ID: "e-1", MemberID: "m-1", Kind: loyalty.EventStayRecorded, NightsDelta: 3, ExternalRef: "r-1"}); err != nil {
			return err
		}
		if err := tx.SaveBenefitType(ctx, loyalty.BenefitType{ID: "spa", Name: "Spa"}); err != nil {
			return err
		}
		return tx.IssueBenefits(ctx, []loyalty.BenefitInstance{{ID: "b-1", TypeID: "spa", Status: loyalty.BenefitAvailable}})
	}))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx loyalty.Tx) error {
		require.NoError(t, tx.SaveMember(ctx, loyalty.Member{ID: "m-1", Nights: 30, TierID: "platinum"}))
		require.NoError(t, tx.AppendEvent(ctx, loyalty.LedgerEvent{ID: "e-2", MemberID: "m-1", Kind: loyalty.EventStayRecorded, NightsDelta: 27, ExternalRef: "r-2"}))
		require.NoError(t, tx.SaveBenefitType(ctx, loyalty.BenefitType{ID: "spa", Name: "Renamed"}))
		require.NoError(t, tx.IssueBenefits(ctx, []loyalty.BenefitInstance{{ID: "b-2", TypeID: "spa", Status: loyalty.BenefitAvailable}}))
		_, err := tx.ClaimBenefit(ctx, loyalty.BenefitClaim{TypeID: "spa", MemberID: "m-1", Exclusive: true, At: now})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	m, err := s.Member(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Nights)
	assert.Equal(t, loyalty.TierID("silver"), m.TierID)

	events, err := s.Events(ctx, "m-1", loyalty.EventPage{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, loyalty.EventID("e-1"), events[0].ID)

	bt, err := s.BenefitType(ctx, "spa")
	require.NoError(t, err)
	assert.Equal(t, "Spa", bt.Name)

	instances, err := s.BenefitInstances(ctx, loyalty.BenefitFilter{TypeID: "spa"})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, loyalty.BenefitAvailable, instances[0].Status)
	assert.Empty(t, instances[0].MemberID)

	// the rolled-back ref is free again, the committed one is not
	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error {
		ev, err := tx.FindEventByRef(ctx, "m-1", "r-2")
		assert.Nil(t, ev)
		if err != nil {
			return err
		}
		ev, err = tx.FindEventByRef(ctx, "m-1", "r-1")
		assert.NotNil(t, ev)
		return err
	}))
}

func TestMemory_DuplicateReference(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.CreateMember(ctx, loyalty.Member{ID: "m-1"})
	}))

	ev := loyalty.LedgerEvent{ID: "e-1", MemberID: "m-1", Kind: loyalty.EventStayRecorded, ExternalRef: "r"}
	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error { return tx.AppendEvent(ctx, ev) }))

	ev.ID = "e-2"
	err := s.WithTx(ctx, func(tx loyalty.Tx) error { return tx.AppendEvent(ctx, ev) })
	assert.ErrorIs(t, err, loyalty.ErrDuplicateReference)

	// tier_changed events never take part in the ref index
	tc := loyalty.LedgerEvent{ID: "e-3", MemberID: "m-1", Kind: loyalty.EventTierChanged, ExternalRef: "r"}
	assert.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error { return tx.AppendEvent(ctx, tc) }))
}

func TestMemory_ClaimAndTransition(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	now := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error {
		if err := tx.SaveBenefitType(ctx, loyalty.BenefitType{ID: "spa"}); err != nil {
			return err
		}
		return tx.IssueBenefits(ctx, []loyalty.BenefitInstance{
			{ID: "b-1", TypeID: "spa", Status: loyalty.BenefitAvailable},
			{ID: "b-2", TypeID: "spa", Status: loyalty.BenefitAvailable},
		})
	}))

	claim := loyalty.BenefitClaim{TypeID: "spa", MemberID: "m-1", Exclusive: true, At: now}
	var got loyalty.BenefitInstance
	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Tx) error {
		var err error
		got, err = tx.ClaimBenefit(ctx, claim)
		return err
	}))
	assert.Equal(t, loyalty.BenefitInstanceID("b-1"), got.ID)

	err := s.WithTx(ctx, func(tx loyalty.Tx) error {
		_, err := tx.ClaimBenefit(ctx, claim)
		return err
	})
	var aae *loyalty.AlreadyAssignedError
	require.ErrorAs(t, err, &aae)
	assert.Equal(t, loyalty.BenefitInstanceID("b-1"), aae.HeldInstance)

	err = s.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.TransitionBenefit(ctx, "b-2", loyalty.BenefitAssigned, loyalty.BenefitRedeemed, now)
	})
	assert.ErrorIs(t, err, loyalty.ErrInvalidTransition)

	supply, err := s.Supply(ctx, "spa")
	require.NoError(t, err)
	assert.Equal(t, 1, supply)

	require.NoError(t, s.Reset(ctx))
	supply, err = s.Supply(ctx, "spa")
	require.NoError(t, err)
	assert.Equal(t, 0, supply)
}

func TestMemory_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.NewMemory().WithTx(ctx, func(loyalty.Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
