/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with realistic
  data for demos. Each scenario registers members, records stays through
  the Processor and hands out benefits through the Assigner, so the
  resulting ledger is exactly what production traffic would produce.

AVAILABLE SCENARIOS:
  tier-climb:      One member climbing New Member -> Silver -> Gold
  breakfast-rush:  Five members racing for two free breakfasts
  points-only:     Points adjustments that never move the tier

HOW SCENARIOS WORK:
  1. Reset the store (clear all data)
  2. Re-create the benefit catalog
  3. Register members
  4. Record stays / adjustments
  5. Optionally issue and assign benefits

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "tier-climb"}

NOTE:
  Scenarios reset the store. Only mounted when demo mode is on.

SEE ALSO:
  - handlers.go: Handler
  - server.go: RouterConfig.Scenarios
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/warp/loyalty-engine/loyalty"
)

// Resetter is implemented by stores that can drop all their data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "tier-climb",
		Name:        "Tier Climb",
		Description: "One member crossing the Silver and Gold thresholds",
	},
	{
		ID:          "breakfast-rush",
		Name:        "Breakfast Rush",
		Description: "Five members racing for two free breakfasts",
	},
	{
		ID:          "points-only",
		Name:        "Points Only",
		Description: "Points adjustments below any nights threshold",
	},
}

var scenarioLoaders = map[string]func(*Handler, context.Context) error{
	"tier-climb":     (*Handler).loadTierClimbScenario,
	"breakfast-rush": (*Handler).loadBreakfastRushScenario,
	"points-only":    (*Handler).loadPointsOnlyScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	if _, ok := scenarioLoaders[req.ScenarioID]; !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	load, ok := scenarioLoaders[id]
	if !ok {
		return fmt.Errorf("unknown scenario %q", id)
	}
	resetter, ok := h.Store.(Resetter)
	if !ok {
		return errors.New("store does not support reset")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.currentScenario = ""
	if err := resetter.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	if err := h.SeedCatalog(ctx); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	if err := load(h, ctx); err != nil {
		return err
	}
	h.currentScenario = id
	h.Log.WithField("scenario", id).Info("scenario loaded")
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

var freeBreakfast = loyalty.BenefitType{ID: "free_breakfast", Name: "Free breakfast"}

func (h *Handler) register(ctx context.Context, ids ...loyalty.MemberID) error {
	for _, id := range ids {
		if _, err := h.Processor.RegisterMember(ctx, id); err != nil {
			return fmt.Errorf("register %s: %w", id, err)
		}
	}
	return nil
}

func (h *Handler) stays(ctx context.Context, member loyalty.MemberID, stays ...loyalty.StayInput) error {
	for i, in := range stays {
		in.MemberID = member
		if in.ExternalRef == "" {
			in.ExternalRef = fmt.Sprintf("demo-%s-%d", member, i+1)
		}
		if in.Source == "" {
			in.Source = "booking"
		}
		if _, err := h.Processor.RecordStay(ctx, in); err != nil {
			return fmt.Errorf("stay %d for %s: %w", i+1, member, err)
		}
	}
	return nil
}

func (h *Handler) loadTierClimbScenario(ctx context.Context) error {
	if err := h.register(ctx, "alice"); err != nil {
		return err
	}
	return h.stays(ctx, "alice",
		loyalty.StayInput{NightsDelta: 1, PointsDelta: 10},
		loyalty.StayInput{NightsDelta: 4, PointsDelta: 40, ApplyMultiplier: true},
		loyalty.StayInput{NightsDelta: 5, PointsDelta: 50, ApplyMultiplier: true},
	)
}

func (h *Handler) loadBreakfastRushScenario(ctx context.Context) error {
	members := []loyalty.MemberID{"bob", "carol", "dave", "erin", "frank"}
	if err := h.register(ctx, members...); err != nil {
		return err
	}
	if _, err := h.Assigner.CreateBenefitType(ctx, freeBreakfast); err != nil {
		return err
	}
	if _, err := h.Assigner.Issue(ctx, freeBreakfast.ID, 2, nil); err != nil {
		return err
	}

	for _, m := range members {
		_, err := h.Assigner.Assign(ctx, loyalty.AssignInput{
			BenefitTypeID: freeBreakfast.ID,
			MemberID:      m,
			AssignedBy:    "demo",
		})
		// running out is the point of the scenario
		if err != nil && !errors.Is(err, loyalty.ErrNoBenefitAvailable) {
			return fmt.Errorf("assign to %s: %w", m, err)
		}
	}
	return nil
}

func (h *Handler) loadPointsOnlyScenario(ctx context.Context) error {
	if err := h.register(ctx, "grace"); err != nil {
		return err
	}
	return h.stays(ctx, "grace",
		loyalty.StayInput{PointsDelta: 100, Source: "promotion", Reason: "Welcome bonus"},
		loyalty.StayInput{PointsDelta: 250, Source: "partner", Reason: "Airline transfer"},
		loyalty.StayInput{PointsDelta: -50, Source: "admin", Reason: "Correction"},
	)
}
