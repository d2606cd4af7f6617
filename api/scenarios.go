/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	device histories for demos. Each scenario goes through the ledger, so
	the resulting histories carry audit entries like real registrations.

AVAILABLE SCENARIOS:

	device-swap:            Watch replaced mid-study, Holter worn for a week
	scheduled-registration: Next watch registered ahead of the visit
	corrections:            Mistyped serial corrected, wrong Holter canceled
	invalid-history:        Overlapping Holter entries written by an old import

HOW SCENARIOS WORK:
 1. Reset the store (clear all histories and audit entries)
 2. Replay registrations relative to the ledger clock
 3. Seed raw histories where a scenario needs broken data

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "device-swap"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.
	They expect the default Watch and Holter columns.

SEE ALSO:
  - handlers.go: Handler dependencies
  - factory/columns.go: Default column set
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/device-ledger/generic"
)

const (
	watchColumn  generic.ColumnID = "ParticipantDevice.Watch"
	holterColumn generic.ColumnID = "ParticipantDevice.Holter"

	scenarioActor generic.Actor = "scenario"
	day                         = 24 * time.Hour
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "device-swap",
		Name:        "Device Swap",
		Description: "Watch SN-001 replaced by SN-002 after a month; Holter worn for one week",
	},
	{
		ID:          "scheduled-registration",
		Name:        "Scheduled Registration",
		Description: "Watch returned yesterday, replacement registered for next week's visit",
	},
	{
		ID:          "corrections",
		Name:        "Corrections",
		Description: "Serial number typo corrected, mistaken Holter registration canceled",
	},
	{
		ID:          "invalid-history",
		Name:        "Invalid History",
		Description: "Overlapping Holter entries from a legacy import, flagged by validation",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"device-swap":            (*Handler).loadDeviceSwapScenario,
	"scheduled-registration": (*Handler).loadScheduledRegistrationScenario,
	"corrections":            (*Handler).loadCorrectionsScenario,
	"invalid-history":        (*Handler).loadInvalidHistoryScenario,
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
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}
	if h.Reset == nil {
		writeError(w, http.StatusNotImplemented, "Store does not support scenario loading", nil)
		return
	}
	for _, col := range []generic.ColumnID{watchColumn, holterColumn} {
		if !h.Ledger.Columns().Contains(col) {
			writeError(w, http.StatusConflict, "Scenarios require column "+string(col), nil)
			return
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	if err := load(h, ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.logger.InfoContext(ctx, "scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"scenario": req.ScenarioID,
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadDeviceSwapScenario(ctx context.Context) error {
	now := h.Ledger.Now()
	watch := generic.HistoryKey{Participant: "P-DEMO-001", Column: watchColumn}
	holter := generic.HistoryKey{Participant: "P-DEMO-001", Column: holterColumn}

	return runSteps(
		h.register(ctx, watch, "SN-001", now.Add(-60*day), "baseline visit"),
		h.deregister(ctx, watch, now.Add(-30*day)),
		h.register(ctx, watch, "SN-002", now.Add(-30*day), "strap broke, replaced"),
		h.register(ctx, holter, "H-0001", now.Add(-10*day), ""),
		h.deregister(ctx, holter, now.Add(-3*day)),
	)
}

func (h *Handler) loadScheduledRegistrationScenario(ctx context.Context) error {
	now := h.Ledger.Now()
	watch := generic.HistoryKey{Participant: "P-DEMO-002", Column: watchColumn}

	return runSteps(
		h.register(ctx, watch, "SN-010", now.Add(-20*day), ""),
		h.deregister(ctx, watch, now.Add(-1*day)),
		h.register(ctx, watch, "SN-011", now.Add(7*day), "hand out at week 4 visit"),
	)
}

func (h *Handler) loadCorrectionsScenario(ctx context.Context) error {
	now := h.Ledger.Now()
	watch := generic.HistoryKey{Participant: "P-DEMO-003", Column: watchColumn}
	holter := generic.HistoryKey{Participant: "P-DEMO-003", Column: holterColumn}

	var (
		watchID  generic.AssignmentID
		holterID generic.AssignmentID
	)
	return runSteps(
		func() error {
			res, err := h.Ledger.Register(ctx, generic.RegisterCommand{
				Key: watch, DeviceID: "SN-020", Start: now.Add(-40 * day), Actor: scenarioActor,
			})
			if err == nil {
				watchID = res.Assignment.ID
			}
			return err
		},
		func() error {
			corrected := generic.OpenFrom(now.Add(-42 * day))
			note := "serial was mistyped at registration"
			_, err := h.Ledger.Correct(ctx, generic.CorrectCommand{
				Key: watch, AssignmentID: watchID, DeviceID: "SN-021", Interval: &corrected, Note: &note, Actor: scenarioActor,
			})
			return err
		},
		func() error {
			res, err := h.Ledger.Register(ctx, generic.RegisterCommand{
				Key: holter, DeviceID: "H-0099", Start: now.Add(-5 * day), Actor: scenarioActor,
			})
			if err == nil {
				holterID = res.Assignment.ID
			}
			return err
		},
		func() error {
			_, err := h.Ledger.Cancel(ctx, generic.CancelCommand{Key: holter, AssignmentID: holterID, Actor: scenarioActor})
			return err
		},
	)
}

func (h *Handler) loadInvalidHistoryScenario(ctx context.Context) error {
	now := h.Ledger.Now()
	watch := generic.HistoryKey{Participant: "P-DEMO-004", Column: watchColumn}

	if err := h.register(ctx, watch, "SN-030", now.Add(-14*day), "")(); err != nil {
		return err
	}

	// Written around the ledger: the validator would reject it.
	_, err := h.Store.Save(ctx, generic.History{
		Key: generic.HistoryKey{Participant: "P-DEMO-004", Column: holterColumn},
		Entries: []generic.Assignment{
			{ID: 1, DeviceID: "H-0100", Interval: generic.Between(now.Add(-20*day), now.Add(-5*day)), RecordedBy: "legacy-import"},
			{ID: 2, DeviceID: "H-0101", Interval: generic.OpenFrom(now.Add(-10 * day)), RecordedBy: "legacy-import"},
		},
	})
	if err != nil {
		return fmt.Errorf("seed invalid history: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func runSteps(steps ...func() error) error {
	for i, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func (h *Handler) register(ctx context.Context, key generic.HistoryKey, deviceID string, start generic.TimePoint, note string) func() error {
	return func() error {
		_, err := h.Ledger.Register(ctx, generic.RegisterCommand{
			Key: key, DeviceID: deviceID, Start: start, Note: note, Actor: scenarioActor,
		})
		return err
	}
}

func (h *Handler) deregister(ctx context.Context, key generic.HistoryKey, end generic.TimePoint) func() error {
	return func() error {
		_, err := h.Ledger.Deregister(ctx, generic.DeregisterCommand{Key: key, End: end, Actor: scenarioActor})
		return err
	}
}
