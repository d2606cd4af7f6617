/*
handlers.go - HTTP API handlers for the device assignment ledger

PURPOSE:
  Exposes the device ledger via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to devices.DeviceLedger.

ENDPOINTS:
  Columns:
    GET    /api/columns                                   Configured device columns

  Participant devices:
    GET    /api/participants/{participant}/devices        Report for every column
    GET    .../devices/{column}                           Column report
    GET    .../devices/{column}/history                   Raw stored entries
    GET    .../devices/{column}/at?t=                     Device registered at t
    POST   .../devices/{column}/register                  Register a device
    POST   .../devices/{column}/deregister                Close the open entry
    POST   .../devices/{column}/assignments/{id}/correct  Supersede with an edit
    POST   .../devices/{column}/assignments/{id}/cancel   Supersede without replacement
    GET    /api/participants/{participant}/audit          Audit trail

  Validation:
    GET    /api/validation                                Last sweep result
    POST   /api/validation/run                            Sweep now

ACTOR:
  Mutations are attributed to the body's "actor", else the X-Actor
  header, else "api".

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Unknown column or assignment
  - 409: Policy conflict, or retries exhausted on concurrent writes
  - 500: Storage errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/device-ledger/devices"
	"github.com/warp/device-ledger/generic"
)

const defaultActor = generic.Actor("api")

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *devices.DeviceLedger

	// Store is the ledger's history store; scenarios seed raw histories through it.
	Store generic.HistoryStore

	// Reset clears all stored data before a scenario loads. Nil disables loading.
	Reset func(ctx context.Context) error

	// Scheduler, when set, serves /api/validation from its cached result.
	Scheduler *ValidationScheduler

	logger *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler around a ledger and its store.
func NewHandler(ledger *devices.DeviceLedger, store generic.HistoryStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Ledger: ledger,
		Store:  store,
		logger: logger,
	}
}

// =============================================================================
// COLUMN HANDLERS
// =============================================================================

// ListColumns returns the configured device columns.
func (h *Handler) ListColumns(w http.ResponseWriter, r *http.Request) {
	cols := h.Ledger.Columns().List()
	dtos := make([]ColumnDTO, 0, len(cols))
	for _, c := range cols {
		dtos = append(dtos, toColumnDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// GetParticipantDevices reports every configured column of a participant.
func (h *Handler) GetParticipantDevices(w http.ResponseWriter, r *http.Request) {
	participant := generic.ParticipantID(chi.URLParam(r, "participant"))

	reports, err := h.Ledger.ParticipantReport(r.Context(), participant)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]ColumnReportDTO, 0, len(reports))
	for _, rep := range reports {
		dtos = append(dtos, toColumnReportDTO(rep))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetColumnReport reports one column.
func (h *Handler) GetColumnReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.Ledger.Report(r.Context(), historyKey(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toColumnReportDTO(report))
}

// GetColumnHistory returns the stored arena, superseded entries included.
func (h *Handler) GetColumnHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.Ledger.History(r.Context(), historyKey(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]AssignmentDTO, 0, len(hist.Entries))
	for _, a := range hist.Entries {
		dtos = append(dtos, toAssignmentDTO(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": hist.Version,
		"entries": dtos,
	})
}

// QueryColumn returns the device registered at ?t= (default now).
func (h *Handler) QueryColumn(w http.ResponseWriter, r *http.Request) {
	key := historyKey(r)
	at := h.Ledger.Now()
	if raw := r.URL.Query().Get("t"); raw != "" {
		parsed, err := generic.ParseTime(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid t parameter", err)
			return
		}
		at = parsed
	}

	a, err := h.Ledger.Query(r.Context(), key, at)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := QueryDTO{
		Participant: string(key.Participant),
		Column:      string(key.Column),
		At:          at.String(),
	}
	if a != nil {
		dto := toAssignmentDTO(*a)
		resp.Assignment = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// MUTATION HANDLERS
// =============================================================================

// Register opens a new assignment.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start, ok := parseOptionalTime(w, "start", req.Start)
	if !ok {
		return
	}

	res, err := h.Ledger.Register(r.Context(), generic.RegisterCommand{
		Key:      historyKey(r),
		DeviceID: req.DeviceID,
		Start:    start,
		Note:     req.Note,
		Actor:    actorFrom(r, req.Actor),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMutationDTO(res))
}

// Deregister closes the open assignment.
func (h *Handler) Deregister(w http.ResponseWriter, r *http.Request) {
	var req DeregisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	end, ok := parseOptionalTime(w, "end", req.End)
	if !ok {
		return
	}

	res, err := h.Ledger.Deregister(r.Context(), generic.DeregisterCommand{
		Key:      historyKey(r),
		End:      end,
		DeviceID: req.DeviceID,
		Actor:    actorFrom(r, req.Actor),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationDTO(res))
}

// Correct supersedes an assignment with an edited copy. Interval fields
// not given keep the values stored when the correction commits.
func (h *Handler) Correct(w http.ResponseWriter, r *http.Request) {
	id, ok := assignmentID(w, r)
	if !ok {
		return
	}
	var req CorrectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.End != "" && req.OpenEnded {
		writeError(w, http.StatusBadRequest, "end and open_ended are mutually exclusive", nil)
		return
	}

	cmd := generic.CorrectCommand{
		Key:          historyKey(r),
		AssignmentID: id,
		DeviceID:     req.DeviceID,
		OpenEnded:    req.OpenEnded,
		Note:         req.Note,
		Actor:        actorFrom(r, req.Actor),
	}
	if req.Start != "" {
		start, ok := parseOptionalTime(w, "start", req.Start)
		if !ok {
			return
		}
		cmd.Start = &start
	}
	if req.End != "" {
		end, ok := parseOptionalTime(w, "end", req.End)
		if !ok {
			return
		}
		cmd.End = &end
	}

	res, err := h.Ledger.Correct(r.Context(), cmd)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationDTO(res))
}

// Cancel supersedes an assignment without replacement.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := assignmentID(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Ledger.Cancel(r.Context(), generic.CancelCommand{
		Key:          historyKey(r),
		AssignmentID: id,
		Actor:        actorFrom(r, req.Actor),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationDTO(res))
}

// =============================================================================
// AUDIT
// =============================================================================

// GetAudit lists audit entries of a participant. Filters: column, actor,
// action (repeatable), from, to, limit.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	participant := generic.ParticipantID(chi.URLParam(r, "participant"))
	q := r.URL.Query()

	filter := generic.AuditFilter{Participant: &participant}
	if c := q.Get("column"); c != "" {
		col := generic.ColumnID(c)
		filter.Column = &col
	}
	if a := q.Get("actor"); a != "" {
		actor := generic.Actor(a)
		filter.Actor = &actor
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, generic.AuditAction(a))
	}
	for name, dst := range map[string]**generic.TimePoint{"from": &filter.From, "to": &filter.To} {
		if raw := q.Get(name); raw != "" {
			t, err := generic.ParseTime(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid "+name+" parameter", err)
				return
			}
			*dst = &t
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit parameter", err)
			return
		}
		filter.Limit = n
	}

	entries, err := h.Ledger.Audit(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log", err)
		return
	}
	if entries == nil {
		entries = []generic.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// VALIDATION
// =============================================================================

// GetValidation returns the last sweep result.
func (h *Handler) GetValidation(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Validation scheduler is not running", nil)
		return
	}
	last := h.Scheduler.Last()
	if last == nil {
		writeError(w, http.StatusNotFound, "No validation run yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, toSweepResultDTO(last))
}

// RunValidation sweeps every stored history now.
func (h *Handler) RunValidation(w http.ResponseWriter, r *http.Request) {
	var (
		result *devices.SweepResult
		err    error
	)
	if h.Scheduler != nil {
		result, err = h.Scheduler.RunNow(r.Context())
	} else {
		result, err = h.Ledger.Sweep(r.Context())
	}
	if errors.Is(err, devices.ErrScanUnsupported) {
		writeError(w, http.StatusNotImplemented, "Store cannot list histories", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Validation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepResultDTO(result))
}

// =============================================================================
// HELPERS
// =============================================================================

func historyKey(r *http.Request) generic.HistoryKey {
	return generic.HistoryKey{
		Participant: generic.ParticipantID(chi.URLParam(r, "participant")),
		Column:      generic.ColumnID(chi.URLParam(r, "column")),
	}
}

func assignmentID(w http.ResponseWriter, r *http.Request) (generic.AssignmentID, bool) {
	raw := chi.URLParam(r, "id")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid assignment id", err)
		return 0, false
	}
	return generic.AssignmentID(n), true
}

func actorFrom(r *http.Request, body string) generic.Actor {
	if a := strings.TrimSpace(body); a != "" {
		return generic.Actor(a)
	}
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return generic.Actor(a)
	}
	return defaultActor
}

// decodeBody accepts an empty body as the zero request.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func parseOptionalTime(w http.ResponseWriter, field, raw string) (generic.TimePoint, bool) {
	if raw == "" {
		return generic.TimePoint{}, true
	}
	t, err := generic.ParseTime(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+field, err)
		return generic.TimePoint{}, false
	}
	return t, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger errors to status codes and attaches the
// conflicting entries when the error carries them.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{
		Error:     http.StatusText(status),
		Code:      errorCode(err),
		Details:   err.Error(),
		Conflicts: conflictsOf(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case generic.IsValidationError(err):
		return http.StatusBadRequest
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsPolicyError(err), generic.IsRetryable(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

var errorCodes = []struct {
	err  error
	code string
}{
	{generic.ErrColumnOverlap, "column_overlap"},
	{generic.ErrMultipleOpenAssignments, "multiple_open_assignments"},
	{generic.ErrInvalidInterval, "invalid_interval"},
	{generic.ErrInvalidDeviceID, "invalid_device_id"},
	{generic.ErrInvalidCorrection, "invalid_correction"},
	{generic.ErrInvalidArena, "invalid_arena"},
	{generic.ErrColumnOccupied, "column_occupied"},
	{generic.ErrNoActiveAssignment, "no_active_assignment"},
	{generic.ErrScheduledRegistrationBlocksDeregistration, "scheduled_registration"},
	{generic.ErrAlreadySuperseded, "already_superseded"},
	{generic.ErrDeviceMismatch, "device_mismatch"},
	{generic.ErrColumnNotFound, "column_not_found"},
	{generic.ErrAssignmentNotFound, "assignment_not_found"},
	{generic.ErrConcurrentModification, "concurrent_modification"},
	{generic.ErrStorage, "storage"},
}

func errorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

func conflictsOf(err error) []AssignmentDTO {
	var (
		occupied  *generic.OccupiedError
		overlap   *generic.OverlapError
		multiple  *generic.MultipleOpenError
		scheduled *generic.ScheduledRegistrationError
	)
	var found []generic.Assignment
	switch {
	case errors.As(err, &occupied):
		found = []generic.Assignment{occupied.Existing}
	case errors.As(err, &overlap):
		found = []generic.Assignment{overlap.Earlier, overlap.Later}
	case errors.As(err, &multiple):
		found = multiple.Open
	case errors.As(err, &scheduled):
		found = []generic.Assignment{scheduled.Scheduled}
	default:
		return nil
	}
	out := make([]AssignmentDTO, 0, len(found))
	for _, a := range found {
		out = append(out, toAssignmentDTO(a))
	}
	return out
}
