/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TIME FORMAT:
  Instants are RFC 3339 with milliseconds in UTC. Requests also accept a
  bare YYYY-MM-DD (midnight UTC) or epoch milliseconds.

SEE ALSO:
  - handlers.go: Uses these types
  - generic/projection.go: ColumnReport
*/
package api

import (
	"github.com/warp/device-ledger/devices"
	"github.com/warp/device-ledger/generic"
)

// =============================================================================
// COLUMNS
// =============================================================================

type ColumnDTO struct {
	ID                 string `json:"id"`
	Description        string `json:"description,omitempty"`
	StudyContext       string `json:"study_context,omitempty"`
	SerialNumberFormat string `json:"serial_number_format,omitempty"`
	Placeholder        string `json:"placeholder,omitempty"`
	Tooltip            string `json:"tooltip,omitempty"`
}

func toColumnDTO(d generic.ColumnDefinition) ColumnDTO {
	return ColumnDTO{
		ID:                 string(d.ID),
		Description:        d.Description,
		StudyContext:       d.StudyContext,
		SerialNumberFormat: d.SerialNumberFormat,
		Placeholder:        d.Placeholder,
		Tooltip:            d.Tooltip,
	}
}

// =============================================================================
// REPORTS
// =============================================================================

// EntryDTO is one row of a column report.
type EntryDTO struct {
	AssignmentID   int64              `json:"assignment_id"`
	DeviceID       string             `json:"device_id"`
	RegisteredOn   generic.TimePoint  `json:"registered_on"`
	UnregisteredOn *generic.TimePoint `json:"unregistered_on"`
	Until          string             `json:"until"`
	State          string             `json:"state"`
	Days           string             `json:"days"`
	Note           string             `json:"note,omitempty"`
	RecordedBy     string             `json:"recorded_by,omitempty"`
	RecordedAt     generic.TimePoint  `json:"recorded_at"`
	CorrectionOf   *int64             `json:"correction_of,omitempty"`
	SupersededBy   *int64             `json:"superseded_by,omitempty"`
}

// ColumnReportDTO is the reporting view of one participant column.
type ColumnReportDTO struct {
	Participant string            `json:"participant"`
	Column      string            `json:"column"`
	State       string            `json:"state,omitempty"`
	AsOf        generic.TimePoint `json:"as_of"`
	Current     *EntryDTO         `json:"current,omitempty"`
	Next        *EntryDTO         `json:"next,omitempty"`
	Entries     []EntryDTO        `json:"entries"`
	Superseded  []EntryDTO        `json:"superseded"`
	Valid       bool              `json:"valid"`
	Diagnostic  string            `json:"diagnostic,omitempty"`
}

func toEntryDTO(e generic.EntryReport) EntryDTO {
	return EntryDTO{
		AssignmentID:   int64(e.AssignmentID),
		DeviceID:       e.DeviceID,
		RegisteredOn:   e.RegisteredOn,
		UnregisteredOn: e.UnregisteredOn,
		Until:          e.UntilLabel,
		State:          string(e.State),
		Days:           e.Days.StringFixed(2),
		Note:           e.Note,
		RecordedBy:     string(e.RecordedBy),
		RecordedAt:     e.RecordedAt,
		CorrectionOf:   idPtr(e.CorrectionOf),
		SupersededBy:   idPtr(e.SupersededBy),
	}
}

func toEntryDTOs(entries []generic.EntryReport) []EntryDTO {
	out := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryDTO(e))
	}
	return out
}

func toColumnReportDTO(r *generic.ColumnReport) ColumnReportDTO {
	dto := ColumnReportDTO{
		Participant: string(r.Key.Participant),
		Column:      string(r.Key.Column),
		State:       string(r.State),
		AsOf:        r.AsOf,
		Entries:     toEntryDTOs(r.Entries),
		Superseded:  toEntryDTOs(r.Superseded),
		Valid:       r.Valid,
		Diagnostic:  r.Diagnostic,
	}
	if r.Current != nil {
		c := toEntryDTO(*r.Current)
		dto.Current = &c
	}
	if r.Next != nil {
		n := toEntryDTO(*r.Next)
		dto.Next = &n
	}
	return dto
}

// AssignmentDTO is a raw stored entry.
type AssignmentDTO struct {
	ID           int64              `json:"id"`
	DeviceID     string             `json:"device_id"`
	Start        generic.TimePoint  `json:"start"`
	End          *generic.TimePoint `json:"end"`
	Note         string             `json:"note,omitempty"`
	RecordedBy   string             `json:"recorded_by,omitempty"`
	RecordedAt   generic.TimePoint  `json:"recorded_at"`
	CorrectionOf *int64             `json:"correction_of,omitempty"`
	Superseded   bool               `json:"superseded"`
	SupersededBy *int64             `json:"superseded_by,omitempty"`
}

func toAssignmentDTO(a generic.Assignment) AssignmentDTO {
	return AssignmentDTO{
		ID:           int64(a.ID),
		DeviceID:     a.DeviceID,
		Start:        a.Interval.Start,
		End:          a.Interval.End,
		Note:         a.Note,
		RecordedBy:   string(a.RecordedBy),
		RecordedAt:   a.RecordedAt,
		CorrectionOf: idPtr(a.CorrectionOf),
		Superseded:   a.Superseded,
		SupersededBy: idPtr(a.SupersededBy),
	}
}

// QueryDTO answers "which device was registered at t".
type QueryDTO struct {
	Participant string         `json:"participant"`
	Column      string         `json:"column"`
	At          string         `json:"at"`
	Assignment  *AssignmentDTO `json:"assignment"`
}

// MutationDTO is returned by every successful write.
type MutationDTO struct {
	Assignment AssignmentDTO   `json:"assignment"`
	Version    int64           `json:"version"`
	Report     ColumnReportDTO `json:"report"`
}

func toMutationDTO(res *generic.MutationResult) MutationDTO {
	return MutationDTO{
		Assignment: toAssignmentDTO(res.Assignment),
		Version:    res.Version,
		Report:     toColumnReportDTO(res.Report),
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

type RegisterRequest struct {
	DeviceID string `json:"device_id"`
	Start    string `json:"start,omitempty"` // empty means now
	Note     string `json:"note,omitempty"`
	Actor    string `json:"actor,omitempty"`
}

type DeregisterRequest struct {
	End      string `json:"end,omitempty"` // empty means now
	DeviceID string `json:"device_id,omitempty"`
	Actor    string `json:"actor,omitempty"`
}

// CorrectRequest edits an entry. Omitted fields keep their value; set
// open_ended to clear the end.
type CorrectRequest struct {
	DeviceID  string  `json:"device_id,omitempty"`
	Start     string  `json:"start,omitempty"`
	End       string  `json:"end,omitempty"`
	OpenEnded bool    `json:"open_ended,omitempty"`
	Note      *string `json:"note,omitempty"`
	Actor     string  `json:"actor,omitempty"`
}

type CancelRequest struct {
	Actor string `json:"actor,omitempty"`
}

// =============================================================================
// VALIDATION
// =============================================================================

type InvalidColumnDTO struct {
	Participant string `json:"participant"`
	Column      string `json:"column"`
	Diagnostic  string `json:"diagnostic"`
}

type SweepResultDTO struct {
	StartedAt  generic.TimePoint  `json:"started_at"`
	FinishedAt generic.TimePoint  `json:"finished_at"`
	Checked    int                `json:"checked"`
	Valid      bool               `json:"valid"`
	Invalid    []InvalidColumnDTO `json:"invalid"`
}

func toSweepResultDTO(r *devices.SweepResult) SweepResultDTO {
	dto := SweepResultDTO{
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Checked:    r.Checked,
		Valid:      r.Valid(),
		Invalid:    make([]InvalidColumnDTO, 0, len(r.Invalid)),
	}
	for _, ic := range r.Invalid {
		dto.Invalid = append(dto.Invalid, InvalidColumnDTO{
			Participant: string(ic.Key.Participant),
			Column:      string(ic.Key.Column),
			Diagnostic:  ic.Diagnostic,
		})
	}
	return dto
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string          `json:"error"`
	Code      string          `json:"code,omitempty"`
	Details   string          `json:"details,omitempty"`
	Conflicts []AssignmentDTO `json:"conflicts,omitempty"`
}

func idPtr(id *generic.AssignmentID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}
