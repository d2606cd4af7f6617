/*
Package codec encodes a device history as a versioned JSON document.

PURPOSE:
  Document stores (Redis, S3) and the CLI importer need one byte format
  for a column's history. The format is versioned so older documents
  keep loading after the model grows.

FORMATS:
  2 (current): interval entries
    {"format":2,"participant":"P1","column":"ParticipantDevice.Watch","version":3,
     "entries":[{"id":1,"device_id":"SN-001","start":1740992400000,"end":null, ...}]}

  1 / no format field (legacy): start/stop events
    {"entries":[{"type":"start","serial":"SN-001","note":"","date":"1740992400000"},
                {"type":"stop","serial":"SN-001","date":1741597200000}]}
    Dates are epoch milliseconds, as numbers or numeric strings.

LEGACY UPGRADE:
  Events are sorted by date. A start opens an entry; a stop closes the
  open entry of the same serial. A stop with nothing open, a stop for
  another serial, or two events at the same instant fail decoding. Two
  starts without a stop produce two open entries, which the timeline
  validator then reports as multiple open assignments.

SEE ALSO:
  - store/redis, store/s3: Store the encoded document
  - cli/import.go: Imports legacy files
*/
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/warp/device-ledger/generic"
)

// CurrentFormat is written by Encode.
const CurrentFormat = 2

// ErrLegacyRecord marks a legacy document whose events cannot be paired.
var ErrLegacyRecord = errors.New("invalid legacy device history")

// =============================================================================
// CURRENT FORMAT
// =============================================================================

type document struct {
	Format      int             `json:"format,omitempty"`
	Participant string          `json:"participant,omitempty"`
	Column      string          `json:"column,omitempty"`
	Version     int64           `json:"version,omitempty"`
	Entries     json.RawMessage `json:"entries"`
}

type entry struct {
	ID           int64  `json:"id"`
	DeviceID     string `json:"device_id"`
	Start        int64  `json:"start"`
	End          *int64 `json:"end"`
	Note         string `json:"note,omitempty"`
	RecordedBy   string `json:"recorded_by,omitempty"`
	RecordedAt   int64  `json:"recorded_at,omitempty"`
	CorrectionOf *int64 `json:"correction_of,omitempty"`
	Superseded   bool   `json:"superseded,omitempty"`
	SupersededBy *int64 `json:"superseded_by,omitempty"`
}

// Encode writes h in the current format.
func Encode(h generic.History) ([]byte, error) {
	entries := make([]entry, 0, len(h.Entries))
	for _, a := range h.Entries {
		entries = append(entries, encodeEntry(a))
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode entries: %w", err)
	}
	return json.Marshal(document{
		Format:      CurrentFormat,
		Participant: string(h.Key.Participant),
		Column:      string(h.Key.Column),
		Version:     h.Version,
		Entries:     raw,
	})
}

// Decode reads a document in any supported format. Key fields missing
// from legacy documents are left empty; callers set them. Every decode
// failure wraps generic.ErrCorruptHistory.
func Decode(data []byte) (generic.History, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return generic.History{}, fmt.Errorf("%w: %w", generic.ErrCorruptHistory, err)
	}

	h := generic.History{
		Key:     generic.HistoryKey{Participant: generic.ParticipantID(doc.Participant), Column: generic.ColumnID(doc.Column)},
		Version: doc.Version,
	}

	var err error
	switch doc.Format {
	case 0, 1:
		h.Entries, err = decodeLegacy(doc.Entries)
	case CurrentFormat:
		h.Entries, err = decodeEntries(doc.Entries)
	default:
		err = fmt.Errorf("unsupported device history format %d", doc.Format)
	}
	if err != nil {
		return generic.History{}, fmt.Errorf("%w: %w", generic.ErrCorruptHistory, err)
	}
	return h, nil
}

func decodeEntries(raw json.RawMessage) ([]generic.Assignment, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var entries []entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	out := make([]generic.Assignment, 0, len(entries))
	for _, e := range entries {
		out = append(out, decodeEntry(e))
	}
	return out, nil
}

// encodeEntry converts an assignment into its JSON shape.
func encodeEntry(a generic.Assignment) entry {
	e := entry{
		ID:           int64(a.ID),
		DeviceID:     a.DeviceID,
		Start:        a.Interval.Start.Millis(),
		Note:         a.Note,
		RecordedBy:   string(a.RecordedBy),
		CorrectionOf: idPtr(a.CorrectionOf),
		Superseded:   a.Superseded,
		SupersededBy: idPtr(a.SupersededBy),
	}
	if !a.RecordedAt.IsZero() {
		e.RecordedAt = a.RecordedAt.Millis()
	}
	if a.Interval.End != nil {
		end := a.Interval.End.Millis()
		e.End = &end
	}
	return e
}

// decodeEntry converts the JSON shape back into an assignment.
func decodeEntry(e entry) generic.Assignment {
	a := generic.Assignment{
		ID:           generic.AssignmentID(e.ID),
		DeviceID:     e.DeviceID,
		Interval:     generic.OpenFrom(generic.FromMillis(e.Start)),
		Note:         e.Note,
		RecordedBy:   generic.Actor(e.RecordedBy),
		CorrectionOf: assignmentIDPtr(e.CorrectionOf),
		Superseded:   e.Superseded,
		SupersededBy: assignmentIDPtr(e.SupersededBy),
	}
	if e.RecordedAt != 0 {
		a.RecordedAt = generic.FromMillis(e.RecordedAt)
	}
	if e.End != nil {
		a.Interval.End = generic.FromMillis(*e.End).Ptr()
	}
	return a
}

func idPtr(id *generic.AssignmentID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}

func assignmentIDPtr(v *int64) *generic.AssignmentID {
	if v == nil {
		return nil
	}
	id := generic.AssignmentID(*v)
	return &id
}

// =============================================================================
// LEGACY FORMAT - start/stop events
// =============================================================================

type legacyRecord struct {
	Type   string       `json:"type"`
	Serial string       `json:"serial"`
	Note   string       `json:"note,omitempty"`
	Date   legacyMillis `json:"date"`
}

// legacyMillis accepts epoch milliseconds as a JSON number or string.
type legacyMillis int64

func (m *legacyMillis) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("date %s: %w", b, err)
	}
	*m = legacyMillis(v)
	return nil
}

const (
	legacyStart = "start"
	legacyStop  = "stop"
)

func decodeLegacy(raw json.RawMessage) ([]generic.Assignment, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing entries", ErrLegacyRecord)
	}
	var records []legacyRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode legacy entries: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Date < records[j].Date })

	var (
		out    []generic.Assignment
		active = -1
	)
	for i, r := range records {
		if i > 0 && r.Date == records[i-1].Date {
			return nil, fmt.Errorf("%w: device (de-)activation records with the same timestamp found", ErrLegacyRecord)
		}
		at := generic.FromMillis(int64(r.Date))

		switch r.Type {
		case legacyStart:
			if active >= 0 {
				return nil, fmt.Errorf("%w: multiple devices active at the same time", ErrLegacyRecord)
			}
			out = append(out, generic.Assignment{
				ID:         generic.AssignmentID(len(out) + 1),
				DeviceID:   r.Serial,
				Interval:   generic.OpenFrom(at),
				Note:       r.Note,
				RecordedAt: at,
			})
			active = len(out) - 1
		case legacyStop:
			if active < 0 {
				return nil, fmt.Errorf("%w: participant device deactivation found while no device is active", ErrLegacyRecord)
			}
			if out[active].DeviceID != r.Serial {
				return nil, fmt.Errorf("%w: participant device deactivation found for device other than the active one", ErrLegacyRecord)
			}
			out[active].Interval.End = at.Ptr()
			if out[active].Note == "" {
				out[active].Note = r.Note
			}
			active = -1
		default:
			return nil, fmt.Errorf("%w: unknown record type %q", ErrLegacyRecord, r.Type)
		}
	}
	return out, nil
}
