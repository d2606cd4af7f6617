/*
column.go - Device column definitions and lookup

PURPOSE:
  A column is one device slot a participant can hold (e.g. a wrist
  sensor, a holter recorder). The set of columns is configuration owned
  by the deployment, not by this package: the factory package builds a
  ColumnSet from a file and hands it to the ledger.

HOW IT WORKS:
  1. factory.LoadColumnsFile parses definitions
  2. NewColumnSet rejects duplicates and bad serial-number patterns
  3. The ledger looks columns up by ID and normalizes device IDs

USAGE:
  set, err := generic.NewColumnSet([]generic.ColumnDefinition{
      {ID: "ParticipantDevice.Watch", SerialNumberFormat: `^SN-\d{3}$`},
  })
  col, err := set.Lookup("ParticipantDevice.Watch")
  serial, err := col.NormalizeDeviceID(" sn-001 ")  // "SN-001"

SEE ALSO:
  - factory/columns.go: Loading definitions from YAML/JSON
  - devices/ledger.go: Uses the set to reject unknown columns
*/
package generic

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// =============================================================================
// COLUMN DEFINITION
// =============================================================================

type ColumnDefinition struct {
	ID           ColumnID
	Description  string
	StudyContext string
	Placeholder  string
	Tooltip      string

	// SerialNumberFormat is a regular expression device IDs must match.
	// Empty accepts any non-blank ID.
	SerialNumberFormat string

	pattern *regexp.Regexp
}

// NormalizeDeviceID trims and upper-cases id, then checks the column format.
func (c ColumnDefinition) NormalizeDeviceID(id string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(id))
	if normalized == "" {
		return "", &DeviceIDError{Column: c.ID}
	}
	if c.pattern != nil && !c.pattern.MatchString(normalized) {
		return "", &DeviceIDError{Column: c.ID, DeviceID: normalized, Format: c.SerialNumberFormat}
	}
	return normalized, nil
}

// =============================================================================
// COLUMN SET
// =============================================================================

// ColumnSet is an immutable collection of column definitions.
type ColumnSet struct {
	byID  map[ColumnID]ColumnDefinition
	order []ColumnID
}

// NewColumnSet validates defs and builds a set preserving their order.
func NewColumnSet(defs []ColumnDefinition) (*ColumnSet, error) {
	s := &ColumnSet{byID: make(map[ColumnID]ColumnDefinition, len(defs))}
	for _, d := range defs {
		if strings.TrimSpace(string(d.ID)) == "" {
			return nil, fmt.Errorf("column definition without id")
		}
		if _, dup := s.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate column %s", d.ID)
		}
		if d.SerialNumberFormat != "" {
			re, err := regexp.Compile(d.SerialNumberFormat)
			if err != nil {
				return nil, fmt.Errorf("column %s: serial number format: %w", d.ID, err)
			}
			d.pattern = re
		}
		s.byID[d.ID] = d
		s.order = append(s.order, d.ID)
	}
	return s, nil
}

// Lookup returns the definition for id or ErrColumnNotFound.
func (s *ColumnSet) Lookup(id ColumnID) (ColumnDefinition, error) {
	d, ok := s.byID[id]
	if !ok {
		return ColumnDefinition{}, fmt.Errorf("%w: %s", ErrColumnNotFound, id)
	}
	return d, nil
}

// MustLookup finds a column or panics.
// Use in tests or when you're certain the column exists.
func (s *ColumnSet) MustLookup(id ColumnID) ColumnDefinition {
	d, err := s.Lookup(id)
	if err != nil {
		panic(err)
	}
	return d
}

func (s *ColumnSet) Contains(id ColumnID) bool {
	_, ok := s.byID[id]
	return ok
}

// List returns definitions in configuration order.
func (s *ColumnSet) List() []ColumnDefinition {
	out := make([]ColumnDefinition, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// IDs returns the column IDs sorted alphabetically.
func (s *ColumnSet) IDs() []ColumnID {
	ids := make([]ColumnID, len(s.order))
	copy(ids, s.order)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *ColumnSet) Len() int { return len(s.order) }
