/*
Package factory provides YAML/JSON to Go column definition conversion.

PURPOSE:
  Converts device column definitions into a generic.ColumnSet. Columns are
  deployment configuration: study staff add a device slot by editing a
  file, not the code.

SCHEMA (YAML; JSON is accepted as well):
  columns:
    - id: ParticipantDevice.Watch
      study_context: default
      serial_number_format: '^SN-\d{3}$'
      description: Wrist-worn activity sensor
      tooltip: Serial number printed on the strap
      placeholder: SN-000

  id is required and unique. serial_number_format is optional; when set,
  every device ID registered in the column must match it after
  normalization (trim + upper-case).

USAGE:
  columns, err := factory.LoadColumnsFile("columns.yaml")
  ledger, err := devices.New(store, columns)

SEE ALSO:
  - generic/column.go: ColumnSet and NormalizeDeviceID
*/
package factory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/warp/device-ledger/generic"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// ColumnsFile is the document root.
type ColumnsFile struct {
	Columns []ColumnYAML `yaml:"columns"`
}

// ColumnYAML is the file representation of a device column.
type ColumnYAML struct {
	ID                 string `yaml:"id"`
	StudyContext       string `yaml:"study_context,omitempty"`
	SerialNumberFormat string `yaml:"serial_number_format,omitempty"`
	Description        string `yaml:"description,omitempty"`
	Tooltip            string `yaml:"tooltip,omitempty"`
	Placeholder        string `yaml:"placeholder,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseColumns decodes a columns document. Unknown fields are rejected so a
// misspelled serial_number_format cannot silently disable validation.
func ParseColumns(data []byte) (*generic.ColumnSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc ColumnsFile
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("columns file is empty")
		}
		return nil, fmt.Errorf("invalid columns file: %w", err)
	}
	if len(doc.Columns) == 0 {
		return nil, fmt.Errorf("columns file defines no columns")
	}

	defs := make([]generic.ColumnDefinition, 0, len(doc.Columns))
	for _, c := range doc.Columns {
		defs = append(defs, c.toDefinition())
	}
	return generic.NewColumnSet(defs)
}

// LoadColumnsFile reads and parses path.
func LoadColumnsFile(path string) (*generic.ColumnSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read columns file: %w", err)
	}
	set, err := ParseColumns(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// MarshalColumns renders set in the file schema.
func MarshalColumns(set *generic.ColumnSet) ([]byte, error) {
	var doc ColumnsFile
	for _, d := range set.List() {
		doc.Columns = append(doc.Columns, ColumnYAML{
			ID:                 string(d.ID),
			StudyContext:       d.StudyContext,
			SerialNumberFormat: d.SerialNumberFormat,
			Description:        d.Description,
			Tooltip:            d.Tooltip,
			Placeholder:        d.Placeholder,
		})
	}
	return yaml.Marshal(doc)
}

func (c ColumnYAML) toDefinition() generic.ColumnDefinition {
	return generic.ColumnDefinition{
		ID:                 generic.ColumnID(c.ID),
		StudyContext:       c.StudyContext,
		SerialNumberFormat: c.SerialNumberFormat,
		Description:        c.Description,
		Tooltip:            c.Tooltip,
		Placeholder:        c.Placeholder,
	}
}

// =============================================================================
// DEFAULTS
// =============================================================================

const defaultColumnsYAML = `
columns:
  - id: ParticipantDevice.Watch
    study_context: default
    serial_number_format: '^SN-\d{3,}$'
    description: Wrist-worn activity sensor
    tooltip: Serial number printed on the back of the watch
    placeholder: SN-001
  - id: ParticipantDevice.Holter
    study_context: default
    description: Holter ECG recorder
    placeholder: H-0001
`

// DefaultColumns is used when no columns file is configured.
func DefaultColumns() *generic.ColumnSet {
	set, err := ParseColumns([]byte(defaultColumnsYAML))
	if err != nil {
		panic(fmt.Sprintf("default columns: %v", err))
	}
	return set
}
