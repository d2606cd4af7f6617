package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/device-ledger/generic"
)

func TestParseColumns_YAML(t *testing.T) {
	data := []byte(`
columns:
  - id: ParticipantDevice.Watch
    serial_number_format: '^SN-\d{3}$'
    description: Watch
  - id: ParticipantDevice.Holter
`)

	set, err := ParseColumns(data)

	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, generic.ColumnID("ParticipantDevice.Watch"), set.List()[0].ID)

	watch, err := set.Lookup("ParticipantDevice.Watch")
	require.NoError(t, err)
	id, err := watch.NormalizeDeviceID(" sn-042 ")
	require.NoError(t, err)
	assert.Equal(t, "SN-042", id)
	_, err = watch.NormalizeDeviceID("X-1")
	assert.ErrorIs(t, err, generic.ErrInvalidDeviceID)
}

func TestParseColumns_JSON(t *testing.T) {
	set, err := ParseColumns([]byte(`{"columns":[{"id":"ParticipantDevice.Watch","placeholder":"SN-001"}]}`))

	require.NoError(t, err)
	col := set.MustLookup("ParticipantDevice.Watch")
	assert.Equal(t, "SN-001", col.Placeholder)
}

func TestParseColumns_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"empty", ``, "empty"},
		{"no columns", `columns: []`, "no columns"},
		{"unknown field", "columns:\n  - id: A\n    serial_format: x\n", "serial_format"},
		{"missing id", "columns:\n  - description: A\n", "without id"},
		{"duplicate", "columns:\n  - id: A\n  - id: A\n", "duplicate"},
		{"bad regex", "columns:\n  - id: A\n    serial_number_format: '('\n", "A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseColumns([]byte(tt.data))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadColumnsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "columns.yaml")
	data, err := MarshalColumns(DefaultColumns())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	set, err := LoadColumnsFile(path)

	require.NoError(t, err)
	assert.Equal(t, DefaultColumns().IDs(), set.IDs())
}

func TestLoadColumnsFile_Missing(t *testing.T) {
	_, err := LoadColumnsFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read columns file")
}

func TestDefaultColumns(t *testing.T) {
	set := DefaultColumns()
	assert.True(t, set.Contains("ParticipantDevice.Watch"))
	assert.True(t, set.Contains("ParticipantDevice.Holter"))
}
