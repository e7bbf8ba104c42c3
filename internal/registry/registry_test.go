package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/scpishot/internal/transport"
)

const typeTable = `Name;Type
DS1104Z;RIGOL_DS1000Z
 U2004A ; KEYSIGHT_U2004A
;EMPTY_MODEL
SDS1202X-E;SIGLENT_SDS;extra column
`

const profileTable = `
RIGOL_DS1000Z:
  commands:
    - ":STOP"
    - ":DISP:GBR 100"
  query_type: binary_values
  query_command: ":DISP:DATA? ON,0,PNG"
  binary_params:
    datatype: B
    container: bytearray
    delay: 0.5
  file_type: PNG

SIGLENT_SDS:
  query_type: read_raw
  file_type: bmp
  retries: 1
  settle: 1.5

WAVEFORM:
  query_type: binary_values
  query_command: ":WAV:DATA?"
  binary_params:
    datatype: h
    container: list
    is_big_endian: true
  file_type: bin
`

func TestLoadTypeTable(t *testing.T) {
	types, err := LoadTypeTable(strings.NewReader(typeTable))
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"DS1104Z":    "RIGOL_DS1000Z",
		"U2004A":     "KEYSIGHT_U2004A",
		"SDS1202X-E": "SIGLENT_SDS",
	}, types)
}

func TestLoadTypeTable_HeaderOnly(t *testing.T) {
	types, err := LoadTypeTable(strings.NewReader("Name;Type\n"))
	require.NoError(t, err)
	assert.Empty(t, types)
}

func TestLoadTypeTable_ShortRow(t *testing.T) {
	_, err := LoadTypeTable(strings.NewReader("Name;Type\nDS1104Z\n"))
	assert.Error(t, err)
}

func TestLoadProfiles(t *testing.T) {
	profiles, err := LoadProfiles(strings.NewReader(profileTable))
	require.NoError(t, err)
	require.Len(t, profiles, 3)

	rigol := profiles["RIGOL_DS1000Z"]
	require.NotNil(t, rigol)
	assert.Equal(t, []string{":STOP", ":DISP:GBR 100"}, rigol.Commands)
	assert.Equal(t, QueryBinaryBlock, rigol.QueryMode)
	assert.Equal(t, ":DISP:DATA? ON,0,PNG", rigol.QueryCommand)
	assert.Equal(t, transport.DatatypeUint8, rigol.Binary.Datatype)
	assert.Equal(t, transport.ContainerBytes, rigol.Binary.Container)
	assert.Equal(t, 500*time.Millisecond, rigol.Binary.Delay)
	assert.Equal(t, "png", rigol.Extension())

	siglent := profiles["SIGLENT_SDS"]
	require.NotNil(t, siglent)
	assert.Equal(t, QueryRawRead, siglent.QueryMode)
	assert.Equal(t, 1, siglent.Retries)
	assert.Equal(t, 1500*time.Millisecond, siglent.Settle)
	assert.Equal(t, transport.DatatypeUint8, siglent.Binary.Datatype)

	wave := profiles["WAVEFORM"]
	require.NotNil(t, wave)
	assert.Equal(t, transport.DatatypeInt16, wave.Binary.Datatype)
	assert.Equal(t, transport.ContainerWordList, wave.Binary.Container)
	assert.True(t, wave.Binary.BigEndian)
}

func TestLoadProfiles_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown query type", "X:\n  query_type: scpi\n  file_type: png\n"},
		{"unknown container", "X:\n  query_type: binary_values\n  query_command: Q?\n  binary_params:\n    container: dict\n  file_type: png\n"},
		{"unknown datatype", "X:\n  query_type: binary_values\n  query_command: Q?\n  binary_params:\n    datatype: z\n  file_type: png\n"},
		{"missing query command", "X:\n  query_type: binary_values\n  file_type: png\n"},
		{"missing file type", "X:\n  query_type: read_raw\n"},
		{"retries out of range", "X:\n  query_type: read_raw\n  file_type: png\n  retries: 3\n"},
		{"unknown key", "X:\n  query_type: read_raw\n  file_type: png\n  colour: red\n"},
		{"not yaml", "X: [unclosed\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadProfiles(strings.NewReader(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestRegistry_Resolve(t *testing.T) {
	types, err := LoadTypeTable(strings.NewReader(typeTable))
	require.NoError(t, err)
	profiles, err := LoadProfiles(strings.NewReader(profileTable))
	require.NoError(t, err)

	reg := New(types, profiles)

	assert.Equal(t, "RIGOL_DS1000Z", reg.Resolve("DS1104Z"))
	assert.Equal(t, "RIGOL_DS1000Z", reg.Resolve("  ds1104z "))
	assert.Equal(t, "KEYSIGHT_U2004A", reg.Resolve("U2004A"))
	assert.Equal(t, "", reg.Resolve("UNKNOWN"))
	assert.Equal(t, "", reg.Resolve(""))

	p, ok := reg.ConfigFor("RIGOL_DS1000Z")
	assert.True(t, ok)
	assert.Equal(t, "RIGOL_DS1000Z", p.Tag)

	_, ok = reg.ConfigFor("KEYSIGHT_U2004A")
	assert.False(t, ok)

	assert.Equal(t, []string{"RIGOL_DS1000Z", "SIGLENT_SDS", "WAVEFORM"}, reg.Tags())
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	typesPath := filepath.Join(dir, "types.csv")
	profilesPath := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(typesPath, []byte(typeTable), 0o644))
	require.NoError(t, os.WriteFile(profilesPath, []byte(profileTable), 0o644))

	reg, err := LoadFiles(typesPath, profilesPath, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Models())
	assert.Equal(t, "SIGLENT_SDS", reg.Resolve("SDS1202X-E"))
}

func TestLoadFiles_Missing(t *testing.T) {
	dir := t.TempDir()

	reg, err := LoadFiles(filepath.Join(dir, "nope.csv"), filepath.Join(dir, "nope.yaml"), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Models())
	assert.Empty(t, reg.Tags())
}

func TestShippedTables(t *testing.T) {
	reg, err := LoadFiles("../../configs/instrument_types.csv", "../../configs/instrument_profiles.yaml", zaptest.NewLogger(t))
	require.NoError(t, err)

	for _, model := range []string{"DS1054Z", "U2004A", "DP832"} {
		assert.NotEmpty(t, reg.Resolve(model), model)
	}

	_, ok := reg.ConfigFor(reg.Resolve("DS1054Z"))
	assert.True(t, ok)
	_, ok = reg.ConfigFor(reg.Resolve("U2004A"))
	assert.False(t, ok)
}
