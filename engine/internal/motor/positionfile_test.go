package motor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPositionFileMissingIsNotAnError(t *testing.T) {
	positions, err := LoadPositionFile(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Nil(t, positions)
}

func TestSaveThenLoadPositionFileRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions")
	in := []AxisPosition{
		{Axis: 1, Position: 12.5, SoftLeft: -10, SoftRight: 100},
		{Axis: 0, Position: -3.25, SoftLeft: -50, SoftRight: 50},
	}
	require.NoError(t, SavePositionFile(path, in))

	out, err := LoadPositionFile(path)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, AxisPosition{Axis: 0, Position: -3.25, SoftLeft: -50, SoftRight: 50}, out[0])
	assert.Equal(t, AxisPosition{Axis: 1, Position: 12.5, SoftLeft: -10, SoftRight: 100}, out[1])
}

func TestLoadPositionFileRejectsMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions")
	require.NoError(t, os.WriteFile(path, []byte("not a valid line\n"), 0o644))
	_, err := LoadPositionFile(path)
	assert.Error(t, err)
}
