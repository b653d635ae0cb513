package reduction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBadFSNsMissingFileIsEmpty(t *testing.T) {
	out, err := LoadBadFSNs(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestBadFSNsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badfsns.txt")
	in := map[int64]bool{42: true, 7: true, 100: true, 9: false}
	require.NoError(t, SaveBadFSNs(path, in))

	out, err := LoadBadFSNs(path)
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{7: true, 42: true, 100: true}, out)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "7\n42\n100\n", string(data))
}

func TestLoadBadFSNsRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badfsns.txt")
	require.NoError(t, os.WriteFile(path, []byte("12\nnot-a-number\n"), 0o644))
	_, err := LoadBadFSNs(path)
	assert.Error(t, err)
}
