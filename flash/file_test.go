package flash

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/flogfs/common"
)

func TestFileFlashRoundTrip(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "test.img")

	f, err := NewFileFlash(path)
	require.NoError(t, err)

	// A fresh image reads as fully programmed; erase before use.
	require.NoError(t, f.EraseBlock(1))
	f.OpenPage(1, 0)
	assert.False(f.BlockIsBad())

	require.NoError(t, f.WriteSector([]byte{0x0f}, 0, 0))
	require.NoError(t, f.WriteSpare([]byte{0x01}, 0))
	require.NoError(t, f.Commit())

	// Programming can only clear bits.
	require.NoError(t, f.WriteSector([]byte{0xf0}, 0, 0))
	var b [1]byte
	f.ReadSector(b[:], 0, 0)
	assert.Equal(byte(0x00), b[0])

	require.NoError(t, f.Close())

	// Contents survive reopen.
	f2, err := NewFileFlash(path)
	require.NoError(t, err)
	defer f2.Close()
	f2.OpenPage(1, 0)
	f2.ReadSector(b[:], 0, 0)
	assert.Equal(byte(0x00), b[0])
	f2.ReadSpare(b[:], 0)
	assert.Equal(byte(0x01), b[0])

	// The rest of the erased block is untouched.
	var other [1]byte
	f2.OpenPage(1, 1)
	f2.ReadSector(other[:], common.SectorsPerPage, 0)
	assert.Equal(byte(0xff), other[0])
}
