package apachk

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	dev := NewMemoryDevice(testSectors)
	require.NoError(t, dev.WriteSectors(SectorErrorMarker, make([]byte, SectorSize)))
	require.NoError(t, Format(dev, testNow))

	mbr := readRecord(t, dev, SectorMBR)
	assert.True(t, mbr.IsFormatted())
	assert.Zero(t, mbr.Next)
	assert.Zero(t, mbr.Prev)
	assert.Equal(t, uint32(testSectors), mbr.MBR.NSector)
	assert.Equal(t, StatusReady, ProbeDevice(dev, DefaultMinCarveSectors).Status)

	result, err := newTestChecker(t, dev, DefaultOptions()).Repair()
	require.NoError(t, err)
	assert.True(t, result.Clean())
}

func TestFormatTooSmall(t *testing.T) {
	dev := NewMemoryDevice(DefaultMinCarveSectors - 1)
	err := Format(dev, testNow)
	assert.True(t, errors.Is(err, ErrNotReady), "got %v", err)
	assert.Zero(t, dev.Written())
}

func TestOpenChecker(t *testing.T) {
	path := newTestImage(t, testSectors)

	// Unformatted images open but refuse to check
	c, dev, err := OpenChecker(path, true, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, StatusUnformatted, c.Info().Status)
	_, err = c.Verify(&RepairState{})
	assert.ErrorIs(t, err, ErrNotReady)
	require.NoError(t, dev.Close())

	_, dev, err = OpenChecker(path, false, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, Format(dev, testNow))
	require.NoError(t, dev.Close())

	c, dev, err = OpenChecker(path, true, DefaultOptions())
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, StatusReady, c.Info().Status)
	assert.Equal(t, uint32(0x100000), c.Info().MaxPartSize)

	lba, err := c.Verify(&RepairState{})
	require.NoError(t, err)
	assert.Zero(t, lba)
}

func TestOpenCheckerErrors(t *testing.T) {
	t.Run("missing image", func(t *testing.T) {
		_, _, err := OpenChecker(filepath.Join(t.TempDir(), "missing.img"), true, DefaultOptions())
		assert.Error(t, err)
	})

	t.Run("invalid options", func(t *testing.T) {
		path := newTestImage(t, testSectors)
		opts := DefaultOptions()
		opts.MinCarveSectors = 0x30000
		_, _, err := OpenChecker(path, true, opts)
		assert.ErrorContains(t, err, "invalid checker options")

		// The lock is released on failure
		_, dev, err := OpenChecker(path, false, DefaultOptions())
		require.NoError(t, err)
		require.NoError(t, dev.Close())
	})
}
