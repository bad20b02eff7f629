package apachk

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/google/vectorio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	dev := newTestDevice(t)
	layChain(t, dev,
		mainRec(0x40000, 0x40000),
		mainRec(0x80000, 0x80000),
		mainRec(0x100000, 0x40000),
		mainRec(0x140000, 0x40000),
	)

	path := SnapshotPath(filepath.Join(t.TempDir(), "disk.img"), testNow)
	info, err := CreateSnapshot(dev, path)
	require.NoError(t, err)

	// Low sectors plus four records
	require.Len(t, info.Extents, 5)
	assert.Equal(t, Extent{Start: SectorMBR, Length: SectorPartError + 1}, info.Extents[0])
	assert.Equal(t, Extent{Start: 0x80000, Length: RecordSectors}, info.Extents[2])

	corrupt(t, dev, 0x80000)
	_, err = newTestChecker(t, dev, DefaultOptions()).Repair()
	require.NoError(t, err)
	require.Equal(t, []uint32{0x40000, 0x100000, 0x140000}, chainLBAs(t, dev))

	restored, err := RestoreSnapshot(dev, path)
	require.NoError(t, err)
	assert.Equal(t, info.Extents, restored.Extents)
	assert.Equal(t, []uint32{0x40000, 0x80000, 0x100000, 0x140000}, chainLBAs(t, dev))
}

func TestSnapshotCapturesCorruptRecords(t *testing.T) {
	dev := newTestDevice(t)
	layChain(t, dev, mainRec(0x40000, 0x40000), mainRec(0x80000, 0x40000), mainRec(0xc0000, 0x40000))
	corrupt(t, dev, 0x80000)

	path := filepath.Join(t.TempDir(), "chain.snap")
	info, err := CreateSnapshot(dev, path)
	require.NoError(t, err)

	var lbas []uint32
	for _, ext := range info.Extents {
		lbas = append(lbas, ext.Start)
	}
	assert.Equal(t, []uint32{SectorMBR, 0x40000, 0x80000, 0xc0000}, lbas, "both directions are followed up to the damage")
}

func TestCheckerRestore(t *testing.T) {
	dev := newTestDevice(t)
	layChain(t, dev, mainRec(0x40000, 0x40000), mainRec(0x80000, 0x40000))

	c := newTestChecker(t, dev, DefaultOptions())
	path := filepath.Join(t.TempDir(), "chain.snap")
	_, err := c.Snapshot(path)
	require.NoError(t, err)

	// Wipe the sentinel so the device no longer probes as ready
	require.NoError(t, dev.WriteSectors(SectorMBR, make([]byte, RecordSize)))
	c = newTestChecker(t, dev, DefaultOptions())
	require.Equal(t, StatusUnformatted, c.Info().Status)

	_, err = c.Restore(path)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, c.Info().Status)
	assert.Equal(t, 0, c.Cache().Len())

	result, err := c.Repair()
	require.NoError(t, err)
	assert.True(t, result.Clean())
}

func TestRestoreSnapshotRejectsMismatches(t *testing.T) {
	dev := newTestDevice(t)
	path := filepath.Join(t.TempDir(), "chain.snap")
	_, err := CreateSnapshot(dev, path)
	require.NoError(t, err)

	t.Run("device size", func(t *testing.T) {
		_, err := RestoreSnapshot(NewMemoryDevice(testSectors*2), path)
		assert.ErrorContains(t, err, "sector device")
	})

	t.Run("not a snapshot", func(t *testing.T) {
		bogus := filepath.Join(t.TempDir(), "bogus.snap")
		require.NoError(t, os.WriteFile(bogus, make([]byte, 64), 0600))
		_, err := RestoreSnapshot(dev, bogus)
		assert.ErrorContains(t, err, "not a partition chain snapshot")
	})

	t.Run("truncated", func(t *testing.T) {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		short := filepath.Join(t.TempDir(), "short.snap")
		require.NoError(t, os.WriteFile(short, data[:len(data)-10], 0600))
		_, err = RestoreSnapshot(dev, short)
		assert.ErrorContains(t, err, "truncated")
	})

	t.Run("existing file is not overwritten", func(t *testing.T) {
		_, err := CreateSnapshot(dev, path)
		assert.Error(t, err)
	})
}

func TestListSnapshots(t *testing.T) {
	image := filepath.Join(t.TempDir(), "disk.img")
	dev := newTestDevice(t)

	older := SnapshotPath(image, testNow)
	newer := SnapshotPath(image, testNow.Add(time.Hour))
	for _, path := range []string{older, newer} {
		_, err := CreateSnapshot(dev, path)
		require.NoError(t, err)
	}

	snapshots, err := ListSnapshots(image)
	require.NoError(t, err)
	assert.Equal(t, []string{newer, older}, snapshots)
}

func TestCreateSnapshotRemovesPartialFile(t *testing.T) {
	tests := []struct {
		name  string
		write func(fd uintptr, iovecs []syscall.Iovec) (int, error)
		want  string
	}{
		{"write error", func(uintptr, []syscall.Iovec) (int, error) {
			return 0, errors.New("no space left on device")
		}, "no space left on device"},
		{"short write", func(fd uintptr, iovecs []syscall.Iovec) (int, error) {
			return vectorio.WritevRaw(fd, iovecs[:1])
		}, "snapshot write incomplete"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writev = tt.write
			t.Cleanup(func() { writev = vectorio.WritevRaw })

			dev := newTestDevice(t)
			layChain(t, dev, mainRec(0x40000, 0x40000))

			image := filepath.Join(t.TempDir(), "disk.img")
			path := SnapshotPath(image, testNow)
			_, err := CreateSnapshot(dev, path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)

			assert.NoFileExists(t, path)
			snapshots, err := ListSnapshots(image)
			require.NoError(t, err)
			assert.Empty(t, snapshots)
		})
	}
}
