package apachk

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/go-restruct/restruct"
	"github.com/google/vectorio"
)

// snapshotMagic identifies a chain snapshot file
var snapshotMagic = [8]byte{'A', 'P', 'A', 'S', 'N', 'A', 'P', 0}

// fallbackIOVMax is the iovec count per writev call, the Linux IOV_MAX
const fallbackIOVMax = 1024

// writev is replaced in tests to simulate failing writes
var writev = vectorio.WritevRaw

// snapshotHeader starts every snapshot file
type snapshotHeader struct {
	Magic   [8]byte
	Version uint32
	Extents uint32
	Sectors uint64 // device size when the snapshot was taken
	Created int64  // unix seconds
}

// extentHeader precedes each saved run of sectors
type extentHeader struct {
	LBA      uint32
	NSectors uint32
}

// SnapshotInfo describes a snapshot file
type SnapshotInfo struct {
	Path    string    `json:"path"`
	Created time.Time `json:"created"`
	Sectors uint64    `json:"sectors"`
	Extents []Extent  `json:"extents"`
}

// snapshotExtent is a run of raw sectors read from the device
type snapshotExtent struct {
	lba  uint32
	data []byte
}

// SnapshotPath returns the snapshot file name used for image at time t
func SnapshotPath(image string, t time.Time) string {
	return image + fmt.Sprintf(SnapshotSuffix, t.Unix())
}

// ListSnapshots returns the snapshots taken of image, newest first
func ListSnapshots(image string) ([]string, error) {
	matches, err := filepath.Glob(image + ".apachk-*.snap")
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots of %s: %w", image, err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

// collectExtents reads the reserved low sectors and every record reachable
// from the sentinel in either direction. Records are saved raw, so a record
// that fails to decode is still captured but not followed.
func collectExtents(dev BlockDevice) ([]snapshotExtent, error) {
	low := make([]byte, (SectorPartError+1)*SectorSize)
	if err := dev.ReadSectors(SectorMBR, low); err != nil {
		return nil, fmt.Errorf("failed to read reserved sectors: %w", err)
	}
	extents := []snapshotExtent{{lba: SectorMBR, data: low}}

	mbr, err := DecodeRecord(low)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSentinelUnreadable, err)
	}

	seen := map[uint32]bool{SectorMBR: true}
	follow := func(first uint32, link func(*Record) uint32) {
		for lba := first; lba != 0 && !seen[lba]; {
			seen[lba] = true
			buf := make([]byte, RecordSize)
			if err := dev.ReadSectors(lba, buf); err != nil {
				VerboseLBA(2, lba, "snapshot: skipping unreadable record: %v", err)
				return
			}
			extents = append(extents, snapshotExtent{lba: lba, data: buf})

			rec, err := DecodeRecord(buf)
			if err != nil {
				VerboseLBA(2, lba, "snapshot: saved corrupt record: %v", err)
				return
			}
			lba = link(rec)
		}
	}
	follow(mbr.Next, forward.link)
	follow(mbr.Prev, backward.link)

	sort.Slice(extents, func(i, j int) bool { return extents[i].lba < extents[j].lba })
	return extents, nil
}

// CreateSnapshot saves the chain records of dev to path so that a repair can
// be undone with RestoreSnapshot
func CreateSnapshot(dev BlockDevice, path string) (*SnapshotInfo, error) {
	defer VerboseEnter()()

	extents, err := collectExtents(dev)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	header, err := restruct.Pack(recordOrder, &snapshotHeader{
		Magic:   snapshotMagic,
		Version: SnapshotFileVersion,
		Extents: uint32(len(extents)),
		Sectors: dev.Sectors(),
		Created: now.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pack snapshot header: %w", err)
	}

	info := &SnapshotInfo{Path: path, Created: now, Sectors: dev.Sectors()}
	iovecs := []syscall.Iovec{newIovec(header)}
	total := len(header)
	for _, ext := range extents {
		nsectors := uint32(len(ext.data) / SectorSize)
		eh, err := restruct.Pack(recordOrder, &extentHeader{LBA: ext.lba, NSectors: nsectors})
		if err != nil {
			return nil, fmt.Errorf("failed to pack extent header: %w", err)
		}
		iovecs = append(iovecs, newIovec(eh), newIovec(ext.data))
		total += len(eh) + len(ext.data)
		info.Extents = append(info.Extents, Extent{Start: ext.lba, Length: nsectors})
	}

	if err := writeSnapshotFile(path, iovecs, total); err != nil {
		return nil, err
	}

	VerboseLog(1, "Saved %d extents (%s) to %s", len(extents), SectorsToBytes(uint32(total/SectorSize)), path)
	return info, nil
}

// writeSnapshotFile creates path and writes iovecs to it. A file that could
// not be written completely is removed.
func writeSnapshotFile(path string, iovecs []syscall.Iovec, total int) (err error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create snapshot %s: %w", path, err)
	}
	defer func() {
		file.Close()
		if err != nil {
			os.Remove(path)
		}
	}()

	written := 0
	for offset := 0; offset < len(iovecs); offset += fallbackIOVMax {
		end := min(offset+fallbackIOVMax, len(iovecs))
		nw, err := writev(uintptr(file.Fd()), iovecs[offset:end])
		if err != nil {
			return fmt.Errorf("failed to write snapshot with vectorio: %w", err)
		}
		written += nw
	}
	if written != total {
		return fmt.Errorf("snapshot write incomplete: wrote %d bytes, expected %d", written, total)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync snapshot %s: %w", path, err)
	}
	return nil
}

func newIovec(buf []byte) syscall.Iovec {
	iov := syscall.Iovec{Base: &buf[0]}
	iov.SetLen(len(buf))
	return iov
}

// ReadSnapshot parses a snapshot file
func ReadSnapshot(path string) (*SnapshotInfo, [][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}

	var header snapshotHeader
	headerSize, err := restruct.SizeOf(&header)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to size snapshot header: %w", err)
	}
	if len(data) < headerSize {
		return nil, nil, fmt.Errorf("snapshot %s is truncated", path)
	}
	if err := restruct.Unpack(data[:headerSize], recordOrder, &header); err != nil {
		return nil, nil, fmt.Errorf("failed to unpack snapshot header: %w", err)
	}
	if !bytes.Equal(header.Magic[:], snapshotMagic[:]) {
		return nil, nil, fmt.Errorf("%s is not a partition chain snapshot", path)
	}
	if header.Version != SnapshotFileVersion {
		return nil, nil, fmt.Errorf("unsupported snapshot version %d", header.Version)
	}

	info := &SnapshotInfo{
		Path:    path,
		Created: time.Unix(header.Created, 0).UTC(),
		Sectors: header.Sectors,
	}

	var eh extentHeader
	ehSize, err := restruct.SizeOf(&eh)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to size extent header: %w", err)
	}

	var payloads [][]byte
	off := headerSize
	for i := uint32(0); i < header.Extents; i++ {
		if off+ehSize > len(data) {
			return nil, nil, fmt.Errorf("snapshot %s is truncated at extent %d", path, i)
		}
		if err := restruct.Unpack(data[off:off+ehSize], recordOrder, &eh); err != nil {
			return nil, nil, fmt.Errorf("failed to unpack extent header %d: %w", i, err)
		}
		off += ehSize

		size := int(eh.NSectors) * SectorSize
		if off+size > len(data) {
			return nil, nil, fmt.Errorf("snapshot %s is truncated in extent %d", path, i)
		}
		payloads = append(payloads, data[off:off+size])
		info.Extents = append(info.Extents, Extent{Start: eh.LBA, Length: eh.NSectors})
		off += size
	}
	return info, payloads, nil
}

// RestoreSnapshot writes every extent saved in path back to dev
func RestoreSnapshot(dev BlockDevice, path string) (*SnapshotInfo, error) {
	defer VerboseEnter()()

	info, payloads, err := ReadSnapshot(path)
	if err != nil {
		return nil, err
	}
	if info.Sectors != dev.Sectors() {
		return nil, fmt.Errorf("snapshot %s was taken of a %d sector device, this one has %d", path, info.Sectors, dev.Sectors())
	}

	for i, ext := range info.Extents {
		if err := dev.WriteSectors(ext.Start, payloads[i]); err != nil {
			return nil, fmt.Errorf("failed to restore extent %s: %w", ext, err)
		}
		VerboseLBA(2, ext.Start, "restored %d sectors", ext.Length)
	}
	if err := dev.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush restored device: %w", err)
	}

	VerboseLog(1, "Restored %d extents from %s", len(info.Extents), path)
	return info, nil
}

// Snapshot saves the checker's device to path
func (c *Checker) Snapshot(path string) (*SnapshotInfo, error) {
	return CreateSnapshot(c.dev, path)
}

// Restore writes a snapshot back to the checker's device, drops every cached
// record and probes the device again
func (c *Checker) Restore(path string) (*SnapshotInfo, error) {
	info, err := RestoreSnapshot(c.dev, path)
	if err != nil {
		return nil, err
	}
	c.cache.Invalidate()
	c.info = ProbeDevice(c.dev, c.opts.MinCarveSectors)
	return info, nil
}
