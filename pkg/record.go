package apachk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-restruct/restruct"
)

// recordOrder is the on-disk byte order of every record field
var recordOrder = binary.LittleEndian

// SubEntry describes one declared sub-partition of a main partition
type SubEntry struct {
	Start  uint32 // LBA of the sub-partition record
	Length uint32 // Size in sectors
}

// Timestamp is the packed creation time stored in a record
type Timestamp struct {
	Unused uint8
	Sec    uint8
	Min    uint8
	Hour   uint8
	Day    uint8
	Month  uint8
	Year   uint16
}

// MBRInfo is only meaningful in the sentinel record
type MBRInfo struct {
	Magic   [32]byte
	Version uint32
	NSector uint32
}

// Record is the decoded form of a 1024-byte partition record.
// Field order and sizes match the on-disk layout exactly.
type Record struct {
	Checksum uint32      // Sum of the remaining 255 little-endian words
	Magic    uint32      // Must equal Magic
	Next     uint32      // LBA of the next record, 0 when this is the last
	Prev     uint32      // LBA of the previous record, 0 when this is the first
	ID       [IDMax]byte // Partition label (opaque)
	RPwd     [8]byte     // Opaque
	FPwd     [8]byte     // Opaque
	Start    uint32      // Own LBA
	Length   uint32      // Size in sectors
	Type     uint16      // Partition kind, 0 is free
	Flags    uint16      // FlagSub and unrelated bits
	NSub     uint32      // Valid entries in Subs (main only)
	Created  Timestamp   // Creation time
	Main     uint32      // Owning main LBA (sub only)
	Number   uint32      // 1-based position in the owner's Subs (sub only)
	ModVer   uint32      // Writer version
	Padding1 [7]uint32   // Reserved
	Padding2 [128]byte   // Reserved
	MBR      MBRInfo     // Sentinel only
	Subs     [MaxSubs]SubEntry
	Reserved [216]byte
}

// recordChecksum sums words 1..255 of an encoded record
func recordChecksum(buf []byte) uint32 {
	var sum uint32
	for off := 4; off+4 <= RecordSize; off += 4 {
		sum += recordOrder.Uint32(buf[off:])
	}
	return sum
}

// DecodeRecord parses and validates a raw record.
// Returns an error when the buffer is short, the magic is wrong or the checksum does not match.
func DecodeRecord(buf []byte) (*Record, error) {
	if len(buf) < RecordSize {
		return nil, fmt.Errorf("record buffer too small: %d bytes", len(buf))
	}
	buf = buf[:RecordSize]

	if magic := recordOrder.Uint32(buf[4:]); magic != Magic {
		return nil, fmt.Errorf("bad magic 0x%08x", magic)
	}
	if stored, sum := recordOrder.Uint32(buf[0:]), recordChecksum(buf); stored != sum {
		return nil, fmt.Errorf("checksum mismatch: stored 0x%08x, computed 0x%08x", stored, sum)
	}

	rec := &Record{}
	if err := restruct.Unpack(buf, recordOrder, rec); err != nil {
		return nil, fmt.Errorf("failed to unpack record: %w", err)
	}
	return rec, nil
}

// Encode packs the record and stores a fresh checksum
func (r *Record) Encode() ([]byte, error) {
	buf, err := restruct.Pack(recordOrder, r)
	if err != nil {
		return nil, fmt.Errorf("failed to pack record at 0x%08x: %w", r.Start, err)
	}
	if len(buf) != RecordSize {
		return nil, fmt.Errorf("packed record is %d bytes, expected %d", len(buf), RecordSize)
	}

	r.Checksum = recordChecksum(buf)
	recordOrder.PutUint32(buf[0:], r.Checksum)
	return buf, nil
}

// IsSub returns true for sub-partition records
func (r *Record) IsSub() bool {
	return r.Flags&FlagSub != 0
}

// IsMain returns true for live records that are not sub-partitions
func (r *Record) IsMain() bool {
	return r.Type != 0 && !r.IsSub()
}

// IsFree returns true for free (empty) records
func (r *Record) IsFree() bool {
	return r.Type == 0
}

// DeclaredSubs returns the valid prefix of Subs, bounded by NSub
func (r *Record) DeclaredSubs() []SubEntry {
	n := int(r.NSub)
	if n > MaxSubs {
		n = MaxSubs
	}
	return r.Subs[:n]
}

// SubIndex returns the position of lba among the declared subs, or -1
func (r *Record) SubIndex(lba uint32) int {
	for i, sub := range r.DeclaredSubs() {
		if sub.Start == lba {
			return i
		}
	}
	return -1
}

// IDString returns the label without trailing NULs
func (r *Record) IDString() string {
	return string(bytes.TrimRight(r.ID[:], "\x00"))
}

// SetID stores a label, truncating to IDMax-1 bytes
func (r *Record) SetID(id string) {
	r.ID = [IDMax]byte{}
	copy(r.ID[:IDMax-1], id)
}

// IsFormatted reports whether the sentinel carries the MBR magic
func (r *Record) IsFormatted() bool {
	return string(bytes.TrimRight(r.MBR.Magic[:], "\x00")) == MBRMagic
}

func (r *Record) String() string {
	kind := "main"
	switch {
	case r.IsFree():
		kind = "free"
	case r.IsSub():
		kind = "sub"
	}
	return fmt.Sprintf("%s start=0x%08x len=0x%08x next=0x%08x prev=0x%08x", kind, r.Start, r.Length, r.Next, r.Prev)
}

// NewTimestamp converts t to the packed record form (UTC)
func NewTimestamp(t time.Time) Timestamp {
	t = t.UTC()
	return Timestamp{
		Sec:   uint8(t.Second()),
		Min:   uint8(t.Minute()),
		Hour:  uint8(t.Hour()),
		Day:   uint8(t.Day()),
		Month: uint8(t.Month()),
		Year:  uint16(t.Year()),
	}
}

// Time returns the timestamp as a UTC time
func (ts Timestamp) Time() time.Time {
	return time.Date(int(ts.Year), time.Month(ts.Month), int(ts.Day), int(ts.Hour), int(ts.Min), int(ts.Sec), 0, time.UTC)
}

// NewFreeRecord builds an empty (type 0) record
func NewFreeRecord(start, next, prev, length uint32, now time.Time) *Record {
	return &Record{
		Magic:   Magic,
		Start:   start,
		Next:    next,
		Prev:    prev,
		Length:  length,
		Created: NewTimestamp(now),
	}
}

// NewSentinel builds a formatted sentinel record for an empty chain
func NewSentinel(sectors uint64, now time.Time) *Record {
	rec := &Record{
		Magic:   Magic,
		Start:   SectorMBR,
		Length:  DefaultMinCarveSectors,
		Type:    1,
		Created: NewTimestamp(now),
	}
	rec.SetID("__mbr")
	copy(rec.MBR.Magic[:], MBRMagic)
	rec.MBR.Version = MBRVersion
	rec.MBR.NSector = uint32(min(sectors, uint64(^uint32(0))))
	return rec
}
