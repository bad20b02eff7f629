package apachk

// Fixed sector addresses on an APA device
const (
	SectorMBR         uint32 = 0 // Sentinel record anchoring the partition chain
	SectorErrorMarker uint32 = 6 // Auxiliary marker recording the last I/O error sector
	SectorPartError   uint32 = 7 // Auxiliary marker recording the last faulty partition
)

// Record layout constants
const (
	SectorSize           = 512
	RecordSize           = 1024                    // Two sectors per partition record
	RecordSectors        = RecordSize / SectorSize // Sectors occupied by a record header
	MaxSubs              = 64                      // Capacity of the subs table
	IDMax                = 32                      // Length of the id field
	Magic         uint32 = 0x00415041              // "APA\0" little-endian
	MBRMagic             = "APA Partition Map v1"  // Stored in the sentinel's mbr.magic
	MBRVersion           = 2                       // Sentinel format version written by Format
)

// Record flags
const (
	FlagSub uint16 = 1 << 0 // Record is a sub-partition of the record named by Main
)

// Repair defaults
const (
	DefaultMaxAttempts     = 8
	DefaultMinCarveSectors = 0x40000 // 128MiB in 512-byte sectors
)

// Cache contexts for record handles held in the LBA skiplist
const (
	CleanContext = "clean"
	DirtyContext = "dirty"
)

// Default file names
const (
	DefaultConfigName   = "apachk.conf"
	SnapshotSuffix      = ".apachk-%d.snap"
	SnapshotFileVersion = 1
)
