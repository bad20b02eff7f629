package apachk

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// hexLBA formats a sector address the way log lines print it
func hexLBA(lba uint32) string {
	return fmt.Sprintf("0x%08x", lba)
}

// highestPowerOfTwo returns the largest power of two not above n, or 0 for n == 0
func highestPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return 1 << (bits.Len32(n) - 1)
}

// isPowerOfTwo reports whether n is a nonzero power of two
func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// SectorsToBytes converts a sector count to a human-readable IEC size
func SectorsToBytes(sectors uint32) string {
	return humanize.IBytes(uint64(sectors) * SectorSize)
}

// ParseSectorCount parses a size given either as a plain sector count
// (decimal, 0x hex or 0 octal) or as a human-readable byte size ("128MiB", "1G").
// Byte sizes must be a whole number of sectors.
func ParseSectorCount(sizeStr string) (uint32, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if n, err := strconv.ParseUint(sizeStr, 0, 32); err == nil {
		return uint32(n), nil
	}

	b, err := humanize.ParseBytes(sizeStr)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", sizeStr, err)
	}
	if b%SectorSize != 0 {
		return 0, fmt.Errorf("size %q is not a whole number of %d-byte sectors", sizeStr, SectorSize)
	}
	sectors := b / SectorSize
	if sectors > uint64(^uint32(0)) {
		return 0, fmt.Errorf("size too large: %s", sizeStr)
	}
	return uint32(sectors), nil
}
