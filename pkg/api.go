package apachk

import (
	"fmt"
	"time"
)

// This file defines the public entry points used by the command line tools

// InitDebugFlags initialises debug flags - for CLI compatibility
func InitDebugFlags(flagsStr string) {
	if flagsStr != "" {
		SetDebugFlags(flagsStr)
	}
}

// Format writes an empty partition chain to dev: a sentinel with no
// partitions and a cleared error marker. Existing records become unreachable.
func Format(dev BlockDevice, now time.Time) error {
	if dev.Sectors() < DefaultMinCarveSectors {
		return fmt.Errorf("cannot format a %d sector device: %w", dev.Sectors(), ErrNotReady)
	}

	buf, err := NewSentinel(dev.Sectors(), now).Encode()
	if err != nil {
		return err
	}
	if err := dev.WriteSectors(SectorMBR, buf); err != nil {
		return fmt.Errorf("failed to write sentinel: %w", err)
	}
	return EraseSector(dev, SectorErrorMarker)
}

// OpenChecker opens and locks the image at path and prepares a checker for
// it. The caller closes the returned device when done with the checker.
func OpenChecker(path string, readOnly bool, opts Options) (*Checker, *ImageDevice, error) {
	dev, err := OpenImage(path, readOnly)
	if err != nil {
		return nil, nil, err
	}

	c, err := NewChecker(dev, opts)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return c, dev, nil
}
