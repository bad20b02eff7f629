package apachk

import (
	"fmt"
	"time"
)

// Options configures a Checker
type Options struct {
	CrossLinkCheck  bool   // Keep a visited set per scan and treat repeats as faults
	MaxAttempts     int    // Classified repair actions allowed per invocation
	MinCarveSectors uint32 // Smallest empty partition the carver may create (power of two)
}

// DefaultOptions returns the options used when no configuration is present
func DefaultOptions() Options {
	return Options{
		CrossLinkCheck:  false,
		MaxAttempts:     DefaultMaxAttempts,
		MinCarveSectors: DefaultMinCarveSectors,
	}
}

// Validate checks option values that would break repair invariants
func (o Options) Validate() error {
	if o.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", o.MaxAttempts)
	}
	if !isPowerOfTwo(o.MinCarveSectors) {
		return fmt.Errorf("minimum carve size 0x%x is not a power of two", o.MinCarveSectors)
	}
	return nil
}

// RepairState holds the faults found by the most recent verification.
// ErrA/ErrAPrev come from the forward scan, ErrB/ErrBPrev from the backward
// scan; each Prev is the last good record seen in that scan's direction.
type RepairState struct {
	ErrA     uint32 `json:"err_a"`
	ErrAPrev uint32 `json:"err_a_prev"`
	ErrB     uint32 `json:"err_b"`
	ErrBPrev uint32 `json:"err_b_prev"`
}

// Resolved reports whether no fault slot is set
func (s *RepairState) Resolved() bool {
	return s.ErrA == 0 && s.ErrB == 0
}

// Clear resets both fault slots
func (s *RepairState) Clear() {
	s.ErrA = 0
	s.ErrB = 0
}

func (s RepairState) String() string {
	return fmt.Sprintf("errA=0x%08x (after 0x%08x) errB=0x%08x (after 0x%08x)", s.ErrA, s.ErrAPrev, s.ErrB, s.ErrBPrev)
}

// Checker verifies and repairs the partition chain of one device. A Checker
// must not be used by more than one goroutine at a time.
type Checker struct {
	dev   BlockDevice
	cache *RecordCache
	opts  Options
	info  DeviceInfo
	now   func() time.Time
}

// NewChecker probes dev and prepares a checker for it
func NewChecker(dev BlockDevice, opts Options) (*Checker, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checker options: %w", err)
	}

	c := &Checker{
		dev:   dev,
		cache: NewRecordCache(dev),
		opts:  opts,
		info:  ProbeDevice(dev, opts.MinCarveSectors),
		now:   time.Now,
	}
	VerboseLog(1, "Device: %d sectors, max partition 0x%x, status %s", c.info.Sectors, c.info.MaxPartSize, c.info.Status)
	return c, nil
}

// Info returns the probed device information
func (c *Checker) Info() DeviceInfo {
	return c.info
}

// Cache exposes the record accessor
func (c *Checker) Cache() *RecordCache {
	return c.cache
}

// openSentinel enforces the device precondition and fetches the chain anchor
func (c *Checker) openSentinel() (*Handle, error) {
	if c.info.Status != StatusReady {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, c.info.Status)
	}

	mbr, err := c.cache.Get(SectorMBR)
	if err != nil {
		VerboseLog(1, "cannot read mbr partition, I cannot continue")
		return nil, fmt.Errorf("%w: %v", ErrSentinelUnreadable, err)
	}
	return mbr, nil
}

// flush writes pending record changes; any failure here is fatal for the invocation
func (c *Checker) flush() error {
	if err := c.cache.FlushAllDirty(); err != nil {
		return fmt.Errorf("failed to flush partition records: %w", err)
	}
	return nil
}
