package apachk

import (
	"fmt"
)

// direction selects which link a chain scan follows
type direction struct {
	name    string
	link    func(*Record) uint32  // pointer to the next record in scan order
	back    func(*Record) uint32  // pointer that must name the record we came from
	setBack func(*Record, uint32) // rewrites back
}

var forward = direction{
	name:    "forward",
	link:    func(r *Record) uint32 { return r.Next },
	back:    func(r *Record) uint32 { return r.Prev },
	setBack: func(r *Record, lba uint32) { r.Prev = lba },
}

var backward = direction{
	name:    "backward",
	link:    func(r *Record) uint32 { return r.Prev },
	back:    func(r *Record) uint32 { return r.Next },
	setBack: func(r *Record, lba uint32) { r.Next = lba },
}

// scan walks the chain from the sentinel in one direction, rewriting back
// pointers that disagree with the record actually visited before. It stops
// at the first record that cannot be fetched and returns that LBA, the last
// good record before it and the fault. A nil fault means the walk reached the
// end of the chain; lba is then 0 and parent is the last record.
func (c *Checker) scan(mbr *Handle, dir direction) (lba, parent uint32, fault, err error) {
	var visited map[uint32]struct{}
	if c.opts.CrossLinkCheck {
		visited = make(map[uint32]struct{})
	}

	parent = SectorMBR
	for lba = dir.link(mbr.Record); lba != 0; {
		if visited != nil {
			if _, seen := visited[lba]; seen {
				VerboseLBA(1, lba, "found cross-linked partition")
				return lba, parent, &RecordError{LBA: lba, Reason: ErrCrossLinked}, nil
			}
			visited[lba] = struct{}{}
		}

		h, getErr := c.cache.Get(lba)
		if getErr != nil {
			VerboseLBA(2, lba, "%s scan: %v", dir.name, getErr)
			return lba, parent, getErr, nil
		}

		if dir.back(h.Record) != parent {
			VerboseLBA(1, lba, "found invalid %s partition address 0x%08x, fix it to 0x%08x", dir.name, dir.back(h.Record), parent)
			dir.setBack(h.Record, parent)
			c.cache.MarkDirty(h)
			if err := c.flush(); err != nil {
				c.cache.Release(h)
				return lba, parent, nil, err
			}
		}

		parent = h.Record.Start
		lba = dir.link(h.Record)
		c.cache.Release(h)
	}

	return 0, parent, nil, nil
}

// fixAnchor points the sentinel's back link for dir (its prev after a forward
// scan, its next after a backward scan) at the last record the scan reached
func (c *Checker) fixAnchor(mbr *Handle, dir direction, last uint32) error {
	if dir.back(mbr.Record) == last {
		return nil
	}

	which := "last"
	if dir.name == backward.name {
		which = "first"
	}
	VerboseLog(1, "found invalid %s partition address 0x%08x, fix it to 0x%08x", which, dir.back(mbr.Record), last)

	dir.setBack(mbr.Record, last)
	c.cache.MarkDirty(mbr)
	return c.flush()
}

// verify scans the chain forward and, if that fails, backward. Trivial
// pointer mismatches are healed as they are found. state is reset and
// filled with the faults found; the returned LBA is nonzero only when both
// directions hit an unreadable record. An error means the device could not be
// written and the invocation must stop.
func (c *Checker) verify(mbr *Handle, state *RepairState) (uint32, error) {
	defer VerboseEnter()()
	*state = RepairState{}

	VerboseLog(1, "scan partitions")
	lba, parent, fault, err := c.scan(mbr, forward)
	if err != nil {
		return 0, err
	}
	if fault == nil {
		if err := c.fixAnchor(mbr, forward, parent); err != nil {
			return 0, err
		}
		VerboseLog(1, "we do not have an error partition")
		return 0, nil
	}

	VerboseLBA(1, lba, "found error partition")
	state.ErrA = lba
	state.ErrAPrev = parent

	lba, parent, fault, err = c.scan(mbr, backward)
	if err != nil {
		return 0, err
	}
	if fault == nil {
		if err := c.fixAnchor(mbr, backward, parent); err != nil {
			return 0, err
		}
		VerboseLog(1, "found inconsistency, but already fixed")
		state.ErrA = 0
		return 0, nil
	}

	VerboseLBA(1, lba, "found error partition")
	state.ErrB = lba
	state.ErrBPrev = parent

	if IsDebugEnabled("verify") {
		VerboseLog(2, "verify: %s", state)
	}
	return state.ErrA, nil
}

// Verify runs one verification pass over the chain, healing pointer
// mismatches, and fills state with the faults it could not heal
func (c *Checker) Verify(state *RepairState) (uint32, error) {
	mbr, err := c.openSentinel()
	if err != nil {
		return 0, err
	}
	defer c.cache.Release(mbr)

	lba, err := c.verify(mbr, state)
	if err != nil {
		return 0, fmt.Errorf("verification failed: %w", err)
	}
	return lba, nil
}
