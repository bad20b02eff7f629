package apachk

import (
	"fmt"
)

// rebuildSub rewrites the record at lba as sub number (index+1) of main
func (c *Checker) rebuildSub(mbr *Handle, lba, prev uint32, main *Record, index int) error {
	sub := main.Subs[index]
	VerboseLBA(1, lba, "found this sub partition's main 0x%08x, so I recover it", main.Start)

	h := c.cache.GetForWrite(lba)
	defer c.cache.Release(h)

	rec := &Record{
		Magic:   Magic,
		Start:   lba,
		Prev:    prev,
		Length:  sub.Length,
		Type:    main.Type,
		Flags:   FlagSub,
		Main:    main.Start,
		Number:  uint32(index + 1),
		Created: NewTimestamp(c.now()),
	}
	if lba < mbr.Record.Prev {
		rec.Next = lba + sub.Length
	}
	*h.Record = *rec

	c.cache.MarkDirty(h)
	return c.flush()
}

// matchSubs rebuilds every fault slot declared by main's subs table and
// returns the LBAs recovered
func (c *Checker) matchSubs(mbr *Handle, main *Record, state *RepairState) ([]uint32, error) {
	var recovered []uint32
	for i, sub := range main.DeclaredSubs() {
		if state.ErrA != 0 && sub.Start == state.ErrA {
			if err := c.rebuildSub(mbr, state.ErrA, state.ErrAPrev, main, i); err != nil {
				return recovered, err
			}
			recovered = append(recovered, state.ErrA)
			if state.ErrB == state.ErrA {
				state.ErrB = 0
			}
			state.ErrA = 0
		}

		if state.ErrB != 0 && sub.Start == state.ErrB {
			// The predecessor is left for the next verify pass to heal.
			if err := c.rebuildSub(mbr, state.ErrB, state.ErrA, main, i); err != nil {
				return recovered, err
			}
			recovered = append(recovered, state.ErrB)
			state.ErrB = 0
		}
	}
	return recovered, nil
}

// searchSubs walks the chain in one direction from first, looking for main
// partitions that declare a faulty LBA as one of their subs
func (c *Checker) searchSubs(mbr *Handle, first uint32, dir direction, state *RepairState) ([]uint32, error) {
	var recovered []uint32
	for lba := first; lba != 0; {
		h, err := c.cache.Get(lba)
		if err != nil {
			VerboseLBA(2, lba, "sub search stopped: %v", err)
			break
		}

		if h.Record.IsMain() {
			found, err := c.matchSubs(mbr, h.Record, state)
			recovered = append(recovered, found...)
			if err != nil {
				c.cache.Release(h)
				return recovered, err
			}
		}

		lba = dir.link(h.Record)
		c.cache.Release(h)

		if state.Resolved() {
			break
		}
		if lba == state.ErrA || lba == state.ErrB {
			break
		}
	}
	return recovered, nil
}

// recoverIfSub checks whether the faulty records are displaced sub-partitions
// of a surviving main partition and rebuilds them in place when they are.
// Recovered slots are cleared in state.
func (c *Checker) recoverIfSub(mbr *Handle, state *RepairState) ([]uint32, error) {
	defer VerboseEnter()()
	VerboseLog(1, "check if error partition is belong to someone as sub partition")

	var recovered []uint32

	if first := mbr.Record.Next; first != 0 && first != state.ErrA {
		found, err := c.searchSubs(mbr, first, forward, state)
		recovered = append(recovered, found...)
		if err != nil || state.Resolved() {
			return recovered, err
		}
	}

	if last := mbr.Record.Prev; last != 0 && last != state.ErrB {
		found, err := c.searchSubs(mbr, last, backward, state)
		recovered = append(recovered, found...)
		if err != nil {
			return recovered, err
		}
	}

	if IsDebugEnabled("recover") {
		VerboseLog(2, "recover: %d rebuilt, %s", len(recovered), state)
	}
	return recovered, nil
}

// RecoverIfSub tries to rebuild the faulty records in state as sub-partitions
// and returns the LBAs it rebuilt
func (c *Checker) RecoverIfSub(state *RepairState) ([]uint32, error) {
	mbr, err := c.openSentinel()
	if err != nil {
		return nil, err
	}
	defer c.cache.Release(mbr)

	recovered, err := c.recoverIfSub(mbr, state)
	if err != nil {
		return recovered, fmt.Errorf("sub-partition recovery failed: %w", err)
	}
	return recovered, nil
}
