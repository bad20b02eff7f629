package apachk

import (
	"errors"
	"fmt"
)

// PartitionIndex lists the live partitions of a chain in forward order
type PartitionIndex struct {
	Mains []uint32
	Subs  []uint32
}

// HasMain reports whether lba is a main partition in the index
func (ix *PartitionIndex) HasMain(lba uint32) bool {
	return containsLBA(ix.Mains, lba)
}

// HasSub reports whether lba is a sub-partition in the index
func (ix *PartitionIndex) HasSub(lba uint32) bool {
	return containsLBA(ix.Subs, lba)
}

// dropSub forgets a sub-partition that has been deleted from the chain
func (ix *PartitionIndex) dropSub(lba uint32) {
	for i, v := range ix.Subs {
		if v == lba {
			ix.Subs = append(ix.Subs[:i], ix.Subs[i+1:]...)
			return
		}
	}
}

func containsLBA(list []uint32, lba uint32) bool {
	for _, v := range list {
		if v == lba {
			return true
		}
	}
	return false
}

// ChainEntry is one step of a chain walk. Record is nil when Err is set.
type ChainEntry struct {
	LBA    uint32
	Record *Record
	Err    error
}

// walkChain follows next pointers from the sentinel and calls fn with each
// record. A record that cannot be fetched, or an LBA seen twice, ends the
// walk and is returned as a *RecordError. fn returning false ends the walk
// without error.
func (c *Checker) walkChain(mbr *Handle, fn func(h *Handle) (bool, error)) error {
	visited := make(map[uint32]struct{})
	for lba := mbr.Record.Next; lba != 0; {
		if _, seen := visited[lba]; seen {
			return &RecordError{LBA: lba, Reason: ErrCrossLinked}
		}
		visited[lba] = struct{}{}

		h, err := c.cache.Get(lba)
		if err != nil {
			return err
		}
		next := h.Record.Next

		more, err := fn(h)
		c.cache.Release(h)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		lba = next
	}
	return nil
}

// unlink removes h from the chain by joining its neighbours. The sentinel
// stands in for a missing neighbour at either end.
func (c *Checker) unlink(h *Handle) error {
	prevLBA, nextLBA := h.Record.Prev, h.Record.Next

	prev, err := c.cache.Get(prevLBA)
	if err != nil {
		return fmt.Errorf("failed to unlink 0x%08x: %w", h.LBA, err)
	}
	defer c.cache.Release(prev)

	next, err := c.cache.Get(nextLBA)
	if err != nil {
		return fmt.Errorf("failed to unlink 0x%08x: %w", h.LBA, err)
	}
	defer c.cache.Release(next)

	prev.Record.Next = nextLBA
	next.Record.Prev = prevLBA
	c.cache.MarkDirty(prev)
	c.cache.MarkDirty(next)

	VerboseLBA(2, h.LBA, "unlinked %s", h.Record)
	return c.flush()
}

// removeBadPartitions cuts the chain after the last good record before
// state.ErrA, discarding everything from the fault onward
func (c *Checker) removeBadPartitions(mbr *Handle, state *RepairState) ([]uint32, error) {
	defer VerboseEnter()()
	VerboseLBA(1, state.ErrA, "remove all partitions after 0x%08x", state.ErrAPrev)

	discarded := []uint32{state.ErrA}
	if state.ErrB != 0 && state.ErrB != state.ErrA {
		discarded = append(discarded, state.ErrB)
	}

	last, err := c.cache.Get(state.ErrAPrev)
	if err != nil {
		if !isRecordFault(err) {
			return nil, err
		}
		VerboseLBA(1, state.ErrAPrev, "cannot read last good partition: %v", err)
		state.Clear()
		return nil, nil
	}
	defer c.cache.Release(last)

	last.Record.Next = 0
	mbr.Record.Prev = state.ErrAPrev
	c.cache.MarkDirty(last)
	c.cache.MarkDirty(mbr)
	if err := c.flush(); err != nil {
		return nil, err
	}

	state.Clear()
	return discarded, nil
}

// pruneFree unlinks every free record from the chain and returns how many
// were removed. A record that cannot be read ends the walk quietly.
func (c *Checker) pruneFree(mbr *Handle) (int, error) {
	defer VerboseEnter()()

	pruned := 0
	err := c.walkChain(mbr, func(h *Handle) (bool, error) {
		if !h.Record.IsFree() {
			return true, nil
		}
		if err := c.unlink(h); err != nil {
			return false, err
		}
		pruned++
		return true, nil
	})
	if err != nil && isRecordFault(err) {
		VerboseLog(1, "free partition scan stopped: %v", err)
		err = nil
	}
	if pruned > 0 {
		VerboseLog(1, "deleted %d free partitions", pruned)
	}
	return pruned, err
}

// indexPartitions collects main and sub LBAs in forward chain order
func (c *Checker) indexPartitions(mbr *Handle) (PartitionIndex, error) {
	defer VerboseEnter()()

	var ix PartitionIndex
	err := c.walkChain(mbr, func(h *Handle) (bool, error) {
		rec := h.Record
		switch {
		case rec.IsFree():
		case rec.IsSub():
			VerboseLog(2, "sub  start 0x%08x, nsector 0x%08x, main 0x%08x, number %d, id %s", rec.Start, rec.Length, rec.Main, rec.Number, rec.IDString())
			ix.Subs = append(ix.Subs, rec.Start)
		default:
			VerboseLog(2, "main start 0x%08x, nsector 0x%08x, nsub %d, id %s", rec.Start, rec.Length, rec.NSub, rec.IDString())
			ix.Mains = append(ix.Mains, rec.Start)
		}
		return true, nil
	})
	return ix, err
}

// PruneFree removes every free record from the chain
func (c *Checker) PruneFree() (int, error) {
	mbr, err := c.openSentinel()
	if err != nil {
		return 0, err
	}
	defer c.cache.Release(mbr)

	pruned, err := c.pruneFree(mbr)
	if err != nil {
		return pruned, fmt.Errorf("failed to prune free partitions: %w", err)
	}
	return pruned, nil
}

// IndexPartitions lists main and sub partitions in chain order
func (c *Checker) IndexPartitions() (PartitionIndex, error) {
	mbr, err := c.openSentinel()
	if err != nil {
		return PartitionIndex{}, err
	}
	defer c.cache.Release(mbr)

	ix, err := c.indexPartitions(mbr)
	if err != nil {
		return ix, fmt.Errorf("failed to index partitions: %w", err)
	}
	return ix, nil
}

// Walk calls fn for the sentinel and then each record in forward chain
// order until fn returns false. A record that cannot be read is passed to fn
// with Err set and ends the walk. Walk never writes the device.
func (c *Checker) Walk(fn func(ChainEntry) bool) error {
	mbr, err := c.openSentinel()
	if err != nil {
		return err
	}
	defer c.cache.Release(mbr)

	if !fn(ChainEntry{LBA: SectorMBR, Record: mbr.Record}) {
		return nil
	}

	err = c.walkChain(mbr, func(h *Handle) (bool, error) {
		return fn(ChainEntry{LBA: h.LBA, Record: h.Record}), nil
	})
	var re *RecordError
	if errors.As(err, &re) {
		fn(ChainEntry{LBA: re.LBA, Err: re})
		return nil
	}
	return err
}
