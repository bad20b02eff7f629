package apachk

import (
	"fmt"
)

// Extent is one aligned empty partition produced by the carver
type Extent struct {
	Start  uint32 `json:"start"`
	Length uint32 `json:"length"`
}

func (e Extent) String() string {
	return fmt.Sprintf("0x%08x+0x%x", e.Start, e.Length)
}

// planCarve splits [start, start+span) into extents whose start is a multiple
// of their power-of-two length, never shorter than minSize and never longer
// than maxSize. Nothing is planned when the span cannot be covered exactly.
func planCarve(start, span, minSize, maxSize uint32) ([]Extent, error) {
	var plan []Extent
	for span != 0 {
		sz := highestPowerOfTwo(span)
		if maxSize != 0 && sz > maxSize {
			sz = highestPowerOfTwo(maxSize)
		}
		for sz >= minSize && start%sz != 0 {
			sz >>= 1
		}
		if sz < minSize {
			return nil, fmt.Errorf("%w: 0x%x sectors left at 0x%08x", ErrUnalignedSpan, span, start)
		}

		plan = append(plan, Extent{Start: start, Length: sz})
		start += sz
		span -= sz
	}
	return plan, nil
}

// carveEmptySpan replaces the unreadable span [start, start+span) that follows
// parent with aligned free records, splicing each one in after the previous.
// The last carved record points at start+span, which the next verify pass
// links back. Both fault slots are cleared on success.
func (c *Checker) carveEmptySpan(state *RepairState, parent, start, span uint32) ([]Extent, error) {
	defer VerboseEnter()()
	VerboseLBA(1, start, "make unreadable partition as empty, 0x%x sectors after 0x%08x", span, parent)

	plan, err := planCarve(start, span, c.opts.MinCarveSectors, c.info.MaxPartSize)
	if err != nil {
		return nil, err
	}

	p, err := c.cache.Get(parent)
	if err != nil {
		return nil, err
	}

	for i, ext := range plan {
		h := c.cache.GetForWrite(ext.Start)
		*h.Record = *NewFreeRecord(ext.Start, ext.Start+ext.Length, p.Record.Start, ext.Length, c.now())
		c.cache.MarkDirty(h)

		p.Record.Next = ext.Start
		c.cache.MarkDirty(p)

		if err := c.flush(); err != nil {
			c.cache.Release(h)
			c.cache.Release(p)
			return plan[:i], err
		}
		if IsDebugEnabled("carve") {
			VerboseLBA(2, ext.Start, "carved %s", ext)
		}

		c.cache.Release(p)
		p = h
	}
	c.cache.Release(p)

	state.Clear()
	return plan, nil
}

// CarveEmptySpan converts an unreadable span into aligned empty partitions
// linked after parent and returns the extents written
func (c *Checker) CarveEmptySpan(state *RepairState, parent, start, span uint32) ([]Extent, error) {
	mbr, err := c.openSentinel()
	if err != nil {
		return nil, err
	}
	defer c.cache.Release(mbr)

	plan, err := c.carveEmptySpan(state, parent, start, span)
	if err != nil {
		return plan, fmt.Errorf("failed to carve span at 0x%08x: %w", start, err)
	}
	return plan, nil
}
