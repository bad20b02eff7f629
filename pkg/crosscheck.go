package apachk

import (
	"fmt"
)

// Truncation records a main partition whose subs table was cut short
type Truncation struct {
	Main uint32 `json:"main"`
	From uint32 `json:"from"` // nsub before
	To   uint32 `json:"to"`   // nsub after
}

// CrossCheckReport lists the structural fixes made by CrossCheck
type CrossCheckReport struct {
	Truncated  []Truncation `json:"truncated,omitempty"`
	Deleted    []uint32     `json:"deleted,omitempty"`
	Renumbered []uint32     `json:"renumbered,omitempty"`
}

// Clean reports whether the cross-check changed nothing
func (r *CrossCheckReport) Clean() bool {
	return len(r.Truncated) == 0 && len(r.Deleted) == 0 && len(r.Renumbered) == 0
}

// deletePartition unlinks the record at lba from the chain
func (c *Checker) deletePartition(lba uint32) error {
	h, err := c.cache.Get(lba)
	if err != nil {
		return err
	}
	defer c.cache.Release(h)
	return c.unlink(h)
}

// truncateSubs checks every declared sub of one main against the index.
// The first missing sub cuts nsub at its position and every later sub still
// present in the chain is deleted.
func (c *Checker) truncateSubs(lba uint32, ix *PartitionIndex, report *CrossCheckReport) error {
	main, err := c.cache.Get(lba)
	if err != nil {
		return err
	}
	defer c.cache.Release(main)

	declared := append([]SubEntry(nil), main.Record.DeclaredSubs()...)
	truncated := false
	for i, sub := range declared {
		present := ix.HasSub(sub.Start)
		if !truncated {
			if present {
				continue
			}
			VerboseLBA(1, lba, "sub partition 0x%08x is missing, nsub %d -> %d", sub.Start, main.Record.NSub, i)
			report.Truncated = append(report.Truncated, Truncation{Main: lba, From: main.Record.NSub, To: uint32(i)})
			main.Record.NSub = uint32(i)
			c.cache.MarkDirty(main)
			if err := c.flush(); err != nil {
				return err
			}
			truncated = true
			continue
		}

		if present {
			VerboseLBA(1, sub.Start, "delete sub partition orphaned by truncation of 0x%08x", lba)
			if err := c.deletePartition(sub.Start); err != nil {
				return err
			}
			report.Deleted = append(report.Deleted, sub.Start)
			ix.dropSub(sub.Start)
		}
	}
	return nil
}

// checkSubOwner confirms that the sub at lba is declared by the main it names
func (c *Checker) checkSubOwner(lba uint32, ix *PartitionIndex, report *CrossCheckReport) error {
	sub, err := c.cache.Get(lba)
	if err != nil {
		return err
	}
	defer c.cache.Release(sub)

	if !ix.HasMain(sub.Record.Main) {
		VerboseLBA(1, lba, "main partition 0x%08x of this sub partition is not found, delete it", sub.Record.Main)
		if err := c.unlink(sub); err != nil {
			return err
		}
		report.Deleted = append(report.Deleted, lba)
		return nil
	}

	main, err := c.cache.Get(sub.Record.Main)
	if err != nil {
		return err
	}
	defer c.cache.Release(main)

	idx := main.Record.SubIndex(lba)
	if idx < 0 {
		VerboseLBA(1, lba, "main partition 0x%08x does not declare this sub partition, delete it", sub.Record.Main)
		if err := c.unlink(sub); err != nil {
			return err
		}
		report.Deleted = append(report.Deleted, lba)
		return nil
	}

	if want := uint32(idx + 1); sub.Record.Number != want {
		VerboseLBA(1, lba, "sub partition number %d, fix it to %d", sub.Record.Number, want)
		sub.Record.Number = want
		c.cache.MarkDirty(sub)
		if err := c.flush(); err != nil {
			return err
		}
		report.Renumbered = append(report.Renumbered, lba)
	}
	return nil
}

// crossCheck makes main and sub partitions agree with each other. A record
// that cannot be fetched aborts the pass.
func (c *Checker) crossCheck(mbr *Handle) (CrossCheckReport, error) {
	defer VerboseEnter()()
	var report CrossCheckReport

	ix, err := c.indexPartitions(mbr)
	if err != nil {
		return report, err
	}
	for _, lba := range ix.Mains {
		if err := c.truncateSubs(lba, &ix, &report); err != nil {
			return report, err
		}
	}

	ix, err = c.indexPartitions(mbr)
	if err != nil {
		return report, err
	}
	for _, lba := range ix.Subs {
		if err := c.checkSubOwner(lba, &ix, &report); err != nil {
			return report, err
		}
	}

	if IsDebugEnabled("crosscheck") {
		VerboseLog(2, "crosscheck: %d truncated, %d deleted, %d renumbered", len(report.Truncated), len(report.Deleted), len(report.Renumbered))
	}
	return report, nil
}

// CrossCheck validates main/sub relationships across the chain
func (c *Checker) CrossCheck() (CrossCheckReport, error) {
	mbr, err := c.openSentinel()
	if err != nil {
		return CrossCheckReport{}, err
	}
	defer c.cache.Release(mbr)

	report, err := c.crossCheck(mbr)
	if err != nil {
		return report, fmt.Errorf("cross-check failed: %w", err)
	}
	return report, nil
}
