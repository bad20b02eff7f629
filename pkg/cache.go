package apachk

import (
	"cmp"
	"fmt"

	"github.com/hashicorp/go-multierror"
	zcsl "github.com/mattkeenan/zerocopyskiplist"
)

// Handle is a cached partition record. Two Gets of the same LBA return the
// same Handle while either is still referenced or the record is dirty, so a
// change made through one holder is seen by every other holder.
type Handle struct {
	LBA    uint32
	Record *Record
	refs   int
}

// RecordCache is the record accessor used by the checker. Handles live in a
// skiplist keyed by LBA; the skiplist context marks a handle clean or dirty,
// and FlushAllDirty writes dirty records in ascending LBA order.
type RecordCache struct {
	dev    BlockDevice
	index  *zcsl.ZeroCopySkiplist[Handle, uint32, string]
	reads  int
	writes int
}

func newHandleIndex() *zcsl.ZeroCopySkiplist[Handle, uint32, string] {
	getKeyFromItem := func(h *Handle) uint32 {
		return h.LBA
	}
	getItemSize := func(h *Handle) int {
		return RecordSize
	}
	return zcsl.MakeZeroCopySkiplist[Handle, uint32, string](16, getKeyFromItem, getItemSize, cmp.Compare[uint32])
}

// NewRecordCache creates an empty cache over dev
func NewRecordCache(dev BlockDevice) *RecordCache {
	return &RecordCache{
		dev:   dev,
		index: newHandleIndex(),
	}
}

// lookup returns the cached handle for lba and its context
func (c *RecordCache) lookup(lba uint32) (*Handle, string) {
	itemPtr, context := c.index.Find(lba)
	if itemPtr == nil {
		return nil, ""
	}
	return itemPtr.Item(), context
}

// Get fetches the record at lba. A read failure, bad magic or bad checksum is
// reported as a *RecordError, which matches ErrRecordUnreadable.
func (c *RecordCache) Get(lba uint32) (*Handle, error) {
	if h, _ := c.lookup(lba); h != nil {
		h.refs++
		return h, nil
	}

	buf := make([]byte, RecordSize)
	if err := c.dev.ReadSectors(lba, buf); err != nil {
		return nil, &RecordError{LBA: lba, Reason: err}
	}
	c.reads++

	rec, err := DecodeRecord(buf)
	if err != nil {
		return nil, &RecordError{LBA: lba, Reason: err}
	}

	h := &Handle{LBA: lba, Record: rec, refs: 1}
	c.index.Insert(h, CleanContext)
	return h, nil
}

// GetForWrite returns a handle for a record that the caller will rewrite
// completely. Nothing is read from the device; an uncached record starts zeroed.
func (c *RecordCache) GetForWrite(lba uint32) *Handle {
	if h, _ := c.lookup(lba); h != nil {
		h.refs++
		return h
	}

	h := &Handle{LBA: lba, Record: &Record{}, refs: 1}
	c.index.Insert(h, CleanContext)
	return h
}

// MarkDirty schedules h for the next FlushAllDirty
func (c *RecordCache) MarkDirty(h *Handle) {
	c.index.UpdateContext(h.LBA, DirtyContext)
}

// IsDirty reports whether h has unflushed changes
func (c *RecordCache) IsDirty(h *Handle) bool {
	_, context := c.lookup(h.LBA)
	return context == DirtyContext
}

// Release drops a reference. Clean unreferenced handles are evicted; dirty
// ones stay until flushed.
func (c *RecordCache) Release(h *Handle) {
	if h == nil {
		return
	}
	if h.refs > 0 {
		h.refs--
	}
	if h.refs == 0 {
		if _, context := c.lookup(h.LBA); context == CleanContext {
			c.index.Delete(h.LBA)
		}
	}
}

// FlushAllDirty writes every dirty record and syncs the device. Records that
// fail to write stay dirty; all failures are returned together.
func (c *RecordCache) FlushAllDirty() error {
	var dirty []*Handle
	for current := c.index.First(); current != nil; current = current.Next() {
		if current.Context() == DirtyContext {
			dirty = append(dirty, current.Item())
		}
	}
	if len(dirty) == 0 {
		return nil
	}

	var errs *multierror.Error
	for _, h := range dirty {
		buf, err := h.Record.Encode()
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := c.dev.WriteSectors(h.LBA, buf); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to write record 0x%08x: %w", h.LBA, err))
			continue
		}
		c.writes++

		c.index.UpdateContext(h.LBA, CleanContext)
		if h.refs == 0 {
			c.index.Delete(h.LBA)
		}
		if IsDebugEnabled("cache") {
			VerboseLBA(3, h.LBA, "flushed %s", h.Record)
		}
	}

	if err := c.dev.Flush(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Len returns the number of cached handles
func (c *RecordCache) Len() int {
	return c.index.Length()
}

// Stats returns the number of record reads and writes issued to the device
func (c *RecordCache) Stats() (reads, writes int) {
	return c.reads, c.writes
}

// Invalidate forgets every handle, dirty or not. Used after the device has
// been rewritten underneath the cache.
func (c *RecordCache) Invalidate() {
	c.index = newHandleIndex()
}
