package apachk

import (
	"errors"
	"fmt"
)

var (
	ErrRecordUnreadable   = errors.New("partition record unreadable")
	ErrCrossLinked        = errors.New("cross-linked partition")
	ErrNotReady           = errors.New("device not ready")
	ErrSentinelUnreadable = errors.New("cannot read mbr partition")
	ErrRepairExhausted    = errors.New("repair attempts exhausted, chain may remain inconsistent")
	ErrUnalignedSpan      = errors.New("span cannot be carved into aligned empty partitions")
	ErrDeviceBusy         = errors.New("device is locked by another process")
	ErrShortIO            = errors.New("short sector transfer")
)

// RecordError describes a record that could not be fetched at a given LBA.
// It always matches ErrRecordUnreadable; Reason carries the underlying cause.
type RecordError struct {
	LBA    uint32
	Reason error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("partition record at 0x%08x: %v", e.LBA, e.Reason)
}

func (e *RecordError) Is(target error) bool {
	return target == ErrRecordUnreadable
}

func (e *RecordError) Unwrap() error {
	return e.Reason
}

// isRecordFault reports whether err is a per-record fault the orchestrator can repair
// around, as opposed to a device level failure.
func isRecordFault(err error) bool {
	var re *RecordError
	return errors.As(err, &re)
}
