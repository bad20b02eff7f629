package apachk

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// FaultClass is the orchestrator's reading of a verification result
type FaultClass int

const (
	FaultSingle     FaultClass = iota // both scans stopped at the same record
	FaultRange                        // forward fault precedes backward fault
	FaultDisordered                   // scans disagree on ordering
)

func (f FaultClass) String() string {
	switch f {
	case FaultSingle:
		return "single"
	case FaultRange:
		return "range"
	case FaultDisordered:
		return "disordered"
	default:
		return "unknown"
	}
}

// MarshalText lets reports print the class by name
func (f FaultClass) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// classify reads a fault state; it is only called with ErrA != 0
func classify(state RepairState) FaultClass {
	switch {
	case state.ErrA == state.ErrB:
		return FaultSingle
	case state.ErrB != 0 && state.ErrA < state.ErrB:
		return FaultRange
	default:
		return FaultDisordered
	}
}

// RepairAction is what the orchestrator did about one fault
type RepairAction int

const (
	ActionRecover RepairAction = iota // faulty records rebuilt as sub-partitions
	ActionCarve                       // unreadable span replaced by empty partitions
	ActionUnlink                      // chain cut before the fault
	ActionNukeAll                     // chain cut at the last verified record, discarding the rest
)

func (a RepairAction) String() string {
	switch a {
	case ActionRecover:
		return "recover"
	case ActionCarve:
		return "carve"
	case ActionUnlink:
		return "unlink"
	case ActionNukeAll:
		return "nuke-all"
	default:
		return "unknown"
	}
}

// MarshalText lets reports print the action by name
func (a RepairAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// RepairStep records one classified iteration of the repair loop
type RepairStep struct {
	State  RepairState  `json:"state"`
	Class  FaultClass   `json:"class"`
	Action RepairAction `json:"action"`
}

// RepairResult summarises one repair invocation
type RepairResult struct {
	Attempts   int              `json:"attempts"`
	Steps      []RepairStep     `json:"steps,omitempty"`
	Recovered  []uint32         `json:"recovered,omitempty"`
	Carved     []Extent         `json:"carved,omitempty"`
	Unlinked   []uint32         `json:"unlinked,omitempty"`
	Pruned     int              `json:"pruned"`
	CrossCheck CrossCheckReport `json:"crosscheck"`
	Exhausted  bool             `json:"exhausted"`
	DryRun     bool             `json:"dry_run,omitempty"`
}

// Clean reports whether the invocation found nothing to fix
func (r *RepairResult) Clean() bool {
	return r.Attempts == 0 && r.Pruned == 0 && r.CrossCheck.Clean()
}

// isTail reports whether lba is the record the sentinel names as last
func isTail(mbr *Handle, lba uint32) bool {
	return lba != 0 && mbr.Record.Prev == lba
}

// carveOrUnlink replaces the span between the two faults with empty
// partitions, or cuts the chain when the span cannot be carved
func (c *Checker) carveOrUnlink(mbr *Handle, state *RepairState, tail bool, result *RepairResult) (RepairAction, error) {
	if !tail && state.ErrBPrev > state.ErrA {
		carved, err := c.carveEmptySpan(state, state.ErrAPrev, state.ErrA, state.ErrBPrev-state.ErrA)
		result.Carved = append(result.Carved, carved...)
		if err == nil {
			return ActionCarve, nil
		}
		if !errors.Is(err, ErrUnalignedSpan) && !isRecordFault(err) {
			return ActionCarve, err
		}
		VerboseLog(1, "cannot carve span at 0x%08x: %v", state.ErrA, err)
	} else if !tail {
		VerboseLog(1, "backward predecessor 0x%08x does not follow fault 0x%08x", state.ErrBPrev, state.ErrA)
	}

	unlinked, err := c.removeBadPartitions(mbr, state)
	result.Unlinked = append(result.Unlinked, unlinked...)
	return ActionUnlink, err
}

// step applies one classified action to the current fault state
func (c *Checker) step(mbr *Handle, state *RepairState, class FaultClass, result *RepairResult) (RepairAction, error) {
	if class == FaultDisordered {
		VerboseLog(1, "partition chain too damaged to localise, discard everything after 0x%08x", state.ErrAPrev)
		unlinked, err := c.removeBadPartitions(mbr, state)
		result.Unlinked = append(result.Unlinked, unlinked...)
		return ActionNukeAll, err
	}

	before := *state
	recovered, err := c.recoverIfSub(mbr, state)
	result.Recovered = append(result.Recovered, recovered...)
	if err != nil {
		return ActionRecover, err
	}
	if state.ErrA != before.ErrA || state.ErrB != before.ErrB {
		return ActionRecover, nil
	}

	tail := isTail(mbr, state.ErrA)
	if class == FaultRange {
		tail = tail || isTail(mbr, state.ErrB)
	}
	return c.carveOrUnlink(mbr, state, tail, result)
}

// repair runs the bounded verify/classify loop and the finalize step
// against the checker's device
func (c *Checker) repair() (*RepairResult, error) {
	defer VerboseEnter()()
	result := &RepairResult{}

	mbr, err := c.openSentinel()
	if err != nil {
		return result, err
	}
	defer c.cache.Release(mbr)

	var state RepairState
	for {
		if _, err := c.verify(mbr, &state); err != nil {
			return result, fmt.Errorf("verification failed: %w", err)
		}
		if state.ErrA == 0 {
			break
		}
		if result.Attempts >= c.opts.MaxAttempts {
			VerboseLog(1, "giving up after %d repair attempts, %s", result.Attempts, state)
			result.Exhausted = true
			break
		}

		class := classify(state)
		VerboseLog(1, "repair attempt %d: %s fault, %s", result.Attempts+1, class, state)
		stepState := state
		action, err := c.step(mbr, &state, class, result)
		result.Attempts++
		result.Steps = append(result.Steps, RepairStep{State: stepState, Class: class, Action: action})
		if err != nil {
			return result, fmt.Errorf("repair %s failed: %w", action, err)
		}
	}

	return result, c.finalize(mbr, result)
}

// finalize clears the error marker, prunes free records and cross-checks
// main/sub relationships
func (c *Checker) finalize(mbr *Handle, result *RepairResult) error {
	var errs *multierror.Error

	if err := EraseSector(c.dev, SectorErrorMarker); err != nil {
		errs = multierror.Append(errs, err)
	}

	pruned, err := c.pruneFree(mbr)
	result.Pruned = pruned
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to prune free partitions: %w", err))
	}

	report, err := c.crossCheck(mbr)
	result.CrossCheck = report
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("cross-check failed: %w", err))
	}

	if result.Exhausted {
		errs = multierror.Append(errs, ErrRepairExhausted)
	}
	return errs.ErrorOrNil()
}

// Repair restores a valid partition chain on the device. Record faults are
// repaired around; the error reports fatal preconditions, device write
// failures, a cross-check abort or exhaustion of the attempt budget
// (ErrRepairExhausted), in which case the result is still filled in.
func (c *Checker) Repair() (*RepairResult, error) {
	VerboseLog(1, "check the partition chain")
	result, err := c.repair()
	if err == nil {
		VerboseLog(1, "check done, %d attempts", result.Attempts)
	}
	return result, err
}

// Check reports what Repair would do without writing the device. Changes are
// made on a copy-on-write overlay that is discarded afterwards.
func (c *Checker) Check() (*RepairResult, error) {
	overlay := NewOverlayDevice(c.dev)
	shadow := &Checker{
		dev:   overlay,
		cache: NewRecordCache(overlay),
		opts:  c.opts,
		info:  c.info,
		now:   c.now,
	}

	result, err := shadow.repair()
	result.DryRun = true
	VerboseLog(2, "check: %d sectors would be written", overlay.Written())
	return result, err
}
