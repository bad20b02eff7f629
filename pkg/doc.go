// Package apachk checks and repairs APA partition chains.
//
// An APA device holds its partitions as a doubly-linked chain of 1024-byte
// records anchored by a sentinel record at sector 0. Each main partition may
// declare up to 64 sub-partitions, which live in the same chain.
//
// # Core API
//
// The main entry point is Checker, built over any BlockDevice:
//
//	c, dev, err := apachk.OpenChecker("/dev/sdb", false, apachk.DefaultOptions())
//	defer dev.Close()
//
// Repair the chain, leaving it traversable in both directions:
//
//	result, err := c.Repair()
//	if errors.Is(err, apachk.ErrRepairExhausted) {
//		fmt.Printf("gave up after %d attempts\n", result.Attempts)
//	}
//
// Report what a repair would do without writing anything:
//
//	result, err := c.Check()
//
// # Repair model
//
// Each pass verifies the chain forward and backward, healing mismatched
// back pointers on the way. Unreadable records are rebuilt when a surviving
// main partition declares them as a sub-partition, otherwise the unreadable
// span is replaced with aligned empty partitions or the chain is cut before
// it. Free partitions are then pruned and main/sub relationships
// cross-checked.
//
// # Configuration
//
// Enable debug output:
//
//	apachk.SetDebugFlags("verify,carve")
//	apachk.SetVerboseLevel(2)
package apachk
