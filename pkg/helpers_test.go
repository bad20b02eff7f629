package apachk

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testSectors gives a maximum partition size of 0x100000 sectors
const testSectors = 1 << 26

const testType uint16 = 0x0100

var testNow = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

// newTestDevice returns a formatted in-memory device with an empty chain
func newTestDevice(t *testing.T) *MemoryDevice {
	t.Helper()
	dev := NewMemoryDevice(testSectors)
	require.NoError(t, Format(dev, testNow))
	return dev
}

// newTestChecker builds a checker with a fixed clock
func newTestChecker(t *testing.T, dev BlockDevice, opts Options) *Checker {
	t.Helper()
	c, err := NewChecker(dev, opts)
	require.NoError(t, err)
	c.now = func() time.Time { return testNow }
	return c
}

func mainRec(start, length uint32, subs ...SubEntry) *Record {
	rec := &Record{Start: start, Length: length, Type: testType, NSub: uint32(len(subs))}
	copy(rec.Subs[:], subs)
	return rec
}

func subRec(start, length, main, number uint32) *Record {
	return &Record{Start: start, Length: length, Type: testType, Flags: FlagSub, Main: main, Number: number}
}

func freeRec(start, length uint32) *Record {
	return &Record{Start: start, Length: length}
}

// writeRecord encodes rec at its own start LBA
func writeRecord(t *testing.T, dev BlockDevice, rec *Record) {
	t.Helper()
	rec.Magic = Magic
	buf, err := rec.Encode()
	require.NoError(t, err)
	require.NoError(t, dev.WriteSectors(rec.Start, buf))
}

// readRecord decodes the record at lba, failing the test if it is unreadable
func readRecord(t *testing.T, dev BlockDevice, lba uint32) *Record {
	t.Helper()
	buf := make([]byte, RecordSize)
	require.NoError(t, dev.ReadSectors(lba, buf))
	rec, err := DecodeRecord(buf)
	require.NoError(t, err)
	return rec
}

// layChain links recs in the given order behind the sentinel and writes them
func layChain(t *testing.T, dev BlockDevice, recs ...*Record) {
	t.Helper()
	mbr := readRecord(t, dev, SectorMBR)
	mbr.Next, mbr.Prev = 0, 0

	prev := SectorMBR
	for i, rec := range recs {
		rec.Prev = prev
		rec.Next = 0
		if i+1 < len(recs) {
			rec.Next = recs[i+1].Start
		}
		writeRecord(t, dev, rec)
		prev = rec.Start
	}
	if len(recs) > 0 {
		mbr.Next = recs[0].Start
		mbr.Prev = recs[len(recs)-1].Start
	}
	writeRecord(t, dev, mbr)
}

// corrupt overwrites the record at lba with garbage so it fails to decode
func corrupt(t *testing.T, dev BlockDevice, lba uint32) {
	t.Helper()
	require.NoError(t, dev.WriteSectors(lba, bytes.Repeat([]byte{0xa5}, RecordSize)))
}

// chainLBAs walks the chain forward and asserts that every back pointer and
// the sentinel's prev agree with it. It returns the LBAs in chain order.
func chainLBAs(t *testing.T, dev BlockDevice) []uint32 {
	t.Helper()
	mbr := readRecord(t, dev, SectorMBR)

	var lbas []uint32
	prev := SectorMBR
	for lba := mbr.Next; lba != 0; {
		require.Less(t, len(lbas), 128, "chain does not terminate")
		rec := readRecord(t, dev, lba)
		require.Equalf(t, prev, rec.Prev, "record 0x%08x prev", lba)
		require.Equalf(t, lba, rec.Start, "record 0x%08x start", lba)
		lbas = append(lbas, lba)
		prev = lba
		lba = rec.Next
	}
	require.Equal(t, prev, mbr.Prev, "sentinel prev")
	return lbas
}

// assertNoFree fails if any record in the chain is free
func assertNoFree(t *testing.T, dev BlockDevice) {
	t.Helper()
	for _, lba := range chainLBAs(t, dev) {
		require.Falsef(t, readRecord(t, dev, lba).IsFree(), "free record 0x%08x left in chain", lba)
	}
}
