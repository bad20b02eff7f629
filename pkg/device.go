package apachk

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BlockDevice is sector-addressed storage holding a partition chain
type BlockDevice interface {
	ReadSectors(lba uint32, buf []byte) error  // len(buf) must be a multiple of SectorSize
	WriteSectors(lba uint32, buf []byte) error // len(buf) must be a multiple of SectorSize
	Flush() error
	Sectors() uint64
	Close() error
}

// ImageDevice is a disk image file or block device node
type ImageDevice struct {
	Path     string
	file     *os.File
	fd       int
	sectors  uint64
	readOnly bool
}

// OpenImage opens path for sector I/O and takes an exclusive advisory lock on it.
// A second opener gets ErrDeviceBusy until Close is called.
func OpenImage(path string, readOnly bool) (*ImageDevice, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	file, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", path, err)
	}

	fd := int(file.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrDeviceBusy)
		}
		return nil, fmt.Errorf("failed to lock device %s: %w", path, err)
	}

	sectors, err := deviceSectors(file)
	if err != nil {
		unix.Flock(fd, unix.LOCK_UN)
		file.Close()
		return nil, err
	}

	VerboseLog(2, "Opened %s: %d sectors", path, sectors)

	return &ImageDevice{
		Path:     path,
		file:     file,
		fd:       fd,
		sectors:  sectors,
		readOnly: readOnly,
	}, nil
}

// deviceSectors returns the size in sectors of a regular file or block device
func deviceSectors(file *os.File) (uint64, error) {
	st, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat device: %w", err)
	}

	if st.Mode().IsRegular() {
		return uint64(st.Size()) / SectorSize, nil
	}

	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, file.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
		return 0, fmt.Errorf("BLKGETSIZE64 failed: %w", errno)
	}
	return size / SectorSize, nil
}

func checkTransfer(lba uint32, buf []byte, sectors uint64) error {
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return fmt.Errorf("transfer of %d bytes is not a whole number of sectors", len(buf))
	}
	if uint64(lba)+uint64(len(buf)/SectorSize) > sectors {
		return fmt.Errorf("transfer at 0x%08x runs past end of device (%d sectors)", lba, sectors)
	}
	return nil
}

// ReadSectors reads len(buf)/SectorSize sectors starting at lba
func (d *ImageDevice) ReadSectors(lba uint32, buf []byte) error {
	if err := checkTransfer(lba, buf, d.sectors); err != nil {
		return err
	}

	off := int64(lba) * SectorSize
	for done := 0; done < len(buf); {
		n, err := unix.Pread(d.fd, buf[done:], off+int64(done))
		if err != nil {
			return fmt.Errorf("failed to read sector 0x%08x: %w", lba, err)
		}
		if n == 0 {
			return fmt.Errorf("read at sector 0x%08x: %w", lba, ErrShortIO)
		}
		done += n
	}
	return nil
}

// WriteSectors writes buf starting at lba
func (d *ImageDevice) WriteSectors(lba uint32, buf []byte) error {
	if d.readOnly {
		return fmt.Errorf("device %s opened read-only", d.Path)
	}
	if err := checkTransfer(lba, buf, d.sectors); err != nil {
		return err
	}

	off := int64(lba) * SectorSize
	for done := 0; done < len(buf); {
		n, err := unix.Pwrite(d.fd, buf[done:], off+int64(done))
		if err != nil {
			return fmt.Errorf("failed to write sector 0x%08x: %w", lba, err)
		}
		if n == 0 {
			return fmt.Errorf("write at sector 0x%08x: %w", lba, ErrShortIO)
		}
		done += n
	}
	return nil
}

// Flush forces written sectors to stable storage
func (d *ImageDevice) Flush() error {
	if d.readOnly {
		return nil
	}
	if err := unix.Fsync(d.fd); err != nil {
		return fmt.Errorf("failed to sync device %s: %w", d.Path, err)
	}
	return nil
}

// Sectors returns the device size in sectors
func (d *ImageDevice) Sectors() uint64 {
	return d.sectors
}

// Close releases the lock and closes the device
func (d *ImageDevice) Close() error {
	if d.file == nil {
		return nil
	}
	unix.Flock(d.fd, unix.LOCK_UN)
	err := d.file.Close()
	d.file = nil
	if err != nil {
		return fmt.Errorf("failed to close device %s: %w", d.Path, err)
	}
	return nil
}

// CreateImage creates a sparse image file of the given size
func CreateImage(path string, sectors uint64) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create image %s: %w", path, err)
	}
	defer file.Close()

	if err := file.Truncate(int64(sectors) * SectorSize); err != nil {
		return fmt.Errorf("failed to size image %s: %w", path, err)
	}
	return nil
}

// MemoryDevice keeps sectors in memory. With a base device it acts as a
// copy-on-write overlay: reads fall through to base for sectors never written.
type MemoryDevice struct {
	mu         sync.Mutex
	base       BlockDevice
	sectors    uint64
	data       map[uint32][]byte
	readErrors map[uint32]error
}

// NewMemoryDevice creates an empty in-memory device; unwritten sectors read as zero
func NewMemoryDevice(sectors uint64) *MemoryDevice {
	return &MemoryDevice{
		sectors:    sectors,
		data:       make(map[uint32][]byte),
		readErrors: make(map[uint32]error),
	}
}

// NewOverlayDevice wraps base so that writes never reach it
func NewOverlayDevice(base BlockDevice) *MemoryDevice {
	dev := NewMemoryDevice(base.Sectors())
	dev.base = base
	return dev
}

// InjectReadError makes every read touching lba fail with err, even after rewrites
func (m *MemoryDevice) InjectReadError(lba uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.readErrors, lba)
		return
	}
	m.readErrors[lba] = err
}

// ReadSectors reads from the overlay, the base device or zeroes
func (m *MemoryDevice) ReadSectors(lba uint32, buf []byte) error {
	if err := checkTransfer(lba, buf, m.sectors); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < len(buf)/SectorSize; i++ {
		sector := lba + uint32(i)
		if err, ok := m.readErrors[sector]; ok {
			return fmt.Errorf("failed to read sector 0x%08x: %w", sector, err)
		}

		dst := buf[i*SectorSize : (i+1)*SectorSize]
		if src, ok := m.data[sector]; ok {
			copy(dst, src)
			continue
		}
		if m.base != nil {
			if err := m.base.ReadSectors(sector, dst); err != nil {
				return err
			}
			continue
		}
		clear(dst)
	}
	return nil
}

// WriteSectors stores copies of the written sectors
func (m *MemoryDevice) WriteSectors(lba uint32, buf []byte) error {
	if err := checkTransfer(lba, buf, m.sectors); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < len(buf)/SectorSize; i++ {
		sector := make([]byte, SectorSize)
		copy(sector, buf[i*SectorSize:])
		m.data[lba+uint32(i)] = sector
	}
	return nil
}

// Flush is a no-op for memory devices
func (m *MemoryDevice) Flush() error {
	return nil
}

// Sectors returns the device size in sectors
func (m *MemoryDevice) Sectors() uint64 {
	return m.sectors
}

// Close discards nothing; the base device is left open
func (m *MemoryDevice) Close() error {
	return nil
}

// Written returns the number of sectors held by the overlay
func (m *MemoryDevice) Written() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// EraseSector writes an all-zero sector at lba and forces a flush
func EraseSector(dev BlockDevice, lba uint32) error {
	zero := make([]byte, SectorSize)
	if err := dev.WriteSectors(lba, zero); err != nil {
		return fmt.Errorf("failed to erase sector 0x%08x: %w", lba, err)
	}
	if err := dev.Flush(); err != nil {
		return fmt.Errorf("failed to flush after erasing sector 0x%08x: %w", lba, err)
	}
	return nil
}

// DeviceStatus tracks whether a device may be checked
type DeviceStatus int

const (
	StatusReady       DeviceStatus = iota // present, accessible and formatted
	StatusUnformatted                     // sentinel unreadable or missing the MBR magic
	StatusTooSmall                        // smaller than one minimum partition
)

func (s DeviceStatus) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusUnformatted:
		return "unformatted"
	case StatusTooSmall:
		return "too small"
	default:
		return "unknown"
	}
}

// DeviceInfo summarises a probed device
type DeviceInfo struct {
	Sectors     uint64
	MaxPartSize uint32
	Status      DeviceStatus
}

// PartitionMax returns the largest partition size allowed on a device of the given
// size: the highest power of two not above sectors/64, never below minSize.
func PartitionMax(sectors uint64, minSize uint32) uint32 {
	limit := sectors >> 6
	if limit > uint64(1)<<31 {
		limit = uint64(1) << 31
	}
	size := highestPowerOfTwo(uint32(limit))
	if size < minSize {
		size = minSize
	}
	return size
}

// ProbeDevice determines whether dev holds a formatted partition chain
func ProbeDevice(dev BlockDevice, minSize uint32) DeviceInfo {
	info := DeviceInfo{
		Sectors:     dev.Sectors(),
		MaxPartSize: PartitionMax(dev.Sectors(), minSize),
		Status:      StatusUnformatted,
	}

	if info.Sectors < uint64(minSize) {
		info.Status = StatusTooSmall
		return info
	}

	buf := make([]byte, RecordSize)
	if err := dev.ReadSectors(SectorMBR, buf); err != nil {
		VerboseLog(1, "Probe: cannot read sentinel: %v", err)
		return info
	}
	rec, err := DecodeRecord(buf)
	if err != nil {
		VerboseLog(1, "Probe: invalid sentinel: %v", err)
		return info
	}
	if !rec.IsFormatted() {
		VerboseLog(1, "Probe: sentinel does not carry the MBR magic")
		return info
	}

	info.Status = StatusReady
	return info
}
