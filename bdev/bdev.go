// Package bdev is the block-device contract the rest of this core consumes
// (spec.md §6): sector-sized read/write and a sector count, plus the
// concrete disks needed to exercise it in tests. The request/ack-channel
// shape is adapted from the teacher's fs/blk.go (Bdev_block_t, Bdev_req_t,
// Disk_i) and ufs/driver.go's ahci_disk_t, trimmed to the sector size and
// scope this spec actually needs.
package bdev

import (
	"fmt"
	"os"
	"sync"
)

// SectorSize is the canonical on-disk unit, per spec.md §3.
const SectorSize = 512

// Sector is one fixed-size block of device storage.
type Sector [SectorSize]byte

// Cmd_t enumerates disk request types.
type Cmd_t uint

const (
	CmdRead  Cmd_t = 1
	CmdWrite Cmd_t = 2
)

// Request_t describes a single block device request. AckCh is closed by the
// disk once the request completes.
type Request_t struct {
	Cmd    Cmd_t
	Sector uint32
	Buf    *Sector
	AckCh  chan struct{}
}

// MkRequest allocates a request for one sector.
func MkRequest(cmd Cmd_t, sector uint32, buf *Sector) *Request_t {
	return &Request_t{Cmd: cmd, Sector: sector, Buf: buf, AckCh: make(chan struct{})}
}

// Disk_i is the contract every block device adapter satisfies.
type Disk_i interface {
	// Start services req, synchronously performing the I/O, then closes
	// req.AckCh. Start may be called concurrently for different sectors.
	Start(req *Request_t)
	// NumSectors reports the device's capacity.
	NumSectors() uint32
}

// Read is a synchronous convenience wrapper around Start for a read.
func Read(d Disk_i, sector uint32, dst *Sector) {
	req := MkRequest(CmdRead, sector, dst)
	d.Start(req)
	<-req.AckCh
}

// Write is a synchronous convenience wrapper around Start for a write.
func Write(d Disk_i, sector uint32, src *Sector) {
	req := MkRequest(CmdWrite, sector, src)
	d.Start(req)
	<-req.AckCh
}

// MemDisk_t is an in-memory block device, useful for unit tests that don't
// need durability across process restarts.
type MemDisk_t struct {
	mu    sync.Mutex
	sects []Sector
}

// NewMemDisk allocates a zero-filled in-memory disk of n sectors.
func NewMemDisk(n uint32) *MemDisk_t {
	return &MemDisk_t{sects: make([]Sector, n)}
}

func (m *MemDisk_t) Start(req *Request_t) {
	m.mu.Lock()
	if req.Sector >= uint32(len(m.sects)) {
		m.mu.Unlock()
		panic(fmt.Sprintf("bdev: sector %d out of range (%d sectors)", req.Sector, len(m.sects)))
	}
	switch req.Cmd {
	case CmdRead:
		*req.Buf = m.sects[req.Sector]
	case CmdWrite:
		m.sects[req.Sector] = *req.Buf
	default:
		m.mu.Unlock()
		panic("bdev: unknown command")
	}
	m.mu.Unlock()
	close(req.AckCh)
}

func (m *MemDisk_t) NumSectors() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.sects))
}

// FileDisk_t backs a block device with a regular host file, one sector per
// SectorSize-byte region, the way ufs/driver.go's ahci_disk_t wraps an
// *os.File. Seek+Read/Write are serialized so concurrent requests can't
// interleave their positioning.
type FileDisk_t struct {
	mu  sync.Mutex
	f   *os.File
	num uint32
}

// OpenFileDisk opens (or creates) path as a backing store of n sectors.
func OpenFileDisk(path string, n uint32) (*FileDisk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(n) * SectorSize); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDisk_t{f: f, num: n}, nil
}

func (fd *FileDisk_t) Start(req *Request_t) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if req.Sector >= fd.num {
		panic(fmt.Sprintf("bdev: sector %d out of range (%d sectors)", req.Sector, fd.num))
	}
	off := int64(req.Sector) * SectorSize
	switch req.Cmd {
	case CmdRead:
		if _, err := fd.f.ReadAt(req.Buf[:], off); err != nil {
			panic(err)
		}
	case CmdWrite:
		if _, err := fd.f.WriteAt(req.Buf[:], off); err != nil {
			panic(err)
		}
	default:
		panic("bdev: unknown command")
	}
	close(req.AckCh)
}

func (fd *FileDisk_t) NumSectors() uint32 {
	return fd.num
}

// Sync flushes the backing file to stable storage.
func (fd *FileDisk_t) Sync() error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.f.Sync()
}

// Close releases the backing file.
func (fd *FileDisk_t) Close() error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.f.Close()
}
