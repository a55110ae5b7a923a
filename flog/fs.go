// Package flog implements a log-structured filesystem for raw NAND
// flash. Files are append-only streams stored as chains of blocks; each
// block is sealed by a tail sector naming its successor, and deletion
// writes invalidation sectors that a later allocation reclaims. All
// consistency across power loss is reconstructed by Mount from the
// flash contents alone.
//
// Lock order, outermost first: fs lock, flash lock, allocate lock.
package flog

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tchajed/goose/machine"

	"github.com/mit-pdos/flogfs/alloc"
	"github.com/mit-pdos/flogfs/cache"
	"github.com/mit-pdos/flogfs/common"
	"github.com/mit-pdos/flogfs/flash"
	"github.com/mit-pdos/flogfs/layout"
	"github.com/mit-pdos/flogfs/util"
)

const (
	stateReset   uint32 = 0
	stateMounted uint32 = 1
)

// dirtyBlock records the single allocated-but-uncommitted block. While
// set, the owning write handle sits at sector 0 of the block and the
// block is not yet a legitimate part of any file; it is flushed before
// every new allocation.
type dirtyBlock struct {
	block  uint64
	file   *WriteFile
	erased bool
}

type FS struct {
	mu      sync.Mutex // directory ops, handles, t, maxFileID
	allocMu sync.Mutex // prealloc, allocateHead, dirty block; innermost

	dev flash.Flash
	c   *cache.Cache

	state uint32

	readFiles  []*ReadFile
	writeFiles []*WriteFile

	maxFileID    uint64
	meanBlockAge uint64
	prealloc     alloc.Prealloc

	// t is the most recent timestamp; pre-increment to stamp a new
	// operation.
	t uint64

	inode0        uint64
	numFiles      uint64
	numFreeBlocks uint64

	dirty        dirtyBlock
	allocateHead uint64
}

// Stats is a point-in-time snapshot of filesystem occupancy.
type Stats struct {
	NumFiles      uint64
	NumFreeBlocks uint64
	MeanBlockAge  uint64
}

func New(dev flash.Flash) *FS {
	fs := &FS{
		dev:   dev,
		c:     cache.New(dev),
		state: stateReset,
	}
	fs.dirty.block = common.BlockIdxInvalid
	return fs
}

// Init prepares the driver. Call once before Format or Mount.
func (fs *FS) Init() error {
	return fs.dev.Init()
}

// Format erases every non-bad block and installs inode block zero. The
// filesystem must not be mounted.
func (fs *FS) Format() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.state == stateMounted {
		return ErrMounted
	}
	fs.dev.Lock()
	defer fs.dev.Unlock()

	firstValid := common.BlockIdxInvalid
	for i := uint64(0); i < common.NumBlocks; i++ {
		if err := fs.c.OpenPage(i, 0); err != nil {
			continue
		}
		if fs.dev.BlockIsBad() {
			continue
		}
		if err := fs.c.EraseBlock(i); err != nil {
			return errors.Wrap(err, "format")
		}
		if firstValid == common.BlockIdxInvalid {
			firstValid = i
		}
	}
	if firstValid == common.BlockIdxInvalid {
		return errors.Wrap(ErrCorrupt, "format: no usable blocks")
	}

	hdr := layout.InodeSector0Header{Age: 0, Timestamp: 0}
	if err := fs.c.WriteSector(firstValid, 0, 0, hdr.Encode()); err != nil {
		return errors.Wrap(err, "format")
	}
	sp := layout.Spare{TypeID: common.BlockTypeInode, Value: 0}
	if err := fs.c.WriteSpare(firstValid, 0, sp.Encode()); err != nil {
		return errors.Wrap(err, "format")
	}
	if err := fs.c.Commit(); err != nil {
		return errors.Wrap(err, "format")
	}
	util.DPrintf(1, "format: inode0 at block %d", firstValid)
	return nil
}

// Mount scans every block once to rebuild in-RAM state, repairs any
// partially completed allocation or deletion, and marks the filesystem
// mounted. Mounting a mounted filesystem is a no-op.
func (fs *FS) Mount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.state == stateMounted {
		return nil
	}
	fs.dev.Lock()
	defer fs.dev.Unlock()
	return fs.mountLocked()
}

// pendingOp tracks the most recent allocation or deletion seen during
// the mount scan; the freshest one may need repair.
type pendingOp struct {
	block     uint64 // allocation: the claimed block
	age       uint64
	fileID    uint64
	timestamp uint64

	firstBlock uint64 // deletion only
	lastBlock  uint64
}

func (fs *FS) mountLocked() error {
	var lastAlloc pendingOp
	var lastDel pendingOp
	lastDel.fileID = common.FileIDInvalid

	inode0Idx := common.BlockIdxInvalid
	maxT := uint64(0)
	ageSum := uint64(0)
	agedBlocks := uint64(0)

	fs.numFreeBlocks = 0
	fs.numFiles = 0
	fs.maxFileID = 0
	fs.allocateHead = 0
	fs.prealloc.Reset()
	fs.dirty = dirtyBlock{block: common.BlockIdxInvalid}
	fs.readFiles = nil
	fs.writeFiles = nil

	// Pass 1: block census. Everything needed lives in page 0.
	for i := uint64(0); i < common.NumBlocks; i++ {
		if err := fs.c.OpenPage(i, 0); err != nil {
			continue
		}
		if fs.dev.BlockIsBad() {
			util.DPrintf(1, "mount: skipping bad block %d", i)
			continue
		}
		sp, err := fs.readSpare(i, 0)
		if err != nil {
			return errors.Wrap(err, "mount")
		}

		switch sp.TypeID {
		case common.BlockTypeInode:
			invTS, err := fs.readU64(i, common.InvalidationSector, 0)
			if err != nil {
				return errors.Wrap(err, "mount")
			}
			var hdrBuf [layout.InodeSector0HeaderSize]byte
			if err := fs.c.ReadSector(i, 0, 0, hdrBuf[:]); err != nil {
				return errors.Wrap(err, "mount")
			}
			hdr := layout.DecodeInodeSector0Header(hdrBuf[:])
			if invTS == common.TimestampInvalid && sp.Value == 0 {
				inode0Idx = i
			}
			if hdr.Timestamp != common.TimestampInvalid && hdr.Timestamp > maxT {
				maxT = hdr.Timestamp
			}
			if hdr.Age != common.BlockAgeInvalid {
				ageSum += hdr.Age
				agedBlocks += 1
			}
		case common.BlockTypeFile:
			tail, err := fs.readTail(i)
			if err != nil {
				return errors.Wrap(err, "mount")
			}
			hdr, err := fs.readFileSector0(i)
			if err != nil {
				return errors.Wrap(err, "mount")
			}
			if tail.Timestamp != common.TimestampInvalid {
				if tail.Timestamp > maxT {
					maxT = tail.Timestamp
				}
				if tail.Timestamp > lastAlloc.timestamp {
					lastAlloc = pendingOp{
						block:     tail.NextBlock,
						age:       tail.NextAge,
						fileID:    hdr.FileID,
						timestamp: tail.Timestamp,
					}
				}
			}
			if hdr.Age != common.BlockAgeInvalid {
				ageSum += hdr.Age
				agedBlocks += 1
			}
		case common.BlockTypeUnallocated:
			fs.numFreeBlocks += 1
		default:
			return errors.Wrapf(ErrCorrupt, "mount: block %d has type 0x%02x",
				i, sp.TypeID)
		}

		// An invalidated block of either type awaits erase and counts
		// as free.
		if sp.TypeID == common.BlockTypeFile || sp.TypeID == common.BlockTypeInode {
			invTS, err := fs.readU64(i, common.InvalidationSector, 0)
			if err != nil {
				return errors.Wrap(err, "mount")
			}
			if invTS != common.TimestampInvalid {
				fs.numFreeBlocks += 1
				if invTS > maxT {
					maxT = invTS
				}
			}
		}
	}

	if inode0Idx == common.BlockIdxInvalid {
		return errors.Wrap(ErrCorrupt, "mount: no inode block zero")
	}
	fs.inode0 = inode0Idx

	// Pass 2: replay the inode chain for the latest create/delete and
	// the largest file id.
	var it inodeIter
	if err := fs.inodeIterInit(&it, inode0Idx); err != nil {
		return errors.Wrap(err, "mount")
	}
	for {
		ab, err := fs.readInodeAlloc(it.block, it.sector)
		if err != nil {
			return errors.Wrap(err, "mount")
		}
		if ab.FileID == common.FileIDInvalid {
			break
		}
		// Entries are allocated sequentially, so each id seen is the
		// largest so far.
		fs.maxFileID = ab.FileID
		if ab.Timestamp > maxT {
			maxT = ab.Timestamp
		}

		inv, err := fs.readInodeInvalidation(it.block, it.sector+1)
		if err != nil {
			return errors.Wrap(err, "mount")
		}
		if inv.Timestamp == common.TimestampInvalid {
			fs.numFiles += 1
			if ab.Timestamp > lastAlloc.timestamp {
				lastAlloc = pendingOp{
					block:     ab.FirstBlock,
					age:       ab.FirstBlockAge,
					fileID:    ab.FileID,
					timestamp: ab.Timestamp,
				}
			}
		} else {
			if inv.Timestamp > maxT {
				maxT = inv.Timestamp
			}
			if inv.Timestamp > lastDel.timestamp {
				lastDel = pendingOp{
					fileID:     ab.FileID,
					timestamp:  inv.Timestamp,
					firstBlock: ab.FirstBlock,
					lastBlock:  inv.LastBlock,
				}
			}
		}
		if err := fs.inodeIterNext(&it); err != nil {
			return errors.Wrap(err, "mount")
		}
	}

	fs.t = maxT
	if agedBlocks > 0 {
		fs.meanBlockAge = ageSum / agedBlocks
	}

	// Repair: the freshest allocation may reference a block that was
	// linked but never headed.
	if lastAlloc.timestamp > 0 && lastAlloc.block != common.BlockIdxInvalid {
		hdr, err := fs.readFileSector0(lastAlloc.block)
		if err != nil {
			return errors.Wrap(err, "mount")
		}
		if hdr.FileID != lastAlloc.fileID {
			util.DPrintf(1, "mount: repairing unheaded block %d for file %d",
				lastAlloc.block, lastAlloc.fileID)
			if err := fs.headFileBlock(lastAlloc.block, lastAlloc.age, lastAlloc.fileID); err != nil {
				return errors.Wrap(err, "mount")
			}
			if fs.numFreeBlocks > 0 {
				fs.numFreeBlocks -= 1
			}
			if lastAlloc.timestamp+1 > fs.t {
				fs.t = lastAlloc.timestamp + 1
			}
		}
	}

	// Repair: the freshest deletion may not have invalidated its whole
	// chain.
	if lastDel.timestamp > 0 {
		hdr, err := fs.readFileSector0(lastDel.lastBlock)
		if err != nil {
			return errors.Wrap(err, "mount")
		}
		if hdr.FileID == lastDel.fileID {
			invTS, err := fs.readU64(lastDel.lastBlock, common.InvalidationSector, 0)
			if err != nil {
				return errors.Wrap(err, "mount")
			}
			if invTS == common.TimestampInvalid {
				util.DPrintf(1, "mount: finishing deletion of file %d", lastDel.fileID)
				if err := fs.invalidateChain(lastDel.firstBlock); err != nil {
					return errors.Wrap(err, "mount")
				}
			}
		}
	}

	fs.state = stateMounted
	util.DPrintf(1, "mount: %d files, %d free blocks, t %d",
		fs.numFiles, fs.numFreeBlocks, fs.t)
	return nil
}

// headFileBlock erases a block and writes a fresh file header with an
// empty sector 0.
func (fs *FS) headFileBlock(block uint64, age uint64, fileID uint64) error {
	if err := fs.c.EraseBlock(block); err != nil {
		return err
	}
	hdr := layout.FileSector0Header{Age: age, FileID: fileID}
	if err := fs.c.WriteSector(block, 0, 0, hdr.Encode()); err != nil {
		return err
	}
	sp := layout.Spare{TypeID: common.BlockTypeFile, Value: 0}
	if err := fs.c.WriteSpare(block, 0, sp.Encode()); err != nil {
		return err
	}
	return fs.c.Commit()
}

// Exists reports whether a live file with this name is in the directory.
func (fs *FS) Exists(name string) (bool, error) {
	if uint64(len(name)) >= common.MaxFnameLen {
		return false, ErrNameTooLong
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.state != stateMounted {
		return false, ErrNotMounted
	}
	fs.dev.Lock()
	defer fs.dev.Unlock()
	var it inodeIter
	_, found, err := fs.findFile(name, &it)
	return found, err
}

// SizeStats snapshots occupancy counters.
func (fs *FS) SizeStats() Stats {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return Stats{
		NumFiles:      fs.numFiles,
		NumFreeBlocks: fs.numFreeBlocks,
		MeanBlockAge:  fs.meanBlockAge,
	}
}

//
// Small typed reads; each loads at most one page through the cache.
//

func (fs *FS) readU64(block uint64, sector uint64, offset uint64) (uint64, error) {
	var b [8]byte
	if err := fs.c.ReadSector(block, sector, offset, b[:]); err != nil {
		return 0, err
	}
	return machine.UInt64Get(b[:]), nil
}

func (fs *FS) readSpare(block uint64, sector uint64) (layout.Spare, error) {
	var b [layout.SpareSize]byte
	if err := fs.c.ReadSpare(block, sector, b[:]); err != nil {
		return layout.Spare{}, err
	}
	return layout.DecodeSpare(b[:]), nil
}

func (fs *FS) readTail(block uint64) (layout.TailHeader, error) {
	var b [layout.TailHeaderSize]byte
	if err := fs.c.ReadSector(block, common.TailSector, 0, b[:]); err != nil {
		return layout.TailHeader{}, err
	}
	return layout.DecodeTailHeader(b[:]), nil
}

func (fs *FS) readFileSector0(block uint64) (layout.FileSector0Header, error) {
	var b [layout.FileSector0HeaderSize]byte
	if err := fs.c.ReadSector(block, 0, 0, b[:]); err != nil {
		return layout.FileSector0Header{}, err
	}
	return layout.DecodeFileSector0Header(b[:]), nil
}

func (fs *FS) readInodeAlloc(block uint64, sector uint64) (layout.InodeAlloc, error) {
	var b [layout.InodeAllocSize]byte
	if err := fs.c.ReadSector(block, sector, 0, b[:]); err != nil {
		return layout.InodeAlloc{}, err
	}
	return layout.DecodeInodeAlloc(b[:]), nil
}

func (fs *FS) readInodeInvalidation(block uint64, sector uint64) (layout.InodeInvalidation, error) {
	var b [layout.InodeInvalidationSize]byte
	if err := fs.c.ReadSector(block, sector, 0, b[:]); err != nil {
		return layout.InodeInvalidation{}, err
	}
	return layout.DecodeInodeInvalidation(b[:]), nil
}
