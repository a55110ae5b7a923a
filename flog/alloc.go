package flog

import (
	"github.com/mit-pdos/flogfs/alloc"
	"github.com/mit-pdos/flogfs/common"
	"github.com/mit-pdos/flogfs/util"
)

// allocateIterateLocked examines the block under the scan cursor and
// advances the cursor. The block is a candidate if it has never been
// allocated (erased header, age zero) or has been invalidated (reclaim
// at its stored age). Requires the allocate lock.
func (fs *FS) allocateIterateLocked() (alloc.Entry, bool) {
	head := fs.allocateHead
	fs.allocateHead = (fs.allocateHead + 1) % common.NumBlocks

	if head == fs.dirty.block {
		// Claimed but not yet headed; on flash it still looks free.
		return alloc.Entry{Block: common.BlockIdxInvalid}, false
	}
	if err := fs.c.OpenPage(head, 0); err != nil {
		return alloc.Entry{Block: common.BlockIdxInvalid}, false
	}
	if fs.dev.BlockIsBad() {
		return alloc.Entry{Block: common.BlockIdxInvalid}, false
	}
	age, err := fs.readU64(head, 0, 0)
	if err != nil {
		return alloc.Entry{Block: common.BlockIdxInvalid}, false
	}
	if age == common.BlockAgeInvalid {
		return alloc.Entry{Block: head, Age: 0}, true
	}
	invTS, err := fs.readU64(head, common.InvalidationSector, 0)
	if err != nil {
		return alloc.Entry{Block: common.BlockIdxInvalid}, false
	}
	if invTS != common.TimestampInvalid {
		return alloc.Entry{Block: head, Age: age}, true
	}
	return alloc.Entry{Block: common.BlockIdxInvalid}, false
}

// allocateBlockLocked claims a free block: first from the preallocation
// list, else by scanning at most one full revolution of the cursor. The
// caller is responsible for erasing the block before programming it.
// Requires the allocate lock.
func (fs *FS) allocateBlockLocked() (alloc.Entry, bool) {
	if fs.numFreeBlocks == 0 {
		return alloc.Entry{Block: common.BlockIdxInvalid}, false
	}
	if e, ok := fs.prealloc.Pop(); ok {
		fs.numFreeBlocks -= 1
		util.DPrintf(5, "allocate: block %d age %d from prealloc", e.Block, e.Age)
		return e, true
	}
	for i := uint64(0); i < common.NumBlocks; i++ {
		if e, ok := fs.allocateIterateLocked(); ok {
			fs.numFreeBlocks -= 1
			util.DPrintf(5, "allocate: block %d age %d from scan", e.Block, e.Age)
			return e, true
		}
	}
	return alloc.Entry{Block: common.BlockIdxInvalid}, false
}

// flushDirtyLocked commits the outstanding dirty block, if any, by
// flushing its write handle. The handle is always parked at sector 0 of
// the dirty block, so the flush never allocates and never re-enters the
// allocator. Requires the allocate lock.
func (fs *FS) flushDirtyLocked() error {
	if fs.dirty.block == common.BlockIdxInvalid {
		return nil
	}
	util.DPrintf(5, "flush dirty block %d", fs.dirty.block)
	file := fs.dirty.file
	if err := fs.commitFileSector(file, nil, 0, true); err != nil {
		return err
	}
	fs.dirty = dirtyBlock{block: common.BlockIdxInvalid}
	return nil
}

// Preallocate runs one iteration of the allocator scan and, if it finds
// a candidate, pushes it onto the preallocation list. Intended to be
// called from idle time to keep allocations fast.
func (fs *FS) Preallocate() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.state != stateMounted {
		return ErrNotMounted
	}
	fs.dev.Lock()
	defer fs.dev.Unlock()
	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()
	if e, ok := fs.allocateIterateLocked(); ok {
		fs.prealloc.Push(e.Block, e.Age)
	}
	return nil
}
