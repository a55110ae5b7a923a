package flog

import (
	"github.com/mit-pdos/flogfs/common"
	"github.com/mit-pdos/flogfs/layout"
	"github.com/mit-pdos/flogfs/util"
)

// inodeIter walks the two-sector entry slots of the inode chain in
// order. After the last slot of a block it crosses into the successor
// named by the tail sector.
type inodeIter struct {
	block         uint64
	nextBlock     uint64
	inodeBlockIdx uint64
	inodeIdx      uint64
	sector        uint64
}

func (fs *FS) inodeIterInit(it *inodeIter, inode0 uint64) error {
	it.block = inode0
	nb, err := fs.nextBlockOf(inode0)
	if err != nil {
		return err
	}
	it.nextBlock = nb
	sp, err := fs.readSpare(inode0, 0)
	if err != nil {
		return err
	}
	it.inodeBlockIdx = sp.Value
	it.inodeIdx = 0
	it.sector = common.FirstInodeSector
	return nil
}

func (fs *FS) inodeIterNext(it *inodeIter) error {
	it.sector += 2
	it.inodeIdx += 1
	if it.sector >= common.SectorsPerBlock {
		if it.nextBlock == common.BlockIdxInvalid {
			// The final slot was handed out without its successor
			// being allocated; park on it. inodePrepareNew allocates
			// eagerly, so this is unreachable in normal operation.
			util.DPrintf(1, "inode iterator ran past block %d", it.block)
			it.sector -= 2
			return nil
		}
		it.block = it.nextBlock
		nb, err := fs.nextBlockOf(it.block)
		if err != nil {
			return err
		}
		it.nextBlock = nb
		it.sector = common.FirstInodeSector
	}
	return nil
}

// inodePrepareNew makes the slot under the iterator safe to claim. When
// the iterator sits on the final slot of its block, the successor inode
// block is allocated and linked now, before the slot is written, so the
// chain never ends on a full block.
func (fs *FS) inodePrepareNew(it *inodeIter) error {
	if it.sector != common.LastInodeSector {
		return nil
	}
	if it.nextBlock != common.BlockIdxInvalid {
		util.DPrintf(1, "inode block %d already has a successor", it.block)
		return nil
	}

	fs.allocMu.Lock()
	if err := fs.flushDirtyLocked(); err != nil {
		fs.allocMu.Unlock()
		return err
	}
	a, ok := fs.allocateBlockLocked()
	fs.allocMu.Unlock()
	if !ok {
		return ErrNoSpace
	}

	fs.t += 1
	tail := layout.TailHeader{
		NextBlock: a.Block,
		NextAge:   a.Age + 1,
		Timestamp: fs.t,
	}
	if err := fs.c.WriteSector(it.block, common.TailSector, 0, tail.EncodeInodeTail()); err != nil {
		return err
	}
	if err := fs.c.Commit(); err != nil {
		return err
	}

	if err := fs.c.EraseBlock(a.Block); err != nil {
		return err
	}
	hdr := layout.InodeSector0Header{Age: a.Age + 1, Timestamp: fs.t}
	if err := fs.c.WriteSector(a.Block, 0, 0, hdr.Encode()); err != nil {
		return err
	}
	it.inodeBlockIdx += 1
	sp := layout.Spare{TypeID: common.BlockTypeInode, Value: it.inodeBlockIdx}
	if err := fs.c.WriteSpare(a.Block, 0, sp.Encode()); err != nil {
		return err
	}
	if err := fs.c.Commit(); err != nil {
		return err
	}

	it.nextBlock = a.Block
	util.DPrintf(2, "inode chain grew: block %d index %d", a.Block, it.inodeBlockIdx)
	return nil
}

type findResult struct {
	fileID     uint64
	firstBlock uint64
}

// findFile looks a name up in the directory. On not-found the iterator
// is left on the first free slot, ready for a create.
func (fs *FS) findFile(name string, it *inodeIter) (findResult, bool, error) {
	if err := fs.inodeIterInit(it, fs.inode0); err != nil {
		return findResult{}, false, err
	}
	for {
		ab, err := fs.readInodeAlloc(it.block, it.sector)
		if err != nil {
			return findResult{}, false, err
		}
		if ab.FileID == common.FileIDInvalid {
			return findResult{}, false, nil
		}
		if ab.Filename == name {
			invTS, err := fs.readU64(it.block, it.sector+1, 0)
			if err != nil {
				return findResult{}, false, err
			}
			if invTS == common.TimestampInvalid {
				return findResult{fileID: ab.FileID, firstBlock: ab.FirstBlock}, true, nil
			}
		}
		if err := fs.inodeIterNext(it); err != nil {
			return findResult{}, false, err
		}
	}
}

// LsIter enumerates the names of live files.
type LsIter struct {
	fs *FS
	it inodeIter
}

// StartLs begins a directory listing.
func (fs *FS) StartLs() (*LsIter, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.state != stateMounted {
		return nil, ErrNotMounted
	}
	fs.dev.Lock()
	defer fs.dev.Unlock()
	l := &LsIter{fs: fs}
	if err := fs.inodeIterInit(&l.it, fs.inode0); err != nil {
		return nil, err
	}
	return l, nil
}

// Next returns the next live filename, or false at the end of the
// directory.
func (l *LsIter) Next() (string, bool) {
	fs := l.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dev.Lock()
	defer fs.dev.Unlock()
	for {
		fileID, err := fs.readU64(l.it.block, l.it.sector, 0)
		if err != nil || fileID == common.FileIDInvalid {
			return "", false
		}
		invTS, err := fs.readU64(l.it.block, l.it.sector+1, 0)
		if err != nil {
			return "", false
		}
		if invTS != common.TimestampInvalid {
			if err := fs.inodeIterNext(&l.it); err != nil {
				return "", false
			}
			continue
		}
		ab, err := fs.readInodeAlloc(l.it.block, l.it.sector)
		if err != nil {
			return "", false
		}
		if err := fs.inodeIterNext(&l.it); err != nil {
			return "", false
		}
		return ab.Filename, true
	}
}

// Stop ends a listing. Listings hold no resources; Stop exists for API
// symmetry and future-proofing.
func (l *LsIter) Stop() {}
