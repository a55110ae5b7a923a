package flog

import (
	"github.com/mit-pdos/flogfs/common"
	"github.com/mit-pdos/flogfs/layout"
	"github.com/mit-pdos/flogfs/util"
)

// nextBlockOf follows a block's tail pointer. Works for file and inode
// blocks alike; an unsealed tail reads back the sentinel.
func (fs *FS) nextBlockOf(block uint64) (uint64, error) {
	if block == common.BlockIdxInvalid {
		return block, nil
	}
	return fs.readU64(block, common.TailSector, 0)
}

// invalidateChain marks every block of a chain reclaimable, skipping
// blocks already invalidated. The stored NextAge carries the sealed
// successor's age forward; the sentinel there marks the chain's last
// block.
func (fs *FS) invalidateChain(base uint64) error {
	for {
		tail, err := fs.readTail(base)
		if err != nil {
			return err
		}
		var invBuf [layout.InvalidationSize]byte
		if err := fs.c.ReadSector(base, common.InvalidationSector, 0, invBuf[:]); err != nil {
			return err
		}
		inv := layout.DecodeInvalidation(invBuf[:])

		if inv.Timestamp != common.TimestampInvalid {
			if inv.NextAge == common.BlockAgeInvalid {
				return nil
			}
			if tail.NextBlock == common.BlockIdxInvalid {
				return nil
			}
			base = tail.NextBlock
			continue
		}

		fs.t += 1
		wr := layout.Invalidation{Timestamp: fs.t, NextAge: tail.NextAge}
		if err := fs.c.WriteSector(base, common.InvalidationSector, 0, wr.Encode()); err != nil {
			return err
		}
		if err := fs.c.Commit(); err != nil {
			return err
		}
		fs.numFreeBlocks += 1
		util.DPrintf(5, "invalidate: block %d t %d", base, fs.t)

		if tail.NextBlock == common.BlockIdxInvalid {
			return nil
		}
		base = tail.NextBlock
	}
}
