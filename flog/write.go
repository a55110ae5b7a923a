package flog

import (
	"github.com/pkg/errors"

	"github.com/mit-pdos/flogfs/common"
	"github.com/mit-pdos/flogfs/layout"
	"github.com/mit-pdos/flogfs/util"
)

// WriteFile is a sequential write handle. Data is buffered per sector
// and committed when the sector fills or on flush; committing the tail
// sector seals the block and links its successor.
type WriteFile struct {
	fs *FS

	id       uint64
	block    uint64
	blockAge uint64
	sector   uint64
	offset   uint64

	sectorRemaining uint64
	bytesInBlock    uint64
	writeHead       uint64

	buf [common.SectorSize]byte
}

// OpenWrite opens a file for appending, creating it if absent. A file
// may have at most one writer.
func (fs *FS) OpenWrite(name string) (*WriteFile, error) {
	if uint64(len(name)) >= common.MaxFnameLen {
		return nil, ErrNameTooLong
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.state != stateMounted {
		return nil, ErrNotMounted
	}
	fs.dev.Lock()
	defer fs.dev.Unlock()

	var it inodeIter
	res, found, err := fs.findFile(name, &it)
	if err != nil {
		return nil, err
	}

	var f *WriteFile
	if found {
		for _, w := range fs.writeFiles {
			if w.id == res.fileID {
				return nil, ErrBusy
			}
		}
		f = &WriteFile{fs: fs, id: res.fileID}
		if err := fs.seekWriteEnd(f, res.firstBlock); err != nil {
			return nil, err
		}
	} else {
		f = &WriteFile{fs: fs}
		if err := fs.createFile(f, name, &it); err != nil {
			return nil, err
		}
	}

	fs.writeFiles = append(fs.writeFiles, f)
	util.DPrintf(2, "open write %q: file %d block %d sector %d",
		name, f.id, f.block, f.sector)
	return f, nil
}

// seekWriteEnd walks to the end of an existing file: skip sealed blocks
// by their tail byte counts, then scan the first unsealed block sector
// by sector for the first untouched one.
func (fs *FS) seekWriteEnd(f *WriteFile, firstBlock uint64) error {
	f.block = firstBlock
	for {
		tail, err := fs.readTail(f.block)
		if err != nil {
			return err
		}
		if tail.Timestamp == common.TimestampInvalid {
			break
		}
		f.block = tail.NextBlock
		f.writeHead += tail.BytesInBlock
	}

	hdr, err := fs.readFileSector0(f.block)
	if err != nil {
		return err
	}
	f.blockAge = hdr.Age

	sp, err := fs.readSpare(f.block, 0)
	if err != nil {
		return err
	}
	if sp.Value != common.SectorNbytesInvalid {
		f.writeHead += sp.Value
		f.bytesInBlock += sp.Value
	}
	f.sector = incrementSector(0)
	for {
		sp, err := fs.readSpare(f.block, f.sector)
		if err != nil {
			return err
		}
		if sp.Value == common.SectorNbytesInvalid {
			f.offset = sectorDataOffset(f.sector)
			f.sectorRemaining = common.SectorSize - f.offset
			return nil
		}
		f.writeHead += sp.Value
		f.bytesInBlock += sp.Value
		f.sector = incrementSector(f.sector)
	}
}

// createFile claims an inode slot and the file's first data block. The
// inode entry commits before the block is erased; a crash in between is
// repaired at mount.
func (fs *FS) createFile(f *WriteFile, name string, it *inodeIter) error {
	if err := fs.inodePrepareNew(it); err != nil {
		return err
	}

	fs.allocMu.Lock()
	if err := fs.flushDirtyLocked(); err != nil {
		fs.allocMu.Unlock()
		return err
	}
	a, ok := fs.allocateBlockLocked()
	if !ok {
		fs.allocMu.Unlock()
		return ErrNoSpace
	}
	fs.dirty = dirtyBlock{block: a.Block, file: f}
	fs.allocMu.Unlock()

	fs.maxFileID += 1
	fs.t += 1
	age := a.Age + 1
	entry := layout.InodeAlloc{
		FileID:        fs.maxFileID,
		FirstBlock:    a.Block,
		FirstBlockAge: age,
		Timestamp:     fs.t,
		Filename:      name,
	}
	if err := fs.c.WriteSector(it.block, it.sector, 0, entry.Encode()); err != nil {
		fs.clearDirty(f)
		return err
	}
	if err := fs.c.Commit(); err != nil {
		fs.clearDirty(f)
		return err
	}

	// Now safe to erase: the inode entry names this block, so mount can
	// finish heading it after a crash.
	if err := fs.c.EraseBlock(a.Block); err != nil {
		return err
	}
	fs.allocMu.Lock()
	if fs.dirty.file == f {
		fs.dirty.erased = true
	}
	fs.allocMu.Unlock()

	f.id = fs.maxFileID
	f.block = a.Block
	f.blockAge = age
	f.sector = 0
	f.offset = layout.FileSector0HeaderSize
	f.sectorRemaining = common.SectorSize - f.offset
	fs.numFiles += 1
	return nil
}

func (fs *FS) clearDirty(f *WriteFile) {
	fs.allocMu.Lock()
	if fs.dirty.file == f {
		fs.dirty = dirtyBlock{block: common.BlockIdxInvalid}
	}
	fs.allocMu.Unlock()
}

// Write appends p to the file. On failure (typically out of space at a
// block seal) it reports how much was consumed; the on-flash state
// stays valid and a later retry may succeed.
func (f *WriteFile) Write(p []byte) (int, error) {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.state != stateMounted {
		return 0, ErrNotMounted
	}
	fs.dev.Lock()
	defer fs.dev.Unlock()

	var written uint64
	n := uint64(len(p))
	for n > 0 {
		if n >= f.sectorRemaining {
			take := f.sectorRemaining
			if err := fs.commitFileSector(f, p[written:written+take], take, false); err != nil {
				return int(written), err
			}
			written += take
			n -= take
		} else {
			copy(f.buf[f.offset:], p[written:written+n])
			f.offset += n
			f.sectorRemaining -= n
			f.bytesInBlock += n
			f.writeHead += n
			written += n
			n = 0
		}
	}
	return int(written), nil
}

// commitFileSector programs the current sector: the buffered prefix,
// then n more bytes from data. Sealing the tail additionally allocates
// and links the successor block. allocLocked is set when the caller
// already holds the allocate lock (the dirty-block flush); that path is
// always a sector-0 commit and never allocates.
func (fs *FS) commitFileSector(f *WriteFile, data []byte, n uint64, allocLocked bool) error {
	if f.sector == common.TailSector {
		return fs.commitTailSector(f, data, n)
	}

	if !allocLocked {
		fs.allocMu.Lock()
	}
	if fs.dirty.file == f {
		// First commit onto the dirty block makes it a legitimate part
		// of the file. Reclaimed blocks still hold stale data and are
		// erased here; freshly created files were erased at create.
		if !fs.dirty.erased {
			if err := fs.c.EraseBlock(fs.dirty.block); err != nil {
				if !allocLocked {
					fs.allocMu.Unlock()
				}
				return err
			}
		}
		fs.dirty = dirtyBlock{block: common.BlockIdxInvalid}
	}
	if !allocLocked {
		fs.allocMu.Unlock()
	}

	var hdrSize uint64
	if f.sector == 0 {
		hdrSize = layout.FileSector0HeaderSize
		hdr := layout.FileSector0Header{Age: f.blockAge, FileID: f.id}
		copy(f.buf[:hdrSize], hdr.Encode())
	}

	if f.offset > 0 {
		if err := fs.c.WriteSector(f.block, f.sector, 0, f.buf[:f.offset]); err != nil {
			return err
		}
	}
	if n > 0 {
		if err := fs.c.WriteSector(f.block, f.sector, f.offset, data[:n]); err != nil {
			return err
		}
	}
	sp := layout.Spare{
		TypeID: common.BlockTypeFile,
		Value:  f.offset - hdrSize + n,
	}
	if err := fs.c.WriteSpare(f.block, f.sector, sp.Encode()); err != nil {
		return err
	}
	if err := fs.c.Commit(); err != nil {
		return err
	}

	f.sector = incrementSector(f.sector)
	f.offset = sectorDataOffset(f.sector)
	f.bytesInBlock += n
	f.sectorRemaining = common.SectorSize - f.offset
	f.writeHead += n
	return nil
}

// commitTailSector seals the block: allocate the successor, write the
// tail header with the link and the block's final byte count, and move
// the handle onto the new block. The successor is recorded dirty and
// erased lazily at its first sector-0 commit.
func (fs *FS) commitTailSector(f *WriteFile, data []byte, n uint64) error {
	fs.allocMu.Lock()
	if err := fs.flushDirtyLocked(); err != nil {
		fs.allocMu.Unlock()
		return err
	}
	a, ok := fs.allocateBlockLocked()
	if !ok {
		fs.allocMu.Unlock()
		return errors.Wrap(ErrNoSpace, "seal block")
	}
	fs.dirty = dirtyBlock{block: a.Block, file: f}
	fs.allocMu.Unlock()

	fs.t += 1
	f.bytesInBlock += n
	tail := layout.TailHeader{
		NextBlock:    a.Block,
		NextAge:      a.Age + 1,
		Timestamp:    fs.t,
		BytesInBlock: f.bytesInBlock,
	}
	copy(f.buf[:layout.TailHeaderSize], tail.Encode())

	if err := fs.c.WriteSector(f.block, f.sector, 0, f.buf[:f.offset]); err != nil {
		return err
	}
	if n > 0 {
		if err := fs.c.WriteSector(f.block, f.sector, f.offset, data[:n]); err != nil {
			return err
		}
	}
	sp := layout.Spare{
		TypeID: common.BlockTypeFile,
		Value:  f.offset - layout.TailHeaderSize + n,
	}
	if err := fs.c.WriteSpare(f.block, f.sector, sp.Encode()); err != nil {
		return err
	}
	if err := fs.c.Commit(); err != nil {
		return err
	}
	util.DPrintf(5, "sealed block %d (%d bytes), next %d",
		f.block, f.bytesInBlock, a.Block)

	f.block = a.Block
	f.blockAge = a.Age + 1
	f.sector = 0
	f.offset = layout.FileSector0HeaderSize
	f.sectorRemaining = common.SectorSize - f.offset
	f.bytesInBlock = 0
	f.writeHead += n
	return nil
}

// flushWrite commits the current partial sector.
func (fs *FS) flushWrite(f *WriteFile) error {
	return fs.commitFileSector(f, nil, 0, false)
}

// Close flushes buffered data and unregisters the handle. Closing an
// already-closed handle succeeds without flushing again.
func (f *WriteFile) Close() error {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dev.Lock()
	defer fs.dev.Unlock()

	registered := false
	for i, w := range fs.writeFiles {
		if w == f {
			fs.writeFiles = append(fs.writeFiles[:i], fs.writeFiles[i+1:]...)
			registered = true
			break
		}
	}
	if !registered {
		return nil
	}
	return fs.flushWrite(f)
}

// Remove deletes a file: write the inode invalidation naming the chain's
// last block, then invalidate the chain. Removing an absent file
// succeeds; removing an open file fails.
func (fs *FS) Remove(name string) error {
	if uint64(len(name)) >= common.MaxFnameLen {
		return ErrNameTooLong
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.state != stateMounted {
		return ErrNotMounted
	}
	fs.dev.Lock()
	defer fs.dev.Unlock()

	var it inodeIter
	res, found, err := fs.findFile(name, &it)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	for _, w := range fs.writeFiles {
		if w.id == res.fileID {
			return ErrBusy
		}
	}
	for _, r := range fs.readFiles {
		if r.id == res.fileID {
			return ErrBusy
		}
	}

	last := res.firstBlock
	for {
		nb, err := fs.nextBlockOf(last)
		if err != nil {
			return err
		}
		if nb == common.BlockIdxInvalid {
			break
		}
		last = nb
	}

	fs.t += 1
	inv := layout.InodeInvalidation{Timestamp: fs.t, LastBlock: last}
	if err := fs.c.WriteSector(it.block, it.sector+1, 0, inv.Encode()); err != nil {
		return err
	}
	if err := fs.c.Commit(); err != nil {
		return err
	}
	fs.numFiles -= 1
	util.DPrintf(2, "remove %q: file %d blocks %d..%d", name, res.fileID,
		res.firstBlock, last)

	// A crash from here on is finished by mount.
	return fs.invalidateChain(res.firstBlock)
}
