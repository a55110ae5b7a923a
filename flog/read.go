package flog

import (
	"io"

	"github.com/mit-pdos/flogfs/common"
	"github.com/mit-pdos/flogfs/layout"
	"github.com/mit-pdos/flogfs/util"
)

// ReadFile is a sequential read handle. Reads traverse sectors in write
// order and follow tail pointers across block boundaries.
type ReadFile struct {
	fs *FS

	id     uint64
	block  uint64
	sector uint64
	offset uint64

	// sectorRemaining counts unread payload bytes in the current
	// sector; readHead is the absolute byte offset since open.
	sectorRemaining uint64
	readHead        uint64
}

// incrementSector yields the data traversal order: sector 0, the rest
// of page 0 up to the tail, pages 1..N, and the tail sector last.
func incrementSector(sector uint64) uint64 {
	switch sector {
	case common.TailSector - 1:
		return common.SectorsPerPage
	case common.SectorsPerBlock - 1:
		return common.TailSector
	default:
		return sector + 1
	}
}

// sectorDataOffset is where payload starts in a sector.
func sectorDataOffset(sector uint64) uint64 {
	switch sector {
	case 0:
		return layout.FileSector0HeaderSize
	case common.TailSector:
		return layout.TailHeaderSize
	default:
		return 0
	}
}

// OpenRead opens an existing file for sequential reading.
func (fs *FS) OpenRead(name string) (*ReadFile, error) {
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
	if !found {
		return nil, ErrNotFound
	}

	f := &ReadFile{fs: fs, id: res.fileID, block: res.firstBlock}
	if err := f.seekFirstData(res.firstBlock); err != nil {
		return nil, err
	}
	fs.readFiles = append(fs.readFiles, f)
	util.DPrintf(2, "open read %q: file %d block %d", name, f.id, f.block)
	return f, nil
}

// seekFirstData positions the handle at the start of a block's payload:
// sector 0 if it holds data, else sector 1.
func (f *ReadFile) seekFirstData(block uint64) error {
	fs := f.fs
	f.block = block
	sp, err := fs.readSpare(block, 0)
	if err != nil {
		return err
	}
	if sp.Value != 0 && sp.Value != common.SectorNbytesInvalid {
		f.sector = 0
		f.offset = layout.FileSector0HeaderSize
		f.sectorRemaining = sp.Value
		return nil
	}
	sp1, err := fs.readSpare(block, 1)
	if err != nil {
		return err
	}
	f.sector = 1
	f.offset = 0
	if sp1.Value != common.SectorNbytesInvalid {
		f.sectorRemaining = sp1.Value
	} else {
		f.sectorRemaining = 0
	}
	return nil
}

// advance moves the handle to the next written sector, following the
// tail pointer across blocks. Returns false at end of file.
func (f *ReadFile) advance() (bool, error) {
	fs := f.fs
	if f.sector == common.TailSector {
		tail, err := fs.readTail(f.block)
		if err != nil {
			return false, err
		}
		if tail.NextBlock == common.BlockIdxInvalid {
			return false, nil
		}
		hdr, err := fs.readFileSector0(tail.NextBlock)
		if err != nil {
			return false, err
		}
		if hdr.FileID != f.id {
			// The successor was never written; end of file for now.
			return false, nil
		}
		if err := f.seekFirstData(tail.NextBlock); err != nil {
			return false, err
		}
		return true, nil
	}

	next := incrementSector(f.sector)
	sp, err := fs.readSpare(f.block, next)
	if err != nil {
		return false, err
	}
	if sp.Value == common.SectorNbytesInvalid {
		return false, nil
	}
	f.sector = next
	f.offset = sectorDataOffset(next)
	f.sectorRemaining = sp.Value
	return true, nil
}

// Read fills p with up to len(p) bytes. It returns io.EOF only when no
// bytes could be read.
func (f *ReadFile) Read(p []byte) (int, error) {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.state != stateMounted {
		return 0, ErrNotMounted
	}
	fs.dev.Lock()
	defer fs.dev.Unlock()

	var read uint64
	n := uint64(len(p))
	for n > 0 {
		if f.sectorRemaining == 0 {
			more, err := f.advance()
			if err != nil {
				return int(read), err
			}
			if !more {
				break
			}
			continue
		}
		toRead := util.Min(n, f.sectorRemaining)
		if err := fs.c.ReadSector(f.block, f.sector, f.offset, p[read:read+toRead]); err != nil {
			return int(read), err
		}
		read += toRead
		n -= toRead
		f.offset += toRead
		f.sectorRemaining -= toRead
		f.readHead += toRead
	}
	if read == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return int(read), nil
}

// Seek is accepted for API symmetry only; sequential access is the only
// supported read mode.
func (f *ReadFile) Seek(offset uint64) error {
	return ErrNotSupported
}

// Close unregisters the handle. Closing an already-closed handle
// succeeds.
func (f *ReadFile) Close() error {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i, r := range fs.readFiles {
		if r == f {
			fs.readFiles = append(fs.readFiles[:i], fs.readFiles[i+1:]...)
			break
		}
	}
	return nil
}
