package flash

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/flogfs/common"
)

var _ Flash = (*FileFlash)(nil)

// FileFlash is a flash device persisted in an ordinary file, for image
// tooling. The image holds the main areas, then the spare areas, then
// one bad-block byte per block. A freshly truncated image reads as
// all-0s, i.e. fully programmed: it must be formatted before use.
type FileFlash struct {
	mu *sync.Mutex
	fd int

	openBlock uint64
	openPage  uint64
	pageOpen  bool
}

const (
	mainBytes  = common.NumBlocks * common.SectorsPerBlock * common.SectorSize
	spareBytes = common.NumBlocks * common.SectorsPerBlock * common.SpareSize
	imageBytes = mainBytes + spareBytes + common.NumBlocks
)

// NewFileFlash opens (creating and sizing if necessary) a flash image.
func NewFileFlash(path string) (*FileFlash, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, errors.Wrap(err, "flash: open image")
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "flash: stat image")
	}
	if uint64(stat.Size) != imageBytes {
		if err := unix.Ftruncate(fd, int64(imageBytes)); err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, "flash: size image")
		}
	}
	return &FileFlash{mu: new(sync.Mutex), fd: fd}, nil
}

func (f *FileFlash) Init() error { return nil }

func (f *FileFlash) Lock()   { f.mu.Lock() }
func (f *FileFlash) Unlock() { f.mu.Unlock() }

func (f *FileFlash) OpenPage(block uint64, page uint64) error {
	if block >= common.NumBlocks || page >= common.PagesPerBlock {
		panic(errors.Errorf("flash: open of out-of-range page %d.%d", block, page))
	}
	f.openBlock = block
	f.openPage = page
	f.pageOpen = true
	return nil
}

func (f *FileFlash) BlockIsBad() bool {
	if !f.pageOpen {
		panic("flash: bad-block query with no open page")
	}
	var mark [1]byte
	_, err := unix.Pread(f.fd, mark[:], int64(mainBytes+spareBytes+f.openBlock))
	if err != nil {
		return true
	}
	return mark[0] != 0
}

func (f *FileFlash) checkSector(sector uint64) {
	if !f.pageOpen {
		panic("flash: sector access with no open page")
	}
	if sector >= common.SectorsPerBlock || sector/common.SectorsPerPage != f.openPage {
		panic(errors.Errorf("flash: sector %d not in open page %d.%d",
			sector, f.openBlock, f.openPage))
	}
}

func (f *FileFlash) mainOff(sector uint64, offset uint64) int64 {
	return int64((f.openBlock*common.SectorsPerBlock+sector)*common.SectorSize + offset)
}

func (f *FileFlash) spareOff(sector uint64) int64 {
	return int64(mainBytes + (f.openBlock*common.SectorsPerBlock+sector)*common.SpareSize)
}

func (f *FileFlash) EraseBlock(block uint64) error {
	if block >= common.NumBlocks {
		panic(errors.Errorf("flash: erase of out-of-range block %d", block))
	}
	blank := make([]byte, common.SectorsPerBlock*common.SectorSize)
	for i := range blank {
		blank[i] = 0xff
	}
	off := int64(block * common.SectorsPerBlock * common.SectorSize)
	if _, err := unix.Pwrite(f.fd, blank, off); err != nil {
		return errors.Wrap(err, "flash: erase main")
	}
	blank = blank[:common.SectorsPerBlock*common.SpareSize]
	off = int64(mainBytes + block*common.SectorsPerBlock*common.SpareSize)
	if _, err := unix.Pwrite(f.fd, blank, off); err != nil {
		return errors.Wrap(err, "flash: erase spare")
	}
	return nil
}

// program does a read-AND-write cycle so that, as on the chip, writes
// can only clear bits.
func (f *FileFlash) program(src []byte, off int64) error {
	old := make([]byte, len(src))
	if _, err := unix.Pread(f.fd, old, off); err != nil {
		return errors.Wrap(err, "flash: program read")
	}
	for i := range old {
		old[i] &= src[i]
	}
	if _, err := unix.Pwrite(f.fd, old, off); err != nil {
		return errors.Wrap(err, "flash: program write")
	}
	return nil
}

func (f *FileFlash) ReadSector(dst []byte, sector uint64, offset uint64) error {
	f.checkSector(sector)
	if offset+uint64(len(dst)) > common.SectorSize {
		panic("flash: sector read past end")
	}
	_, err := unix.Pread(f.fd, dst, f.mainOff(sector, offset))
	return errors.Wrap(err, "flash: read sector")
}

func (f *FileFlash) WriteSector(src []byte, sector uint64, offset uint64) error {
	f.checkSector(sector)
	if offset+uint64(len(src)) > common.SectorSize {
		panic("flash: sector write past end")
	}
	return f.program(src, f.mainOff(sector, offset))
}

func (f *FileFlash) ReadSpare(dst []byte, sector uint64) error {
	f.checkSector(sector)
	if uint64(len(dst)) > common.SpareSize {
		panic("flash: spare read past end")
	}
	_, err := unix.Pread(f.fd, dst, f.spareOff(sector))
	return errors.Wrap(err, "flash: read spare")
}

func (f *FileFlash) WriteSpare(src []byte, sector uint64) error {
	f.checkSector(sector)
	if uint64(len(src)) > common.SpareSize {
		panic("flash: spare write past end")
	}
	return f.program(src, f.spareOff(sector))
}

func (f *FileFlash) Commit() error {
	return errors.Wrap(unix.Fsync(f.fd), "flash: commit")
}

func (f *FileFlash) Close() error {
	return errors.Wrap(unix.Close(f.fd), "flash: close")
}
