package flog

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/flogfs/common"
	"github.com/mit-pdos/flogfs/flash"
)

type FlogSuite struct {
	suite.Suite
	dev *flash.Mem
	fs  *FS
}

func TestFlog(t *testing.T) {
	suite.Run(t, new(FlogSuite))
}

func (s *FlogSuite) SetupTest() {
	s.dev = flash.NewMem()
	s.fs = New(s.dev)
	s.Require().NoError(s.fs.Init())
	s.Require().NoError(s.fs.Format())
	s.Require().NoError(s.fs.Mount())
}

// restart abandons the in-RAM state, as a power loss would, and mounts a
// fresh filesystem over the surviving device.
func (s *FlogSuite) restart() {
	s.fs = New(s.dev)
	s.Require().NoError(s.fs.Init())
	s.Require().NoError(s.fs.Mount())
}

// blockPayload is the number of data bytes a full block carries.
func blockPayload() uint64 {
	total := uint64(0)
	sector := uint64(0)
	for {
		total += common.SectorSize - sectorDataOffset(sector)
		if sector == common.TailSector {
			return total
		}
		sector = incrementSector(sector)
	}
}

func pattern(n uint64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i%251) ^ byte(i/251)
	}
	return b
}

func (s *FlogSuite) writeFile(name string, data []byte) {
	w, err := s.fs.OpenWrite(name)
	s.Require().NoError(err)
	n, err := w.Write(data)
	s.Require().NoError(err)
	s.Require().Equal(len(data), n)
	s.Require().NoError(w.Close())
}

func (s *FlogSuite) readAll(name string, chunk uint64) []byte {
	r, err := s.fs.OpenRead(name)
	s.Require().NoError(err)
	defer r.Close()
	out := []byte{}
	buf := make([]byte, chunk)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
		s.Require().NoError(err)
	}
}

func (s *FlogSuite) lsNames() []string {
	ls, err := s.fs.StartLs()
	s.Require().NoError(err)
	defer ls.Stop()
	names := []string{}
	for {
		name, ok := ls.Next()
		if !ok {
			return names
		}
		names = append(names, name)
	}
}

func (s *FlogSuite) TestFormatMountEmptyLs() {
	s.Equal([]string{}, s.lsNames())
	s.Equal(common.NumBlocks-1, s.fs.SizeStats().NumFreeBlocks)
}

func (s *FlogSuite) TestMountIsIdempotent() {
	s.NoError(s.fs.Mount())
	s.Equal(common.NumBlocks-1, s.fs.SizeStats().NumFreeBlocks)
}

func (s *FlogSuite) TestMountRequiresFormat() {
	fs := New(flash.NewMem())
	s.Require().NoError(fs.Init())
	s.Error(fs.Mount())
}

func (s *FlogSuite) TestCreateAndReadBack() {
	data := pattern(100)
	s.writeFile("a.log", data)
	s.Equal(data, s.readAll("a.log", 100))
	s.Equal([]string{"a.log"}, s.lsNames())
	s.Equal(uint64(1), s.fs.SizeStats().NumFiles)
}

func (s *FlogSuite) TestEmptyFile() {
	s.writeFile("empty", nil)
	s.Equal([]byte{}, s.readAll("empty", 64))
	s.Equal([]string{"empty"}, s.lsNames())
}

func (s *FlogSuite) TestSectorBoundary() {
	first := common.SectorSize - sectorDataOffset(0)
	w, err := s.fs.OpenWrite("b.log")
	s.Require().NoError(err)

	n, err := w.Write(pattern(first))
	s.Require().NoError(err)
	s.Equal(int(first), n)
	s.Equal(uint64(1), w.sector, "filling sector 0 exactly advances the cursor")
	s.Equal(uint64(0), w.offset)
	s.Equal(common.SectorSize, w.sectorRemaining)

	_, err = w.Write([]byte{0xaa})
	s.Require().NoError(err)
	s.Equal(uint64(1), w.sector)
	s.Equal(uint64(1), w.offset)
	s.Require().NoError(w.Close())

	want := append(pattern(first), 0xaa)
	s.Equal(want, s.readAll("b.log", 97))
}

func (s *FlogSuite) TestCrossBlockWrite() {
	size := 2 * blockPayload()
	data := pattern(size)
	s.writeFile("big", data)
	s.restart()

	got := s.readAll("big", 1009)
	s.Require().Equal(size, uint64(len(got)))
	s.Equal(data, got)

	var it inodeIter
	res, found, err := s.fs.findFile("big", &it)
	s.Require().NoError(err)
	s.Require().True(found)
	chain := 0
	for b := res.firstBlock; b != common.BlockIdxInvalid && chain < 16; {
		chain += 1
		nb, err := s.fs.nextBlockOf(b)
		s.Require().NoError(err)
		b = nb
	}
	s.GreaterOrEqual(chain, 2, "the file must span blocks")
}

func (s *FlogSuite) TestRemoveIsIdempotent() {
	s.writeFile("a.log", pattern(100))
	s.NoError(s.fs.Remove("a.log"))
	s.NoError(s.fs.Remove("a.log"), "removing an absent file succeeds")

	_, err := s.fs.OpenRead("a.log")
	s.True(errors.Is(err, ErrNotFound))
	s.Equal([]string{}, s.lsNames())
}

func (s *FlogSuite) TestRemoveFreesBlocks() {
	s.writeFile("big", pattern(3*blockPayload()))
	s.NoError(s.fs.Remove("big"))
	s.Equal(common.NumBlocks-1, s.fs.SizeStats().NumFreeBlocks)
	s.Equal(uint64(0), s.fs.SizeStats().NumFiles)
}

func (s *FlogSuite) TestReopenAppend() {
	data := pattern(600)
	s.writeFile("app.log", data[:600])

	w, err := s.fs.OpenWrite("app.log")
	s.Require().NoError(err)
	s.Equal(uint64(600), w.writeHead, "reopen must find the write head")
	more := pattern(900)[600:]
	_, err = w.Write(more)
	s.Require().NoError(err)
	s.Require().NoError(w.Close())

	s.Equal(pattern(900), s.readAll("app.log", 128))
}

func (s *FlogSuite) TestReopenAppendAcrossSeal() {
	size := blockPayload() + 17
	s.writeFile("sealed", pattern(size))
	s.restart()

	w, err := s.fs.OpenWrite("sealed")
	s.Require().NoError(err)
	s.Equal(size, w.writeHead)
	full := pattern(size + 4000)
	_, err = w.Write(full[size:])
	s.Require().NoError(err)
	s.Require().NoError(w.Close())

	s.Equal(full, s.readAll("sealed", 512))
}

func (s *FlogSuite) TestPersistenceAcrossRemount() {
	data := pattern(5000)
	s.writeFile("keep", data)
	s.restart()
	s.Equal(data, s.readAll("keep", 333))
	s.Equal([]string{"keep"}, s.lsNames())
}

func (s *FlogSuite) TestSeekAlwaysFails() {
	s.writeFile("a.log", pattern(10))
	r, err := s.fs.OpenRead("a.log")
	s.Require().NoError(err)
	defer r.Close()
	s.True(errors.Is(r.Seek(0), ErrNotSupported))
	s.True(errors.Is(r.Seek(5), ErrNotSupported))
}

func (s *FlogSuite) TestCloseIsIdempotent() {
	s.writeFile("a.log", pattern(10))
	r, err := s.fs.OpenRead("a.log")
	s.Require().NoError(err)
	s.NoError(r.Close())
	s.NoError(r.Close())

	w, err := s.fs.OpenWrite("b.log")
	s.Require().NoError(err)
	s.NoError(w.Close())
	s.NoError(w.Close())
}

func (s *FlogSuite) TestSecondWriterRejected() {
	w, err := s.fs.OpenWrite("a.log")
	s.Require().NoError(err)
	defer w.Close()
	_, err = s.fs.OpenWrite("a.log")
	s.True(errors.Is(err, ErrBusy))
}

func (s *FlogSuite) TestRemoveOpenFileRejected() {
	s.writeFile("a.log", pattern(10))
	r, err := s.fs.OpenRead("a.log")
	s.Require().NoError(err)
	s.True(errors.Is(s.fs.Remove("a.log"), ErrBusy))
	s.NoError(r.Close())
	s.NoError(s.fs.Remove("a.log"))
}

func (s *FlogSuite) TestListing() {
	names := []string{"one", "two", "three", "four"}
	for i, name := range names {
		s.writeFile(name, pattern(uint64(i)*100))
	}
	s.ElementsMatch(names, s.lsNames())

	s.Require().NoError(s.fs.Remove("two"))
	s.ElementsMatch([]string{"one", "three", "four"}, s.lsNames())
	ok, err := s.fs.Exists("two")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *FlogSuite) TestLongNameRejected() {
	name := "0123456789012345678901234567890123456789"
	_, err := s.fs.OpenWrite(name)
	s.True(errors.Is(err, ErrNameTooLong))
	_, err = s.fs.OpenRead(name)
	s.True(errors.Is(err, ErrNameTooLong))
}

func (s *FlogSuite) TestInodeChainGrowth() {
	// More files than one inode block holds, so the chain must grow.
	perBlock := (common.SectorsPerBlock - common.FirstInodeSector) / 2
	count := perBlock + 5

	names := []string{}
	for i := uint64(0); i < count; i++ {
		name := fmt.Sprintf("f%03d", i)
		s.writeFile(name, pattern(i))
		names = append(names, name)
	}
	s.ElementsMatch(names, s.lsNames())

	s.restart()
	s.ElementsMatch(names, s.lsNames())
	s.Equal(pattern(7), s.readAll("f007", 8))
	s.Equal(pattern(count-1), s.readAll(fmt.Sprintf("f%03d", count-1), 64))
	s.Equal(count, s.fs.SizeStats().NumFiles)
}

func (s *FlogSuite) TestFileIDsAreUnique() {
	seen := map[uint64]bool{}
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("cycle%d", i)
		w, err := s.fs.OpenWrite(name)
		s.Require().NoError(err)
		s.False(seen[w.id], "file ids must never repeat")
		seen[w.id] = true
		s.Require().NoError(w.Close())
		s.Require().NoError(s.fs.Remove(name))
	}
	s.restart()
	w, err := s.fs.OpenWrite("fresh")
	s.Require().NoError(err)
	s.False(seen[w.id], "ids stay unique across remount")
	s.Require().NoError(w.Close())
}

func (s *FlogSuite) TestTimestampsResumeAcrossMount() {
	s.writeFile("a.log", pattern(2000))
	s.Require().NoError(s.fs.Remove("a.log"))
	before := s.fs.t
	s.Require().Greater(before, uint64(0))

	s.restart()
	s.GreaterOrEqual(s.fs.t, before)
}

func (s *FlogSuite) TestCrashMidCreate() {
	// Power loss after the inode entry commits but before the data
	// block is headed: the file survives as live and empty.
	_, err := s.fs.OpenWrite("a.log")
	s.Require().NoError(err)
	s.restart()

	ok, err := s.fs.Exists("a.log")
	s.Require().NoError(err)
	s.True(ok, "create must be visible after the crash")
	s.Equal([]byte{}, s.readAll("a.log", 64))

	data := pattern(800)
	s.writeFile("a.log", data)
	s.Equal(data, s.readAll("a.log", 64))
}

func (s *FlogSuite) TestCrashMidDelete() {
	s.writeFile("big", pattern(2*blockPayload()))

	// Let the inode invalidation commit, then fail the chain walk.
	s.dev.SetFailAfterCommits(1)
	s.Error(s.fs.Remove("big"))
	s.dev.ClearFailure()
	s.restart()

	ok, err := s.fs.Exists("big")
	s.Require().NoError(err)
	s.False(ok, "the deletion must complete during mount")
	s.Equal([]string{}, s.lsNames())
	s.Equal(common.NumBlocks-1, s.fs.SizeStats().NumFreeBlocks,
		"recovery must free what a clean deletion would")
}

func (s *FlogSuite) TestAllocateHeadWraps() {
	s.fs.allocateHead = common.NumBlocks - 1
	s.Require().NoError(s.fs.Preallocate())
	s.Equal(uint64(0), s.fs.allocateHead)
}

func (s *FlogSuite) TestPreallocateFeedsAllocator() {
	for i := 0; i < 4; i++ {
		s.Require().NoError(s.fs.Preallocate())
	}
	before := s.fs.prealloc.Len()
	s.Require().Greater(before, uint64(0))

	s.writeFile("a.log", pattern(10))
	s.Equal(before-1, s.fs.prealloc.Len(), "allocation pops the list first")
}

func (s *FlogSuite) TestOutOfSpaceSurfacedAndRecoverable() {
	w, err := s.fs.OpenWrite("fill")
	s.Require().NoError(err)
	chunk := pattern(blockPayload())
	var wErr error
	for i := uint64(0); i < common.NumBlocks+8; i++ {
		_, wErr = w.Write(chunk)
		if wErr != nil {
			break
		}
	}
	s.Require().True(errors.Is(wErr, ErrNoSpace), "filling the device must fail cleanly")
	w.Close()

	s.Require().NoError(s.fs.Remove("fill"))
	data := pattern(4000)
	s.writeFile("after", data)
	s.Equal(data, s.readAll("after", 256))
}
