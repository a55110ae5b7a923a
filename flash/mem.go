package flash

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/mit-pdos/flogfs/common"
)

var _ Flash = (*Mem)(nil)

// Mem is an in-memory NAND device. It enforces program semantics (a
// write can only clear bits), tracks bad-block marks, and can inject
// failures after a number of commits to simulate power loss.
type Mem struct {
	mu    *sync.Mutex
	main  []byte
	spare []byte
	bad   map[uint64]bool

	openBlock uint64
	openPage  uint64
	pageOpen  bool

	opens   uint64
	commits uint64

	failArmed     bool
	failRemaining uint64
}

// NewMem returns a fully erased in-memory device.
func NewMem() *Mem {
	m := &Mem{
		mu:    new(sync.Mutex),
		main:  make([]byte, common.NumBlocks*common.SectorsPerBlock*common.SectorSize),
		spare: make([]byte, common.NumBlocks*common.SectorsPerBlock*common.SpareSize),
		bad:   make(map[uint64]bool),
	}
	for i := range m.main {
		m.main[i] = 0xff
	}
	for i := range m.spare {
		m.spare[i] = 0xff
	}
	return m
}

// MarkBad sets the bad-block mark on a block. The mark survives erase.
func (m *Mem) MarkBad(block uint64) {
	m.bad[block] = true
}

// SetFailAfterCommits lets n more commits succeed; after that every
// mutation fails until ClearFailure.
func (m *Mem) SetFailAfterCommits(n uint64) {
	m.failArmed = true
	m.failRemaining = n
}

func (m *Mem) ClearFailure() {
	m.failArmed = false
}

// Opens reports how many pages have been loaded into the register.
func (m *Mem) Opens() uint64 {
	return m.opens
}

// Commits reports how many commits have been issued.
func (m *Mem) Commits() uint64 {
	return m.commits
}

func (m *Mem) failed() bool {
	return m.failArmed && m.failRemaining == 0
}

func (m *Mem) Init() error { return nil }

func (m *Mem) Lock()   { m.mu.Lock() }
func (m *Mem) Unlock() { m.mu.Unlock() }

func (m *Mem) OpenPage(block uint64, page uint64) error {
	if block >= common.NumBlocks || page >= common.PagesPerBlock {
		panic(errors.Errorf("flash: open of out-of-range page %d.%d", block, page))
	}
	m.openBlock = block
	m.openPage = page
	m.pageOpen = true
	m.opens += 1
	return nil
}

func (m *Mem) BlockIsBad() bool {
	if !m.pageOpen {
		panic("flash: bad-block query with no open page")
	}
	return m.bad[m.openBlock]
}

func (m *Mem) EraseBlock(block uint64) error {
	if block >= common.NumBlocks {
		panic(errors.Errorf("flash: erase of out-of-range block %d", block))
	}
	if m.failed() {
		return errors.New("flash: device failure")
	}
	if m.bad[block] {
		return errors.Errorf("flash: erase of bad block %d", block)
	}
	mainBase := block * common.SectorsPerBlock * common.SectorSize
	for i := uint64(0); i < common.SectorsPerBlock*common.SectorSize; i++ {
		m.main[mainBase+i] = 0xff
	}
	spareBase := block * common.SectorsPerBlock * common.SpareSize
	for i := uint64(0); i < common.SectorsPerBlock*common.SpareSize; i++ {
		m.spare[spareBase+i] = 0xff
	}
	return nil
}

// checkSector panics unless the sector lives in the currently open page.
func (m *Mem) checkSector(sector uint64) {
	if !m.pageOpen {
		panic("flash: sector access with no open page")
	}
	if sector >= common.SectorsPerBlock || sector/common.SectorsPerPage != m.openPage {
		panic(errors.Errorf("flash: sector %d not in open page %d.%d",
			sector, m.openBlock, m.openPage))
	}
}

func (m *Mem) mainOff(sector uint64, offset uint64) uint64 {
	return (m.openBlock*common.SectorsPerBlock+sector)*common.SectorSize + offset
}

func (m *Mem) spareOff(sector uint64) uint64 {
	return (m.openBlock*common.SectorsPerBlock + sector) * common.SpareSize
}

func (m *Mem) ReadSector(dst []byte, sector uint64, offset uint64) error {
	m.checkSector(sector)
	if offset+uint64(len(dst)) > common.SectorSize {
		panic("flash: sector read past end")
	}
	copy(dst, m.main[m.mainOff(sector, offset):])
	return nil
}

func (m *Mem) WriteSector(src []byte, sector uint64, offset uint64) error {
	m.checkSector(sector)
	if offset+uint64(len(src)) > common.SectorSize {
		panic("flash: sector write past end")
	}
	if m.failed() {
		return errors.New("flash: device failure")
	}
	base := m.mainOff(sector, offset)
	for i, b := range src {
		m.main[base+uint64(i)] &= b
	}
	return nil
}

func (m *Mem) ReadSpare(dst []byte, sector uint64) error {
	m.checkSector(sector)
	if uint64(len(dst)) > common.SpareSize {
		panic("flash: spare read past end")
	}
	copy(dst, m.spare[m.spareOff(sector):])
	return nil
}

func (m *Mem) WriteSpare(src []byte, sector uint64) error {
	m.checkSector(sector)
	if uint64(len(src)) > common.SpareSize {
		panic("flash: spare write past end")
	}
	if m.failed() {
		return errors.New("flash: device failure")
	}
	base := m.spareOff(sector)
	for i, b := range src {
		m.spare[base+uint64(i)] &= b
	}
	return nil
}

func (m *Mem) Commit() error {
	if m.failed() {
		return errors.New("flash: device failure")
	}
	if m.failArmed {
		m.failRemaining -= 1
	}
	m.commits += 1
	return nil
}

func (m *Mem) Close() error { return nil }
