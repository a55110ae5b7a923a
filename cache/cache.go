// Package cache is the single-slot page cache in front of the flash
// driver. The device has one page register; the cache memoizes which
// page is loaded so repeated accesses to the same page skip the load.
// There is no write-back: writes are committed synchronously by the
// driver, so the cache only tracks identity.
package cache

import (
	"github.com/pkg/errors"

	"github.com/mit-pdos/flogfs/common"
	"github.com/mit-pdos/flogfs/flash"
	"github.com/mit-pdos/flogfs/util"
)

type Cache struct {
	dev flash.Flash

	block uint64
	page  uint64
	open  bool
	err   error
}

func New(dev flash.Flash) *Cache {
	return &Cache{dev: dev}
}

// OpenPage loads a page unless it is already loaded, and replays the
// driver's result if it is.
func (c *Cache) OpenPage(block uint64, page uint64) error {
	if c.open && c.block == block && c.page == page {
		return c.err
	}
	c.err = c.dev.OpenPage(block, page)
	c.open = true
	c.block = block
	c.page = page
	return c.err
}

func (c *Cache) OpenSector(block uint64, sector uint64) error {
	return c.OpenPage(block, sector/common.SectorsPerPage)
}

// Close forgets the loaded page; the next open reloads it.
func (c *Cache) Close() {
	c.open = false
}

// EraseBlock erases and drops the cached page if it lived there.
func (c *Cache) EraseBlock(block uint64) error {
	if c.open && c.block == block {
		c.open = false
	}
	return c.dev.EraseBlock(block)
}

func (c *Cache) ReadSector(block uint64, sector uint64, offset uint64, dst []byte) error {
	if err := c.OpenSector(block, sector); err != nil {
		return errors.Wrapf(err, "read %d.%d", block, sector)
	}
	return c.dev.ReadSector(dst, sector, offset)
}

func (c *Cache) WriteSector(block uint64, sector uint64, offset uint64, src []byte) error {
	if err := c.OpenSector(block, sector); err != nil {
		return errors.Wrapf(err, "write %d.%d", block, sector)
	}
	util.DPrintf(10, "flash write %d.%d+%d n %d", block, sector, offset, len(src))
	return c.dev.WriteSector(src, sector, offset)
}

func (c *Cache) ReadSpare(block uint64, sector uint64, dst []byte) error {
	if err := c.OpenSector(block, sector); err != nil {
		return errors.Wrapf(err, "read spare %d.%d", block, sector)
	}
	return c.dev.ReadSpare(dst, sector)
}

func (c *Cache) WriteSpare(block uint64, sector uint64, src []byte) error {
	if err := c.OpenSector(block, sector); err != nil {
		return errors.Wrapf(err, "write spare %d.%d", block, sector)
	}
	return c.dev.WriteSpare(src, sector)
}

func (c *Cache) Commit() error {
	return c.dev.Commit()
}
