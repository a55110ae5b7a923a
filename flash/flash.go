// Package flash defines the raw NAND driver contract consumed by the
// filesystem, plus an in-memory device for tests and a file-backed
// device for persistent images.
//
// The device model is a single page register: OpenPage loads one page,
// and the sector and spare accessors operate on the currently open page.
// Programming can only clear bits (1 -> 0); EraseBlock sets every bit of
// a block back to 1. Sector indices are block-relative.
package flash

// Flash provides access to a raw NAND flash chip.
type Flash interface {
	// Init prepares the driver. Must be called before any other method.
	Init() error

	// Lock and Unlock serialize all access to the device, including the
	// page register.
	Lock()
	Unlock()

	// OpenPage loads the page into the device's read register.
	OpenPage(block uint64, page uint64) error

	// BlockIsBad reports the bad-block mark of the currently open
	// page's block.
	BlockIsBad() bool

	// EraseBlock sets all bits in the block to 1.
	EraseBlock(block uint64) error

	// ReadSector reads len(dst) bytes from the main area of a sector of
	// the currently open page, starting at offset.
	ReadSector(dst []byte, sector uint64, offset uint64) error

	// WriteSector programs len(src) bytes into the main area of a
	// sector of the currently open page, starting at offset.
	WriteSector(src []byte, sector uint64, offset uint64) error

	// ReadSpare and WriteSpare access the out-of-band area of a sector
	// of the currently open page.
	ReadSpare(dst []byte, sector uint64) error
	WriteSpare(src []byte, sector uint64) error

	// Commit programs pending writes to the array.
	Commit() error

	// Close releases the device.
	Close() error
}
