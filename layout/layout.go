// Package layout defines the on-flash header formats and their codecs.
//
// Every integer field is a little-endian u64; an unwritten field reads
// back all-1s, which is the sentinel for its meaning (invalid block,
// invalid timestamp, and so on). Headers occupy the front of a sector's
// main area; the spare holds the block type tag and a per-sector value.
package layout

import (
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/flogfs/common"
)

const (
	FileSector0HeaderSize  uint64 = 16
	InodeSector0HeaderSize uint64 = 16
	TailHeaderSize         uint64 = 32
	InodeTailHeaderSize    uint64 = 24
	InvalidationSize       uint64 = 16
	InodeAllocHeaderSize   uint64 = 32
	InodeAllocSize         uint64 = InodeAllocHeaderSize + common.MaxFnameLen
	InodeInvalidationSize  uint64 = 16
	SpareSize              uint64 = 16
)

// FileSector0Header heads sector 0 of every file block.
type FileSector0Header struct {
	Age    uint64
	FileID uint64
}

// InodeSector0Header heads sector 0 of every inode block.
type InodeSector0Header struct {
	Age       uint64
	Timestamp uint64
}

// TailHeader seals a block and names its successor. Inode tails leave
// BytesInBlock unwritten.
type TailHeader struct {
	NextBlock    uint64
	NextAge      uint64
	Timestamp    uint64
	BytesInBlock uint64
}

// Invalidation marks a block reclaimable. NextAge carries the sealed
// successor age forward; the age sentinel here marks the chain's last
// block.
type Invalidation struct {
	Timestamp uint64
	NextAge   uint64
}

// InodeAlloc is a file's allocation entry: a fixed header followed by
// the NUL-padded filename.
type InodeAlloc struct {
	FileID        uint64
	FirstBlock    uint64
	FirstBlockAge uint64
	Timestamp     uint64
	Filename      string
}

// InodeInvalidation is a file's deletion entry.
type InodeInvalidation struct {
	Timestamp uint64
	LastBlock uint64
}

// Spare is a sector's out-of-band area: a type tag, reserved bytes left
// unprogrammed, and a value. The value is nbytes for file sectors and
// the inode block index for inode sector 0.
type Spare struct {
	TypeID uint8
	Value  uint64
}

func (h FileSector0Header) Encode() []byte {
	enc := marshal.NewEnc(FileSector0HeaderSize)
	enc.PutInt(h.Age)
	enc.PutInt(h.FileID)
	return enc.Finish()
}

func DecodeFileSector0Header(b []byte) FileSector0Header {
	dec := marshal.NewDec(b)
	return FileSector0Header{
		Age:    dec.GetInt(),
		FileID: dec.GetInt(),
	}
}

func (h InodeSector0Header) Encode() []byte {
	enc := marshal.NewEnc(InodeSector0HeaderSize)
	enc.PutInt(h.Age)
	enc.PutInt(h.Timestamp)
	return enc.Finish()
}

func DecodeInodeSector0Header(b []byte) InodeSector0Header {
	dec := marshal.NewDec(b)
	return InodeSector0Header{
		Age:       dec.GetInt(),
		Timestamp: dec.GetInt(),
	}
}

func (h TailHeader) Encode() []byte {
	enc := marshal.NewEnc(TailHeaderSize)
	enc.PutInt(h.NextBlock)
	enc.PutInt(h.NextAge)
	enc.PutInt(h.Timestamp)
	enc.PutInt(h.BytesInBlock)
	return enc.Finish()
}

// EncodeInodeTail encodes the tail of an inode block: the same shape as
// TailHeader with BytesInBlock left unprogrammed.
func (h TailHeader) EncodeInodeTail() []byte {
	enc := marshal.NewEnc(InodeTailHeaderSize)
	enc.PutInt(h.NextBlock)
	enc.PutInt(h.NextAge)
	enc.PutInt(h.Timestamp)
	return enc.Finish()
}

func DecodeTailHeader(b []byte) TailHeader {
	dec := marshal.NewDec(b)
	return TailHeader{
		NextBlock:    dec.GetInt(),
		NextAge:      dec.GetInt(),
		Timestamp:    dec.GetInt(),
		BytesInBlock: dec.GetInt(),
	}
}

func (h Invalidation) Encode() []byte {
	enc := marshal.NewEnc(InvalidationSize)
	enc.PutInt(h.Timestamp)
	enc.PutInt(h.NextAge)
	return enc.Finish()
}

func DecodeInvalidation(b []byte) Invalidation {
	dec := marshal.NewDec(b)
	return Invalidation{
		Timestamp: dec.GetInt(),
		NextAge:   dec.GetInt(),
	}
}

func (h InodeAlloc) Encode() []byte {
	enc := marshal.NewEnc(InodeAllocHeaderSize)
	enc.PutInt(h.FileID)
	enc.PutInt(h.FirstBlock)
	enc.PutInt(h.FirstBlockAge)
	enc.PutInt(h.Timestamp)
	b := make([]byte, InodeAllocSize)
	copy(b, enc.Finish())
	copy(b[InodeAllocHeaderSize:], h.Filename)
	return b
}

func DecodeInodeAlloc(b []byte) InodeAlloc {
	dec := marshal.NewDec(b[:InodeAllocHeaderSize])
	h := InodeAlloc{
		FileID:        dec.GetInt(),
		FirstBlock:    dec.GetInt(),
		FirstBlockAge: dec.GetInt(),
		Timestamp:     dec.GetInt(),
	}
	name := b[InodeAllocHeaderSize:InodeAllocSize]
	n := 0
	for n < len(name) && name[n] != 0 {
		n += 1
	}
	h.Filename = string(name[:n])
	return h
}

func (h InodeInvalidation) Encode() []byte {
	enc := marshal.NewEnc(InodeInvalidationSize)
	enc.PutInt(h.Timestamp)
	enc.PutInt(h.LastBlock)
	return enc.Finish()
}

func DecodeInodeInvalidation(b []byte) InodeInvalidation {
	dec := marshal.NewDec(b)
	return InodeInvalidation{
		Timestamp: dec.GetInt(),
		LastBlock: dec.GetInt(),
	}
}

func (s Spare) Encode() []byte {
	b := make([]byte, SpareSize)
	b[0] = s.TypeID
	for i := uint64(1); i < SpareSize-8; i++ {
		b[i] = 0xff
	}
	machine.UInt64Put(b[SpareSize-8:], s.Value)
	return b
}

func DecodeSpare(b []byte) Spare {
	return Spare{
		TypeID: b[0],
		Value:  machine.UInt64Get(b[SpareSize-8:]),
	}
}
