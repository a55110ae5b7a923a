package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/flogfs/common"
)

func erased(n uint64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xff
	}
	return b
}

func TestErasedSectorsDecodeAsSentinels(t *testing.T) {
	assert := assert.New(t)

	tail := DecodeTailHeader(erased(TailHeaderSize))
	assert.Equal(common.BlockIdxInvalid, tail.NextBlock)
	assert.Equal(common.TimestampInvalid, tail.Timestamp)

	sp := DecodeSpare(erased(SpareSize))
	assert.Equal(common.BlockTypeUnallocated, sp.TypeID)
	assert.Equal(common.SectorNbytesInvalid, sp.Value)

	inv := DecodeInvalidation(erased(InvalidationSize))
	assert.Equal(common.TimestampInvalid, inv.Timestamp)
	assert.Equal(common.BlockAgeInvalid, inv.NextAge)

	ab := DecodeInodeAlloc(erased(InodeAllocSize))
	assert.Equal(common.FileIDInvalid, ab.FileID)
}

func TestTailRoundTrip(t *testing.T) {
	assert := assert.New(t)
	h := TailHeader{NextBlock: 7, NextAge: 3, Timestamp: 99, BytesInBlock: 4096}
	assert.Equal(h, DecodeTailHeader(h.Encode()))
	assert.Equal(int(TailHeaderSize), len(h.Encode()))
}

func TestInodeTailLeavesBytesUnprogrammed(t *testing.T) {
	assert := assert.New(t)
	h := TailHeader{NextBlock: 7, NextAge: 3, Timestamp: 99}
	b := h.EncodeInodeTail()
	assert.Equal(int(InodeTailHeaderSize), len(b))
	// Programmed over an erased sector, the byte-count field stays
	// all-1s.
	full := erased(TailHeaderSize)
	copy(full, b)
	got := DecodeTailHeader(full)
	assert.Equal(uint64(7), got.NextBlock)
	assert.Equal(common.SectorNbytesInvalid, got.BytesInBlock)
}

func TestInodeAllocFilename(t *testing.T) {
	assert := assert.New(t)
	h := InodeAlloc{
		FileID:        12,
		FirstBlock:    34,
		FirstBlockAge: 2,
		Timestamp:     56,
		Filename:      "telemetry.log",
	}
	got := DecodeInodeAlloc(h.Encode())
	assert.Equal(h, got)
	assert.Equal(int(InodeAllocSize), len(h.Encode()))
}

func TestSpareRoundTrip(t *testing.T) {
	assert := assert.New(t)
	sp := Spare{TypeID: common.BlockTypeFile, Value: 312}
	assert.Equal(sp, DecodeSpare(sp.Encode()))
}
