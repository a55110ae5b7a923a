// Package alloc holds the block preallocation list: a bounded sequence
// of erased-or-erasable blocks kept sorted by ascending age. Biasing
// allocations toward the youngest known blocks is the filesystem's
// best-effort wear leveling.
package alloc

import (
	"github.com/mit-pdos/flogfs/common"
)

// Entry is a candidate block together with its stored age.
type Entry struct {
	Block uint64
	Age   uint64
}

type Prealloc struct {
	blocks [common.PreallocSize]Entry
	n      uint64
	ageSum uint64
}

// Push offers a candidate. A candidate older than everything in a full
// list is dropped; otherwise it is insertion-sorted into place, evicting
// the oldest entry if the list is full.
func (p *Prealloc) Push(block uint64, age uint64) {
	if p.n == common.PreallocSize {
		if p.blocks[p.n-1].Age < age {
			return
		}
		p.ageSum -= p.blocks[p.n-1].Age
		p.n -= 1
	}
	i := p.n
	for i > 0 && age < p.blocks[i-1].Age {
		p.blocks[i] = p.blocks[i-1]
		i -= 1
	}
	p.blocks[i] = Entry{Block: block, Age: age}
	p.n += 1
	p.ageSum += age
}

// Pop removes and returns the youngest entry.
func (p *Prealloc) Pop() (Entry, bool) {
	if p.n == 0 {
		return Entry{Block: common.BlockIdxInvalid}, false
	}
	e := p.blocks[0]
	p.n -= 1
	for i := uint64(0); i < p.n; i++ {
		p.blocks[i] = p.blocks[i+1]
	}
	p.ageSum -= e.Age
	return e, true
}

func (p *Prealloc) Len() uint64 {
	return p.n
}

func (p *Prealloc) AgeSum() uint64 {
	return p.ageSum
}

// Reset empties the list.
func (p *Prealloc) Reset() {
	p.n = 0
	p.ageSum = 0
}
