// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package filecache

import "math/bits"

// wordBits is the width of one bitmap word.
const wordBits = 64

// bitmap is a growable bit vector marking which chunk indices are
// resident. Word i holds bits for chunk indices [i*64, i*64+63].
type bitmap []uint64

// test reports whether bit index is set. Indices beyond the current
// length are unset.
func (b bitmap) test(index uint32) bool {
	word := int(index / wordBits)
	if word >= len(b) {
		return false
	}
	return b[word]&(1<<(index%wordBits)) != 0
}

// set marks bit index, growing the vector as needed, and reports
// whether the bit was previously unset.
func (b *bitmap) set(index uint32) bool {
	word := int(index / wordBits)
	for word >= len(*b) {
		*b = append(*b, 0)
	}
	mask := uint64(1) << (index % wordBits)
	wasSet := (*b)[word]&mask != 0
	(*b)[word] |= mask
	return !wasSet
}

// clear unmarks bit index. Clearing an unset or out-of-range bit is a
// no-op.
func (b bitmap) clear(index uint32) {
	word := int(index / wordBits)
	if word >= len(b) {
		return
	}
	b[word] &^= 1 << (index % wordBits)
}

// count returns the number of set bits.
func (b bitmap) count() int {
	total := 0
	for _, word := range b {
		total += bits.OnesCount64(word)
	}
	return total
}

// forEach calls fn for every set bit in ascending index order.
func (b bitmap) forEach(fn func(index uint32)) {
	for wordIndex, word := range b {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			fn(uint32(wordIndex*wordBits + bit))
			word &^= 1 << bit
		}
	}
}
