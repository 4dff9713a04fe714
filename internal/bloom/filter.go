// Package bloom implements a small, self-contained Bloom filter used to
// short-circuit negative point lookups in a sorted table (spec.md §C.1 in
// SPEC_FULL.md). It is purely an optimization: a filter that says "maybe
// present" still falls through to the real index-guided scan, and a table
// written without a filter behaves exactly as if every lookup were a
// "maybe".
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Filter is an immutable bitset sized for an expected key count and false
// positive rate at construction time.
type Filter struct {
	bits    []byte
	nBits   uint32
	nHashes uint32
}

// NewFromKeys builds a filter sized for len(keys) entries at the given
// false-positive rate (e.g. 0.01) and inserts every key.
func NewFromKeys(keys [][]byte, falsePositiveRate float64) *Filter {
	f := New(len(keys), falsePositiveRate)
	for _, k := range keys {
		f.Add(k)
	}
	return f
}

// New allocates an empty filter sized for n expected entries.
func New(n int, falsePositiveRate float64) *Filter {
	if n < 1 {
		n = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	// Round up to whole bytes so Decode, which only sees the serialized
	// bitset, derives the same bit count.
	nBits := (optimalBits(n, falsePositiveRate) + 7) / 8 * 8
	nHashes := optimalHashes(n, nBits)
	return &Filter{
		bits:    make([]byte, (nBits+7)/8),
		nBits:   nBits,
		nHashes: nHashes,
	}
}

func optimalBits(n int, p float64) uint32 {
	m := -1 * float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	if m < 8 {
		m = 8
	}
	return uint32(math.Ceil(m))
}

func optimalHashes(n int, nBits uint32) uint32 {
	k := float64(nBits) / float64(n) * math.Ln2
	if k < 1 {
		k = 1
	}
	return uint32(math.Round(k))
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := f.seedHashes(key)
	for i := uint32(0); i < f.nHashes; i++ {
		bit := (h1 + i*h2) % f.nBits
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain reports whether key might be present. false is a definitive
// absence; true means "check the real data".
func (f *Filter) MayContain(key []byte) bool {
	if len(f.bits) == 0 {
		return true
	}
	h1, h2 := f.seedHashes(key)
	for i := uint32(0); i < f.nHashes; i++ {
		bit := (h1 + i*h2) % f.nBits
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// seedHashes derives two independent-enough hash values from one xxhash
// sum (Kirsch-Mitzenmacher double hashing), avoiding nHashes separate
// passes over key.
func (f *Filter) seedHashes(key []byte) (uint32, uint32) {
	sum := xxhash.Sum64(key)
	return uint32(sum), uint32(sum>>32) | 1
}

// Bytes returns the filter's raw bitset, for embedding in a sorted
// table's filter block.
func (f *Filter) Bytes() []byte { return f.bits }

// NumHashes returns the number of hash probes per lookup.
func (f *Filter) NumHashes() uint32 { return f.nHashes }

// Decode reconstructs a Filter from its serialized bitset and hash count
// (as written to a sorted table's filter block).
func Decode(bits []byte, nHashes uint32) *Filter {
	return &Filter{bits: bits, nBits: uint32(len(bits)) * 8, nHashes: nHashes}
}

// EncodeHeader serializes (bitset length in bytes, hash count) as two
// big-endian uint32s, used by the sstable writer's filter block header.
func EncodeHeader(f *Filter) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(f.bits)))
	binary.BigEndian.PutUint32(buf[4:8], f.nHashes)
	return buf
}
