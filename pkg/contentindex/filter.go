package contentindex

import (
	"math"
	"sync"
)

const (
	bitsPerWord = 64

	// ln2Squared is used by the optimal bit-array size formula.
	ln2Squared = math.Ln2 * math.Ln2

	// Splitmix64 finalizer constants (Vigna, 2014).
	mixShift1 = 30
	mixMul1   = 0xbf58476d1ce4e5b9
	mixShift2 = 27
	mixMul2   = 0x94d049bb133111eb
	mixShift3 = 31
)

// presenceFilter is a Bloom filter over fingerprints. It answers "definitely never
// indexed" so lookups for baseline lines skip the map and the read lock.
//
// Bit positions use Kirsch-Mitzenmacher double hashing: h(i) = h1 + i*h2 mod m,
// where h1 is the fingerprint and h2 its splitmix64 mix.
type presenceFilter struct {
	mu   sync.RWMutex
	bits []uint64
	m    uint64
	k    uint64
}

func newPresenceFilter(expected uint, fpRate float64) *presenceFilter {
	if expected == 0 {
		expected = 1
	}

	m := uint64(math.Ceil(-float64(expected) * math.Log(fpRate) / ln2Squared))
	if m < bitsPerWord {
		m = bitsPerWord
	}

	k := uint64(math.Round(float64(m) / float64(expected) * math.Ln2))
	if k < 1 {
		k = 1
	}

	return &presenceFilter{
		bits: make([]uint64, (m+bitsPerWord-1)/bitsPerWord),
		m:    m,
		k:    k,
	}
}

func mix64(v uint64) uint64 {
	v ^= v >> mixShift1
	v *= mixMul1
	v ^= v >> mixShift2
	v *= mixMul2
	v ^= v >> mixShift3

	return v
}

func (f *presenceFilter) add(fp Fingerprint) {
	h1, h2 := uint64(fp), mix64(uint64(fp))|1

	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.k {
		pos := (h1 + i*h2) % f.m
		f.bits[pos/bitsPerWord] |= 1 << (pos % bitsPerWord)
	}
}

func (f *presenceFilter) mayContain(fp Fingerprint) bool {
	h1, h2 := uint64(fp), mix64(uint64(fp))|1

	f.mu.RLock()
	defer f.mu.RUnlock()

	for i := range f.k {
		pos := (h1 + i*h2) % f.m
		if f.bits[pos/bitsPerWord]&(1<<(pos%bitsPerWord)) == 0 {
			return false
		}
	}

	return true
}
