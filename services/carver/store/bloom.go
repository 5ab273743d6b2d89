package store

import (
	"math"
	"math/bits"
	"sync"

	"github.com/spaolacci/murmur3"
)

// BloomFilter answers "definitely not stored" for digests without touching
// the database. False positives are possible, false negatives are not.
type BloomFilter struct {
	mu   sync.RWMutex
	bits []uint64
	k    int // number of hash functions
	m    int // bit array size
	n    int
}

// NewBloomFilter sizes a filter for expectedElements at fpRate (0.01 = 1%).
func NewBloomFilter(expectedElements int, fpRate float64) *BloomFilter {
	if expectedElements < 1 {
		expectedElements = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	m := optimalM(expectedElements, fpRate)
	k := optimalK(m, expectedElements)
	return &BloomFilter{bits: make([]uint64, (m+63)/64), k: k, m: m}
}

func optimalM(n int, p float64) int {
	return int(math.Ceil(-float64(n) * math.Log(p) / (math.Log(2) * math.Log(2))))
}

func optimalK(m, n int) int {
	k := int(math.Ceil(float64(m) / float64(n) * math.Log(2)))
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}
	return k
}

// Add inserts data.
func (bf *BloomFilter) Add(data []byte) {
	h1, h2 := murmur3.Sum128(data)
	bf.mu.Lock()
	defer bf.mu.Unlock()
	for i := 0; i < bf.k; i++ {
		idx := bf.index(h1, h2, i)
		bf.bits[idx/64] |= 1 << (idx % 64)
	}
	bf.n++
}

// MayContain reports whether data may have been added.
func (bf *BloomFilter) MayContain(data []byte) bool {
	h1, h2 := murmur3.Sum128(data)
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	for i := 0; i < bf.k; i++ {
		idx := bf.index(h1, h2, i)
		if bf.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// index derives the i-th bit position by double hashing.
func (bf *BloomFilter) index(h1, h2 uint64, i int) uint64 {
	return (h1 + uint64(i)*h2) % uint64(bf.m)
}

// BloomStats describes filter occupancy.
type BloomStats struct {
	SizeBits  int     `json:"size_bits"`
	HashFuncs int     `json:"hash_funcs"`
	SetBits   int     `json:"set_bits"`
	FillRatio float64 `json:"fill_ratio"`
	Elements  int     `json:"elements"`
}

func (bf *BloomFilter) Stats() BloomStats {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	set := 0
	for _, w := range bf.bits {
		set += bits.OnesCount64(w)
	}
	return BloomStats{SizeBits: bf.m, HashFuncs: bf.k, SetBits: set, FillRatio: float64(set) / float64(bf.m), Elements: bf.n}
}
