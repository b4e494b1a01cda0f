package index

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

// streamFilterFalsePositiveRate bounds how often a table without a stream is
// searched anyway
const streamFilterFalsePositiveRate = 0.01

// streamFilter is a bloom filter over the stream hashes of one ptable.
// It lives only in memory and is rebuilt whenever a table is opened, so the
// file format is unaffected.
// - False positives possible (may say a stream is present when it isn't)
// - False negatives impossible
type streamFilter struct {
	words     []uint64
	size      uint64
	hashCount int
}

// newStreamFilter sizes a filter for the given distinct streams and adds them
func newStreamFilter(streams []uint32) *streamFilter {
	n := len(streams)
	if n < 1 {
		n = 1
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	// k = (m/n) * ln(2)
	size := math.Ceil(-float64(n) * math.Log(streamFilterFalsePositiveRate) / (math.Ln2 * math.Ln2))
	hashCount := int(math.Ceil(size / float64(n) * math.Ln2))
	if size < 64 {
		size = 64
	}
	if hashCount < 1 {
		hashCount = 1
	}

	f := &streamFilter{
		words:     make([]uint64, (uint64(size)+63)/64),
		size:      uint64(size),
		hashCount: hashCount,
	}
	for _, s := range streams {
		f.add(s)
	}
	return f
}

func (f *streamFilter) add(stream uint32) {
	h1, h2 := streamHashes(stream)
	for i := 0; i < f.hashCount; i++ {
		bit := (h1 + uint64(i)*h2) % f.size
		f.words[bit/64] |= 1 << (bit % 64)
	}
}

// MayContain reports false only when stream is definitely absent
func (f *streamFilter) MayContain(stream uint32) bool {
	if f == nil {
		return true
	}
	h1, h2 := streamHashes(stream)
	for i := 0; i < f.hashCount; i++ {
		bit := (h1 + uint64(i)*h2) % f.size
		if f.words[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// EstimateFalsePositiveRate estimates the false positive rate for n streams
func (f *streamFilter) EstimateFalsePositiveRate(n int) float64 {
	// p = (1 - e^(-k*n/m))^k
	k := float64(f.hashCount)
	return math.Pow(1.0-math.Exp(-k*float64(n)/float64(f.size)), k)
}

// streamHashes returns the two hashes combined by double hashing:
// hash(stream, i) = h1 + i*h2
func streamHashes(stream uint32) (uint64, uint64) {
	var key [4]byte
	binary.LittleEndian.PutUint32(key[:], stream)

	h := fnv.New64a()
	_, _ = h.Write(key[:])
	h1 := h.Sum64()

	_, _ = h.Write([]byte{0xFF})
	h2 := h.Sum64()
	// Odd, so the probe sequence does not cluster
	h2 |= 1
	return h1, h2
}

// streamCollector records each distinct stream of a descending entry walk.
// Entries of one stream are contiguous, so a change of stream is a new one.
type streamCollector struct {
	streams []uint32
	last    uint32
	started bool
}

func (c *streamCollector) observe(e IndexEntry) {
	s := e.Stream()
	if c.started && s == c.last {
		return
	}
	c.streams = append(c.streams, s)
	c.last, c.started = s, true
}

func (c *streamCollector) filter() *streamFilter {
	return newStreamFilter(c.streams)
}
