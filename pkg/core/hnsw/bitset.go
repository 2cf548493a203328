package hnsw

// BitSet is a growable set of node ids used to track visited nodes.
type BitSet struct {
	buckets []uint64
}

func NewBitSet(initialCapacity uint64) *BitSet {
	return &BitSet{
		buckets: make([]uint64, (initialCapacity>>6)+1), // >> 6 == / 64
	}
}

func (bs *BitSet) grow(n uint64) {
	needed := (n >> 6) + 1
	if uint64(len(bs.buckets)) < needed {
		buckets := make([]uint64, needed)
		copy(buckets, bs.buckets)
		bs.buckets = buckets
	}
}

func (bs *BitSet) Add(n uint64) {
	bucket := n >> 6
	if bucket >= uint64(len(bs.buckets)) {
		bs.grow(n)
	}
	bs.buckets[bucket] |= 1 << (n & 63) // n & 63 == n % 64
}

func (bs *BitSet) Has(n uint64) bool {
	bucket := n >> 6
	if bucket >= uint64(len(bs.buckets)) {
		return false
	}
	return bs.buckets[bucket]&(1<<(n&63)) != 0
}

func (bs *BitSet) Clear() {
	clear(bs.buckets)
}

func (bs *BitSet) EnsureCapacity(maxVal uint64) {
	bs.grow(maxVal)
}
