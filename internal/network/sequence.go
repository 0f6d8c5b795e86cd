package network

// SequenceAllocator hands out the sequence numbers for one sending socket.
// Every channel and both protocol families sending from that socket draw
// from the same allocator. Not safe for concurrent use; it belongs to the
// tick loop that owns the socket.
type SequenceAllocator struct {
	last uint32
}

// NewSequenceAllocator returns an allocator whose first number is 1.
func NewSequenceAllocator() *SequenceAllocator {
	return &SequenceAllocator{}
}

// Next returns the next sequence number.
func (a *SequenceAllocator) Next() uint32 {
	a.last++
	return a.last
}

// Last returns the most recently issued number, 0 if none.
func (a *SequenceAllocator) Last() uint32 {
	return a.last
}
