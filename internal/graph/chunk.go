package graph

import "sync/atomic"

// Chunk is a described region of audio sample data handed between the
// protocol layer and the routing graph. A borrowed chunk references
// memory owned by the protocol layer's receive buffer; Release returns
// those bytes to the owner and must be called exactly once, after the
// chunk has been posted. The release is a drop acknowledgement, not a
// deallocation.
type Chunk struct {
	data     []byte
	released int32
	release  func()
}

// NewBorrowedChunk wraps a protocol-owned buffer. The release callback
// is invoked on the first Release call only.
func NewBorrowedChunk(data []byte, release func()) *Chunk {
	return &Chunk{data: data, release: release}
}

// NewOwnedChunk wraps a buffer the chunk itself owns. Release is a
// no-op beyond marking the chunk consumed.
func NewOwnedChunk(data []byte) *Chunk {
	return &Chunk{data: data}
}

// Data returns the chunk's bytes. The slice is only valid until
// Release is called on a borrowed chunk.
func (c *Chunk) Data() []byte {
	return c.data
}

// Len returns the chunk length in bytes.
func (c *Chunk) Len() int {
	return len(c.data)
}

// Borrowed reports whether a release acknowledgement is still pending.
func (c *Chunk) Borrowed() bool {
	return c.release != nil && atomic.LoadInt32(&c.released) == 0
}

// Release acknowledges the chunk back to its owner. Safe to call more
// than once; only the first call reaches the owner.
func (c *Chunk) Release() {
	if !atomic.CompareAndSwapInt32(&c.released, 0, 1) {
		return
	}
	if c.release != nil {
		c.release()
	}
}
