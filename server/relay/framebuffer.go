package relay

import (
	"sync"
)

// FrameBuffer is a single-slot holder for the latest encoded frame.
// One capture loop writes into it, and any number of viewer sessions read
// from it. This is "latest value wins", not a queue: a slow reader only ever
// sees a stale frame, and can never block the writer.
type FrameBuffer struct {
	lock sync.Mutex
	jpg  []byte
	seq  int64
}

// Publish replaces the stored frame. The caller must not modify jpg after
// publishing it.
func (b *FrameBuffer) Publish(jpg []byte) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.jpg = jpg
	b.seq++
}

// Snapshot returns the most recently published frame, and its sequence number.
// Before the first publish, the frame is nil and the sequence is zero.
// The sequence number lets a consumer detect whether anything new has arrived
// since its last read.
func (b *FrameBuffer) Snapshot() ([]byte, int64) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.jpg, b.seq
}
