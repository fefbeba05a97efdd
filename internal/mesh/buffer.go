package mesh

import "github.com/pion/webrtc/v4"

// candidateBuffer holds ICE candidates that arrived before the owning
// connection had a remote description. Candidates are drained in
// arrival order immediately after the description is set; a candidate
// delivered early must never be lost.
//
// The buffer is only touched from its peer's event loop, so it needs
// no locking.
type candidateBuffer struct {
	pending []webrtc.ICECandidateInit
}

func (b *candidateBuffer) hold(c webrtc.ICECandidateInit) {
	b.pending = append(b.pending, c)
}

// drain returns the buffered candidates in arrival order and empties
// the buffer.
func (b *candidateBuffer) drain() []webrtc.ICECandidateInit {
	out := b.pending
	b.pending = nil
	return out
}

func (b *candidateBuffer) size() int { return len(b.pending) }
