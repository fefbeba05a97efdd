package mesh

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func TestCandidateBufferDrainsInArrivalOrder(t *testing.T) {
	var b candidateBuffer
	first := webrtc.ICECandidateInit{Candidate: "candidate:1"}
	second := webrtc.ICECandidateInit{Candidate: "candidate:2"}
	third := webrtc.ICECandidateInit{Candidate: "candidate:3"}

	b.hold(first)
	b.hold(second)
	b.hold(third)
	assert.Equal(t, 3, b.size())

	drained := b.drain()
	assert.Equal(t, []webrtc.ICECandidateInit{first, second, third}, drained)
	assert.Equal(t, 0, b.size())
	assert.Empty(t, b.drain())
}
