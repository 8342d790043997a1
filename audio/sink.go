package audio

// Sink receives inbound frames for playback, already tagged with the gain
// the proximity engine computed for the sending peer.
type Sink interface {
	PlayFrame(peerID string, frame []byte, gain float64)
}

type SinkFunc func(peerID string, frame []byte, gain float64)

func (f SinkFunc) PlayFrame(peerID string, frame []byte, gain float64) {
	if f != nil {
		f(peerID, frame, gain)
	}
}
