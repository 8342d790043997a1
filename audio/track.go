// Package audio owns the media side of a session: outbound tracks, the
// per-peer call state machine, and voice-activity detection. No real device
// I/O happens here; microphone capture is a collaborator behind FrameSource.
package audio

import (
	"encoding/binary"
	"math"
)

// FrameBytes is the size of one outbound audio frame: 20ms of 16-bit mono
// at 8kHz.
const FrameBytes = 320

// FrameSource supplies captured microphone frames.
type FrameSource interface {
	ReadFrame() []byte
}

type FrameFunc func() []byte

func (f FrameFunc) ReadFrame() []byte {
	if f == nil {
		return nil
	}
	return f()
}

// Track is the outbound audio feed for a call. Outbound audio always flows,
// real or silent, so toggling the microphone never forces a renegotiation.
type Track interface {
	Silent() bool
	ReadFrame() []byte
}

type silentTrack struct {
	frame []byte
}

// NewSilentTrack returns a track emitting zeroed frames.
func NewSilentTrack() Track {
	return &silentTrack{frame: make([]byte, FrameBytes)}
}

func (t *silentTrack) Silent() bool { return true }

func (t *silentTrack) ReadFrame() []byte { return t.frame }

type micTrack struct {
	source FrameSource
	silent []byte
}

// NewMicTrack returns a track fed by a capture source. A nil read falls back
// to a silent frame so the pump cadence never stalls.
func NewMicTrack(source FrameSource) Track {
	return &micTrack{source: source, silent: make([]byte, FrameBytes)}
}

func (t *micTrack) Silent() bool { return false }

func (t *micTrack) ReadFrame() []byte {
	if t.source != nil {
		if frame := t.source.ReadFrame(); frame != nil {
			return frame
		}
	}
	return t.silent
}

// Level computes the normalized RMS signal level of a 16-bit little-endian
// frame, in [0, 1].
func Level(frame []byte) float64 {
	if len(frame) < 2 {
		return 0
	}
	var sum float64
	samples := len(frame) / 2
	for i := 0; i < samples; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		v := float64(s) / 32768
		sum += v * v
	}
	if sum == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(samples))
}
