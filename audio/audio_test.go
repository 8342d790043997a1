package audio

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSilentTrackEmitsZeroFrames(t *testing.T) {
	track := NewSilentTrack()
	assert.True(t, track.Silent())
	frame := track.ReadFrame()
	require.Len(t, frame, FrameBytes)
	for _, b := range frame {
		require.Zero(t, b)
	}
	assert.Zero(t, Level(frame))
}

func TestMicTrackFallsBackToSilence(t *testing.T) {
	track := NewMicTrack(nil)
	assert.False(t, track.Silent())
	frame := track.ReadFrame()
	require.Len(t, frame, FrameBytes)
	assert.Zero(t, Level(frame))
}

func loudFrame() []byte {
	frame := make([]byte, FrameBytes)
	for i := 0; i < len(frame); i += 2 {
		binary.LittleEndian.PutUint16(frame[i:], uint16(int16(16000)))
	}
	return frame
}

func TestMicTrackReadsSource(t *testing.T) {
	track := NewMicTrack(FrameFunc(loudFrame))
	frame := track.ReadFrame()
	assert.Greater(t, Level(frame), 0.4)
}

func TestVADHoldWindow(t *testing.T) {
	vad := NewVAD(0.05, 200*time.Millisecond)
	now := time.Now()

	assert.True(t, vad.Update(0.5, now))
	// Quiet frames inside the hold window keep the indicator up.
	assert.True(t, vad.Update(0, now.Add(100*time.Millisecond)))
	assert.True(t, vad.Speaking())
	// Past the hold window the indicator drops.
	assert.False(t, vad.Update(0, now.Add(300*time.Millisecond)))
	assert.False(t, vad.Speaking())
}

func TestVADReArmsOnSpeech(t *testing.T) {
	vad := NewVAD(0.05, 200*time.Millisecond)
	now := time.Now()
	vad.Update(0.5, now)
	vad.Update(0, now.Add(300*time.Millisecond))
	assert.False(t, vad.Speaking())
	assert.True(t, vad.Update(0.5, now.Add(400*time.Millisecond)))
}

func TestCallLifecycle(t *testing.T) {
	now := time.Now()
	call := NewCall("room/bob", nil, now)
	assert.Equal(t, CallCalling, call.State())
	assert.True(t, call.Live())
	assert.Zero(t, call.Volume(), "a call not yet active plays nothing")

	call.Accept()
	assert.Equal(t, CallActive, call.State())
	assert.Equal(t, 1.0, call.Volume())

	call.SetVolume(0.5)
	assert.Equal(t, 0.5, call.Volume())

	// Out of range parks the call; back in range revives it.
	call.SetVolume(0)
	assert.Equal(t, CallMutedByDistance, call.State())
	assert.Zero(t, call.Volume())
	call.SetVolume(0.3)
	assert.Equal(t, CallActive, call.State())
	assert.InDelta(t, 0.3, call.Volume(), 1e-9)

	call.Close()
	assert.Equal(t, CallClosed, call.State())
	assert.False(t, call.Live())
	assert.Zero(t, call.Volume())
}

func TestCallManualMuteOverridesProximity(t *testing.T) {
	call := NewCall("room/bob", nil, time.Now())
	call.Accept()
	call.SetManualMute(true)
	call.SetVolume(1)
	assert.Zero(t, call.Volume())
	call.SetManualMute(false)
	assert.Equal(t, 1.0, call.Volume())
}

func TestCallTrackSwapKeepsCallLive(t *testing.T) {
	call := NewCall("room/bob", NewSilentTrack(), time.Now())
	call.Accept()
	id := call.ID()

	for i := 0; i < 5; i++ {
		call.SwapTrack(NewMicTrack(nil))
		call.SwapTrack(NewSilentTrack())
	}
	assert.Equal(t, id, call.ID())
	assert.Equal(t, CallActive, call.State())
}

func TestCallStateStrings(t *testing.T) {
	assert.Equal(t, "calling", CallCalling.String())
	assert.Equal(t, "muted-by-distance", CallMutedByDistance.String())
}
