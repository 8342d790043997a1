package audio

import (
	"time"

	"github.com/google/uuid"
)

type CallState int

const (
	CallNone CallState = iota
	CallCalling
	CallActive
	CallMutedByDistance
	CallClosed
)

func (s CallState) String() string {
	switch s {
	case CallNone:
		return "none"
	case CallCalling:
		return "calling"
	case CallActive:
		return "active"
	case CallMutedByDistance:
		return "muted-by-distance"
	case CallClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Call is the media relationship with one peer. At most one live call per
// peer exists; when a duplicate shows up the older call is closed in favor
// of the newest.
type Call struct {
	id         string
	peerID     string
	state      CallState
	track      Track
	volume     float64
	manualMute bool
	startedAt  time.Time
}

func NewCall(peerID string, track Track, now time.Time) *Call {
	if track == nil {
		track = NewSilentTrack()
	}
	return &Call{
		id:        uuid.NewString(),
		peerID:    peerID,
		state:     CallCalling,
		track:     track,
		volume:    1,
		startedAt: now,
	}
}

func (c *Call) ID() string       { return c.id }
func (c *Call) PeerID() string   { return c.peerID }
func (c *Call) State() CallState { return c.state }
func (c *Call) Track() Track     { return c.track }

// Accept moves a calling or distance-muted call to active.
func (c *Call) Accept() {
	if c.state == CallCalling {
		c.state = CallActive
	}
}

// SwapTrack replaces the outbound track on the live call. This is how the
// microphone toggles without tearing the call down.
func (c *Call) SwapTrack(track Track) {
	if track == nil {
		track = NewSilentTrack()
	}
	c.track = track
}

// SetVolume applies the proximity gain. Zero gain parks an active call in
// the distance-muted state; a positive gain brings it back.
func (c *Call) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	c.volume = volume
	switch {
	case c.state == CallActive && volume == 0:
		c.state = CallMutedByDistance
	case c.state == CallMutedByDistance && volume > 0:
		c.state = CallActive
	}
}

// SetManualMute applies the per-peer override that silences a peer
// regardless of proximity.
func (c *Call) SetManualMute(mute bool) {
	c.manualMute = mute
}

func (c *Call) ManualMute() bool { return c.manualMute }

// Volume is the effective playback gain after state and overrides.
func (c *Call) Volume() float64 {
	if c.manualMute || c.state != CallActive {
		return 0
	}
	return c.volume
}

func (c *Call) Live() bool {
	return c.state == CallCalling || c.state == CallActive || c.state == CallMutedByDistance
}

func (c *Call) Close() {
	c.state = CallClosed
}
