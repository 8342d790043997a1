package session

import (
	"sort"
	"time"

	"meshroom/audio"
	"meshroom/grid"
	"meshroom/transport"
	"meshroom/wire"
)

// PlayerState is the simulation view of one participant, owned and written
// only by that participant.
type PlayerState struct {
	Cell          grid.Cell
	Facing        int
	Moving        bool
	LastUpdatedAt time.Time
}

// ProfileMeta is the display-facing identity of a participant. Label and
// Handle come from the profile resolver; the label may also arrive earlier
// over the wire in a meta message.
type ProfileMeta struct {
	Label       string
	Handle      string
	OutfitSlots []string
}

// resolved reports whether the peer can appear in UI-facing participant
// lists. Unresolved peers stay connected and simulated.
func (m ProfileMeta) resolved() bool {
	return m.Label != "" && m.Handle != ""
}

// peer is everything the session tracks for one remote endpoint: identity,
// the three labeled channels, the media call, and replicated state.
type peer struct {
	endpointID string
	stableID   string

	channels map[string]transport.Channel
	dialed   map[string]bool

	call  *audio.Call
	state *PlayerState
	meta  ProfileMeta

	manualMute      bool
	profileInFlight bool
	profileFailed   bool

	firstContact time.Time
}

func newPeer(endpointID, stableID string, now time.Time) *peer {
	return &peer{
		endpointID:   endpointID,
		stableID:     stableID,
		channels:     make(map[string]transport.Channel),
		dialed:       make(map[string]bool),
		firstContact: now,
	}
}

func (p *peer) stateChannelOpen() bool {
	_, ok := p.channels[wire.LabelState]
	return ok
}

// Participant is the externally visible roster entry.
type Participant struct {
	StableID   string
	EndpointID string
	Label      string
	Handle     string
	Self       bool
}

func (s *Session) participantsLocked() []Participant {
	list := make([]Participant, 0, len(s.peers)+1)
	list = append(list, Participant{
		StableID:   s.cfg.StableID,
		EndpointID: s.endpointID,
		Label:      s.selfMeta.Label,
		Handle:     s.selfMeta.Handle,
		Self:       true,
	})
	remote := make([]Participant, 0, len(s.peers))
	for _, p := range s.peers {
		if p.stableID == "" || !p.meta.resolved() {
			continue
		}
		remote = append(remote, Participant{
			StableID:   p.stableID,
			EndpointID: p.endpointID,
			Label:      p.meta.Label,
			Handle:     p.meta.Handle,
		})
	}
	sort.Slice(remote, func(i, j int) bool {
		return remote[i].StableID < remote[j].StableID
	})
	return append(list, remote...)
}
