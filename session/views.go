package session

import (
	"time"

	"meshroom/grid"
)

// Participants returns the roster snapshot with self first, then resolved
// peers in stable order. Unresolved peers are connected and simulated but
// not listed.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantsLocked()
}

// RosterSize counts every known peer, resolved or not, plus self.
func (s *Session) RosterSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 1
	for _, p := range s.peers {
		if p.stableID != "" {
			n++
		}
	}
	return n
}

// PlayerStates maps stable ids to the latest known player state, self
// included.
func (s *Session) PlayerStates() map[string]PlayerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make(map[string]PlayerState, len(s.peers)+1)
	states[s.cfg.StableID] = s.selfState
	for _, p := range s.peers {
		if p.stableID != "" && p.state != nil {
			states[p.stableID] = *p.state
		}
	}
	return states
}

// Volumes maps stable ids to the effective playback gain of their call,
// after proximity, state, and manual overrides.
func (s *Session) Volumes() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	volumes := make(map[string]float64, len(s.peers))
	for _, p := range s.peers {
		if p.stableID == "" {
			continue
		}
		if p.call != nil {
			volumes[p.stableID] = p.call.Volume()
		} else {
			volumes[p.stableID] = 0
		}
	}
	return volumes
}

// Audible reports whether a peer is currently audible and at what gain,
// straight from the reachability rules, independent of call state.
func (s *Session) Audible(stableID string) (bool, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if p.stableID == stableID && p.state != nil {
			return s.cfg.Map.Audible(s.selfState.Cell, p.state.Cell)
		}
	}
	return false, 0
}

// Progress returns the smoothed display percentage and the latched ready
// boolean.
func (s *Session) Progress() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate.Percent(), s.gate.Ready()
}

func (s *Session) DoorStates() map[grid.Cell]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doors.States()
}

func (s *Session) DoorOpen(cell grid.Cell) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doors.Open(cell)
}

func (s *Session) ChatMessages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chat.snapshot()
}

// Speaking reports the debounced local voice-activity state.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vad.Speaking()
}

func (s *Session) MicEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.micOn
}

func (s *Session) Telemetry() TelemetrySnapshot {
	return s.counters.snapshot()
}

// DiagnosticsPeer is one entry in the diagnostics endpoint payload.
type DiagnosticsPeer struct {
	StableID      string   `json:"stableId"`
	EndpointID    string   `json:"endpointId"`
	Channels      []string `json:"channels"`
	CallState     string   `json:"callState"`
	Volume        float64  `json:"volume"`
	StateAgeMilli int64    `json:"stateAgeMillis"`
}

func (s *Session) Diagnostics() []DiagnosticsPeer {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DiagnosticsPeer, 0, len(s.peers))
	for _, p := range s.peers {
		d := DiagnosticsPeer{
			StableID:   p.stableID,
			EndpointID: p.endpointID,
			CallState:  "none",
		}
		for label := range p.channels {
			d.Channels = append(d.Channels, label)
		}
		if p.call != nil {
			d.CallState = p.call.State().String()
			d.Volume = p.call.Volume()
		}
		if p.state != nil {
			d.StateAgeMilli = now.Sub(p.state.LastUpdatedAt).Milliseconds()
		}
		out = append(out, d)
	}
	return out
}
