package session

import (
	"context"
	"time"

	"meshroom/audio"
	"meshroom/directory"
	"meshroom/grid"
	"meshroom/logging"
	"meshroom/transport"
	"meshroom/wire"
)

// acceptLoop adopts every inbound channel until the endpoint closes.
func (s *Session) acceptLoop() {
	defer s.wg.Done()
	for {
		ch, err := s.endpoint.Accept()
		if err != nil {
			return
		}
		s.adoptChannel(ch, false)
	}
}

// connectPeer dials the three labeled channels to one member from the
// initial membership list.
func (s *Session) connectPeer(stableID string) {
	endpointID := directory.EndpointID(s.cfg.RoomID, stableID)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.ensurePeerLocked(endpointID, stableID)
	s.mu.Unlock()

	for _, label := range []string{wire.LabelState, wire.LabelChat, wire.LabelMedia} {
		s.dialChannel(endpointID, label)
	}
}

func (s *Session) ensurePeerLocked(endpointID, stableID string) *peer {
	p, ok := s.peers[endpointID]
	if !ok {
		p = newPeer(endpointID, stableID, time.Now())
		s.peers[endpointID] = p
	}
	if p.stableID == "" {
		p.stableID = stableID
	}
	return p
}

func (s *Session) dialChannel(endpointID, label string) {
	if s.closing() {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, dialTimeout)
	ch, err := s.endpoint.Dial(ctx, endpointID, label)
	cancel()
	if err != nil {
		s.publish("channel.dial-failed", logging.SeverityWarn, logging.CategoryTransport,
			logging.EntityRef{ID: endpointID, Kind: logging.EntityKindChannel},
			map[string]any{"label": label, "error": err.Error()})
		s.scheduleRedial(endpointID, label)
		return
	}
	s.adoptChannel(ch, true)
}

// adoptChannel installs a channel under its peer, replacing any older
// channel with the same label; the newest connection always wins.
func (s *Session) adoptChannel(ch transport.Channel, dialed bool) {
	label := ch.Label()
	endpointID := ch.RemoteID()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ch.Close()
		return
	}
	p := s.ensurePeerLocked(endpointID, "")
	if old, ok := p.channels[label]; ok && old != ch {
		// Two pipes for one label in opposite directions means both sides
		// dialed at once. Both peers keep the pipe dialed by the lower
		// endpoint id, so they settle on the same survivor. A duplicate in
		// the same direction is a reconnect and the newest wins.
		if p.dialed[label] != dialed {
			keepDialed := s.endpointID < endpointID
			if p.dialed[label] == keepDialed {
				s.mu.Unlock()
				ch.Close()
				return
			}
		}
		old.Close()
	}
	p.channels[label] = ch
	p.dialed[label] = dialed

	if label == wire.LabelMedia {
		if p.call == nil || !p.call.Live() {
			p.call = audio.NewCall(endpointID, s.track, time.Now())
			s.counters.callsOpened.Add(1)
		} else {
			// Keep the existing call; only the transport leg was replaced.
			p.call.SwapTrack(s.track)
		}
	}

	s.wg.Add(1)
	go s.readLoop(ch)
	s.mu.Unlock()

	s.publish("channel.open", logging.SeverityInfo, logging.CategoryTransport,
		logging.EntityRef{ID: endpointID, Kind: logging.EntityKindChannel},
		map[string]any{"label": label, "dialed": dialed})

	if label == wire.LabelState {
		s.sendStateIntro(ch)
	}
}

// sendStateIntro runs the state-channel open sequence: hello, then an
// immediate position snapshot, then current meta.
func (s *Session) sendStateIntro(ch transport.Channel) {
	s.mu.Lock()
	hello := wire.Hello{PeerID: s.endpointID, StableID: s.cfg.StableID}
	pos := wire.Pos{
		X:      s.selfState.Cell.Col,
		Y:      s.selfState.Cell.Row,
		Moving: s.selfState.Moving,
		Facing: s.selfState.Facing,
	}
	meta := wire.Meta{Label: s.selfMeta.Label, OutfitSlots: s.selfMeta.OutfitSlots}
	s.mu.Unlock()

	for _, part := range []struct {
		msgType string
		payload any
	}{
		{wire.TypeHello, hello},
		{wire.TypePos, pos},
		{wire.TypeMeta, meta},
	} {
		data, err := wire.Encode(part.msgType, part.payload)
		if err != nil {
			continue
		}
		if err := ch.Send(data); err != nil {
			return
		}
		s.counters.RecordSend(len(data))
	}
}

func (s *Session) readLoop(ch transport.Channel) {
	defer s.wg.Done()
	for {
		msg, err := ch.Recv()
		if err != nil {
			s.handleChannelClose(ch)
			return
		}
		s.handleMessage(ch, msg)
	}
}

// handleChannelClose narrows teardown to the failed channel: live state and
// the media call go away, the roster entry stays until an explicit bye.
func (s *Session) handleChannelClose(ch transport.Channel) {
	label := ch.Label()
	endpointID := ch.RemoteID()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	p, ok := s.peers[endpointID]
	if !ok || p.channels[label] != ch {
		// Already replaced by a newer channel or the peer is gone.
		s.mu.Unlock()
		return
	}
	delete(p.channels, label)
	redial := p.dialed[label]
	switch label {
	case wire.LabelState:
		p.state = nil
	case wire.LabelMedia:
		if p.call != nil && p.call.Live() {
			p.call.Close()
			s.counters.callsClosed.Add(1)
		}
		p.call = nil
	}
	s.mu.Unlock()

	s.publish("channel.close", logging.SeverityWarn, logging.CategoryTransport,
		logging.EntityRef{ID: endpointID, Kind: logging.EntityKindChannel},
		map[string]any{"label": label})

	if redial {
		s.scheduleRedial(endpointID, label)
	}
}

// scheduleRedial retries a single channel after a bounded delay, as long as
// the session is open, the peer is still known, and nothing reopened the
// channel in the meantime.
func (s *Session) scheduleRedial(endpointID, label string) {
	time.AfterFunc(reconnectDelay, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		p, ok := s.peers[endpointID]
		if !ok {
			s.mu.Unlock()
			return
		}
		if _, open := p.channels[label]; open {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.counters.reconnects.Add(1)
		s.dialChannel(endpointID, label)
	})
}

func (s *Session) handleMessage(ch transport.Channel, msg transport.Message) {
	if msg.Binary {
		s.handleMediaFrame(ch, msg.Data)
		return
	}
	env, err := wire.Decode(msg.Data)
	if err != nil {
		s.publish("message.malformed", logging.SeverityWarn, logging.CategoryTransport,
			logging.EntityRef{ID: ch.RemoteID(), Kind: logging.EntityKindChannel},
			map[string]any{"error": err.Error()})
		return
	}

	switch env.Type {
	case wire.TypeHello:
		s.routeHello(ch, env)
	case wire.TypeBye:
		s.routeBye(ch)
	case wire.TypePos:
		s.routePos(ch, env)
	case wire.TypeMeta:
		s.routeMeta(ch, env)
	case wire.TypeChat:
		s.routeChat(ch, env)
	case wire.TypeMediaHint:
		s.routeMediaHint(ch, env)
	case wire.TypeDoor:
		s.routeDoor(ch, env)
	case wire.TypeDoorSyncRequest:
		s.routeDoorSyncRequest(ch)
	case wire.TypeGesture:
		s.routeGesture(ch, env)
	default:
		s.publish("message.unknown", logging.SeverityWarn, logging.CategoryTransport,
			logging.EntityRef{ID: ch.RemoteID(), Kind: logging.EntityKindChannel},
			map[string]any{"type": env.Type})
	}
}

func (s *Session) handleMediaFrame(ch transport.Channel, frame []byte) {
	s.mu.Lock()
	p, ok := s.peers[ch.RemoteID()]
	if !ok {
		s.mu.Unlock()
		return
	}
	gain := 0.0
	if p.call != nil {
		// First inbound frame proves the far side is live.
		p.call.Accept()
		gain = p.call.Volume()
	}
	stableID := p.stableID
	sink := s.cfg.AudioSink
	s.mu.Unlock()

	if sink != nil && gain > 0 && stableID != "" {
		sink.PlayFrame(stableID, frame, gain)
	}
}

func (s *Session) routeHello(ch transport.Channel, env wire.Envelope) {
	var hello wire.Hello
	if err := env.Payload(&hello); err != nil || hello.StableID == "" {
		return
	}

	s.mu.Lock()
	p, ok := s.peers[ch.RemoteID()]
	if !ok {
		s.mu.Unlock()
		return
	}
	firstHello := p.stableID == ""
	p.stableID = hello.StableID
	known := 0
	for _, other := range s.peers {
		if other.stableID != "" {
			known++
		}
	}
	s.gate.ObserveExpected(known)
	needsProfile := !p.meta.resolved() && !p.profileInFlight
	if needsProfile {
		p.profileInFlight = true
	}
	requestDoorSync := !s.doorsSynced
	s.mu.Unlock()

	if firstHello {
		s.publish("peer.hello", logging.SeverityInfo, logging.CategorySession,
			logging.EntityRef{ID: hello.StableID, Kind: logging.EntityKindParticipant}, nil)
	}
	if needsProfile && s.cfg.Profiles != nil {
		go s.resolveProfile(ch.RemoteID(), hello.StableID)
	}
	// The first established peer is asked for the door snapshot so a late
	// joiner catches up on toggles it missed. A failed send leaves the
	// request for the next hello.
	if requestDoorSync {
		if data, err := wire.Encode(wire.TypeDoorSyncRequest, wire.DoorSyncRequest{}); err == nil {
			if err := ch.Send(data); err == nil {
				s.mu.Lock()
				s.doorsSynced = true
				s.mu.Unlock()
			}
		}
	}
}

// resolveProfile runs off the session lock so a slow resolver never blocks
// message routing. Failure leaves the peer connected but not UI-ready;
// retries happen opportunistically from the tick loop.
func (s *Session) resolveProfile(endpointID, stableID string) {
	profile, err := s.cfg.Profiles.ResolveProfile(s.ctx, stableID)

	s.mu.Lock()
	p, ok := s.peers[endpointID]
	if !ok {
		s.mu.Unlock()
		return
	}
	p.profileInFlight = false
	if err != nil {
		p.profileFailed = true
		s.mu.Unlock()
		s.publish("profile.failed", logging.SeverityWarn, logging.CategorySession,
			logging.EntityRef{ID: stableID, Kind: logging.EntityKindParticipant},
			map[string]any{"error": err.Error()})
		return
	}
	p.profileFailed = false
	if profile.Label != "" {
		p.meta.Label = profile.Label
	}
	p.meta.Handle = profile.Handle
	s.mu.Unlock()
}

// routeBye removes the roster entry and everything hanging off it; this is
// the only message-driven path that drops a peer entirely.
func (s *Session) routeBye(ch transport.Channel) {
	endpointID := ch.RemoteID()

	s.mu.Lock()
	p, ok := s.peers[endpointID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, endpointID)
	var toClose []transport.Channel
	for _, open := range p.channels {
		toClose = append(toClose, open)
	}
	if p.call != nil && p.call.Live() {
		p.call.Close()
		s.counters.callsClosed.Add(1)
	}
	stableID := p.stableID
	s.mu.Unlock()

	for _, open := range toClose {
		open.Close()
	}
	s.publish("peer.bye", logging.SeverityInfo, logging.CategorySession,
		logging.EntityRef{ID: stableID, Kind: logging.EntityKindParticipant}, nil)
}

func (s *Session) routePos(ch transport.Channel, env wire.Envelope) {
	var pos wire.Pos
	if err := env.Payload(&pos); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[ch.RemoteID()]
	if !ok {
		return
	}
	facing := pos.Facing
	if facing >= 0 {
		facing = 1
	} else {
		facing = -1
	}
	p.state = &PlayerState{
		Cell:          grid.Cell{Col: pos.X, Row: pos.Y},
		Facing:        facing,
		Moving:        pos.Moving,
		LastUpdatedAt: time.Now(),
	}
}

func (s *Session) routeMeta(ch transport.Channel, env wire.Envelope) {
	var meta wire.Meta
	if err := env.Payload(&meta); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[ch.RemoteID()]
	if !ok {
		return
	}
	if meta.Label != "" {
		p.meta.Label = meta.Label
	}
	if meta.OutfitSlots != nil {
		slots := make([]string, directory.OutfitSlotCount)
		copy(slots, meta.OutfitSlots)
		p.meta.OutfitSlots = slots
	}
}

func (s *Session) routeChat(ch transport.Channel, env wire.Envelope) {
	var chat wire.Chat
	if err := env.Payload(&chat); err != nil || chat.Text == "" {
		return
	}
	sentAt := time.UnixMilli(chat.TS)
	if chat.TS == 0 {
		sentAt = time.Now()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.chat.append(chat.From, chat.Text, sentAt)
	s.mu.Unlock()

	s.publish("chat.message", logging.SeverityDebug, logging.CategorySession,
		logging.EntityRef{ID: chat.From, Kind: logging.EntityKindParticipant},
		map[string]any{"chars": len(chat.Text)})
}

func (s *Session) routeMediaHint(ch transport.Channel, env wire.Envelope) {
	var hint wire.MediaHint
	if err := env.Payload(&hint); err != nil {
		return
	}
	s.mu.Lock()
	p, ok := s.peers[ch.RemoteID()]
	if ok && p.call != nil {
		p.call.Accept()
	}
	s.mu.Unlock()

	s.publish("media.hint", logging.SeverityDebug, logging.CategoryMedia,
		logging.EntityRef{ID: ch.RemoteID(), Kind: logging.EntityKindCall},
		map[string]any{"reason": hint.Reason})
}

func (s *Session) routeDoor(ch transport.Channel, env wire.Envelope) {
	var door wire.Door
	if err := env.Payload(&door); err != nil {
		return
	}
	cell := grid.Cell{Col: door.Col, Row: door.Row}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := s.doors.Apply(cell, door.Open)
	callback := s.cfg.OnDoorToggled
	s.mu.Unlock()

	if changed && callback != nil {
		callback(cell, door.Open, door.Silent)
	}
}

// routeDoorSyncRequest answers a joiner's catch-up request with one silent
// door event per non-default door, over the channel it asked on.
func (s *Session) routeDoorSyncRequest(ch transport.Channel) {
	s.mu.Lock()
	cells := s.doors.Snapshot()
	s.mu.Unlock()

	for _, cell := range cells {
		payload := wire.Door{Col: cell.Col, Row: cell.Row, Open: true, Silent: true}
		data, err := wire.Encode(wire.TypeDoor, payload)
		if err != nil {
			continue
		}
		if err := ch.Send(data); err != nil {
			return
		}
		s.counters.RecordSend(len(data))
	}
}

// RequestDoorSync asks one connected peer for a full door snapshot; any
// already-connected peer can answer.
func (s *Session) RequestDoorSync() {
	s.mu.Lock()
	stateChans := s.channelsLocked(wire.LabelState)
	s.mu.Unlock()
	if len(stateChans) == 0 {
		return
	}
	if data, err := wire.Encode(wire.TypeDoorSyncRequest, wire.DoorSyncRequest{}); err == nil {
		stateChans[0].Send(data)
	}
}

func (s *Session) routeGesture(ch transport.Channel, env wire.Envelope) {
	var gesture wire.Gesture
	if err := env.Payload(&gesture); err != nil || gesture.Kind == "" {
		return
	}
	s.mu.Lock()
	stableID := ""
	if p, ok := s.peers[ch.RemoteID()]; ok {
		stableID = p.stableID
	}
	callback := s.cfg.OnGesture
	s.mu.Unlock()

	if callback != nil && stableID != "" {
		callback(stableID, gesture.Kind, time.Duration(gesture.DurationMs)*time.Millisecond)
	}
}
