// Package session implements the peer-mesh synchronization core for one
// room: a Session owns the local transport endpoint, the per-peer channel
// triplets and media calls, the replicated player/door/chat state, and the
// readiness gate, all driven by a fixed-rate tick loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshroom/audio"
	"meshroom/directory"
	"meshroom/grid"
	"meshroom/logging"
	"meshroom/transport"
	"meshroom/wire"
)

const (
	defaultTickRate   = 15
	defaultStaleAfter = 2 * time.Second

	// reconnectDelay bounds how quickly a single failed channel is redialed.
	reconnectDelay = time.Second
	// dialTimeout caps one channel dial attempt.
	dialTimeout = 5 * time.Second
	// profileRetryTicks spaces out opportunistic profile re-resolution.
	profileRetryTicks = 75
)

var ErrSessionClosed = errors.New("session: closed")

type Config struct {
	RoomID   string
	StableID string
	// Label seeds the local display label until the profile resolves.
	Label string

	Network   transport.Network
	Directory directory.Directory
	Profiles  directory.ProfileResolver
	Outfits   directory.OutfitStore

	Map       *grid.Map
	Publisher logging.Publisher

	// MicSource captures microphone frames; nil keeps the mic silent even
	// when enabled.
	MicSource audio.FrameSource
	// AudioSink plays inbound frames; nil discards them.
	AudioSink audio.Sink

	TickRate   int
	StaleAfter time.Duration

	// OnGesture fires for every received gesture event.
	OnGesture func(fromStableID, kind string, duration time.Duration)
	// OnDoorToggled fires for every applied door change; silent deliveries
	// come from snapshot catch-up and should not replay sound effects.
	OnDoorToggled func(cell grid.Cell, open, silent bool)
}

func (c *Config) applyDefaults() error {
	if c.RoomID == "" || c.StableID == "" {
		return errors.New("session: room id and stable id are required")
	}
	if c.Network == nil || c.Directory == nil {
		return errors.New("session: network and directory are required")
	}
	if c.Map == nil {
		return errors.New("session: map is required")
	}
	if c.Publisher == nil {
		c.Publisher = logging.NopPublisher()
	}
	if c.TickRate <= 0 {
		c.TickRate = defaultTickRate
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	return nil
}

// Session is the live state of one joined room.
type Session struct {
	mu  sync.Mutex
	cfg Config

	endpointID string
	endpoint   transport.Endpoint

	ctx    context.Context
	cancel context.CancelFunc

	peers map[string]*peer // keyed by endpoint id
	doors *Doors
	chat  *chatLog
	gate  *Gate
	vad   *audio.VAD

	track audio.Track
	micOn bool

	selfState PlayerState
	selfMeta  ProfileMeta
	selfDirty bool

	doorsSynced bool

	tick     uint64
	counters telemetryCounters

	closed    bool
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// Join registers with the room directory, claims the local endpoint with
// bounded retries, and starts connecting to every known member. Only
// directory failure or exhausting the endpoint retries fails the join; all
// per-peer trouble afterwards is isolated and retried.
func Join(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.Directory.Join(ctx, cfg.RoomID, cfg.StableID); err != nil {
		return nil, fmt.Errorf("session: join room %s: %w", cfg.RoomID, err)
	}
	members, err := cfg.Directory.Membership(ctx, cfg.RoomID)
	if err != nil {
		cfg.Directory.Leave(ctx, cfg.RoomID, cfg.StableID)
		return nil, fmt.Errorf("session: membership for %s: %w", cfg.RoomID, err)
	}

	endpointID := directory.EndpointID(cfg.RoomID, cfg.StableID)
	endpoint, err := transport.OpenWithRetry(ctx, cfg.Network, endpointID)
	if err != nil {
		cfg.Directory.Leave(ctx, cfg.RoomID, cfg.StableID)
		return nil, fmt.Errorf("session: could not join %s: %w", cfg.RoomID, err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		endpointID: endpointID,
		endpoint:   endpoint,
		ctx:        sessionCtx,
		cancel:     cancel,
		peers:      make(map[string]*peer),
		doors:      NewDoors(),
		chat:       newChatLog(),
		gate:       NewGate(),
		vad:        audio.NewVAD(0, 0),
		track:      audio.NewSilentTrack(),
		selfMeta:   ProfileMeta{Label: cfg.Label, Handle: cfg.StableID},
	}
	s.selfState.LastUpdatedAt = time.Now()

	if cfg.Profiles != nil {
		if profile, err := cfg.Profiles.ResolveProfile(ctx, cfg.StableID); err == nil {
			if profile.Label != "" {
				s.selfMeta.Label = profile.Label
			}
			if profile.Handle != "" {
				s.selfMeta.Handle = profile.Handle
			}
		}
	}
	if cfg.Outfits != nil {
		if slots, err := cfg.Outfits.Outfit(ctx, cfg.StableID); err == nil {
			s.selfMeta.OutfitSlots = slots
		}
	}

	s.gate.MarkDone(StageJoinedDirectory)
	s.gate.MarkDone(StageLocalEndpointOpen)

	expected := 0
	for _, member := range members {
		if member != cfg.StableID {
			expected++
		}
	}
	s.gate.ObserveExpected(expected)

	s.publish("session.join", logging.SeverityInfo, logging.CategorySession,
		logging.EntityRef{ID: cfg.StableID, Kind: logging.EntityKindParticipant},
		map[string]any{"room": cfg.RoomID, "expectedPeers": expected})

	s.wg.Add(2)
	go s.acceptLoop()
	go s.run()

	for _, member := range members {
		if member == cfg.StableID {
			continue
		}
		go s.connectPeer(member)
	}

	return s, nil
}

// run is the fixed-rate tick loop: staleness sweep, proximity recompute,
// VAD, frame pump, position broadcast, readiness smoothing.
func (s *Session) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.TickRate))
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.step(now)
		}
	}
}

func (s *Session) step(now time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.tick++

	// A participant that stopped sending updates is treated as standing
	// still until it speaks up again.
	for _, p := range s.peers {
		if p.state != nil && now.Sub(p.state.LastUpdatedAt) > s.cfg.StaleAfter {
			p.state.Moving = false
		}
	}

	selfCell := s.selfState.Cell
	for _, p := range s.peers {
		if p.call == nil {
			continue
		}
		gain := 0.0
		if p.state != nil {
			if ok, v := s.cfg.Map.Audible(selfCell, p.state.Cell); ok {
				gain = v
			}
		}
		p.call.SetManualMute(p.manualMute)
		p.call.SetVolume(gain)
	}

	frame := s.track.ReadFrame()
	level := 0.0
	if !s.track.Silent() {
		level = audio.Level(frame)
	}
	s.vad.Update(level, now)

	mediaChans := s.channelsLocked(wire.LabelMedia)

	var posData []byte
	var stateChans []transport.Channel
	if s.selfDirty {
		pos := wire.Pos{
			X:      s.selfState.Cell.Col,
			Y:      s.selfState.Cell.Row,
			Moving: s.selfState.Moving,
			Facing: s.selfState.Facing,
		}
		if data, err := wire.Encode(wire.TypePos, pos); err == nil {
			posData = data
			stateChans = s.channelsLocked(wire.LabelState)
		}
		s.selfDirty = false
	}

	connected := 0
	for _, p := range s.peers {
		if p.stableID != "" && p.stateChannelOpen() {
			connected++
		}
	}
	s.gate.SetConnected(connected)
	s.gate.Tick()

	retryProfiles := s.tick%profileRetryTicks == 0
	var retry []*peer
	if retryProfiles {
		for _, p := range s.peers {
			if p.profileFailed && !p.profileInFlight && p.stableID != "" {
				p.profileInFlight = true
				retry = append(retry, p)
			}
		}
	}
	s.mu.Unlock()

	for _, ch := range mediaChans {
		if err := ch.SendBinary(frame); err == nil {
			s.counters.framesPumped.Add(1)
			s.counters.RecordSend(len(frame))
		}
	}
	if posData != nil {
		for _, ch := range stateChans {
			if err := ch.Send(posData); err == nil {
				s.counters.RecordSend(len(posData))
			}
		}
		s.counters.posBroadcasts.Add(1)
	}
	for _, p := range retry {
		go s.resolveProfile(p.endpointID, p.stableID)
	}
}

func (s *Session) channelsLocked(label string) []transport.Channel {
	chans := make([]transport.Channel, 0, len(s.peers))
	for _, p := range s.peers {
		if ch, ok := p.channels[label]; ok {
			chans = append(chans, ch)
		}
	}
	return chans
}

// SetPosition records the local participant's tile, facing, and movement
// flag; the next tick broadcasts it.
func (s *Session) SetPosition(cell grid.Cell, facing int, moving bool) {
	if facing >= 0 {
		facing = 1
	} else {
		facing = -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.selfState = PlayerState{Cell: cell, Facing: facing, Moving: moving, LastUpdatedAt: time.Now()}
	s.selfDirty = true
}

// SetMicEnabled swaps the outbound track on every live call instead of
// renegotiating, and hints peers over the state channel.
func (s *Session) SetMicEnabled(enabled bool) {
	s.mu.Lock()
	if s.closed || s.micOn == enabled {
		s.mu.Unlock()
		return
	}
	s.micOn = enabled
	if enabled {
		s.track = audio.NewMicTrack(s.cfg.MicSource)
	} else {
		s.track = audio.NewSilentTrack()
	}
	for _, p := range s.peers {
		if p.call != nil {
			p.call.SwapTrack(s.track)
		}
	}
	stateChans := s.channelsLocked(wire.LabelState)
	s.mu.Unlock()

	reason := wire.MediaHintMicOff
	if enabled {
		reason = wire.MediaHintMicOn
	}
	if data, err := wire.Encode(wire.TypeMediaHint, wire.MediaHint{Reason: reason}); err == nil {
		for _, ch := range stateChans {
			ch.Send(data)
		}
	}
}

// SetPeerMuted applies the manual per-peer override that silences a peer
// regardless of proximity.
func (s *Session) SetPeerMuted(stableID string, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if p.stableID == stableID {
			p.manualMute = muted
		}
	}
}

// ToggleDoor flips a door locally, notifies the presentation layer, and
// broadcasts the change to every open state channel.
func (s *Session) ToggleDoor(cell grid.Cell) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	open := s.doors.Toggle(cell)
	stateChans := s.channelsLocked(wire.LabelState)
	callback := s.cfg.OnDoorToggled
	s.mu.Unlock()

	if callback != nil {
		callback(cell, open, false)
	}
	s.publish("door.toggle", logging.SeverityInfo, logging.CategoryWorld,
		logging.EntityRef{ID: s.cfg.StableID, Kind: logging.EntityKindParticipant},
		wire.Door{Col: cell.Col, Row: cell.Row, Open: open})

	if data, err := wire.Encode(wire.TypeDoor, wire.Door{Col: cell.Col, Row: cell.Row, Open: open}); err == nil {
		for _, ch := range stateChans {
			if err := ch.Send(data); err == nil {
				s.counters.RecordSend(len(data))
			}
		}
	}
	return open
}

// SendChat appends to the local log and delivers best effort, preferring
// the chat channel and falling back to the state channel per peer.
func (s *Session) SendChat(text string) ChatMessage {
	now := time.Now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ChatMessage{}
	}
	msg := s.chat.append(s.cfg.StableID, text, now)
	targets := make([]transport.Channel, 0, len(s.peers))
	for _, p := range s.peers {
		if ch, ok := p.channels[wire.LabelChat]; ok {
			targets = append(targets, ch)
		} else if ch, ok := p.channels[wire.LabelState]; ok {
			targets = append(targets, ch)
		}
	}
	s.mu.Unlock()

	payload := wire.Chat{Text: text, TS: now.UnixMilli(), From: s.cfg.StableID}
	if data, err := wire.Encode(wire.TypeChat, payload); err == nil {
		for _, ch := range targets {
			if err := ch.Send(data); err == nil {
				s.counters.RecordSend(len(data))
			}
		}
	}
	return msg
}

// SendGesture broadcasts a gesture event to all peers.
func (s *Session) SendGesture(kind string, duration time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	stateChans := s.channelsLocked(wire.LabelState)
	s.mu.Unlock()

	payload := wire.Gesture{Kind: kind, DurationMs: duration.Milliseconds()}
	if data, err := wire.Encode(wire.TypeGesture, payload); err == nil {
		for _, ch := range stateChans {
			ch.Send(data)
		}
	}
}

// SetOutfit stores the local outfit and broadcasts updated meta.
func (s *Session) SetOutfit(ctx context.Context, slots []string) error {
	if s.cfg.Outfits != nil {
		if err := s.cfg.Outfits.SetOutfit(ctx, s.cfg.StableID, slots); err != nil {
			return err
		}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	normalized := make([]string, directory.OutfitSlotCount)
	copy(normalized, slots)
	s.selfMeta.OutfitSlots = normalized
	stateChans := s.channelsLocked(wire.LabelState)
	label := s.selfMeta.Label
	s.mu.Unlock()

	if data, err := wire.Encode(wire.TypeMeta, wire.Meta{Label: label, OutfitSlots: normalized}); err == nil {
		for _, ch := range stateChans {
			ch.Send(data)
		}
	}
	return nil
}

// MarkWorldLoaded and MarkAssetsLoaded are called by the presentation layer
// once its structural loading milestones complete.
func (s *Session) MarkWorldLoaded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate.MarkDone(StageWorldLoaded)
}

func (s *Session) MarkAssetsLoaded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate.MarkDone(StageAssetsLoaded)
}

// Leave tears the whole session down: bye to every peer, channels and calls
// closed, the endpoint released, and the directory updated. It is idempotent
// and bounded by the context; once it returns the endpoint id is free for an
// immediate rejoin.
func (s *Session) Leave(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		byeChans := s.channelsLocked(wire.LabelState)
		var allChans []transport.Channel
		for _, p := range s.peers {
			for _, ch := range p.channels {
				allChans = append(allChans, ch)
			}
			if p.call != nil && p.call.Live() {
				p.call.Close()
				s.counters.callsClosed.Add(1)
			}
		}
		s.peers = make(map[string]*peer)
		s.mu.Unlock()

		if data, err := wire.Encode(wire.TypeBye, wire.Bye{PeerID: s.endpointID}); err == nil {
			for _, ch := range byeChans {
				ch.Send(data)
			}
		}

		s.cancel()
		for _, ch := range allChans {
			ch.Close()
		}

		s.closeErr = s.endpoint.Close(ctx)
		s.cfg.Directory.Leave(ctx, s.cfg.RoomID, s.cfg.StableID)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if s.closeErr == nil {
				s.closeErr = ctx.Err()
			}
		}

		s.publish("session.leave", logging.SeverityInfo, logging.CategorySession,
			logging.EntityRef{ID: s.cfg.StableID, Kind: logging.EntityKindParticipant}, nil)
	})
	return s.closeErr
}

func (s *Session) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) publish(evType logging.EventType, sev logging.Severity, category string, actor logging.EntityRef, payload any) {
	s.cfg.Publisher.Publish(s.ctx, logging.Event{
		Type:     evType,
		Tick:     s.currentTick(),
		Actor:    actor,
		Severity: sev,
		Category: category,
		Payload:  payload,
	})
}

func (s *Session) currentTick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}
