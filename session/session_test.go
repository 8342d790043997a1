package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshroom/directory"
	"meshroom/grid"
	"meshroom/transport"
	"meshroom/transport/memnet"
	"meshroom/wire"
)

const testRoom = "plaza"

type fixture struct {
	network *memnet.Network
	dir     *directory.InMemory
	world   *grid.Map
}

func newFixture(stableIDs ...string) *fixture {
	f := &fixture{
		network: memnet.New(),
		dir:     directory.NewInMemory(),
		world:   grid.NewMap(20, 20),
	}
	for _, id := range stableIDs {
		f.dir.SetProfile(id, directory.Profile{Label: strTitle(id), Handle: "@" + id})
	}
	return f
}

func strTitle(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

func (f *fixture) join(t *testing.T, stableID string) *Session {
	t.Helper()
	sess, err := Join(context.Background(), Config{
		RoomID:    testRoom,
		StableID:  stableID,
		Label:     strTitle(stableID),
		Network:   f.network,
		Directory: f.dir,
		Profiles:  f.dir,
		Outfits:   f.dir,
		Map:       f.world,
		TickRate:  30,
	})
	require.NoError(t, err)
	sess.MarkWorldLoaded()
	sess.MarkAssetsLoaded()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sess.Leave(ctx)
	})
	return sess
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestRosterConvergesBetweenTwoNodes(t *testing.T) {
	f := newFixture("alice", "bob")
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	waitFor(t, 3*time.Second, func() bool {
		return alice.RosterSize() == 2 && bob.RosterSize() == 2
	}, "rosters did not converge")

	waitFor(t, 3*time.Second, func() bool {
		return len(alice.Participants()) == 2 && len(bob.Participants()) == 2
	}, "profiles did not resolve")

	aliceView := alice.Participants()
	assert.True(t, aliceView[0].Self)
	assert.Equal(t, "alice", aliceView[0].StableID)
	assert.Equal(t, "bob", aliceView[1].StableID)
	assert.Equal(t, "@bob", aliceView[1].Handle)
}

func TestThreeNodesJoiningNearSimultaneously(t *testing.T) {
	f := newFixture("alice", "bob", "carol")

	ids := []string{"alice", "bob", "carol"}
	sessions := make([]*Session, len(ids))
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sessions[i], errs[i] = Join(context.Background(), Config{
				RoomID:    testRoom,
				StableID:  id,
				Label:     strTitle(id),
				Network:   f.network,
				Directory: f.dir,
				Profiles:  f.dir,
				Outfits:   f.dir,
				Map:       f.world,
				TickRate:  30,
			})
		}(i, id)
	}
	wg.Wait()
	for i := range ids {
		require.NoError(t, errs[i])
		sess := sessions[i]
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			sess.Leave(ctx)
		})
	}

	waitFor(t, 5*time.Second, func() bool {
		for _, sess := range sessions {
			if sess.RosterSize() != 3 {
				return false
			}
		}
		return true
	}, "all three rosters should reach size 3")
}

func TestPositionReplication(t *testing.T) {
	f := newFixture("alice", "bob")
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	alice.SetPosition(grid.Cell{Col: 7, Row: 3}, 1, true)

	waitFor(t, 3*time.Second, func() bool {
		state, ok := bob.PlayerStates()["alice"]
		return ok && state.Cell == (grid.Cell{Col: 7, Row: 3}) && state.Moving
	}, "bob never saw alice's position")

	// After the grace window without updates the peer reads as idle.
	waitFor(t, 4*time.Second, func() bool {
		state, ok := bob.PlayerStates()["alice"]
		return ok && !state.Moving
	}, "stale state should drop the moving flag")
}

func TestDoorToggleReplicatesAndSyncsLateJoiner(t *testing.T) {
	f := newFixture("alice", "bob", "carol")
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	cell := grid.Cell{Col: 4, Row: 9}
	assert.True(t, alice.ToggleDoor(cell))

	waitFor(t, 3*time.Second, func() bool {
		return bob.DoorOpen(cell)
	}, "door toggle did not replicate")

	// Carol was offline for the toggle; joining pulls the snapshot.
	carol := f.join(t, "carol")
	waitFor(t, 3*time.Second, func() bool {
		return carol.DoorOpen(cell)
	}, "late joiner did not catch up on doors")

	// Replaying the snapshot must change nothing.
	carol.RequestDoorSync()
	time.Sleep(200 * time.Millisecond)
	states := carol.DoorStates()
	assert.Len(t, states, 1)
	assert.True(t, states[cell])
}

func TestLeaveCleansUpAndAllowsImmediateRejoin(t *testing.T) {
	f := newFixture("alice", "bob")
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	waitFor(t, 3*time.Second, func() bool {
		return alice.RosterSize() == 2 && bob.RosterSize() == 2
	}, "initial rosters")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bob.Leave(ctx))
	assert.Equal(t, 1, bob.RosterSize())

	waitFor(t, 3*time.Second, func() bool {
		return alice.RosterSize() == 1
	}, "alice should drop bob after the bye")

	// Same identity rejoins immediately without an address collision.
	bob2 := f.join(t, "bob")
	waitFor(t, 3*time.Second, func() bool {
		return bob2.RosterSize() == 2 && alice.RosterSize() == 2
	}, "rejoin did not converge")
}

func TestMicToggleChurnKeepsOneCallPerPeer(t *testing.T) {
	f := newFixture("alice", "bob")
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	waitFor(t, 3*time.Second, func() bool {
		for _, d := range alice.Diagnostics() {
			if d.CallState == "active" {
				return true
			}
		}
		return false
	}, "call never went active")

	for i := 0; i < 5; i++ {
		alice.SetMicEnabled(true)
		alice.SetMicEnabled(false)
	}
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, uint64(1), alice.Telemetry().CallsOpened, "mic churn must not spawn calls")
	assert.Zero(t, alice.Telemetry().CallsClosed)
	require.Len(t, alice.Diagnostics(), 1)
	assert.Equal(t, "active", alice.Diagnostics()[0].CallState)
	assert.False(t, alice.MicEnabled())
	_ = bob
}

func TestReadinessProgressMonotonicAndLatches(t *testing.T) {
	f := newFixture("alice", "bob")
	alice := f.join(t, "alice")
	f.join(t, "bob")

	prev := 0.0
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		percent, ready := alice.Progress()
		require.GreaterOrEqual(t, percent, prev, "displayed progress regressed")
		prev = percent
		if ready {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	_, ready := alice.Progress()
	require.True(t, ready, "session never became ready")

	percent, _ := alice.Progress()
	waitFor(t, 3*time.Second, func() bool {
		p, _ := alice.Progress()
		return p >= 99
	}, "display never approached 100")
	p, stillReady := alice.Progress()
	assert.GreaterOrEqual(t, p, percent)
	assert.True(t, stillReady)
}

func TestProximityVolumes(t *testing.T) {
	f := newFixture("alice", "bob")
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	alice.SetPosition(grid.Cell{Col: 5, Row: 5}, 1, false)
	bob.SetPosition(grid.Cell{Col: 5, Row: 6}, 1, false)

	waitFor(t, 3*time.Second, func() bool {
		return alice.Volumes()["bob"] > 0.9
	}, "adjacent peer should be near full volume")

	ok, v := alice.Audible("bob")
	require.True(t, ok)
	assert.Greater(t, v, 0.9)

	// Bob walks out of range: the call parks muted, volume drops to zero.
	bob.SetPosition(grid.Cell{Col: 5, Row: 15}, 1, false)
	waitFor(t, 3*time.Second, func() bool {
		return alice.Volumes()["bob"] == 0
	}, "distant peer should be silent")

	ok, _ = alice.Audible("bob")
	assert.False(t, ok)
}

func TestManualMuteOverride(t *testing.T) {
	f := newFixture("alice", "bob")
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	alice.SetPosition(grid.Cell{Col: 5, Row: 5}, 1, false)
	bob.SetPosition(grid.Cell{Col: 5, Row: 6}, 1, false)

	waitFor(t, 3*time.Second, func() bool {
		return alice.Volumes()["bob"] > 0
	}, "peer should be audible before muting")

	alice.SetPeerMuted("bob", true)
	waitFor(t, 2*time.Second, func() bool {
		return alice.Volumes()["bob"] == 0
	}, "manual mute should silence the peer")

	alice.SetPeerMuted("bob", false)
	waitFor(t, 2*time.Second, func() bool {
		return alice.Volumes()["bob"] > 0
	}, "unmuting should restore audio")
}

func TestChatDeliveredToPeers(t *testing.T) {
	f := newFixture("alice", "bob")
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	waitFor(t, 3*time.Second, func() bool {
		return alice.RosterSize() == 2 && bob.RosterSize() == 2
	}, "rosters")

	sent := alice.SendChat("see you by the fountain")
	assert.NotEmpty(t, sent.ID)

	waitFor(t, 3*time.Second, func() bool {
		msgs := bob.ChatMessages()
		return len(msgs) == 1 && msgs[0].From == "alice" && msgs[0].Text == "see you by the fountain"
	}, "chat did not arrive")

	assert.Len(t, alice.ChatMessages(), 1)
}

func TestMutualDialConverges(t *testing.T) {
	f := newFixture("alice", "bob")
	ctx := context.Background()
	// Registering both identities before either joins makes each side see
	// the other in its membership read and dial it.
	require.NoError(t, f.dir.Join(ctx, testRoom, "alice"))
	require.NoError(t, f.dir.Join(ctx, testRoom, "bob"))

	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	waitFor(t, 5*time.Second, func() bool {
		return alice.RosterSize() == 2 && bob.RosterSize() == 2
	}, "rosters did not converge after a mutual dial")

	alice.SetPosition(grid.Cell{Col: 2, Row: 2}, 1, false)
	bob.SetPosition(grid.Cell{Col: 2, Row: 3}, 1, false)

	waitFor(t, 5*time.Second, func() bool {
		_, aliceSeen := bob.PlayerStates()["alice"]
		_, bobSeen := alice.PlayerStates()["bob"]
		return aliceSeen && bobSeen
	}, "state replication broke after the duplicate channels were resolved")

	// Well past the redial delay both sides must still hold one pipe per
	// label and an audible call; the collision must not sever the pair.
	time.Sleep(1500 * time.Millisecond)

	fullTriplet := func(s *Session) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.peers) != 1 {
			return false
		}
		for _, p := range s.peers {
			if len(p.channels) != 3 {
				return false
			}
		}
		return true
	}
	waitFor(t, 3*time.Second, func() bool {
		return fullTriplet(alice) && fullTriplet(bob)
	}, "channel triplets did not settle")

	waitFor(t, 3*time.Second, func() bool {
		return alice.Volumes()["bob"] > 0 && bob.Volumes()["alice"] > 0
	}, "calls did not survive the collision")

	_, seen := bob.PlayerStates()["alice"]
	assert.True(t, seen, "position sync must persist")
}

func TestChatFallsBackToStateChannel(t *testing.T) {
	f := newFixture("alice", "bob")
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	waitFor(t, 3*time.Second, func() bool {
		return alice.RosterSize() == 2 && bob.RosterSize() == 2
	}, "rosters")

	alice.mu.Lock()
	var chatChans []transport.Channel
	for _, p := range alice.peers {
		if ch, ok := p.channels[wire.LabelChat]; ok {
			chatChans = append(chatChans, ch)
		}
	}
	alice.mu.Unlock()
	require.NotEmpty(t, chatChans)
	for _, ch := range chatChans {
		ch.Close()
	}

	noChat := func(s *Session) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, p := range s.peers {
			if _, ok := p.channels[wire.LabelChat]; ok {
				return false
			}
		}
		return true
	}
	waitFor(t, 2*time.Second, func() bool {
		return noChat(alice) && noChat(bob)
	}, "chat channels should drop on both sides")

	alice.SendChat("routing around the missing pipe")
	waitFor(t, 3*time.Second, func() bool {
		msgs := bob.ChatMessages()
		return len(msgs) == 1 && msgs[0].Text == "routing around the missing pipe"
	}, "chat did not fall back to the state channel")
}

// scriptedChannel stands in for a transport channel in white-box routing
// tests; it is installed directly on a peer, never read from.
type scriptedChannel struct {
	label    string
	localID  string
	remoteID string

	mu      sync.Mutex
	sendErr error
	sent    [][]byte
}

func (c *scriptedChannel) Label() string    { return c.label }
func (c *scriptedChannel) LocalID() string  { return c.localID }
func (c *scriptedChannel) RemoteID() string { return c.remoteID }

func (c *scriptedChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *scriptedChannel) SendBinary(data []byte) error { return c.Send(data) }

func (c *scriptedChannel) Recv() (transport.Message, error) {
	select {}
}

func (c *scriptedChannel) Close() error { return nil }

func (c *scriptedChannel) sentMessages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func TestDoorSyncRequestRetriesOnNextHello(t *testing.T) {
	f := newFixture("alice", "bob")
	alice := f.join(t, "alice")

	bobEndpoint := directory.EndpointID(testRoom, "bob")
	helloData, err := wire.Encode(wire.TypeHello, wire.Hello{PeerID: bobEndpoint, StableID: "bob"})
	require.NoError(t, err)
	env, err := wire.Decode(helloData)
	require.NoError(t, err)

	failing := &scriptedChannel{
		label:    wire.LabelState,
		localID:  alice.endpointID,
		remoteID: bobEndpoint,
		sendErr:  transport.ErrClosed,
	}
	alice.mu.Lock()
	p := alice.ensurePeerLocked(bobEndpoint, "")
	p.channels[wire.LabelState] = failing
	alice.mu.Unlock()

	alice.routeHello(failing, env)
	alice.mu.Lock()
	synced := alice.doorsSynced
	alice.mu.Unlock()
	assert.False(t, synced, "a failed request must not latch the sync flag")

	working := &scriptedChannel{
		label:    wire.LabelState,
		localID:  alice.endpointID,
		remoteID: bobEndpoint,
	}
	alice.mu.Lock()
	p.channels[wire.LabelState] = working
	alice.mu.Unlock()

	alice.routeHello(working, env)
	alice.mu.Lock()
	synced = alice.doorsSynced
	alice.mu.Unlock()
	assert.True(t, synced)

	sent := working.sentMessages()
	require.Len(t, sent, 1)
	reqEnv, err := wire.Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, wire.TypeDoorSyncRequest, reqEnv.Type)
}

func TestGestureRelay(t *testing.T) {
	f := newFixture("alice", "bob")

	var mu sync.Mutex
	var gotKind string
	var gotFrom string

	bobSess, err := Join(context.Background(), Config{
		RoomID:    testRoom,
		StableID:  "bob",
		Label:     "Bob",
		Network:   f.network,
		Directory: f.dir,
		Profiles:  f.dir,
		Outfits:   f.dir,
		Map:       f.world,
		TickRate:  30,
		OnGesture: func(from, kind string, _ time.Duration) {
			mu.Lock()
			gotFrom, gotKind = from, kind
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		bobSess.Leave(ctx)
	})

	alice := f.join(t, "alice")
	waitFor(t, 3*time.Second, func() bool {
		return alice.RosterSize() == 2 && bobSess.RosterSize() == 2
	}, "rosters")

	alice.SendGesture("wave", 1500*time.Millisecond)

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotKind == "wave" && gotFrom == "alice"
	}, "gesture was not relayed")
}
