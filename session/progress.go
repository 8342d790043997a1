package session

// Stage is one fixed milestone of the join sequence.
type Stage string

const (
	StageJoinedDirectory   Stage = "joinedRoomDirectory"
	StageWorldLoaded       Stage = "worldLoaded"
	StageAssetsLoaded      Stage = "assetsLoaded"
	StageLocalEndpointOpen Stage = "localChannelOpen"
)

var stageWeights = map[Stage]float64{
	StageJoinedDirectory:   0.15,
	StageWorldLoaded:       0.15,
	StageAssetsLoaded:      0.10,
	StageLocalEndpointOpen: 0.15,
}

// peersWeight is the share contributed by peer connections, proportional to
// min(connected, expected) / max(expected seen so far, 1).
const peersWeight = 0.45

const displaySmoothing = 0.2

// Gate accumulates weighted join milestones. The displayed percentage only
// moves forward and eases toward its target; Ready latches exactly once when
// every fixed stage is done and all expected peers are connected.
type Gate struct {
	done      map[Stage]bool
	expected  int
	connected int
	display   float64
	ready     bool
}

func NewGate() *Gate {
	return &Gate{done: make(map[Stage]bool)}
}

func (g *Gate) MarkDone(stage Stage) {
	if _, ok := stageWeights[stage]; ok {
		g.done[stage] = true
	}
}

// ObserveExpected records the highest remote-peer count seen so far. The
// expectation never shrinks, so a peer leaving cannot regress progress.
func (g *Gate) ObserveExpected(n int) {
	if n > g.expected {
		g.expected = n
	}
}

func (g *Gate) SetConnected(n int) {
	if n < 0 {
		n = 0
	}
	g.connected = n
}

func (g *Gate) target() float64 {
	total := 0.0
	for stage, weight := range stageWeights {
		if g.done[stage] {
			total += weight
		}
	}
	if g.expected <= 0 {
		// Self always counts as connected.
		total += peersWeight
	} else {
		connected := g.connected
		if connected > g.expected {
			connected = g.expected
		}
		total += peersWeight * float64(connected) / float64(g.expected)
	}
	return total * 100
}

// Tick eases the displayed percentage toward its target and evaluates the
// hard readiness condition.
func (g *Gate) Tick() {
	target := g.target()
	if target > g.display {
		g.display += (target - g.display) * displaySmoothing
		if target-g.display < 0.5 {
			g.display = target
		}
	}
	if !g.ready && g.allStagesDone() && g.connected >= g.expected {
		g.ready = true
	}
}

func (g *Gate) allStagesDone() bool {
	for stage := range stageWeights {
		if !g.done[stage] {
			return false
		}
	}
	return true
}

// Percent is the smoothed, monotonic display value in [0, 100].
func (g *Gate) Percent() float64 { return g.display }

// Ready reports the latched readiness boolean; it never reverts.
func (g *Gate) Ready() bool { return g.ready }
