package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGateStagesAccumulate(t *testing.T) {
	g := NewGate()
	g.ObserveExpected(1)
	g.Tick()
	assert.Zero(t, g.Percent())
	assert.False(t, g.Ready())

	g.MarkDone(StageJoinedDirectory)
	g.MarkDone(StageWorldLoaded)
	g.MarkDone(StageAssetsLoaded)
	g.MarkDone(StageLocalEndpointOpen)
	g.SetConnected(1)

	for i := 0; i < 100; i++ {
		g.Tick()
	}
	assert.InDelta(t, 100, g.Percent(), 0.6)
	assert.True(t, g.Ready())
}

func TestGateLoneParticipantCompletesAlone(t *testing.T) {
	g := NewGate()
	for _, stage := range []Stage{StageJoinedDirectory, StageWorldLoaded, StageAssetsLoaded, StageLocalEndpointOpen} {
		g.MarkDone(stage)
	}
	for i := 0; i < 100; i++ {
		g.Tick()
	}
	// No expected peers: self counts as connected.
	assert.InDelta(t, 100, g.Percent(), 0.6)
	assert.True(t, g.Ready())
}

func TestGatePeerPortionProportional(t *testing.T) {
	g := NewGate()
	g.MarkDone(StageJoinedDirectory)
	g.MarkDone(StageWorldLoaded)
	g.MarkDone(StageAssetsLoaded)
	g.MarkDone(StageLocalEndpointOpen)
	g.ObserveExpected(4)
	g.SetConnected(2)

	for i := 0; i < 100; i++ {
		g.Tick()
	}
	// 55 fixed + 45 * 2/4.
	assert.InDelta(t, 77.5, g.Percent(), 0.6)
	assert.False(t, g.Ready())

	g.SetConnected(4)
	for i := 0; i < 100; i++ {
		g.Tick()
	}
	assert.True(t, g.Ready())
}

func TestGateDisplayNeverRegresses(t *testing.T) {
	g := NewGate()
	g.MarkDone(StageJoinedDirectory)
	g.ObserveExpected(2)
	g.SetConnected(2)
	for i := 0; i < 50; i++ {
		g.Tick()
	}
	high := g.Percent()

	// A peer drops: the target falls but the display holds.
	g.SetConnected(0)
	for i := 0; i < 10; i++ {
		g.Tick()
		assert.GreaterOrEqual(t, g.Percent(), high)
	}
}

func TestGateExpectedNeverShrinks(t *testing.T) {
	g := NewGate()
	g.ObserveExpected(3)
	g.ObserveExpected(1)
	g.SetConnected(1)
	g.Tick()
	assert.False(t, g.Ready())
}

func TestGateReadyLatches(t *testing.T) {
	g := NewGate()
	for _, stage := range []Stage{StageJoinedDirectory, StageWorldLoaded, StageAssetsLoaded, StageLocalEndpointOpen} {
		g.MarkDone(stage)
	}
	g.ObserveExpected(1)
	g.SetConnected(1)
	g.Tick()
	assert.True(t, g.Ready())

	// Losing the peer afterwards must not un-set readiness.
	g.SetConnected(0)
	g.Tick()
	assert.True(t, g.Ready())
}

func TestGateMonotonicUnderGrowingTarget(t *testing.T) {
	g := NewGate()
	prev := 0.0
	stages := []Stage{StageJoinedDirectory, StageWorldLoaded, StageAssetsLoaded, StageLocalEndpointOpen}
	for _, stage := range stages {
		g.MarkDone(stage)
		for i := 0; i < 5; i++ {
			g.Tick()
			assert.GreaterOrEqual(t, g.Percent(), prev)
			prev = g.Percent()
		}
	}
}
