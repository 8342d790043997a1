// Package grid models the tile plane a room plays out on: solid cells,
// per-tile audio zone rules, and the reachability computation the proximity
// engine runs every tick.
package grid

type Cell struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

// Chebyshev returns max(|dx|, |dy|), the tile-grid distance metric.
func Chebyshev(a, b Cell) int {
	dx := a.Col - b.Col
	if dx < 0 {
		dx = -dx
	}
	dy := a.Row - b.Row
	if dy < 0 {
		dy = -dy
	}
	if dx > dy {
		return dx
	}
	return dy
}

type RuleKind int

const (
	// RuleRadius marks an open-space tile with distance falloff.
	RuleRadius RuleKind = iota
	// RuleRoom marks a closed acoustic zone; sound never crosses its boundary.
	RuleRoom
)

type Rule struct {
	Kind   RuleKind
	Zone   string
	Radius int
}

const DefaultRadius = 4

// Map is the static tile layout for one room: bounds, walls, and zone rules.
type Map struct {
	Width  int
	Height int
	solid  map[Cell]bool
	rules  map[Cell]Rule
}

func NewMap(width, height int) *Map {
	return &Map{
		Width:  width,
		Height: height,
		solid:  make(map[Cell]bool),
		rules:  make(map[Cell]Rule),
	}
}

func (m *Map) InBounds(c Cell) bool {
	return c.Col >= 0 && c.Row >= 0 && c.Col < m.Width && c.Row < m.Height
}

func (m *Map) SetSolid(c Cell, solid bool) {
	if solid {
		m.solid[c] = true
	} else {
		delete(m.solid, c)
	}
}

func (m *Map) Solid(c Cell) bool {
	return m.solid[c]
}

func (m *Map) SetRule(c Cell, rule Rule) {
	m.rules[c] = rule
}

// RuleAt returns the audio rule for a tile, defaulting to an open-space
// radius rule when the tile carries no explicit classification.
func (m *Map) RuleAt(c Cell) Rule {
	if rule, ok := m.rules[c]; ok {
		if rule.Kind == RuleRadius && rule.Radius <= 0 {
			rule.Radius = DefaultRadius
		}
		return rule
	}
	return Rule{Kind: RuleRadius, Radius: DefaultRadius}
}

// Reachable flood-fills outward from a tile, bounded by Chebyshev distance
// radius. A step into a tile is blocked when the tile is solid, out of
// bounds, or inside a room zone. A diagonal step is additionally blocked
// only when both orthogonal tiles around the diagonal are solid, so corners
// can be cut as long as one side is open.
func (m *Map) Reachable(from Cell, radius int) map[Cell]struct{} {
	reached := map[Cell]struct{}{from: {}}
	if radius <= 0 {
		return reached
	}
	queue := []Cell{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for dc := -1; dc <= 1; dc++ {
			for dr := -1; dr <= 1; dr++ {
				if dc == 0 && dr == 0 {
					continue
				}
				next := Cell{Col: cur.Col + dc, Row: cur.Row + dr}
				if _, seen := reached[next]; seen {
					continue
				}
				if Chebyshev(from, next) > radius {
					continue
				}
				if !m.stepOpen(next) {
					continue
				}
				if dc != 0 && dr != 0 {
					sideA := Cell{Col: cur.Col + dc, Row: cur.Row}
					sideB := Cell{Col: cur.Col, Row: cur.Row + dr}
					if m.Solid(sideA) && m.Solid(sideB) {
						continue
					}
				}
				reached[next] = struct{}{}
				queue = append(queue, next)
			}
		}
	}
	return reached
}

func (m *Map) stepOpen(c Cell) bool {
	if !m.InBounds(c) || m.Solid(c) {
		return false
	}
	return m.RuleAt(c).Kind != RuleRoom
}

const (
	falloffFactor = 0.85
	minVolume     = 0.18
)

// Volume maps a Chebyshev distance to a playback gain in [0.18, 1] with
// quadratic falloff over the effective radius.
func Volume(distance, radius int) float64 {
	if radius <= 0 {
		radius = DefaultRadius
	}
	ratio := float64(distance) / float64(radius)
	v := 1 - falloffFactor*ratio*ratio
	if v < minVolume {
		return minVolume
	}
	if v > 1 {
		return 1
	}
	return v
}

// Audible decides whether a peer on tile other can hear a participant on
// tile self, and at what gain. Room zones are all-or-nothing: full volume
// inside the same zone, silence across the boundary. Open space uses the
// flood-fill reachability with distance falloff.
func (m *Map) Audible(self, other Cell) (bool, float64) {
	selfRule := m.RuleAt(self)
	if selfRule.Kind == RuleRoom {
		otherRule := m.RuleAt(other)
		if otherRule.Kind == RuleRoom && otherRule.Zone == selfRule.Zone {
			return true, 1
		}
		return false, 0
	}
	otherRule := m.RuleAt(other)
	if otherRule.Kind == RuleRoom {
		return false, 0
	}
	radius := selfRule.Radius
	if radius <= 0 {
		radius = DefaultRadius
	}
	reach := m.Reachable(self, radius)
	if _, ok := reach[other]; !ok {
		return false, 0
	}
	return true, Volume(Chebyshev(self, other), radius)
}
