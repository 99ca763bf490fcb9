package sim

import (
	"sync"
	"time"

	"crowd-nav/internal/sim/pathing"
	"crowd-nav/internal/sim/spatial"
)

// AgentSnapshot is an immutable copy of agent state for readers
// Uses value types (not pointers) to ensure immutability
type AgentSnapshot struct {
	ID          string          `json:"id" msgpack:"id"`
	X           float64         `json:"x" msgpack:"x"`
	Y           float64         `json:"y" msgpack:"y"`
	VX          float64         `json:"vx" msgpack:"vx"`
	VY          float64         `json:"vy" msgpack:"vy"`
	Radius      float64         `json:"radius" msgpack:"r"`
	TargetX     float64         `json:"targetX" msgpack:"tx"`
	TargetY     float64         `json:"targetY" msgpack:"ty"`
	Strategy    string          `json:"strategy" msgpack:"s"`
	State       string          `json:"state" msgpack:"st"`
	FlowSlot    int             `json:"flowSlot" msgpack:"fs"`
	Waypoints   []spatial.Coord `json:"waypoints,omitempty" msgpack:"wp,omitempty"`
	Neighbors   int             `json:"neighbors" msgpack:"n"`
	NearestDist float64         `json:"nearestDist" msgpack:"nd"`
	Reached     int             `json:"reached" msgpack:"rc"`
}

// TickStats summarizes one tick.
type TickStats struct {
	Tick          uint64              `json:"tick" msgpack:"tick"`
	Agents        int                 `json:"agents" msgpack:"agents"`
	Following     int                 `json:"following" msgpack:"following"`
	Searches      int                 `json:"searches" msgpack:"searches"`
	PathsFound    int                 `json:"pathsFound" msgpack:"pathsFound"`
	PathsFailed   int                 `json:"pathsFailed" msgpack:"pathsFailed"`
	Expanded      int                 `json:"expanded" msgpack:"expanded"`
	FieldRequests int                 `json:"fieldRequests" msgpack:"fieldRequests"`
	Rejected      int                 `json:"rejected" msgpack:"rejected"`
	Reached       int                 `json:"reached" msgpack:"reached"`
	KDNodes       int                 `json:"kdNodes" msgpack:"kdNodes"`
	Walls         int                 `json:"walls" msgpack:"walls"`
	WallVersion   uint64              `json:"wallVersion" msgpack:"wallVersion"`
	Duration      time.Duration       `json:"durationNs" msgpack:"durationNs"`
	Phases        [phaseCount]float64 `json:"phasesMs" msgpack:"phasesMs"`
}

// Snapshot is a complete immutable simulation state for readers
type Snapshot struct {
	Sequence   uint64              `json:"sequence" msgpack:"seq"`
	Timestamp  time.Time           `json:"timestamp" msgpack:"ts"`
	TickNumber uint64              `json:"tick" msgpack:"tick"`
	GridWidth  int                 `json:"gridWidth" msgpack:"gw"`
	GridHeight int                 `json:"gridHeight" msgpack:"gh"`
	CellSize   float64             `json:"cellSize" msgpack:"cs"`
	Agents     []AgentSnapshot     `json:"agents" msgpack:"agents"`
	FlowFields []pathing.FieldInfo `json:"flowFields" msgpack:"flowFields"`
	Cache      pathing.CacheStats  `json:"cache" msgpack:"cache"`
	Stats      TickStats           `json:"stats" msgpack:"stats"`

	wpBuf []spatial.Coord // backing store for agent waypoint slices
}

// agentSnapshot copies a into a value, storing its remaining waypoints in the
// snapshot's own buffer.
func (s *Snapshot) agentSnapshot(a *Agent) AgentSnapshot {
	out := AgentSnapshot{
		ID:          a.ID,
		X:           a.X,
		Y:           a.Y,
		VX:          a.VX,
		VY:          a.VY,
		Radius:      a.Radius,
		TargetX:     a.TargetX,
		TargetY:     a.TargetY,
		Strategy:    a.Strategy.String(),
		State:       a.State.String(),
		FlowSlot:    a.FlowSlot(),
		Neighbors:   len(a.Neighbors),
		NearestDist: a.NearestDist,
		Reached:     a.ReachedCount,
	}
	if wp := a.RemainingWaypoints(); len(wp) > 0 {
		start := len(s.wpBuf)
		s.wpBuf = append(s.wpBuf, wp...)
		out.Waypoints = s.wpBuf[start:len(s.wpBuf):len(s.wpBuf)]
	}
	return out
}

// SnapshotPool recycles snapshot buffers between ticks.
//
// Triple buffering: one slot is published, the others are free for the
// producer. A slot still held by a reader is never overwritten; if every
// spare slot is held, the producer swaps in a fresh buffer instead.
type SnapshotPool struct {
	mu        sync.Mutex
	slots     [3]*Snapshot
	readers   [3]int
	published int
	writing   int
	sequence  uint64
	maxAgents int
}

// NewSnapshotPool creates a pool with pre-allocated slices
func NewSnapshotPool(maxAgents int) *SnapshotPool {
	p := &SnapshotPool{published: -1, writing: -1, maxAgents: maxAgents}
	for i := range p.slots {
		p.slots[i] = p.newSnapshot()
	}
	return p
}

func (p *SnapshotPool) newSnapshot() *Snapshot {
	return &Snapshot{Agents: make([]AgentSnapshot, 0, p.maxAgents)}
}

// AcquireWrite gets a free slot (producer only, called from the tick).
// Returns a snapshot with reset slices but preserved capacity
func (p *SnapshotPool) AcquireWrite() *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i := range p.slots {
		if i != p.published && p.readers[i] == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Every spare slot is pinned by a reader: give the slot a new buffer
		// and let the readers keep the old one.
		idx = (p.published + 1) % len(p.slots)
		p.slots[idx] = p.newSnapshot()
		p.readers[idx] = 0
	}

	snap := p.slots[idx]
	snap.Agents = snap.Agents[:0]
	snap.FlowFields = snap.FlowFields[:0]
	snap.wpBuf = snap.wpBuf[:0]
	snap.Stats = TickStats{}
	p.sequence++
	snap.Sequence = p.sequence
	snap.Timestamp = time.Now()
	p.writing = idx
	return snap
}

// PublishWrite makes the slot from the last AcquireWrite the current one.
func (p *SnapshotPool) PublishWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writing >= 0 {
		p.published = p.writing
		p.writing = -1
	}
}

// AcquireRead returns the latest published snapshot and a release func the
// caller must invoke when done. Returns nil (and a no-op release) before the
// first publish.
func (p *SnapshotPool) AcquireRead() (*Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published < 0 {
		return nil, func() {}
	}
	idx := p.published
	snap := p.slots[idx]
	p.readers[idx]++

	var once sync.Once
	return snap, func() {
		once.Do(func() {
			p.mu.Lock()
			if p.slots[idx] == snap && p.readers[idx] > 0 {
				p.readers[idx]--
			}
			p.mu.Unlock()
		})
	}
}

// Copy returns a deep copy of the latest snapshot, or nil.
func (p *SnapshotPool) Copy() *Snapshot {
	snap, release := p.AcquireRead()
	defer release()
	if snap == nil {
		return nil
	}
	out := *snap
	out.Agents = make([]AgentSnapshot, len(snap.Agents))
	for i, a := range snap.Agents {
		out.Agents[i] = a
		out.Agents[i].Waypoints = append([]spatial.Coord(nil), a.Waypoints...)
	}
	out.FlowFields = append([]pathing.FieldInfo(nil), snap.FlowFields...)
	out.wpBuf = nil
	return &out
}
