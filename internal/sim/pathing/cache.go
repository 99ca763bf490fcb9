package pathing

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"crowd-nav/internal/sim/spatial"
)

// DefaultPoolCapacity is the maximum number of flow field instances.
const DefaultPoolCapacity = 64

// ErrPoolExhausted is returned by Acquire when every instance is referenced
// and the pool is at capacity under PolicyReject.
var ErrPoolExhausted = errors.New("flow field pool exhausted")

// ExhaustionPolicy decides what Acquire does when no instance is free.
type ExhaustionPolicy int

const (
	// PolicyReject fails the request; the caller retries later.
	PolicyReject ExhaustionPolicy = iota
	// PolicyEvictLeastReferenced recycles the instance with the fewest
	// references. Handles to the evicted instance become invalid.
	PolicyEvictLeastReferenced
)

func (p ExhaustionPolicy) String() string {
	switch p {
	case PolicyReject:
		return "reject"
	case PolicyEvictLeastReferenced:
		return "evict"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config string to an ExhaustionPolicy.
func ParsePolicy(s string) (ExhaustionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return PolicyReject, nil
	case "evict", "evict-least-referenced", "evict_least_referenced":
		return PolicyEvictLeastReferenced, nil
	}
	return PolicyReject, fmt.Errorf("unknown flow field exhaustion policy %q", s)
}

// Outcome describes how Acquire satisfied a request.
type Outcome int

const (
	OutcomeHit       Outcome = iota // existing field reused
	OutcomeMiss                     // field computed in a free or new slot
	OutcomeEvicted                  // field computed over a referenced slot
	OutcomeExhausted                // request rejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeMiss:
		return "miss"
	case OutcomeEvicted:
		return "evicted"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// CacheConfig holds Cache settings.
type CacheConfig struct {
	Capacity       int
	PropagationCap int
	Policy         ExhaustionPolicy
}

// DefaultCacheConfig returns the reference settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Capacity:       DefaultPoolCapacity,
		PropagationCap: DefaultPropagationCap,
		Policy:         PolicyReject,
	}
}

// Handle is a counted reference to a flow field. The zero Handle is invalid.
type Handle struct {
	field *FlowField
	gen   uint64
	slot  int
}

// Valid reports whether the handle still refers to the field it acquired.
// A handle goes stale when its instance is evicted for another destination.
func (h Handle) Valid() bool {
	return h.field != nil && h.field.gen.Load() == h.gen
}

// Slot returns the pool slot index, or -1 for the zero Handle.
func (h Handle) Slot() int {
	if h.field == nil {
		return -1
	}
	return h.slot
}

// Field returns the underlying field, or nil if the handle is stale.
func (h Handle) Field() *FlowField {
	if !h.Valid() {
		return nil
	}
	return h.field
}

// Destination returns the destination cell of a valid handle.
func (h Handle) Destination() spatial.Coord {
	if h.field == nil {
		return spatial.Coord{}
	}
	return h.field.dest
}

// Direction returns the direction stored for c, or (0, 0) if stale.
func (h Handle) Direction(c spatial.Coord) (dx, dy float32) {
	if f := h.Field(); f != nil {
		return f.Direction(c)
	}
	return 0, 0
}

// BestCost returns the accumulated cost stored for c, or Unreached if stale.
func (h Handle) BestCost(c spatial.Coord) uint32 {
	if f := h.Field(); f != nil {
		return f.BestCost(c)
	}
	return Unreached
}

// CacheStats is a point-in-time view of the pool.
type CacheStats struct {
	Capacity     int    `json:"capacity"`
	Instances    int    `json:"instances"`
	Live         int    `json:"live"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Propagations uint64 `json:"propagations"`
	Truncated    uint64 `json:"truncated"`
	Rejected     uint64 `json:"rejected"`
	Evicted      uint64 `json:"evicted"`
}

// FieldInfo summarizes one pool slot.
type FieldInfo struct {
	Slot        int           `json:"slot" msgpack:"slot"`
	Destination spatial.Coord `json:"destination" msgpack:"destination"`
	Refs        int           `json:"refs" msgpack:"refs"`
	Valid       bool          `json:"valid" msgpack:"valid"`
	Truncated   bool          `json:"truncated" msgpack:"truncated"`
	Processed   int           `json:"processed" msgpack:"processed"`
}

// Cache is the pool of flow field instances, keyed by destination cell.
//
// Acquire and Release are the only mutation entry points and are serialized
// by one mutex, so concurrent requests for the same destination coalesce
// onto a single instance and a single propagation. Reading an acquired field
// is lock-free; callers must not read a field while an Acquire that may
// evict it is in progress.
type Cache struct {
	mu     sync.Mutex
	grid   spatial.Grid
	walls  spatial.WallSource
	cfg    CacheConfig
	fields []*FlowField
	used   []uint64 // last-use stamp per slot
	clock  uint64
	stats  CacheStats
}

// NewCache creates an empty pool over walls.
func NewCache(grid spatial.Grid, walls spatial.WallSource, cfg CacheConfig) *Cache {
	if cfg.Capacity < 1 {
		cfg.Capacity = DefaultPoolCapacity
	}
	if cfg.PropagationCap < 1 {
		cfg.PropagationCap = DefaultPropagationCap
	}
	return &Cache{
		grid:   grid,
		walls:  walls,
		cfg:    cfg,
		fields: make([]*FlowField, 0, cfg.Capacity),
		used:   make([]uint64, 0, cfg.Capacity),
	}
}

// Config returns the cache settings.
func (c *Cache) Config() CacheConfig { return c.cfg }

// Acquire returns a counted handle to the field leading to dest, computing
// it if no instance already holds it.
func (c *Cache) Acquire(dest spatial.Coord) (Handle, Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++

	for i, f := range c.fields {
		if f.valid && f.dest == dest {
			f.refs++
			c.used[i] = c.clock
			c.stats.Hits++
			return Handle{field: f, gen: f.gen.Load(), slot: i}, OutcomeHit, nil
		}
	}

	slot, outcome := c.freeSlot()
	if slot < 0 {
		c.stats.Rejected++
		return Handle{}, OutcomeExhausted, fmt.Errorf("acquire %v (capacity %d): %w", dest, c.cfg.Capacity, ErrPoolExhausted)
	}

	f := c.fields[slot]
	if outcome == OutcomeEvicted {
		c.stats.Evicted++
	}
	gen := f.gen.Add(1)
	f.refs = 1
	f.compute(dest, c.walls, c.cfg.PropagationCap)
	c.used[slot] = c.clock
	c.stats.Misses++
	c.stats.Propagations++
	if f.truncated {
		c.stats.Truncated++
	}
	return Handle{field: f, gen: gen, slot: slot}, outcome, nil
}

// freeSlot finds a slot to (re)compute, in order of preference: an idle slot
// holding no field, a newly allocated slot, the least recently used idle
// slot, and finally an eviction victim if the policy allows. Returns -1 when
// the request must be rejected.
func (c *Cache) freeSlot() (int, Outcome) {
	idle := -1
	for i, f := range c.fields {
		if f.refs != 0 {
			continue
		}
		if !f.valid {
			return i, OutcomeMiss
		}
		if idle < 0 || c.used[i] < c.used[idle] {
			idle = i
		}
	}

	if len(c.fields) < c.cfg.Capacity {
		c.fields = append(c.fields, newFlowField(c.grid))
		c.used = append(c.used, 0)
		return len(c.fields) - 1, OutcomeMiss
	}
	if idle >= 0 {
		return idle, OutcomeMiss
	}

	if c.cfg.Policy != PolicyEvictLeastReferenced {
		return -1, OutcomeExhausted
	}
	victim := 0
	for i, f := range c.fields {
		v := c.fields[victim]
		if f.refs < v.refs || (f.refs == v.refs && c.used[i] < c.used[victim]) {
			victim = i
		}
	}
	return victim, OutcomeEvicted
}

// Release drops one reference. The count never goes below zero and storage
// is kept for reuse. Releasing a stale or zero handle is a no-op; the result
// reports whether a reference was dropped.
func (c *Cache) Release(h Handle) bool {
	if h.field == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	f := h.field
	if f.gen.Load() != h.gen || f.refs == 0 {
		return false
	}
	f.refs--
	return true
}

// DropIdle marks every unreferenced field stale so the next Acquire for its
// destination recomputes against the current walls. Referenced fields are
// left as they are.
func (c *Cache) DropIdle() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for _, f := range c.fields {
		if f.refs == 0 && f.valid {
			f.valid = false
			dropped++
		}
	}
	return dropped
}

// Refs returns the reference count of the field for dest, or 0.
func (c *Cache) Refs(dest spatial.Coord) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.fields {
		if f.valid && f.dest == dest {
			return f.refs
		}
	}
	return 0
}

// Stats returns current pool statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Capacity = c.cfg.Capacity
	s.Instances = len(c.fields)
	for _, f := range c.fields {
		if f.refs > 0 {
			s.Live++
		}
	}
	return s
}

// Fields returns a summary of every allocated slot.
func (c *Cache) Fields() []FieldInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]FieldInfo, len(c.fields))
	for i, f := range c.fields {
		out[i] = FieldInfo{
			Slot:        i,
			Destination: f.dest,
			Refs:        f.refs,
			Valid:       f.valid,
			Truncated:   f.truncated,
			Processed:   f.processed,
		}
	}
	return out
}

// Peek returns the field in slot without taking a reference. Intended for
// read-only inspection such as debug rendering.
func (c *Cache) Peek(slot int) (*FlowField, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot < 0 || slot >= len(c.fields) || !c.fields[slot].valid {
		return nil, false
	}
	return c.fields[slot], true
}
