package sim

import (
	"encoding/json"
	"time"
)

// EventType enum for event classification
type EventType uint8

const (
	EventTypeUnknown EventType = iota
	EventTypeTick              // Tick boundary with RNG seed
	EventTypeAgentSpawn
	EventTypeAgentRemove
	EventTypePathRequest
	EventTypePathFound
	EventTypePathFailed
	EventTypeFlowFieldAcquire
	EventTypeFlowFieldRelease
	EventTypePoolExhausted
	EventTypeTargetReached
)

// EventVersion for backwards compatibility in replay
const EventVersion uint8 = 1

// Event is the core event structure for the event log
type Event struct {
	Version   uint8           `json:"version"`
	Type      EventType       `json:"type"`
	Name      string          `json:"name"`
	Timestamp int64           `json:"timestamp"` // Unix nano
	Sequence  uint64          `json:"sequence"`
	TickNum   uint64          `json:"tickNum"`
	AgentID   string          `json:"agentId,omitempty"` // Source agent (for rate limiting)
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// String returns human-readable event type
func (t EventType) String() string {
	switch t {
	case EventTypeTick:
		return "tick"
	case EventTypeAgentSpawn:
		return "agent_spawn"
	case EventTypeAgentRemove:
		return "agent_remove"
	case EventTypePathRequest:
		return "path_request"
	case EventTypePathFound:
		return "path_found"
	case EventTypePathFailed:
		return "path_failed"
	case EventTypeFlowFieldAcquire:
		return "flowfield_acquire"
	case EventTypeFlowFieldRelease:
		return "flowfield_release"
	case EventTypePoolExhausted:
		return "pool_exhausted"
	case EventTypeTargetReached:
		return "target_reached"
	default:
		return "unknown"
	}
}

// Typed payloads for different event types

// TickPayload contains tick boundary information for replay
type TickPayload struct {
	RNGSeed     int64 `json:"rngSeed"`
	AgentCount  int   `json:"agentCount"`
	DeltaTimeNs int64 `json:"deltaTimeNs"`
}

// SpawnPayload describes a new agent
type SpawnPayload struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Strategy string  `json:"strategy"`
}

// PathPayload describes a path request or its outcome
type PathPayload struct {
	FromX    int `json:"fromX"`
	FromY    int `json:"fromY"`
	ToX      int `json:"toX"`
	ToY      int `json:"toY"`
	Cost     int `json:"cost,omitempty"`
	Length   int `json:"length,omitempty"`
	Expanded int `json:"expanded,omitempty"`
}

// FlowFieldPayload describes a flow field acquisition or release
type FlowFieldPayload struct {
	Slot    int    `json:"slot"`
	DestX   int    `json:"destX"`
	DestY   int    `json:"destY"`
	Outcome string `json:"outcome,omitempty"`
	Refs    int    `json:"refs"`
}

// EncodePayload marshals a payload to JSON bytes
func EncodePayload(payload interface{}) json.RawMessage {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, tickNum uint64, agentID string, payload interface{}) Event {
	return Event{
		Version:   EventVersion,
		Type:      eventType,
		Name:      eventType.String(),
		Timestamp: time.Now().UnixNano(),
		TickNum:   tickNum,
		AgentID:   agentID,
		Payload:   EncodePayload(payload),
	}
}
