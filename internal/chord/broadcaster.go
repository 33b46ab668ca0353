package chord

// Ring update event types
const (
	EventNodeJoin           = "node_join"
	EventNodeLeave          = "node_leave"
	EventSuccessorChange    = "successor_change"
	EventPredecessorChange  = "predecessor_change"
	EventNeighbourDeparture = "neighbour_departure"
)

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// This allows the ChordNode to notify external systems (like WebSocket clients)
// when the ring topology changes without creating circular dependencies.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification. It must not block.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a ring topology change event.
type RingUpdateEvent struct {
	Type      string `json:"type"`
	NodeNum   uint32 `json:"node_num"`
	NodeID    string `json:"node_id"`
	Peer      string `json:"peer,omitempty"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
	Message   string `json:"message"`
}

// broadcast emits an event if a broadcaster is attached.
func (n *ChordNode) broadcast(eventType, peer, message string) {
	if n.broadcaster == nil {
		return
	}
	event := RingUpdateEvent{
		Type:      eventType,
		NodeNum:   n.self.Num,
		NodeID:    n.self.ID.String(),
		Peer:      peer,
		Timestamp: n.clock.Now().UnixMilli(),
		Message:   message,
	}
	if err := n.broadcaster.BroadcastRingUpdate(event); err != nil {
		n.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to broadcast ring update")
	}
}
