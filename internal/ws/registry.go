package ws

import (
	"encoding/json"
	"sync"

	"github.com/example/canvas-sync/internal/types"
)

// ConnectionRegistry tracks active WebSocket connections keyed by board ID so
// downstream services can broadcast efficiently.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	boards map[string]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{boards: make(map[string]map[*Connection]struct{})}
}

// Register associates the connection with a board.
func (r *ConnectionRegistry) Register(boardID string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.boards[boardID] == nil {
		r.boards[boardID] = make(map[*Connection]struct{})
	}
	r.boards[boardID][c] = struct{}{}
	gatewayConnections.WithLabelValues(boardID).Set(float64(len(r.boards[boardID])))
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(boardID string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.boards[boardID]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.boards, boardID)
	}
	gatewayConnections.WithLabelValues(boardID).Set(float64(len(conns)))
}

// BroadcastBinary delivers the payload to every connection currently attached
// to the board. The sender connection can be skipped to avoid echoing.
func (r *ConnectionRegistry) BroadcastBinary(boardID string, payload []byte, skip *Connection) int {
	recipients := r.recipients(boardID, func(c *Connection) bool { return c != skip })

	sent := 0
	for _, conn := range recipients {
		if err := conn.SendBinary(payload); err == nil {
			sent++
		}
	}
	return sent
}

// BroadcastEnvelope marshals a change envelope and forwards it to
// BroadcastBinary.
func (r *ConnectionRegistry) BroadcastEnvelope(boardID string, env types.Envelope, skip *Connection) int {
	data, err := json.Marshal(env)
	if err != nil {
		return 0
	}
	return r.BroadcastBinary(boardID, data, skip)
}

// BroadcastBinaryByNodeID delivers the payload to every connection for the
// board, skipping a matching writer identity when provided. Used when
// relaying changes received over pub/sub where the originating connection is
// not known locally.
func (r *ConnectionRegistry) BroadcastBinaryByNodeID(boardID string, payload []byte, skipNodeID string) int {
	recipients := r.recipients(boardID, func(c *Connection) bool {
		return skipNodeID == "" || c.NodeID() != skipNodeID
	})

	sent := 0
	for _, conn := range recipients {
		if err := conn.SendBinary(payload); err == nil {
			sent++
		}
	}
	return sent
}

func (r *ConnectionRegistry) recipients(boardID string, keep func(*Connection) bool) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.boards[boardID]
	if len(conns) == 0 {
		return nil
	}
	recipients := make([]*Connection, 0, len(conns))
	for c := range conns {
		if keep(c) {
			recipients = append(recipients, c)
		}
	}
	return recipients
}
