package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/types"
)

const (
	opcodeContinuation = 0x0
	opcodeText         = 0x1
	opcodeBinary       = 0x2
	opcodeClose        = 0x8
	opcodePing         = 0x9
	opcodePong         = 0xA

	closeNormalClosure       = 1000
	closeGoingAway           = 1001
	closeUnsupportedData     = 1003
	closePolicyViolation     = 1008
	closeInternalServerError = 1011
	closeTryAgainLater       = 1013
)

var errSendBufferFull = errors.New("send buffer full")

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
}

// ClientIdentity names an authenticated writer and the board it is bound to.
type ClientIdentity struct {
	NodeID   string
	BoardID  string
	Metadata map[string]string
}

// Hooks are the callbacks a gateway owner installs to react to connection
// traffic. OnChange receives every decoded change envelope a writer sends.
type Hooks struct {
	OnChange     ChangeHook
	OnConnect    ConnectHook
	OnDisconnect DisconnectHook
}

type ChangeHook func(ctx context.Context, conn *Connection, env *types.Envelope) error
type ConnectHook func(ctx context.Context, conn *Connection) error
type DisconnectHook func(conn *Connection)

// Connection represents an upgraded WebSocket session bound to one board.
type Connection struct {
	conn      net.Conn
	identity  ClientIdentity
	board     string
	registry  *ConnectionRegistry
	logger    zerolog.Logger
	send      chan outboundMessage
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}

	opts connectionOptions

	lastPong atomic.Int64
	onClose  func()
}

type outboundMessage struct {
	opcode  byte
	payload []byte
}

func newConnection(netConn net.Conn, id ClientIdentity, boardID string, registry *ConnectionRegistry, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:     netConn,
		identity: id,
		board:    boardID,
		registry: registry,
		logger:   logger,
		send:     make(chan outboundMessage, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
		opts:     opts,
		onClose:  onClose,
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// BoardID returns the bound board identifier.
func (c *Connection) BoardID() string { return c.board }

// NodeID returns the authenticated writer identifier.
func (c *Connection) NodeID() string { return c.identity.NodeID }

// Context exposes the lifecycle context for hooks.
func (c *Connection) Context() context.Context { return c.ctx }

// Registry returns the shared connection registry so hooks can fan out.
func (c *Connection) Registry() *ConnectionRegistry { return c.registry }

// SendEnvelope marshals the change envelope before enqueueing it for delivery.
func (c *Connection) SendEnvelope(env types.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.SendBinary(data)
}

// SendBinary enqueues a payload for the writer goroutine. A full send buffer
// closes the connection rather than blocking the broadcaster.
func (c *Connection) SendBinary(payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	msg := outboundMessage{opcode: opcodeBinary, payload: payload}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Str("board", c.board).Str("node", c.identity.NodeID).Msg("send buffer full; closing connection")
		c.closeWithFrame(closeTryAgainLater, "backpressure")
		return errSendBufferFull
	}
}

// Run starts the read/write pumps until the connection is closed.
func (c *Connection) Run(hooks Hooks) {
	if hooks.OnConnect != nil {
		if err := hooks.OnConnect(c.ctx, c); err != nil {
			c.logger.Debug().Err(err).Msg("connect hook rejected connection")
			c.Close()
			return
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()

	if err := c.readLoop(hooks); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()

	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect(c)
	}
}

// Close tears the connection down once; safe to call from any goroutine.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.send)
		_ = c.conn.Close()
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop(hooks Hooks) error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		opcode, payload, err := readFrame(c.conn)
		if err != nil {
			return err
		}

		switch opcode {
		case opcodeBinary, opcodeText:
			if err := c.handleEnvelope(payload, hooks); err != nil {
				c.closeWithFrame(closePolicyViolation, err.Error())
				return err
			}
		case opcodeClose:
			c.closeWithFrame(closeNormalClosure, "bye")
			return nil
		case opcodePing:
			_ = c.enqueueControl(opcodePong, payload)
		case opcodePong:
			c.lastPong.Store(time.Now().UnixNano())
		case opcodeContinuation:
			return fmt.Errorf("fragmented frames not supported")
		default:
			return fmt.Errorf("unsupported opcode %d", opcode)
		}
	}
}

func (c *Connection) handleEnvelope(payload []byte, hooks Hooks) error {
	var env types.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode change envelope: %w", err)
	}

	// The board binding of the connection is authoritative; a client cannot
	// address changes at a board it did not authenticate for.
	env.BoardID = types.BoardID(c.board)
	if env.NodeID == "" {
		env.NodeID = c.identity.NodeID
	}

	if hooks.OnChange != nil {
		return hooks.OnChange(c.ctx, c, &env)
	}
	return nil
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := writeFrame(c.conn, msg.opcode, msg.payload, c.opts.writeTimeout); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.closeWithFrame(closeInternalServerError, "write error")
				return
			}
		}
	}
}

func (c *Connection) heartbeatLoop() {
	if c.opts.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.enqueueControl(opcodePing, nil); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.closeWithFrame(closeGoingAway, "ping failed")
				return
			}
			if c.opts.heartbeatTolerance > 0 {
				last := time.Unix(0, c.lastPong.Load())
				allowed := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
				if time.Since(last) > allowed {
					c.logger.Debug().Msg("heartbeat tolerance exceeded")
					c.closeWithFrame(closeGoingAway, "missed heartbeats")
					return
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) closeWithFrame(code int, reason string) {
	payload := encodeClosePayload(code, reason)
	_ = c.enqueueControl(opcodeClose, payload)
}

func (c *Connection) enqueueControl(opcode byte, payload []byte) error {
	msg := outboundMessage{opcode: opcode, payload: payload}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		return errSendBufferFull
	}
}

func encodeClosePayload(code int, reason string) []byte {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	payload := make([]byte, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	copy(payload[2:], []byte(reason))
	return payload
}
