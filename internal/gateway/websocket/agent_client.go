package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vibeforge/internal/remoteagent"
	"vibeforge/internal/simtypes"
	"vibeforge/pkg/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 1024 // 1MB

	// How long a fresh connection may wait before its register frame.
	registerWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Agent bridges connect from arbitrary hosts; auth happens at the
		// register frame, not the origin.
		return true
	},
}

// AgentClient is one remote agent bridge connection. It implements
// simtypes.DuplexHandle: the connection manager sends dispatch frames and
// closes through it.
type AgentClient struct {
	manager *remoteagent.Manager
	conn    *websocket.Conn

	send      chan []byte
	closeOnce sync.Once

	mu      sync.Mutex
	agentID string // set once registered
}

// NewAgentClient wraps an upgraded connection.
func NewAgentClient(manager *remoteagent.Manager, conn *websocket.Conn) *AgentClient {
	return &AgentClient{
		manager: manager,
		conn:    conn,
		send:    make(chan []byte, 256),
	}
}

// Send implements simtypes.DuplexHandle. Frames queue onto the write pump;
// a full buffer drops the connection's frame rather than blocking a tick.
func (c *AgentClient) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Close implements simtypes.DuplexHandle. WriteControl is safe to call
// concurrently with the write pump.
func (c *AgentClient) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

func (c *AgentClient) registeredAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// readPump consumes frames until the connection dies. The first frame must
// be register (close 4001 otherwise); after that, progress/response/
// heartbeat frames feed the manager.
func (c *AgentClient) readPump() {
	defer func() {
		if id := c.registeredAgent(); id != "" {
			c.manager.UnregisterIf(id, c, "disconnected")
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(registerWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		// A live pong is as good as a heartbeat frame.
		if id := c.registeredAgent(); id != "" {
			c.manager.HandleHeartbeat(id)
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug().Err(err).Str("agent_id", c.registeredAgent()).Msg("agent channel read error")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Fatally malformed: not even a JSON frame.
			c.Close(websocket.CloseUnsupportedData, "malformed frame")
			return
		}

		if c.registeredAgent() == "" {
			if frame.Type != TypeRegister || frame.AgentID == "" {
				c.Close(simtypes.CloseCodeUnauthorized, "First message must be register")
				return
			}
			c.register(frame)
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			continue
		}

		c.handleFrame(frame)
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (c *AgentClient) register(frame Frame) {
	ack := c.manager.Register(frame.AgentID, c, frame.AuthToken, frame.Capabilities, frame.Workdir, frame.Metadata)

	c.mu.Lock()
	c.agentID = frame.AgentID
	c.mu.Unlock()

	_ = c.Send(Frame{
		Type:      TypeRegistered,
		SessionID: ack.SessionID,
		AgentID:   ack.AgentID,
		Message:   ack.Message,
	})
}

func (c *AgentClient) handleFrame(frame Frame) {
	switch frame.Type {
	case TypeProgress:
		c.manager.HandleProgress(frame.MessageID, frame.AgentID, frame.Status, frame.ProgressText, frame.Metadata)
	case TypeResponse:
		c.manager.HandleResponse(frame.MessageID, frame.AgentID, frame.Content, frame.Usage, frame.Error)
	case TypeHeartbeat:
		c.manager.HandleHeartbeat(frame.AgentID)
	case TypeRegister:
		// Re-registration on a live channel is a no-op; the bridge should
		// reconnect instead.
		logger.Debug().Str("agent_id", c.registeredAgent()).Msg("duplicate register frame ignored")
	default:
		// Non-structural unknown frames are dropped.
		logger.Debug().Str("type", frame.Type).Msg("unknown agent frame dropped")
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings.
func (c *AgentClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeAgentWS upgrades an HTTP request into an agent bridge channel.
func ServeAgentWS(manager *remoteagent.Manager, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("agent channel upgrade failed")
		return
	}

	client := NewAgentClient(manager, conn)
	go client.writePump()
	go client.readPump()
}
