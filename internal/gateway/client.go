package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound message.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second
)

// Client is a single socket. Each client runs two goroutines (readPump and
// writePump) and talks to the Hub through its send channel and callbacks. One user
// may hold several concurrent clients; presence is their union.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	socketID uuid.UUID
	log      zerolog.Logger

	// Session state, written during authentication and by membership events, read
	// during dispatch.
	mu            sync.RWMutex
	userID        string
	families      map[string]struct{}
	rooms         map[string]struct{}
	authenticated bool

	// Guards the send channel against enqueue-after-close. Broadcast paths snapshot
	// room membership outside the hub lock, so a frame can arrive for a socket that
	// unregistered in between.
	sendMu     sync.Mutex
	sendClosed bool

	// Rate limiting state, only touched from readPump.
	eventCount  int
	windowStart time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, logger zerolog.Logger) *Client {
	socketID := uuid.New()
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		socketID: socketID,
		log:      logger.With().Stringer("socket_id", socketID).Logger(),
		families: make(map[string]struct{}),
		rooms:    make(map[string]struct{}),
	}
}

// UserID returns the authenticated user ID, empty before authentication.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// IsAuthenticated reports whether the socket reached the open state.
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// InFamily reports whether the socket's membership set contains the family.
func (c *Client) InFamily(familyID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.families[familyID]
	return ok
}

// FamilyIDs returns a snapshot of the socket's membership set.
func (c *Client) FamilyIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.families))
	for fid := range c.families {
		ids = append(ids, fid)
	}
	return ids
}

func (c *Client) addFamily(familyID string) {
	c.mu.Lock()
	c.families[familyID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeFamily(familyID string) {
	c.mu.Lock()
	delete(c.families, familyID)
	c.mu.Unlock()
}

// readPump reads inbound frames and routes them by verb. It owns the connection
// teardown when the loop exits.
func (c *Client) readPump(token string) {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	heartbeatInterval := time.Duration(c.hub.cfg.GatewayHeartbeatIntervalMS) * time.Millisecond
	c.conn.SetReadLimit(maxMessageSize)
	// Allow slightly more than one heartbeat interval so a single missed ping does
	// not sever the connection.
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatInterval/2))

	// A token carried on the upgrade request authenticates immediately; otherwise
	// the client must send an authenticate frame before the deadline.
	if token != "" {
		if !c.hub.authenticate(c, token) {
			return
		}
	}
	authTimer := time.AfterFunc(c.hub.cfg.GatewayAuthTimeout, func() {
		if !c.IsAuthenticated() {
			c.log.Debug().Msg("Socket did not authenticate in time")
			c.closeWithCode(websocket.ClosePolicyViolation, "authentication timeout")
		}
	})
	defer authTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatInterval/2))

		if c.rateLimited() {
			c.closeWithCode(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.closeWithCode(websocket.CloseInvalidFramePayloadData, "invalid JSON")
			return
		}

		if frame.Event == VerbAuthenticate {
			authTimer.Stop()
			c.handleAuthenticate(frame.Data)
			continue
		}
		c.dispatch(frame)
	}
}

// writePump drains the send channel onto the connection. It exits when the channel
// is closed.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

func (c *Client) handleAuthenticate(data json.RawMessage) {
	if c.IsAuthenticated() {
		c.ack(VerbAuthenticate, Ack{Success: false, Error: "already authenticated"})
		return
	}
	var payload AuthenticateData
	if err := json.Unmarshal(data, &payload); err != nil || payload.Token == "" {
		c.closeWithCode(websocket.ClosePolicyViolation, "token required")
		return
	}
	c.hub.authenticate(c, payload.Token)
}

// enqueue hands a frame to the write pump. Frames for an already-closed socket are
// dropped; a full buffer closes the connection so a slow reader cannot stall the hub.
func (c *Client) enqueue(msg []byte) {
	c.sendMu.Lock()
	if c.sendClosed {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		c.sendMu.Unlock()
	default:
		// Release before unregister: the teardown path re-enters closeSend.
		c.sendMu.Unlock()
		c.log.Warn().Msg("Client send buffer full, closing connection")
		c.hub.unregister(c)
		_ = c.conn.Close()
	}
}

// closeSend closes the send channel, terminating the write pump. Idempotent; later
// enqueues become no-ops.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// ack replies to an inbound verb.
func (c *Client) ack(verb string, a Ack) {
	frame, err := NewFrame(ackEvent(verb), a)
	if err != nil {
		c.log.Error().Err(err).Str("verb", verb).Msg("Failed to build ack frame")
		return
	}
	c.enqueue(frame)
}

// closeWithCode sends a close frame with the given code and reason, then closes the
// connection.
func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// rateLimited reports whether the client exceeded the inbound message budget for the
// current window.
func (c *Client) rateLimited() bool {
	now := time.Now()
	window := time.Duration(c.hub.cfg.RateLimitWSWindowSeconds) * time.Second
	if now.Sub(c.windowStart) > window {
		c.eventCount = 0
		c.windowStart = now
	}
	c.eventCount++
	return c.eventCount > c.hub.cfg.RateLimitWSCount
}
