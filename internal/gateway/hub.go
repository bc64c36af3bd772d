// Package gateway is the realtime surface: it owns the socket registry, the family
// rooms used for fan-out addressing, and the dispatch of inbound verbs to the
// location, ghost-mode, and membership services. Broadcasts always travel through
// the shared bus so every server instance delivers to its local sockets.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hearth-app/hearth-server/internal/auth"
	"github.com/hearth-app/hearth-server/internal/config"
	"github.com/hearth-app/hearth-server/internal/event"
	"github.com/hearth-app/hearth-server/internal/family"
	"github.com/hearth-app/hearth-server/internal/ghost"
	"github.com/hearth-app/hearth-server/internal/kv"
	"github.com/hearth-app/hearth-server/internal/location"
	"github.com/hearth-app/hearth-server/internal/notify"
	"github.com/hearth-app/hearth-server/internal/presence"
)

// ErrMaxConnections rejects a socket when the instance is at capacity.
var ErrMaxConnections = errors.New("maximum connections reached")

// RoomName is the fan-out addressing unit for one family. Membership is per socket,
// not per user.
func RoomName(familyID string) string { return "family:" + familyID }

// Hub is the socket registry and event distributor for one server instance.
type Hub struct {
	cfg       *config.Config
	kv        *kv.Client
	verifier  auth.Verifier
	families  *family.Cache
	presence  *presence.Store
	ghosts    *ghost.Service
	locations *location.Service
	outbox    *notify.Outbox
	log       zerolog.Logger

	mu          sync.RWMutex
	clients     map[uuid.UUID]*Client
	userSockets map[string]map[*Client]struct{}
	rooms       map[string]map[*Client]struct{}
}

// NewHub creates the gateway hub.
func NewHub(
	cfg *config.Config,
	kvc *kv.Client,
	verifier auth.Verifier,
	families *family.Cache,
	presenceStore *presence.Store,
	ghosts *ghost.Service,
	locations *location.Service,
	outbox *notify.Outbox,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		cfg:         cfg,
		kv:          kvc,
		verifier:    verifier,
		families:    families,
		presence:    presenceStore,
		ghosts:      ghosts,
		locations:   locations,
		outbox:      outbox,
		log:         logger.With().Str("component", "gateway").Logger(),
		clients:     make(map[uuid.UUID]*Client),
		userSockets: make(map[string]map[*Client]struct{}),
		rooms:       make(map[string]map[*Client]struct{}),
	}
}

// ServeWebSocket runs the pumps for an upgraded connection. A token extracted from
// the upgrade request authenticates immediately; an empty token leaves the client to
// authenticate with its first frame. Blocks until the socket closes.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, token string) {
	client := newClient(h, conn, h.log)
	go client.writePump()
	client.readPump(token)
}

// authenticate verifies the bearer token, resolves the membership set, joins the
// socket to its family rooms with presence, and confirms with a connected frame.
func (h *Hub) authenticate(c *Client, token string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	identity, err := h.verifier.Verify(ctx, token)
	if err != nil {
		h.log.Debug().Err(err).Msg("Socket token verification failed")
		c.closeWithCode(websocket.ClosePolicyViolation, "invalid token")
		return false
	}

	familyIDs, err := h.families.FamiliesOf(ctx, identity.UserID)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", identity.UserID).Msg("Membership resolution failed")
		familyIDs = nil
	}

	c.mu.Lock()
	c.userID = identity.UserID
	for _, fid := range familyIDs {
		c.families[fid] = struct{}{}
	}
	c.authenticated = true
	c.mu.Unlock()

	if err := h.register(c); err != nil {
		h.log.Warn().Err(err).Msg("Socket registration rejected")
		c.closeWithCode(websocket.CloseTryAgainLater, "server at capacity")
		return false
	}

	for _, fid := range familyIDs {
		h.joinFamily(ctx, c, fid)
	}

	frame, err := NewFrame(EventConnected, ConnectedData{UserID: identity.UserID, FamilyIDs: familyIDs})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build connected frame")
		return true
	}
	c.enqueue(frame)

	h.log.Info().Str("user_id", identity.UserID).Stringer("socket_id", c.socketID).
		Int("families", len(familyIDs)).Msg("Socket authenticated")
	return true
}

// register adds an authenticated client to the registry, enforcing the per-instance
// connection cap.
func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.cfg.GatewayMaxConnections {
		return ErrMaxConnections
	}
	h.clients[c.socketID] = c

	uid := c.UserID()
	if h.userSockets[uid] == nil {
		h.userSockets[uid] = make(map[*Client]struct{})
	}
	h.userSockets[uid][c] = struct{}{}
	return nil
}

// unregister removes a client from the registry and all rooms. For each family room
// the client had joined, if this was the user's last socket in that room, presence
// is cleared and an offline update published.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.socketID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.socketID)

	uid := c.UserID()
	if set := h.userSockets[uid]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.userSockets, uid)
		}
	}

	c.mu.RLock()
	joined := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		joined = append(joined, room)
	}
	c.mu.RUnlock()

	var lastIn []string
	for _, room := range joined {
		if set := h.rooms[room]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.rooms, room)
			}
		}
		fid, ok := familyFromRoom(room)
		if ok && uid != "" && !h.userInRoomLocked(uid, room) {
			lastIn = append(lastIn, fid)
		}
	}
	h.mu.Unlock()

	c.closeSend()

	if len(lastIn) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, fid := range lastIn {
			h.goOffline(ctx, uid, fid)
		}
	}

	h.log.Debug().Stringer("socket_id", c.socketID).Str("user_id", uid).Msg("Socket unregistered")
}

func familyFromRoom(room string) (string, bool) {
	const prefix = "family:"
	if len(room) <= len(prefix) || room[:len(prefix)] != prefix {
		return "", false
	}
	return room[len(prefix):], true
}

// userInRoomLocked reports whether any remaining socket of the user is in the room.
// Caller holds h.mu.
func (h *Hub) userInRoomLocked(userID, room string) bool {
	for other := range h.userSockets[userID] {
		other.mu.RLock()
		_, in := other.rooms[room]
		other.mu.RUnlock()
		if in {
			return true
		}
	}
	return false
}

// joinFamily joins the socket to the family room, marks the user online, and
// publishes the presence transition. The client's own room set is written first:
// a concurrent unregister walks that set to clean up h.rooms, so the hub-side entry
// is only added while the socket is still registered.
func (h *Hub) joinFamily(ctx context.Context, c *Client, familyID string) {
	room := RoomName(familyID)

	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()

	h.mu.Lock()
	if _, registered := h.clients[c.socketID]; !registered {
		h.mu.Unlock()
		c.mu.Lock()
		delete(c.rooms, room)
		c.mu.Unlock()
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	h.mu.Unlock()

	uid := c.UserID()
	if err := h.presence.SetOnline(ctx, uid, familyID); err != nil {
		h.log.Warn().Err(err).Str("user_id", uid).Msg("Failed to set presence")
	}
	h.publishPresence(ctx, uid, familyID, presence.StatusOnline)
}

// leaveFamily removes the socket from the family room. When it was the user's last
// socket there, presence is cleared and an offline update published.
func (h *Hub) leaveFamily(ctx context.Context, c *Client, familyID string) {
	room := RoomName(familyID)

	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()

	uid := c.UserID()
	h.mu.Lock()
	if set := h.rooms[room]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
	last := !h.userInRoomLocked(uid, room)
	h.mu.Unlock()

	if last {
		h.goOffline(ctx, uid, familyID)
	}
}

func (h *Hub) goOffline(ctx context.Context, userID, familyID string) {
	if err := h.presence.Clear(ctx, userID, familyID); err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to clear presence")
	}
	h.publishPresence(ctx, userID, familyID, presence.StatusOffline)
}

// publishPresence publishes a presence transition on the family's alerts channel,
// reaching every instance's room subscribers.
func (h *Hub) publishPresence(ctx context.Context, userID, familyID, status string) {
	data := event.PresenceUpdateData{
		UserID:    userID,
		FamilyID:  familyID,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	}
	if status == presence.StatusOffline {
		data.LastSeen = data.Timestamp
	}
	env, err := event.NewEnvelope(event.PresenceUpdate, data)
	if err != nil {
		h.log.Error().Err(err).Msg("Presence encode failed")
		return
	}
	if err := h.kv.Publish(ctx, event.AlertsChannel(familyID), env); err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("Presence publish failed")
	}
}

// broadcastRoom delivers a frame to every socket currently in the family room.
func (h *Hub) broadcastRoom(familyID string, frame []byte) {
	room := RoomName(familyID)
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// sendToUser delivers a frame to every socket of the user on this instance.
func (h *Hub) sendToUser(userID string, frame []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.userSockets[userID]))
	for c := range h.userSockets[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// socketsOf returns a snapshot of the user's sockets on this instance.
func (h *Hub) socketsOf(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := make([]*Client, 0, len(h.userSockets[userID]))
	for c := range h.userSockets[userID] {
		targets = append(targets, c)
	}
	return targets
}

// roomSockets returns a snapshot of the sockets in the family room.
func (h *Hub) roomSockets(familyID string) []*Client {
	room := RoomName(familyID)
	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		targets = append(targets, c)
	}
	return targets
}

// ClientCount returns the number of connected sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every socket with a Going Away status and clears the presence keys
// of the users connected to this instance.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[uuid.UUID]*Client)
	h.userSockets = make(map[string]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, c := range clients {
		uid := c.UserID()
		for _, fid := range c.FamilyIDs() {
			_ = h.presence.Clear(ctx, uid, fid)
		}
		c.closeSend()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait),
		)
		_ = c.conn.Close()
	}
	h.log.Info().Msg("Gateway hub shut down")
}
