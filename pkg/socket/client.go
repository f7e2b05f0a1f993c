// Package socket maintains the realtime link to the chat bus. The
// orchestrator is a send-mostly client: plan announcements, approval
// requests and summaries go out over this connection, while inbound work
// arrives through the HTTP API. The client survives bus restarts with a
// reconnect loop, re-joins its rooms, and replays messages queued while
// the link was down.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parleyhq/steward/pkg/metrics"
	"github.com/parleyhq/steward/pkg/models"
)

// State is the connection lifecycle of the client.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateShuttingDown State = "shutting_down"
)

// Events on the wire. Every frame is a JSON envelope {event, data}.
const (
	eventAuth         = "auth"
	eventJoinRoom     = "join_room"
	eventQuitRoom     = "quit_room"
	eventInviteToRoom = "invite_to_room"
	eventMessage      = "message"
	eventNotification = "notification"
	eventPing         = "ping"
	eventPong         = "pong"
)

const (
	// heartbeatInterval paces the application-level ping keeping the bus
	// aware the agent is alive.
	heartbeatInterval = 30 * time.Second

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second

	// pingTimeout bounds the pre-send health check round trip.
	pingTimeout = 5 * time.Second

	// sendRetries and retryDelay shape the retry wrapper around every
	// send-side operation.
	sendRetries = 3
	retryDelay  = time.Second

	// Reconnect backoff: up to maxReconnectAttempts, starting at
	// reconnectBaseDelay and growing by backoffFactor up to reconnectMaxDelay.
	maxReconnectAttempts = 10
	reconnectBaseDelay   = time.Second
	reconnectMaxDelay    = 30 * time.Second
	backoffFactor        = 1.5
)

// ErrNotConnected is returned when a send cannot reach the bus. Messages
// are preserved on the pending queue and replayed after the next reconnect.
var ErrNotConnected = errors.New("socket is not connected")

// ErrShuttingDown is returned for operations attempted after Disconnect.
var ErrShuttingDown = errors.New("socket client is shutting down")

// envelope is the wire format shared by both directions. Data stays raw on
// the inbound path because only the event name matters to the agent.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type authUser struct {
	ID string `json:"id"`
}

type authPayload struct {
	User authUser `json:"user"`
}

type invitePayload struct {
	RoomID  string   `json:"roomId"`
	UserIDs []string `json:"userIds"`
}

type pingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// Client is the resilient chat-bus connection. All mutable state is guarded
// by one mutex, which is never held across a dial, write or ping; transport
// operations work on a connection snapshot taken under the lock.
type Client struct {
	serverURL string
	userID    string

	mu         sync.Mutex
	conn       *websocket.Conn
	connCancel context.CancelFunc
	state      State

	// joinedRooms preserves join order so reconnect re-joins rooms the way
	// callers entered them. joined mirrors it for membership checks.
	joinedRooms []string
	joined      map[string]bool

	// pending holds messages that could not be delivered, deduplicated by
	// id; flushed after rooms are re-joined on reconnect.
	pending    []models.Message
	pendingIDs map[string]bool

	// sentIDs makes SendMessage idempotent: ids already on the wire are
	// silently skipped.
	sentIDs map[string]bool

	reconnecting bool
	lastPong     time.Time

	// lifeCtx spans the client's whole lifetime; Disconnect cancels it,
	// which stops the reconnect loop along with the per-connection loops.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewClient creates a disconnected client for the bus at serverURL that will
// authenticate as userID. Call Connect to bring the link up.
func NewClient(serverURL, userID string, m *metrics.Metrics) *Client {
	if m == nil {
		panic("socket.NewClient: metrics must not be nil")
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Client{
		serverURL:  serverURL,
		userID:     userID,
		state:      StateDisconnected,
		joined:     make(map[string]bool),
		pendingIDs: make(map[string]bool),
		sentIDs:    make(map[string]bool),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		metrics:    m,
		logger:     slog.Default().With("component", "socket"),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastPong reports when the bus last answered the heartbeat. Zero until the
// first pong of the current process.
func (c *Client) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Connect dials the bus, authenticates as the agent user and starts the
// read and heartbeat loops. Already-joined rooms are re-joined and the
// pending queue is flushed, so the same path serves first connects and
// reconnects. Connecting an already-connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateShuttingDown:
		c.mu.Unlock()
		return ErrShuttingDown
	case StateConnected:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial socket server: %w", err)
	}

	// The bus expects authentication as the very first frame.
	if err := c.writeEnvelope(ctx, conn, eventAuth, authPayload{User: authUser{ID: c.userID}}); err != nil {
		_ = conn.CloseNow()
		return fmt.Errorf("authenticate as user %s: %w", c.userID, err)
	}

	connCtx, connCancel := context.WithCancel(c.lifeCtx)

	c.mu.Lock()
	if c.state == StateShuttingDown {
		c.mu.Unlock()
		connCancel()
		_ = conn.CloseNow()
		return ErrShuttingDown
	}
	if c.conn != nil {
		// Another Connect won the race; keep its connection.
		c.mu.Unlock()
		connCancel()
		_ = conn.CloseNow()
		return nil
	}
	c.conn = conn
	c.connCancel = connCancel
	c.state = StateConnected
	rooms := append([]string(nil), c.joinedRooms...)
	c.mu.Unlock()

	c.logger.Info("Connected to socket server", "url", c.serverURL, "user_id", c.userID)

	go c.readLoop(connCtx, conn)
	go c.heartbeat(connCtx, conn)

	// Re-join rooms before flushing so replayed messages land in rooms the
	// bus once again routes to this client.
	for _, room := range rooms {
		if err := c.writeEnvelope(ctx, conn, eventJoinRoom, room); err != nil {
			c.logger.Warn("Failed to re-join room", "room_id", room, "error", err)
		}
	}
	c.flushPending(ctx, conn)

	return nil
}

// Disconnect shuts the client down for good: the reconnect, heartbeat and
// read loops are cancelled, the sent-id set is cleared and the transport is
// closed. The client cannot be reused afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateShuttingDown {
		c.mu.Unlock()
		return
	}
	c.state = StateShuttingDown
	conn := c.conn
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.sentIDs = make(map[string]bool)
	c.mu.Unlock()

	c.lifeCancel()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	c.logger.Info("Socket client shut down")
}

// SendMessage delivers a chat message, idempotent by msg.ID: ids already
// emitted are no-ops. When the link is down or fails the health check the
// message is queued for replay and the call retries; if every attempt fails
// the message stays queued and the last error is returned.
func (c *Client) SendMessage(ctx context.Context, msg models.Message) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		return c.sendMessage(ctx, msg)
	})
}

// SendNotification pushes a per-user alert. Notifications are best-effort:
// they retry like messages but are not queued for replay.
func (c *Client) SendNotification(ctx context.Context, n models.Notification) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		return c.emitChecked(ctx, eventNotification, n)
	})
}

// JoinRoom subscribes the agent to a room's traffic. The room is tracked
// for re-join on reconnect even when the immediate emit fails.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if !c.joined[roomID] {
		c.joined[roomID] = true
		c.joinedRooms = append(c.joinedRooms, roomID)
	}
	c.mu.Unlock()

	return c.withRetry(ctx, func(ctx context.Context) error {
		return c.emitChecked(ctx, eventJoinRoom, roomID)
	})
}

// QuitRoom leaves a room and drops it from the re-join set.
func (c *Client) QuitRoom(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.joined[roomID] {
		delete(c.joined, roomID)
		for i, id := range c.joinedRooms {
			if id == roomID {
				c.joinedRooms = append(c.joinedRooms[:i], c.joinedRooms[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	return c.withRetry(ctx, func(ctx context.Context) error {
		return c.emitChecked(ctx, eventQuitRoom, roomID)
	})
}

// InviteToRoom asks the bus to add users to a room.
func (c *Client) InviteToRoom(ctx context.Context, roomID string, userIDs []string) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		return c.emitChecked(ctx, eventInviteToRoom, invitePayload{RoomID: roomID, UserIDs: userIDs})
	})
}

// sendMessage is one delivery attempt: skip if already sent, queue and
// report ErrNotConnected if the link is down or unhealthy, otherwise emit
// and record the id.
func (c *Client) sendMessage(ctx context.Context, msg models.Message) error {
	c.mu.Lock()
	if c.state == StateShuttingDown {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	if c.sentIDs[msg.ID] {
		c.mu.Unlock()
		return nil
	}
	conn, connected := c.conn, c.state == StateConnected
	c.mu.Unlock()

	if !connected || !c.healthy(ctx, conn) {
		c.queuePending(msg)
		return ErrNotConnected
	}

	if err := c.writeEnvelope(ctx, conn, eventMessage, msg); err != nil {
		c.logger.Warn("Message emit failed, queueing for replay", "message_id", msg.ID, "error", err)
		c.queuePending(msg)
		return ErrNotConnected
	}

	c.markSent(msg.ID)
	c.metrics.SocketEmit(eventMessage)
	c.logger.Info("Sent message", "message_id", msg.ID, "room_id", msg.RoomID)
	return nil
}

// emitChecked emits one frame on the current connection, health-checking
// the transport first.
func (c *Client) emitChecked(ctx context.Context, event string, data any) error {
	c.mu.Lock()
	if c.state == StateShuttingDown {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	conn, connected := c.conn, c.state == StateConnected
	c.mu.Unlock()

	if !connected || !c.healthy(ctx, conn) {
		return ErrNotConnected
	}
	if err := c.writeEnvelope(ctx, conn, event, data); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	c.metrics.SocketEmit(event)
	return nil
}

// withRetry runs one send-side operation up to sendRetries times with
// retryDelay between attempts, bringing the connection up first each time.
// The operation runs even when connecting failed: message sends must still
// reach the pending queue so the next reconnect replays them.
func (c *Client) withRetry(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= sendRetries; attempt++ {
		if cerr := c.ensureConnected(ctx); errors.Is(cerr, ErrShuttingDown) {
			return cerr
		}
		if err = op(ctx); err == nil {
			return nil
		}
		if errors.Is(err, ErrShuttingDown) {
			return err
		}
		if attempt < sendRetries {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateShuttingDown:
		return ErrShuttingDown
	case StateConnected:
		return nil
	default:
		return c.Connect(ctx)
	}
}

// healthy round-trips a protocol-level ping so a dead transport is caught
// before a message is committed to it.
func (c *Client) healthy(ctx context.Context, conn *websocket.Conn) bool {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := conn.Ping(pingCtx); err != nil {
		c.logger.Warn("Pre-send health check failed", "error", err)
		c.transportLost(conn)
		return false
	}
	return true
}

func (c *Client) queuePending(msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingIDs[msg.ID] || c.sentIDs[msg.ID] {
		return
	}
	c.pendingIDs[msg.ID] = true
	c.pending = append(c.pending, msg)
}

func (c *Client) markSent(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentIDs[id] = true
}

// flushPending replays queued messages on a fresh connection. Failures go
// back on the queue for the next reconnect.
func (c *Client) flushPending(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.pendingIDs = make(map[string]bool)
	c.mu.Unlock()

	if len(queued) == 0 {
		return
	}
	c.logger.Info("Flushing pending messages", "count", len(queued))

	for _, msg := range queued {
		c.mu.Lock()
		alreadySent := c.sentIDs[msg.ID]
		c.mu.Unlock()
		if alreadySent {
			continue
		}

		if err := c.writeEnvelope(ctx, conn, eventMessage, msg); err != nil {
			c.logger.Warn("Failed to flush pending message", "message_id", msg.ID, "error", err)
			c.queuePending(msg)
			continue
		}
		c.markSent(msg.ID)
		c.metrics.SocketEmit(eventMessage)
	}
}

func (c *Client) writeEnvelope(ctx context.Context, conn *websocket.Conn, event string, data any) error {
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, frame)
}

// readLoop drains inbound frames until the connection dies. The agent acts
// on nothing inbound today; pongs refresh liveness and everything else is
// logged at debug.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Connection closed or context cancelled.
			c.transportLost(conn)
			return
		}

		var frame inboundEnvelope
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("Invalid socket frame", "error", err)
			continue
		}

		switch frame.Event {
		case eventPong:
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		default:
			c.logger.Debug("Socket frame received", "event", frame.Event)
		}
	}
}

// heartbeat pings the bus every heartbeatInterval. A failed ping means the
// transport is gone.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeEnvelope(ctx, conn, eventPing, pingPayload{Timestamp: time.Now().UnixMilli()}); err != nil {
				c.logger.Warn("Heartbeat ping failed", "error", err)
				c.transportLost(conn)
				return
			}
			c.metrics.SocketEmit(eventPing)
		}
	}
}

// transportLost tears down a dead connection and starts the reconnect loop.
// The conn argument guards against stale loops of an already-replaced
// connection tearing down its successor.
func (c *Client) transportLost(conn *websocket.Conn) {
	c.mu.Lock()
	if c.state == StateShuttingDown || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateReconnecting
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	already := c.reconnecting
	c.reconnecting = true
	c.mu.Unlock()

	_ = conn.CloseNow()
	c.logger.Warn("Socket transport lost, reconnecting")

	if !already {
		go c.reconnectLoop()
	}
}

// reconnectLoop dials the bus with exponential backoff. Each attempt starts
// from a fresh connection object; Connect re-joins rooms and flushes the
// pending queue once the link is back.
func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		if c.state == StateReconnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
	}()

	delay := reconnectBaseDelay
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-c.lifeCtx.Done():
			return
		case <-time.After(delay):
		}

		c.logger.Info("Reconnecting to socket server", "attempt", attempt)
		if err := c.Connect(c.lifeCtx); err == nil {
			c.metrics.SocketReconnected()
			return
		} else if errors.Is(err, ErrShuttingDown) {
			return
		} else {
			c.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
		}

		delay = time.Duration(float64(delay) * backoffFactor)
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}

	c.logger.Error("Reconnect attempts exhausted, socket stays down", "attempts", maxReconnectAttempts)
}
