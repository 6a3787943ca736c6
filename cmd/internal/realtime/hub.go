package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"libris/cmd/internal/chat"
	"libris/cmd/internal/telemetry"
	v1 "libris/shared/contracts/realtime/v1"
)

// Hub tracks which connections are subscribed to which conversation rooms and pushes
// persisted messages to them. It implements chat.Publisher.
//
// Concurrency guarantees:
//   - Join, Leave, Disconnect and Publish are safe for concurrent use.
//   - Publish delivers to every member in parallel; a slow member costs at most sendTimeout
//     and never delays the others.
//   - Publish never panics on a closing client because Client.Send is never closed.
type Hub struct {
	log         *slog.Logger
	metrics     *telemetry.Metrics
	sendTimeout time.Duration
	now         func() time.Time

	mu     sync.RWMutex
	rooms  map[int64]*Room
	joined map[string]map[int64]struct{} // session id -> rooms, for Disconnect
}

// HubOption configures optional Hub behavior.
type HubOption func(*Hub)

// WithSendTimeout bounds how long Publish waits on one connection's full queue.
func WithSendTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.sendTimeout = d
		}
	}
}

// WithHubMetrics records room and delivery metrics.
func WithHubMetrics(m *telemetry.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:         log,
		sendTimeout: defaultSendTimeout,
		now:         time.Now,
		rooms:       make(map[int64]*Room),
		joined:      make(map[string]map[int64]struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h
}

// Join subscribes client to a conversation room. Joining twice is a no-op, and a closed client
// is never added.
func (h *Hub) Join(client *Client, conversationID int64) {
	if client == nil || client.SessionID == "" || conversationID <= 0 {
		return
	}

	h.mu.Lock()
	select {
	case <-client.Done():
		h.mu.Unlock()
		return
	default:
	}
	room, ok := h.rooms[conversationID]
	if !ok {
		room = newRoom(conversationID)
		h.rooms[conversationID] = room
	}
	added := room.add(client)

	set, ok := h.joined[client.SessionID]
	if !ok {
		set = make(map[int64]struct{})
		h.joined[client.SessionID] = set
	}
	set[conversationID] = struct{}{}
	rooms := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRooms(rooms)
	if added {
		h.log.Debug("ws.room.join", "conversation_id", conversationID, "session_id", client.SessionID, "account_id", client.Principal.AccountID)
	}
}

// Leave unsubscribes client from a room. Leaving a room the client is not in is a no-op.
func (h *Hub) Leave(client *Client, conversationID int64) {
	if client == nil || client.SessionID == "" {
		return
	}

	h.mu.Lock()
	left := h.leaveLocked(client.SessionID, conversationID)
	rooms := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRooms(rooms)
	if left {
		h.log.Debug("ws.room.leave", "conversation_id", conversationID, "session_id", client.SessionID)
	}
}

// Disconnect removes client from every room it joined.
func (h *Hub) Disconnect(client *Client) {
	if client == nil || client.SessionID == "" {
		return
	}

	h.mu.Lock()
	var n int
	for id := range h.joined[client.SessionID] {
		if h.leaveLocked(client.SessionID, id) {
			n++
		}
	}
	delete(h.joined, client.SessionID)
	rooms := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRooms(rooms)
	h.log.Debug("ws.disconnect.cleanup", "session_id", client.SessionID, "rooms_left", n)
}

func (h *Hub) leaveLocked(sessionID string, conversationID int64) bool {
	set, ok := h.joined[sessionID]
	if !ok {
		return false
	}
	if _, ok := set[conversationID]; !ok {
		return false
	}
	delete(set, conversationID)
	if len(set) == 0 {
		delete(h.joined, sessionID)
	}

	if room, ok := h.rooms[conversationID]; ok {
		if room.remove(sessionID) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	return true
}

// Members returns the number of connections subscribed to a room.
func (h *Hub) Members(conversationID int64) int {
	h.mu.RLock()
	room := h.rooms[conversationID]
	h.mu.RUnlock()

	if room == nil {
		return 0
	}
	return room.size()
}

// Rooms returns the conversation ids a session is subscribed to.
func (h *Hub) Rooms(sessionID string) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]int64, 0, len(h.joined[sessionID]))
	for id := range h.joined[sessionID] {
		out = append(out, id)
	}
	return out
}

// Publish pushes msg as a message_received envelope to every connection in the room.
//
// The returned error joins one DeliveryError per failed connection; successful deliveries are
// unaffected by failed ones.
func (h *Hub) Publish(ctx context.Context, conversationID int64, msg chat.Message) error {
	start := h.now()
	defer func() { h.metrics.ObservePublish(h.now().Sub(start)) }()

	h.mu.RLock()
	room := h.rooms[conversationID]
	h.mu.RUnlock()
	if room == nil {
		return nil
	}

	members := room.snapshot()
	if len(members) == 0 {
		return nil
	}

	env, err := newMessageReceived(msg, start)
	if err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, c := range members {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
			err := c.deliver(sendCtx, env)
			cancel()

			if err != nil {
				h.metrics.PushResult(telemetry.PushDropped)
				h.log.Info("ws.push.fail",
					"conversation_id", conversationID,
					"message_id", msg.ID,
					"session_id", c.SessionID,
					"err", err,
				)
				mu.Lock()
				errs = append(errs, DeliveryError{SessionID: c.SessionID, ConversationID: conversationID, Err: err})
				mu.Unlock()
				return
			}
			h.metrics.PushResult(telemetry.PushDelivered)
		}(c)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func newMessageReceived(msg chat.Message, now time.Time) (v1.Envelope, error) {
	payload, err := json.Marshal(v1.MessageReceivedPayload{Message: toWireMessage(msg)})
	if err != nil {
		return v1.Envelope{}, err
	}
	return newEnvelope(v1.TypeMessageReceived, payload, now), nil
}

func toWireMessage(m chat.Message) v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderType:     m.SenderKind.String(),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}
