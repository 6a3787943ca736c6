package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"libris/cmd/internal/chat"
	"libris/cmd/internal/identity"
	"libris/cmd/internal/telemetry"
	v1 "libris/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// ChatService is the subset of chat.Service the gateway routes client operations to.
type ChatService interface {
	SendMessage(ctx context.Context, p identity.Principal, conversationID int64, content string) (chat.Message, error)
	AuthorizeJoin(ctx context.Context, p identity.Principal, conversationID int64) error
	SenderKindFor(p identity.Principal) chat.SenderKind
}

// WSGateway is the websocket entrypoint for chat realtime.
//
// It authenticates at upgrade, enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and routes validated envelopes to the Hub and the chat service.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	svc      ChatService
	verifier identity.Verifier
	metrics  *telemetry.Metrics
	now      func() time.Time

	cfg GatewayConfig

	// Accept() authorizes same-host origins itself; cross-origin requires OriginPatterns.
	originPatterns []string
}

// GatewayOption configures optional gateway dependencies.
type GatewayOption func(*WSGateway)

// WithGatewayMetrics records connection metrics.
func WithGatewayMetrics(m *telemetry.Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// WithGatewayClock overrides the clock used for token validation and envelope timestamps.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *WSGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, hub *Hub, svc ChatService, verifier identity.Verifier, cfg GatewayConfig, opts ...GatewayOption) (*WSGateway, error) {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		return nil, errors.New("realtime: nil hub")
	}
	if svc == nil {
		return nil, errors.New("realtime: nil chat service")
	}
	if verifier == nil {
		return nil, errors.New("realtime: nil verifier")
	}

	g := &WSGateway{
		log:      log,
		hub:      hub,
		svc:      svc,
		verifier: verifier,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(g)
	}
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.cfg.AllowedOrigins)
	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades an HTTP request to a websocket session and runs the session loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	principal, err := identity.Authenticate(g.verifier, r, g.now().UTC())
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(g.now())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(principal, sessionID, g.cfg.SendQueueSize)

	g.metrics.ConnectionOpened()
	defer g.metrics.ConnectionClosed()

	g.log.Info("ws.connect",
		"session_id", sessionID,
		"account_id", principal.AccountID,
		"role", string(principal.Role),
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. The client is closed before membership is dropped, so a join
	// racing with shutdown is either refused by the hub or removed by Disconnect. Send stays open.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			g.hub.Disconnect(client)
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.disconnect", "session_id", sessionID, "account_id", principal.AccountID, "reason", reason)
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, v1.CodeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(g.now()) {
			g.trySendError(ctx, client, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}
		if !v1.IsClientType(env.Type) {
			g.trySendError(ctx, client, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
			continue readLoop
		}

		var opErr error
		switch env.Type {
		case v1.TypeHello:
			opErr = g.onHello(ctx, client)
		case v1.TypeRoomJoin:
			opErr = g.onJoin(ctx, client, env)
		case v1.TypeRoomLeave:
			opErr = g.onLeave(ctx, client, env)
		case v1.TypeMessageSend:
			opErr = g.onMessageSend(ctx, client, env)
		}
		if opErr != nil {
			g.sendOpError(ctx, client, env.Type, opErr)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

var errBackpressure = errors.New("backpressure")

// payloadError marks a client payload that could not be decoded.
type payloadError struct{ err error }

func (e payloadError) Error() string { return "invalid payload: " + e.err.Error() }
func (e payloadError) Unwrap() error { return e.err }

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return payloadError{err: errors.New("missing payload")}
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return payloadError{err: err}
	}
	return nil
}

func (g *WSGateway) onHello(ctx context.Context, client *Client) error {
	p, _ := json.Marshal(v1.HelloAckPayload{
		SessionID:  client.SessionID,
		AccountID:  client.Principal.AccountID,
		SenderType: g.svc.SenderKindFor(client.Principal).String(),
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, p, g.now())) {
		return errBackpressure
	}
	return nil
}

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.RoomPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.ConversationID <= 0 {
		return chat.ValidationError{Field: "conversationId", Reason: "is required"}
	}

	if g.cfg.AuthorizeJoin {
		if err := g.svc.AuthorizeJoin(ctx, client.Principal, p.ConversationID); err != nil {
			return err
		}
	}

	g.hub.Join(client, p.ConversationID)

	echo, _ := json.Marshal(v1.RoomPayload{ConversationID: p.ConversationID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeRoomJoined, echo, g.now())) {
		g.hub.Leave(client, p.ConversationID)
		return errBackpressure
	}
	return nil
}

func (g *WSGateway) onLeave(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.RoomPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.ConversationID <= 0 {
		return chat.ValidationError{Field: "conversationId", Reason: "is required"}
	}

	g.hub.Leave(client, p.ConversationID)

	echo, _ := json.Marshal(v1.RoomPayload{ConversationID: p.ConversationID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeRoomLeft, echo, g.now())) {
		return errBackpressure
	}
	return nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	msg, err := g.svc.SendMessage(ctx, client.Principal, p.ConversationID, p.Content)
	if err != nil {
		return err
	}

	ack, _ := json.Marshal(v1.MessageAckPayload{
		ClientMsgID: p.ClientMsgID,
		Message:     toWireMessage(msg),
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeMessageAck, ack, g.now())) {
		// The message is persisted; the client recovers it from history or the room push.
		return errBackpressure
	}
	return nil
}

// ---- send helpers ----

// sendOpError maps an operation failure onto the error envelope vocabulary.
func (g *WSGateway) sendOpError(ctx context.Context, client *Client, op string, err error) {
	var (
		ve chat.ValidationError
		pe payloadError
	)
	switch {
	case errors.Is(err, errBackpressure):
		g.log.Info("ws.backpressure", "session_id", client.SessionID, "op", op)
	case errors.As(err, &pe):
		g.trySendError(ctx, client, v1.CodeBadEnvelope, pe.Error())
	case errors.As(err, &ve):
		g.trySendError(ctx, client, v1.CodeValidation, strings.TrimSpace(ve.Field+" "+ve.Reason))
	case chat.IsForbidden(err):
		g.trySendError(ctx, client, v1.CodeForbidden, "not allowed")
	case chat.IsNotFound(err):
		g.trySendError(ctx, client, v1.CodeNotFound, "conversation not found")
	default:
		g.log.Error("ws.op.fail", "session_id", client.SessionID, "op", op, "err", err)
		g.trySendError(ctx, client, v1.CodeInternal, "internal error")
	}
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p, g.now()))
}

// enqueue never blocks: replies to the connection's own requests are dropped under backpressure.
func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := NewEnvelopeID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts.UTC(),
		Payload: payload,
	}
}

// jsonDecodeError marks a frame that arrived intact but was not a JSON envelope.
type jsonDecodeError struct{ err error }

func (e jsonDecodeError) Error() string { return e.err.Error() }
func (e jsonDecodeError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, jsonDecodeError{err: fmt.Errorf("unsupported message type: %v", mt)}
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, jsonDecodeError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var je jsonDecodeError
	if errors.As(err, &je) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins turns the allowlist into websocket.Accept host patterns.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
