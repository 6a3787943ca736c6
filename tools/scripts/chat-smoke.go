// Package main provides a CI-friendly end-to-end smoke test for the Libris chat server.
//
// It validates:
//   - reader get-or-create over HTTP
//   - handshake + subprotocol selection for reader and staff sockets
//   - hello_ack identity and sender type
//   - room join (staff joins the reader's conversation)
//   - websocket send -> ack, fan-out to the staff socket
//   - HTTP send by staff, fan-out to the reader socket
//   - history fetch returns both messages in order
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	v1 "libris/shared/contracts/realtime/v1"

	"aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

const maxReadBytes = 1 << 20

type tokenMinter struct {
	issuer string
	ttl    time.Duration

	jwtSecret []byte
	pasetoKey *paseto.V4AsymmetricSecretKey
}

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

type conversation struct {
	ID       int64 `json:"id"`
	ReaderID int64 `json:"readerId"`
}

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin   = flag.String("origin", "http://localhost", "Origin header for the websocket handshake")
		readerID = flag.Int64("reader", 1001, "Reader account id")
		staffID  = flag.Int64("staff", 1, "Staff account id")
		role     = flag.String("staff-role", "Librarian", "Staff role claim")
		issuer   = flag.String("issuer", envOr("LIBRIS_AUTH_ISSUER", "libris"), "Token issuer")
		text     = flag.String("text", "Is the reading room open on Sunday?", "Message text")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	minter, err := newTokenMinterFromEnv(*issuer)
	if err != nil {
		fatalf("token setup: %v", err)
	}

	wsURL, err := wsURLFromBase(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}

	readerTok := minter.mustMint(*readerID, "Reader")
	staffTok := minter.mustMint(*staffID, *role)

	root := context.Background()

	var conv conversation
	mustHTTP(root, http.MethodGet, *baseURL+"/api/chat/conversations/me", readerTok, nil, http.StatusOK, &conv, *timeout)
	if conv.ID <= 0 || conv.ReaderID != *readerID {
		fatalf("get-or-create returned %+v", conv)
	}

	staff := mustConnect(root, "staff", wsURL, *origin, staffTok, *timeout)
	defer closeWS(staff.conn)
	reader := mustConnect(root, "reader", wsURL, *origin, readerTok, *timeout)
	defer closeWS(reader.conn)

	if *verbose {
		fmt.Printf("connected: reader=%s staff=%s conversation=%d\n", reader.sessionID, staff.sessionID, conv.ID)
	}

	mustJoin(root, staff, conv.ID, *timeout)
	mustJoin(root, reader, conv.ID, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	first := mustSendAndAssertAck(root, reader, conv.ID, clientMsgID, *text, *timeout)
	if first.SenderType != "Reader" || first.SenderID != *readerID {
		fatalf("ack sender mismatch: %+v", first)
	}
	mustAssertReceived(root, staff, first, *timeout)

	var second v1.Message
	body := map[string]any{"conversationId": conv.ID, "content": "Yes, from noon until six."}
	mustHTTP(root, http.MethodPost, *baseURL+"/api/chat/messages", staffTok, body, http.StatusCreated, &second, *timeout)
	if second.SenderType != "Staff" {
		fatalf("staff reply sender type: got=%q", second.SenderType)
	}
	mustAssertReceived(root, reader, second, *timeout)

	var history []v1.Message
	mustHTTP(root, http.MethodGet, fmt.Sprintf("%s/api/chat/conversations/%d/messages", *baseURL, conv.ID), staffTok, nil, http.StatusOK, &history, *timeout)
	if len(history) < 2 {
		fatalf("history: expected at least 2 messages, got %d", len(history))
	}
	last := history[len(history)-2:]
	if last[0].ID != first.ID || last[1].ID != second.ID {
		fatalf("history order mismatch: got ids %d,%d want %d,%d", last[0].ID, last[1].ID, first.ID, second.ID)
	}

	fmt.Printf("OK: conversation=%d reader=%s staff=%s messages=%d,%d\n", conv.ID, reader.sessionID, staff.sessionID, first.ID, second.ID)
}

// newTokenMinterFromEnv uses LIBRIS_JWT_HS256_SECRET when set, else LIBRIS_PASETO_V4_SECRET_KEY_HEX.
func newTokenMinterFromEnv(issuer string) (*tokenMinter, error) {
	m := &tokenMinter{issuer: issuer, ttl: 10 * time.Minute}

	if s := os.Getenv("LIBRIS_JWT_HS256_SECRET"); s != "" {
		m.jwtSecret = []byte(s)
		return m, nil
	}
	if hex := strings.TrimSpace(os.Getenv("LIBRIS_PASETO_V4_SECRET_KEY_HEX")); hex != "" {
		key, err := paseto.NewV4AsymmetricSecretKeyFromHex(hex)
		if err != nil {
			return nil, err
		}
		m.pasetoKey = &key
		return m, nil
	}
	return nil, errors.New("set LIBRIS_JWT_HS256_SECRET or LIBRIS_PASETO_V4_SECRET_KEY_HEX")
}

func (m *tokenMinter) mustMint(accountID int64, role string) string {
	now := time.Now()
	exp := now.Add(m.ttl)
	uid := strconv.FormatInt(accountID, 10)

	if m.jwtSecret != nil {
		claims := jwt.MapClaims{
			"iss":  m.issuer,
			"sub":  uid,
			"role": role,
			"iat":  now.Unix(),
			"nbf":  now.Unix(),
			"exp":  exp.Unix(),
		}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.jwtSecret)
		if err != nil {
			fatalf("sign jwt: %v", err)
		}
		return tok
	}

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	tok.SetString("uid", uid)
	tok.SetString("role", role)
	return tok.V4Sign(*m.pasetoKey, nil)
}

func wsURLFromBase(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func mustHTTP(parent context.Context, method, target, token string, body any, wantStatus int, out any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		fatalf("build request %s %s: %v", method, target, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, maxReadBytes))
	if res.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", method, target, res.StatusCode, wantStatus, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("%s %s: decode: %v", method, target, err)
		}
	}
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, c, v1.TypeHello, v1.HelloPayload{}, stepTimeout)
	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing sessionId (%s)", name)
	}
	c.sessionID = p.SessionID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustJoin(parent context.Context, c *smokeClient, conversationID int64, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.TypeRoomJoin, v1.RoomPayload{ConversationID: conversationID}, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeRoomJoined, stepTimeout)
	var p v1.RoomPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal room_joined payload (%s): %v", c.name, err)
	}
	if p.ConversationID != conversationID {
		fatalf("room_joined mismatch (%s): got=%d want=%d", c.name, p.ConversationID, conversationID)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, conversationID int64, clientMsgID, text string, stepTimeout time.Duration) v1.Message {
	mustWrite(parent, c, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: conversationID,
		Content:        text,
		ClientMsgID:    clientMsgID,
	}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack clientMsgId mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if p.Message.ID <= 0 || p.Message.ConversationID != conversationID || p.Message.Content != text {
		fatalf("ack message mismatch (%s): %+v", c.name, p.Message)
	}
	if p.Message.CreatedAt.IsZero() {
		fatalf("ack createdAt missing (%s)", c.name)
	}
	return p.Message
}

func mustAssertReceived(parent context.Context, c *smokeClient, want v1.Message, stepTimeout time.Duration) {
	for {
		env := c.mustReadUntilType(parent, v1.TypeMessageReceived, stepTimeout)

		var p v1.MessageReceivedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal message_received payload (%s): %v", c.name, err)
		}
		// Senders receive their own messages too; skip until the one we expect arrives.
		if p.Message.ID != want.ID {
			continue
		}
		if p.Message.Content != want.Content || p.Message.SenderType != want.SenderType || p.Message.SenderID != want.SenderID {
			fatalf("message_received mismatch (%s): got=%+v want=%+v", c.name, p.Message, want)
		}
		return
	}
}

// mustReadUntilType skips message_received pushes; any other unexpected envelope fails the run.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			switch env.Type {
			case wantType:
				return env
			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			case v1.TypeMessageReceived:
				continue
			default:
				fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
			}
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	p, err := json.Marshal(payload)
	if err != nil {
		fatalf("marshal payload: %v", err)
	}
	b, err := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: p,
	})
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
