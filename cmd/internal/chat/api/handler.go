// Package chatapi exposes the chat service over JSON/HTTP.
package chatapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"libris/cmd/internal/chat"
	"libris/cmd/internal/identity"

	"github.com/go-playground/validator/v10"
)

// Service is the subset of chat.Service used by the HTTP API.
type Service interface {
	GetOrCreateConversationForReader(ctx context.Context, p identity.Principal) (chat.Conversation, error)
	ListConversations(ctx context.Context, p identity.Principal) ([]chat.ConversationSummary, error)
	GetConversation(ctx context.Context, p identity.Principal, conversationID int64) (chat.Conversation, error)
	ListMessages(ctx context.Context, p identity.Principal, conversationID int64) ([]chat.Message, error)
	SendMessage(ctx context.Context, p identity.Principal, conversationID int64, content string) (chat.Message, error)
}

// Handler wires HTTP chat endpoints to the chat service.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	svc      Service
	verifier identity.Verifier
	validate *validator.Validate
	now      func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithClock overrides the clock used for token validation.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs a chat Handler.
func NewHandler(log *slog.Logger, svc Service, verifier identity.Verifier, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if svc == nil {
		return nil, errors.New("chatapi: nil service")
	}
	if verifier == nil {
		return nil, errors.New("chatapi: nil verifier")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		svc:      svc,
		verifier: verifier,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /api/chat/conversations", h.requireAuth(h.handleListConversations))
	mux.HandleFunc("GET /api/chat/conversations/me", h.requireAuth(h.handleMyConversation))
	mux.HandleFunc("GET /api/chat/conversations/{id}", h.requireAuth(h.handleGetConversation))
	mux.HandleFunc("GET /api/chat/conversations/{id}/messages", h.requireAuth(h.handleListMessages))
	mux.HandleFunc("POST /api/chat/messages", h.requireAuth(h.handleSendMessage))
}

// ---- handlers ----

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.PrincipalFrom(r.Context())

	out, err := h.svc.ListConversations(r.Context(), p)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleMyConversation(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.PrincipalFrom(r.Context())

	c, err := h.svc.GetOrCreateConversationForReader(r.Context(), p)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.PrincipalFrom(r.Context())

	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.GetConversation(r.Context(), p, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.PrincipalFrom(r.Context())

	id, ok := pathID(w, r)
	if !ok {
		return
	}
	msgs, err := h.svc.ListMessages(r.Context(), p, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.PrincipalFrom(r.Context())

	var req sendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", validationMessage(err))
		return
	}

	m, err := h.svc.SendMessage(r.Context(), p, req.ConversationID, req.Content)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ---- helpers ----

func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := identity.Authenticate(h.verifier, r, h.now().UTC())
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, identity.ErrMissingToken) {
				msg = "missing bearer token"
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", msg)
			return
		}
		next(w, r.WithContext(identity.WithPrincipal(r.Context(), p)))
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve chat.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "validation", strings.TrimSpace(ve.Field+" "+ve.Reason))
	case chat.IsForbidden(err):
		writeError(w, http.StatusForbidden, "forbidden", "not allowed")
	case chat.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
	case chat.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "conflict")
	default:
		h.log.Error("chat.api.fail", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.PathValue("id")), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "validation", "conversation id must be a positive integer")
		return 0, false
	}
	return id, true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	name := fieldJSONName(fe.Field())
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "gt":
		return name + " must be greater than " + fe.Param()
	default:
		return fmt.Sprintf("%s failed %s validation", name, fe.Tag())
	}
}

func fieldJSONName(field string) string {
	switch field {
	case "ConversationID":
		return "conversationId"
	case "Content":
		return "content"
	default:
		return field
	}
}
