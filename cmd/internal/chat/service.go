package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"libris/cmd/internal/identity"
	"libris/cmd/internal/telemetry"
)

// Publisher delivers a persisted message to live subscribers of its conversation.
// Implementations are best-effort; an error describes deliveries that failed.
type Publisher interface {
	Publish(ctx context.Context, conversationID int64, msg Message) error
}

const defaultPublishTimeout = 5 * time.Second

// Service is the chat domain service.
//
// It is the only component that mutates conversations and messages, and it enforces:
//   - readers may only read and write their own conversation; staff may act on any
//   - get-or-create never surfaces a creation race to the caller
//   - a send returns once persisted; fan-out runs afterwards and never fails the send
type Service struct {
	log *slog.Logger

	conversations ConversationStore
	messages      MessageStore
	publisher     Publisher
	directory     identity.Directory
	staff         StaffPolicy
	metrics       *telemetry.Metrics

	now            func() time.Time
	publishTimeout time.Duration

	inflight sync.WaitGroup
}

// ServiceOption configures optional Service dependencies.
type ServiceOption func(*Service)

// WithStaffPolicy overrides the default staff role set.
func WithStaffPolicy(p StaffPolicy) ServiceOption {
	return func(s *Service) {
		if p.roles != nil {
			s.staff = p
		}
	}
}

// WithDirectory sets the account directory used for inbox display names.
func WithDirectory(d identity.Directory) ServiceOption {
	return func(s *Service) {
		if d != nil {
			s.directory = d
		}
	}
}

// WithClock overrides time.Now (tests use a simulated clock).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPublishTimeout bounds one fan-out.
func WithPublishTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

// WithMetrics records chat counters.
func WithMetrics(m *telemetry.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService constructs a Service. publisher may be nil (no realtime fan-out).
func NewService(log *slog.Logger, conversations ConversationStore, messages MessageStore, publisher Publisher, opts ...ServiceOption) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if conversations == nil || messages == nil {
		return nil, errors.New("chat: nil store")
	}

	s := &Service{
		log:            log,
		conversations:  conversations,
		messages:       messages,
		publisher:      publisher,
		directory:      identity.NewInMemoryDirectory(nil),
		staff:          MustStaffPolicy(),
		now:            time.Now,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s, nil
}

// IsStaff reports whether p has a staff-equivalent role.
func (s *Service) IsStaff(p identity.Principal) bool { return s.staff.IsStaff(p.Role) }

// SenderKindFor resolves the sender kind a message from p would carry.
func (s *Service) SenderKindFor(p identity.Principal) SenderKind { return s.staff.SenderKindFor(p.Role) }

// GetOrCreateConversationForReader returns the caller's conversation, creating it on first access.
func (s *Service) GetOrCreateConversationForReader(ctx context.Context, p identity.Principal) (Conversation, error) {
	const op = "chat.GetOrCreateConversationForReader"

	if s.IsStaff(p) {
		return Conversation{}, s.deny(op, p, 0)
	}

	c, err := s.conversations.GetConversationByReader(ctx, p.AccountID)
	if err == nil {
		return c, nil
	}
	if !IsNotFound(err) {
		return Conversation{}, err
	}

	c, err = s.conversations.CreateConversation(ctx, p.AccountID, s.now())
	if err == nil {
		s.metrics.ConversationCreated()
		s.log.Info("chat.conversation.created", "conversation_id", c.ID, "reader_id", c.ReaderID)
		return c, nil
	}
	if !IsConflict(err) {
		return Conversation{}, err
	}

	// Lost a concurrent first-access race: the winner's row is the answer.
	s.log.Debug("chat.conversation.create.conflict", "reader_id", p.AccountID)
	return s.conversations.GetConversationByReader(ctx, p.AccountID)
}

// ListConversations returns the staff inbox.
func (s *Service) ListConversations(ctx context.Context, p identity.Principal) ([]ConversationSummary, error) {
	const op = "chat.ListConversations"

	if !s.IsStaff(p) {
		return nil, s.deny(op, p, 0)
	}

	out, err := s.conversations.ListConversations(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(out))
	for _, c := range out {
		ids = append(ids, c.ReaderID)
	}
	names, err := s.directory.DisplayNames(ctx, ids)
	if err != nil {
		// Names are presentation only; the inbox is still useful without them.
		s.log.Warn("chat.directory.lookup.fail", "err", err, "count", len(ids))
		names = nil
	}
	for i := range out {
		if n, ok := names[out[i].ReaderID]; ok && n != "" {
			out[i].ReaderName = n
			continue
		}
		out[i].ReaderName = fmt.Sprintf("Reader #%d", out[i].ReaderID)
	}
	return out, nil
}

// GetConversation returns a conversation the caller may read.
func (s *Service) GetConversation(ctx context.Context, p identity.Principal, conversationID int64) (Conversation, error) {
	return s.authorizedConversation(ctx, "chat.GetConversation", p, conversationID)
}

// AuthorizeJoin applies the GetConversation rule to a realtime room join.
func (s *Service) AuthorizeJoin(ctx context.Context, p identity.Principal, conversationID int64) error {
	_, err := s.authorizedConversation(ctx, "chat.AuthorizeJoin", p, conversationID)
	return err
}

// ListMessages returns the conversation history ordered by (created_at, id).
func (s *Service) ListMessages(ctx context.Context, p identity.Principal, conversationID int64) ([]Message, error) {
	if _, err := s.authorizedConversation(ctx, "chat.ListMessages", p, conversationID); err != nil {
		return nil, err
	}
	return s.messages.ListMessages(ctx, conversationID)
}

// SendMessage persists a message from p and hands it to the publisher.
//
// The returned message is the persisted row; delivery to live subscribers happens after return.
func (s *Service) SendMessage(ctx context.Context, p identity.Principal, conversationID int64, content string) (Message, error) {
	const op = "chat.SendMessage"

	kind := s.staff.SenderKindFor(p.Role)

	if _, err := s.authorizedConversation(ctx, op, p, conversationID); err != nil {
		return Message{}, err
	}

	content, err := NormalizeContent(content)
	if err != nil {
		return Message{}, err
	}

	// Once started, persistence completes even if the caller goes away.
	msg, err := s.messages.AppendMessage(context.WithoutCancel(ctx), AppendMessageInput{
		ConversationID: conversationID,
		SenderID:       p.AccountID,
		SenderKind:     kind,
		Content:        content,
		Now:            s.now(),
	})
	if err != nil {
		return Message{}, err
	}

	s.metrics.MessageSent(kind.String())
	s.log.Info("chat.message.sent",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"sender_id", msg.SenderID,
		"sender_type", msg.SenderKind.String(),
	)

	s.publish(msg)
	return msg, nil
}

// Flush waits for in-flight fan-outs, or until ctx is done.
func (s *Service) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) publish(msg Message) {
	if s.publisher == nil {
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
		defer cancel()

		if err := s.publisher.Publish(ctx, msg.ConversationID, msg); err != nil {
			s.log.Warn("chat.publish.partial",
				"conversation_id", msg.ConversationID,
				"message_id", msg.ID,
				"err", err,
			)
		}
	}()
}

func (s *Service) authorizedConversation(ctx context.Context, op string, p identity.Principal, conversationID int64) (Conversation, error) {
	if conversationID <= 0 {
		return Conversation{}, ValidationError{Field: "conversationId", Reason: "is required"}
	}

	c, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if s.IsStaff(p) || c.ReaderID == p.AccountID {
		return c, nil
	}
	return Conversation{}, s.deny(op, p, conversationID)
}

func (s *Service) deny(op string, p identity.Principal, conversationID int64) error {
	s.metrics.AuthorizationDenied(op)
	s.log.Info("chat.authz.deny",
		"op", op,
		"account_id", p.AccountID,
		"role", string(p.Role),
		"conversation_id", conversationID,
	)
	return AuthorizationError{Op: op, AccountID: p.AccountID, ConversationID: conversationID}
}
