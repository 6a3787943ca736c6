package chat

import (
	"context"
	"time"
)

// ConversationStore persists conversations.
//
// Requirements:
//   - at most one conversation per reader; a duplicate create fails with ConflictError
//   - missing rows fail with NotFoundError
//   - ListConversations is ordered by last activity, most recent first, then id descending;
//     ReaderName is left empty for the caller to resolve
//   - DeleteConversation removes the conversation and its messages atomically
type ConversationStore interface {
	GetConversation(ctx context.Context, id int64) (Conversation, error)
	GetConversationByReader(ctx context.Context, readerID int64) (Conversation, error)
	CreateConversation(ctx context.Context, readerID int64, now time.Time) (Conversation, error)
	ListConversations(ctx context.Context) ([]ConversationSummary, error)
	DeleteConversation(ctx context.Context, id int64) error
}

// MessageStore persists messages.
//
// Requirements:
//   - content is validated with NormalizeContent (ValidationError)
//   - created_at never goes backwards within a conversation
//   - ListMessages is ordered by (created_at, id) ascending
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	ListMessages(ctx context.Context, conversationID int64) ([]Message, error)
}

// Store is a combined store with an owned lifecycle.
type Store interface {
	ConversationStore
	MessageStore
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID int64
	SenderID       int64
	SenderKind     SenderKind
	Content        string
	Now            time.Time
}

func (in AppendMessageInput) normalize() (AppendMessageInput, error) {
	if in.ConversationID <= 0 {
		return in, ValidationError{Field: "conversationId", Reason: "is required"}
	}
	if in.SenderID <= 0 {
		return in, ValidationError{Field: "senderId", Reason: "is required"}
	}
	if !in.SenderKind.Valid() {
		return in, ValidationError{Field: "senderType", Reason: "must be Reader or Staff"}
	}
	content, err := NormalizeContent(in.Content)
	if err != nil {
		return in, err
	}
	in.Content = content
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	// Postgres keeps microseconds; truncating here keeps both stores comparable.
	in.Now = in.Now.UTC().Truncate(time.Microsecond)
	return in, nil
}
