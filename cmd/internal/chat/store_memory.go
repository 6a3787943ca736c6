package chat

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// InMemoryStore is a process-local Store for development and tests.
type InMemoryStore struct {
	mu sync.RWMutex

	nextConversationID int64
	nextMessageID      int64

	conversations map[int64]Conversation
	byReader      map[int64]int64
	messages      map[int64][]Message
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[int64]Conversation),
		byReader:      make(map[int64]int64),
		messages:      make(map[int64][]Message),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, NotFoundError{Op: "chat.GetConversation", Resource: "conversation", ID: id}
	}
	return c, nil
}

func (s *InMemoryStore) GetConversationByReader(ctx context.Context, readerID int64) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byReader[readerID]
	if !ok {
		return Conversation{}, NotFoundError{Op: "chat.GetConversationByReader", Resource: "reader", ID: readerID}
	}
	return s.conversations[id], nil
}

func (s *InMemoryStore) CreateConversation(ctx context.Context, readerID int64, now time.Time) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if readerID <= 0 {
		return Conversation{}, ValidationError{Field: "readerId", Reason: "is required"}
	}
	if now.IsZero() {
		now = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byReader[readerID]; ok {
		return Conversation{}, ConflictError{Op: "chat.CreateConversation", Field: "reader_id"}
	}

	s.nextConversationID++
	c := Conversation{
		ID:        s.nextConversationID,
		ReaderID:  readerID,
		CreatedAt: now.UTC().Truncate(time.Microsecond),
	}
	s.conversations[c.ID] = c
	s.byReader[readerID] = c.ID
	return c, nil
}

func (s *InMemoryStore) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]ConversationSummary, 0, len(s.conversations))
	for id, c := range s.conversations {
		sum := ConversationSummary{Conversation: c}
		if msgs := s.messages[id]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b ConversationSummary) int {
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (s *InMemoryStore) DeleteConversation(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return NotFoundError{Op: "chat.DeleteConversation", Resource: "conversation", ID: id}
	}
	delete(s.messages, id)
	delete(s.byReader, c.ReaderID)
	delete(s.conversations, id)
	return nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	in, err := in.normalize()
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[in.ConversationID]; !ok {
		return Message{}, NotFoundError{Op: "chat.AppendMessage", Resource: "conversation", ID: in.ConversationID}
	}

	msgs := s.messages[in.ConversationID]
	createdAt := in.Now
	if n := len(msgs); n > 0 && createdAt.Before(msgs[n-1].CreatedAt) {
		createdAt = msgs[n-1].CreatedAt
	}

	s.nextMessageID++
	m := Message{
		ID:             s.nextMessageID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		SenderKind:     in.SenderKind,
		Content:        in.Content,
		CreatedAt:      createdAt,
	}
	s.messages[in.ConversationID] = append(msgs, m)
	return m, nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, NotFoundError{Op: "chat.ListMessages", Resource: "conversation", ID: conversationID}
	}

	out := slices.Clone(s.messages[conversationID])
	if out == nil {
		out = []Message{}
	}
	slices.SortStableFunc(out, compareMessages)
	return out, nil
}

func compareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
