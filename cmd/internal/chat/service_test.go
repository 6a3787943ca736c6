package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"libris/cmd/internal/identity"
)

var (
	reader42 = identity.Principal{AccountID: 42, Role: identity.RoleReader}
	reader43 = identity.Principal{AccountID: 43, Role: identity.RoleReader}
	staff7   = identity.Principal{AccountID: 7, Role: identity.RoleLibrarian}
)

type published struct {
	conversationID int64
	msg            Message
}

type recordingPublisher struct {
	ch  chan published
	err error
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{ch: make(chan published, 64)}
}

func (p *recordingPublisher) Publish(_ context.Context, conversationID int64, msg Message) error {
	p.ch <- published{conversationID: conversationID, msg: msg}
	return p.err
}

func (p *recordingPublisher) next(t *testing.T) published {
	t.Helper()
	select {
	case got := <-p.ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for publish")
		return published{}
	}
}

func newTestService(t *testing.T, store *InMemoryStore, pub Publisher, opts ...ServiceOption) *Service {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewService(log, store, store, pub, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestService_GetOrCreateIdempotentUnderConcurrency(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	svc := newTestService(t, store, nil)

	const n = 32
	ids := make([]int64, n)
	errs := make([]error, n)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			c, err := svc.GetOrCreateConversationForReader(context.Background(), reader42)
			ids[i], errs[i] = c.ID, err
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("call %d returned conversation %d, want %d", i, ids[i], ids[0])
		}
	}

	all, err := store.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly 1 conversation row, got %d", len(all))
	}
}

// racingStore reports "not found" on the first lookup and "conflict" on create,
// as if another request created the row in between.
type racingStore struct {
	*InMemoryStore
	once sync.Once
}

func (s *racingStore) GetConversationByReader(ctx context.Context, readerID int64) (Conversation, error) {
	raced := false
	s.once.Do(func() { raced = true })
	if raced {
		if _, err := s.InMemoryStore.CreateConversation(ctx, readerID, time.Now()); err != nil {
			return Conversation{}, err
		}
		return Conversation{}, NotFoundError{Op: "test", Resource: "reader", ID: readerID}
	}
	return s.InMemoryStore.GetConversationByReader(ctx, readerID)
}

func TestService_GetOrCreateRefetchesOnConflict(t *testing.T) {
	t.Parallel()

	inner := NewInMemoryStore()
	store := &racingStore{InMemoryStore: inner}
	svc, err := NewService(slog.New(slog.NewTextHandler(io.Discard, nil)), store, inner, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	c, err := svc.GetOrCreateConversationForReader(context.Background(), reader42)
	if err != nil {
		t.Fatalf("expected conflict to be absorbed, got %v", err)
	}
	want, _ := inner.GetConversationByReader(context.Background(), 42)
	if c.ID != want.ID {
		t.Fatalf("got conversation %d, want existing %d", c.ID, want.ID)
	}
}

func TestService_GetOrCreateRejectsStaff(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, NewInMemoryStore(), nil)
	if _, err := svc.GetOrCreateConversationForReader(context.Background(), staff7); !IsForbidden(err) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestService_AuthorizationBoundary(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	convB, err := svc.GetOrCreateConversationForReader(ctx, reader43)
	if err != nil {
		t.Fatalf("get-or-create: %v", err)
	}

	if _, err := svc.GetConversation(ctx, reader42, convB.ID); !IsForbidden(err) {
		t.Fatalf("reader A GetConversation(B): expected forbidden, got %v", err)
	}
	if _, err := svc.ListMessages(ctx, reader42, convB.ID); !IsForbidden(err) {
		t.Fatalf("reader A ListMessages(B): expected forbidden, got %v", err)
	}
	if _, err := svc.SendMessage(ctx, reader42, convB.ID, "hi"); !IsForbidden(err) {
		t.Fatalf("reader A SendMessage(B): expected forbidden, got %v", err)
	}
	if err := svc.AuthorizeJoin(ctx, reader42, convB.ID); !IsForbidden(err) {
		t.Fatalf("reader A AuthorizeJoin(B): expected forbidden, got %v", err)
	}
	if _, err := svc.ListConversations(ctx, reader42); !IsForbidden(err) {
		t.Fatalf("reader ListConversations: expected forbidden, got %v", err)
	}

	for _, role := range []identity.Role{identity.RoleAdmin, identity.RoleLibrarian, identity.RoleAssistant} {
		p := identity.Principal{AccountID: 7, Role: role}
		if _, err := svc.GetConversation(ctx, p, convB.ID); err != nil {
			t.Fatalf("%s GetConversation: %v", role, err)
		}
		if _, err := svc.ListMessages(ctx, p, convB.ID); err != nil {
			t.Fatalf("%s ListMessages: %v", role, err)
		}
		if err := svc.AuthorizeJoin(ctx, p, convB.ID); err != nil {
			t.Fatalf("%s AuthorizeJoin: %v", role, err)
		}
	}

	if _, err := svc.GetConversation(ctx, staff7, convB.ID+99); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.GetConversation(ctx, staff7, 0); !IsValidation(err) {
		t.Fatalf("expected validation error for zero id, got %v", err)
	}
}

func TestService_SendValidationPersistsNothing(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	pub := newRecordingPublisher()
	svc := newTestService(t, store, pub)
	ctx := context.Background()

	c, err := svc.GetOrCreateConversationForReader(ctx, reader42)
	if err != nil {
		t.Fatalf("get-or-create: %v", err)
	}

	for _, content := range []string{"", "   \n\t", strings.Repeat("x", MaxContentRunes+1)} {
		if _, err := svc.SendMessage(ctx, reader42, c.ID, content); !IsValidation(err) {
			t.Fatalf("content len=%d: expected validation error, got %v", len(content), err)
		}
	}

	msgs, err := store.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected 0 persisted messages, got %d", len(msgs))
	}
	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(pub.ch) != 0 {
		t.Fatalf("expected nothing published")
	}
}

func TestService_SendResolvesSenderKindAndPublishes(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	pub := newRecordingPublisher()
	svc := newTestService(t, store, pub)
	ctx := context.Background()

	c, _ := svc.GetOrCreateConversationForReader(ctx, reader42)

	m, err := svc.SendMessage(ctx, reader42, c.ID, "  Hello  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.SenderKind != SenderReader || m.Content != "Hello" || m.SenderID != 42 {
		t.Fatalf("unexpected message: %+v", m)
	}
	got := pub.next(t)
	if got.conversationID != c.ID || got.msg.ID != m.ID {
		t.Fatalf("published %+v, want conversation %d message %d", got, c.ID, m.ID)
	}

	s, err := svc.SendMessage(ctx, staff7, c.ID, "Hi")
	if err != nil {
		t.Fatalf("staff send: %v", err)
	}
	if s.SenderKind != SenderStaff {
		t.Fatalf("staff message kind=%v want Staff", s.SenderKind)
	}
	_ = pub.next(t)
}

func TestService_PublishFailureDoesNotFailSend(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	pub := newRecordingPublisher()
	pub.err = errors.New("connection closed")
	svc := newTestService(t, store, pub)
	ctx := context.Background()

	c, _ := svc.GetOrCreateConversationForReader(ctx, reader42)
	m, err := svc.SendMessage(ctx, reader42, c.ID, "still saved")
	if err != nil {
		t.Fatalf("send must not fail on publish error: %v", err)
	}
	_ = pub.next(t)

	msgs, _ := store.ListMessages(ctx, c.ID)
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("expected the message to be persisted, got %+v", msgs)
	}
}

func TestService_SendSurvivesCanceledCaller(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	svc := newTestService(t, store, nil)

	c, _ := svc.GetOrCreateConversationForReader(context.Background(), reader42)

	// Authorization reads use the caller context, so cancel only after they have run:
	// the store append itself must ignore cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := svc.SendMessage(ctx, reader42, c.ID, "persisted"); err != nil {
		t.Fatalf("send: %v", err)
	}
	cancel()

	if _, err := svc.SendMessage(ctx, reader42, c.ID, "too late"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled before persistence starts, got %v", err)
	}
	msgs, _ := store.ListMessages(context.Background(), c.ID)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
}

func TestService_OrderingWithSimulatedClock(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemoryStore()
	svc := newTestService(t, store, nil, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	c, _ := svc.GetOrCreateConversationForReader(ctx, reader42)
	var sent []int64
	for _, text := range []string{"one", "two", "three"} {
		p := reader42
		if text == "two" {
			p = staff7
		}
		m, err := svc.SendMessage(ctx, p, c.ID, text)
		if err != nil {
			t.Fatalf("send %q: %v", text, err)
		}
		sent = append(sent, m.ID)
	}

	for round := 0; round < 2; round++ {
		msgs, err := svc.ListMessages(ctx, reader42, c.ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(msgs) != len(sent) {
			t.Fatalf("expected %d messages, got %d", len(sent), len(msgs))
		}
		for i := range sent {
			if msgs[i].ID != sent[i] || !msgs[i].CreatedAt.Equal(fixed) {
				t.Fatalf("round %d position %d: %+v", round, i, msgs[i])
			}
		}
	}
}

func TestService_ListConversationsWithNamesAndPreview(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	dir := identity.NewInMemoryDirectory(map[int64]string{42: "Ada Lovelace"})
	svc := newTestService(t, store, nil, WithDirectory(dir))
	ctx := context.Background()

	c42, _ := svc.GetOrCreateConversationForReader(ctx, reader42)
	if _, err := svc.GetOrCreateConversationForReader(ctx, reader43); err != nil {
		t.Fatalf("get-or-create 43: %v", err)
	}
	if _, err := svc.SendMessage(ctx, reader42, c42.ID, "Where is my book?"); err != nil {
		t.Fatalf("send: %v", err)
	}

	rows, err := svc.ListConversations(ctx, staff7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	byReader := map[int64]ConversationSummary{}
	for _, r := range rows {
		byReader[r.ReaderID] = r
	}
	if got := byReader[42]; got.ReaderName != "Ada Lovelace" || got.LastMessage == nil || got.LastMessage.Content != "Where is my book?" {
		t.Fatalf("unexpected row for 42: %+v", got)
	}
	if got := byReader[43]; got.ReaderName != "Reader #43" || got.LastMessage != nil {
		t.Fatalf("unexpected row for 43: %+v", got)
	}
}

func TestService_CustomStaffPolicy(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	svc := newTestService(t, store, nil, WithStaffPolicy(MustStaffPolicy("Admin")))
	ctx := context.Background()

	assistant := identity.Principal{AccountID: 9, Role: identity.RoleAssistant}
	if svc.IsStaff(assistant) {
		t.Fatalf("assistant must not be staff under an admin-only policy")
	}
	if got := svc.SenderKindFor(assistant); got != SenderReader {
		t.Fatalf("SenderKindFor(assistant)=%v want Reader", got)
	}
	if _, err := svc.ListConversations(ctx, assistant); !IsForbidden(err) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestService_EndToEndReaderAndStaff(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	pub := newRecordingPublisher()
	svc := newTestService(t, store, pub)
	ctx := context.Background()

	conv, err := svc.GetOrCreateConversationForReader(ctx, reader42)
	if err != nil {
		t.Fatalf("get-or-create: %v", err)
	}
	again, _ := svc.GetOrCreateConversationForReader(ctx, reader42)
	if again.ID != conv.ID {
		t.Fatalf("second get-or-create returned %d, want %d", again.ID, conv.ID)
	}

	hello, err := svc.SendMessage(ctx, reader42, conv.ID, "Hello")
	if err != nil {
		t.Fatalf("reader send: %v", err)
	}
	if hello.SenderKind != SenderReader {
		t.Fatalf("expected Reader kind")
	}

	staffView, err := svc.ListMessages(ctx, staff7, conv.ID)
	if err != nil {
		t.Fatalf("staff list: %v", err)
	}
	if len(staffView) != 1 || staffView[0].ID != hello.ID || staffView[0].Content != "Hello" {
		t.Fatalf("unexpected staff view: %+v", staffView)
	}

	reply, err := svc.SendMessage(ctx, staff7, conv.ID, "Hi, how can I help?")
	if err != nil {
		t.Fatalf("staff send: %v", err)
	}
	if reply.SenderKind != SenderStaff || reply.ID <= hello.ID {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	readerView, err := svc.ListMessages(ctx, reader42, conv.ID)
	if err != nil {
		t.Fatalf("reader list: %v", err)
	}
	if len(readerView) != 2 || readerView[0].ID != hello.ID || readerView[1].ID != reply.ID {
		t.Fatalf("unexpected reader view: %+v", readerView)
	}

	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(pub.ch) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pub.ch))
	}
}
