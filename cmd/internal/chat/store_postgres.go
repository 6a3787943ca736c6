package chat

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const pgUniqueViolation = "23505"

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. Close is a no-op.
//
// Concurrency model:
// - AppendMessage locks the conversation row (FOR UPDATE) so appends within one conversation are
//   serialized and created_at can be clamped to the latest existing message.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "libris").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "libris"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// ApplySchema creates the chat tables in the store's schema if they do not exist.
func (s *PostgresStore) ApplySchema(ctx context.Context) error {
	return ApplySchema(ctx, s.pool, s.schema)
}

// ApplySchema creates the chat tables in schema if they do not exist.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if !isValidPGIdent(schema) {
		return errors.New("chat: invalid schema identifier")
	}
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{schema}.Sanitize())
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("chat: apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, reader_id, created_at FROM `+s.table("conversations")+` WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.ReaderID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, NotFoundError{Op: "chat.GetConversation", Resource: "conversation", ID: id}
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("chat.GetConversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetConversationByReader(ctx context.Context, readerID int64) (Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, reader_id, created_at FROM `+s.table("conversations")+` WHERE reader_id = $1`,
		readerID,
	).Scan(&c.ID, &c.ReaderID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, NotFoundError{Op: "chat.GetConversationByReader", Resource: "reader", ID: readerID}
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("chat.GetConversationByReader: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, readerID int64, now time.Time) (Conversation, error) {
	if readerID <= 0 {
		return Conversation{}, ValidationError{Field: "readerId", Reason: "is required"}
	}
	if now.IsZero() {
		now = time.Now()
	}

	var c Conversation
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table("conversations")+` (reader_id, created_at) VALUES ($1, $2)
		 RETURNING id, reader_id, created_at`,
		readerID, now.UTC().Truncate(time.Microsecond),
	).Scan(&c.ID, &c.ReaderID, &c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Conversation{}, ConflictError{Op: "chat.CreateConversation", Field: "reader_id"}
		}
		return Conversation{}, fmt.Errorf("chat.CreateConversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.reader_id, c.created_at,
		        m.id, m.sender_id, m.sender_kind, m.content, m.created_at
		   FROM `+s.table("conversations")+` c
		   LEFT JOIN LATERAL (
		        SELECT id, sender_id, sender_kind, content, created_at
		          FROM `+s.table("messages")+`
		         WHERE conversation_id = c.id
		         ORDER BY created_at DESC, id DESC
		         LIMIT 1
		   ) m ON true
		  ORDER BY COALESCE(m.created_at, c.created_at) DESC, c.id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("chat.ListConversations: %w", err)
	}
	defer rows.Close()

	out := make([]ConversationSummary, 0, 16)
	for rows.Next() {
		var (
			sum      ConversationSummary
			msgID    *int64
			senderID *int64
			kind     *string
			content  *string
			msgAt    *time.Time
		)
		if err := rows.Scan(
			&sum.ID, &sum.ReaderID, &sum.CreatedAt,
			&msgID, &senderID, &kind, &content, &msgAt,
		); err != nil {
			return nil, fmt.Errorf("chat.ListConversations: %w", err)
		}
		if msgID != nil {
			k, err := ParseSenderKind(*kind)
			if err != nil {
				return nil, err
			}
			sum.LastMessage = &Message{
				ID:             *msgID,
				ConversationID: sum.ID,
				SenderID:       *senderID,
				SenderKind:     k,
				Content:        *content,
				CreatedAt:      *msgAt,
			}
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat.ListConversations: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id int64) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Explicit delete keeps the cascade visible even if the FK is ever relaxed.
	if _, err := tx.Exec(ctx, `DELETE FROM `+s.table("messages")+` WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("chat.DeleteConversation: messages: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM `+s.table("conversations")+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("chat.DeleteConversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: "chat.DeleteConversation", Resource: "conversation", ID: id}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	in, err := in.normalize()
	if err != nil {
		return Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var one int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM `+s.table("conversations")+` WHERE id = $1 FOR UPDATE`,
		in.ConversationID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, NotFoundError{Op: "chat.AppendMessage", Resource: "conversation", ID: in.ConversationID}
	}
	if err != nil {
		return Message{}, fmt.Errorf("chat.AppendMessage: lock: %w", err)
	}

	var latest *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT max(created_at) FROM `+s.table("messages")+` WHERE conversation_id = $1`,
		in.ConversationID,
	).Scan(&latest); err != nil {
		return Message{}, fmt.Errorf("chat.AppendMessage: latest: %w", err)
	}
	createdAt := in.Now
	if latest != nil && createdAt.Before(*latest) {
		createdAt = *latest
	}

	m := Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		SenderKind:     in.SenderKind,
		Content:        in.Content,
	}
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+s.table("messages")+` (conversation_id, sender_id, sender_kind, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		in.ConversationID, in.SenderID, in.SenderKind.String(), in.Content, createdAt,
	).Scan(&m.ID, &m.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("chat.AppendMessage: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	// Existence check keeps "empty conversation" distinct from "no such conversation".
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, sender_kind, content, created_at
		   FROM `+s.table("messages")+`
		  WHERE conversation_id = $1
		  ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("chat.ListMessages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 32)
	for rows.Next() {
		var (
			m    Message
			kind string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &kind, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat.ListMessages: %w", err)
		}
		if m.SenderKind, err = ParseSenderKind(kind); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat.ListMessages: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}
