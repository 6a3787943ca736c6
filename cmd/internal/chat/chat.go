// Package chat implements the reader/staff chat channel: one conversation per reader, an
// append-only message log, and the domain service that authorizes every read and write.
//
// Stores persist; the Service is the only component that mutates chat state and the only
// one that hands persisted messages to the realtime fan-out.
package chat

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxContentRunes bounds message content after trimming.
const MaxContentRunes = 2000

// Conversation is the single persistent thread between one reader and library staff.
type Conversation struct {
	ID        int64     `json:"id"`
	ReaderID  int64     `json:"readerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConversationSummary is one row of the staff inbox.
type ConversationSummary struct {
	Conversation
	ReaderName  string   `json:"readerName"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}

// LastActivity is the time used to order the inbox.
func (s ConversationSummary) LastActivity() time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return s.CreatedAt
}

// Message is an immutable chat message.
type Message struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversationId"`
	SenderID       int64      `json:"senderId"`
	SenderKind     SenderKind `json:"senderType"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// SenderKind is the closed origin tag of a message, fixed at send time.
type SenderKind uint8

const (
	SenderUnknown SenderKind = iota
	SenderReader
	SenderStaff
)

func (k SenderKind) String() string {
	switch k {
	case SenderReader:
		return "Reader"
	case SenderStaff:
		return "Staff"
	default:
		return "Unknown"
	}
}

// Valid reports whether k is Reader or Staff.
func (k SenderKind) Valid() bool { return k == SenderReader || k == SenderStaff }

// ParseSenderKind is the inverse of String for the two valid kinds.
func ParseSenderKind(s string) (SenderKind, error) {
	switch s {
	case "Reader":
		return SenderReader, nil
	case "Staff":
		return SenderStaff, nil
	default:
		return SenderUnknown, fmt.Errorf("chat: unknown sender kind %q", s)
	}
}

func (k SenderKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("chat: cannot marshal sender kind %d", k)
	}
	return []byte(k.String()), nil
}

func (k *SenderKind) UnmarshalText(b []byte) error {
	v, err := ParseSenderKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// NormalizeContent trims s and enforces the non-empty and length rules.
func NormalizeContent(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if !utf8.ValidString(s) {
		return "", ValidationError{Field: "content", Reason: "must be valid UTF-8"}
	}
	if n := utf8.RuneCountInString(s); n > MaxContentRunes {
		return "", ValidationError{Field: "content", Reason: fmt.Sprintf("must be at most %d characters (got %d)", MaxContentRunes, n)}
	}
	return s, nil
}
