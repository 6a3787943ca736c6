package v1

import "time"

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload identifies the websocket session and the authenticated account.
type HelloAckPayload struct {
	SessionID  string `json:"sessionId"`
	AccountID  int64  `json:"accountId"`
	SenderType string `json:"senderType"`
}

// RoomPayload addresses one conversation room (join, leave and their confirmations).
type RoomPayload struct {
	ConversationID int64 `json:"conversationId"`
}

// MessageSendPayload mirrors the HTTP send-message body.
// ClientMsgID is echoed back in the ack so clients can reconcile optimistic rows.
type MessageSendPayload struct {
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
}

// Message is the transport representation of a persisted chat message.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	SenderID       int64     `json:"senderId"`
	SenderType     string    `json:"senderType"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// MessageAckPayload returns the persisted message to the sending connection.
type MessageAckPayload struct {
	ClientMsgID string  `json:"clientMsgId,omitempty"`
	Message     Message `json:"message"`
}

// MessageReceivedPayload is pushed to every connection joined to the message's room.
type MessageReceivedPayload struct {
	Message Message `json:"message"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
