package chatapi

// sendMessageRequest only checks shape. Content rules live in chat.NormalizeContent so the HTTP
// and websocket send paths reject the same input in the same order.
type sendMessageRequest struct {
	ConversationID int64  `json:"conversationId" validate:"required,gt=0"`
	Content        string `json:"content"`
}
