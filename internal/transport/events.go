package transport

import "github.com/minare/tokenchat-backend/internal/services"

// Wire event names. These are a compatibility surface shared with deployed
// clients; renaming any of them is a breaking protocol change.
const (
	// inbound
	EventSendMessage = "send_message"
	EventAbortStream = "abort_stream"

	// outbound
	EventConversationCreated = "conversation_created"
	EventTokenConsumed       = "token_consumed"
	EventSources             = "sources"
	EventStreamChunk         = "stream_chunk"
	EventStreamDone          = "stream_done"
	EventStreamError         = "stream_error"
	EventTokenRefunded       = "token_refunded"
	EventError               = "error"
)

// Envelope frames every websocket message in both directions.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// SendMessagePayload is the inbound send_message body.
type SendMessagePayload struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversationId,omitempty"`
}

type ConversationCreatedPayload struct {
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
}

type TokenConsumedPayload struct {
	RemainingBalance int64 `json:"remainingBalance"`
}

type SourcesPayload struct {
	Sources []services.SourceRef `json:"sources"`
}

type StreamChunkPayload struct {
	Content string `json:"content"`
}

type StreamDonePayload struct {
	Saved bool `json:"saved"`
}

type StreamErrorPayload struct {
	Message string `json:"message"`
}

type TokenRefundedPayload struct {
	Message string `json:"message"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
