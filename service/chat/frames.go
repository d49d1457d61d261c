package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"

	"chatgate/service/message"
	"chatgate/service/user"
)

// Inbound frame types.
const (
	FrameAuth            = "auth"
	FrameSendMessage     = "send_message"
	FrameMarkRead        = "mark_read"
	FrameGetConversation = "get_conversation"
	FrameSearchUsers     = "search_users"
	FrameFriendRequest   = "send_friend_request"
	FrameTyping          = "typing"
	FrameStopTyping      = "stop_typing"
	FramePing            = "ping"
)

// Outbound frame types.
const (
	FrameConnected           = "connected"
	FrameMessageSent         = "message_sent"
	FrameNewMessage          = "new_message"
	FrameMessageRead         = "message_read"
	FrameConversationRead    = "conversation_read"
	FrameConversationHistory = "conversation_history"
	FrameSearchResults       = "search_results"
	FrameFriendAdded         = "friend_added"
	FrameUserTyping          = "user_typing"
	FrameUserStopTyping      = "user_stop_typing"
	FrameFriendStatusUpdate  = "friend_status_update"
	FrameError               = "error"
	FrameHeartbeatAck        = "heartbeat_ack"
)

// Frame is the wire envelope in both directions: a type tag plus an
// untyped payload object. Payloads are decoded per handler.
type Frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}

// marshalFrame builds an outbound frame.
func marshalFrame(frameType string, data any) []byte {
	raw, err := json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: frameType, Data: data})
	if err != nil {
		return []byte(`{"type":"error","data":{"message":"internal error"}}`)
	}
	return raw
}

func errorFrame(msg string) []byte {
	return marshalFrame(FrameError, map[string]string{"message": msg})
}

// ---- inbound payloads ----

type authPayload struct {
	Token string `json:"token" validate:"required"`
}

// peer user ids exclude ":" (0x3A), the conversation-id separator

type sendMessagePayload struct {
	ReceiverID string `json:"receiver_id" validate:"required,excludesall=0x3A"`
	Content    string `json:"content" validate:"required"`
	Type       string `json:"type"`
}

// one of MessageID / ConversationID must be set; checked in the handler
type markReadPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

type getConversationPayload struct {
	UserID string `json:"user_id" validate:"required,excludesall=0x3A"`
	Page   int    `json:"page"`
	Limit  int    `json:"limit"`
}

type searchUsersPayload struct {
	Query string `json:"query" validate:"required"`
	Limit int    `json:"limit"`
}

type friendRequestPayload struct {
	UserID string `json:"user_id" validate:"required,excludesall=0x3A"`
}

type typingPayload struct {
	ReceiverID string `json:"receiver_id" validate:"required,excludesall=0x3A"`
}

// ---- outbound payload shapes ----

// wireMessage is the client-visible view of a persisted message.
type wireMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"created_at"`
}

func toWireMessage(m message.Message) wireMessage {
	return wireMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Type:           m.MessageType,
		Status:         m.StatusText(),
		CreatedAt:      m.CreatedAt.UnixMilli(),
	}
}

func toWireMessages(msgs []message.Message) []wireMessage {
	return lo.Map(msgs, func(m message.Message, _ int) wireMessage { return toWireMessage(m) })
}

func connectedFrame(userID, connID, instanceID string) []byte {
	return marshalFrame(FrameConnected, map[string]any{
		"user_id":     userID,
		"conn_id":     connID,
		"instance_id": instanceID,
		"server_time": time.Now().UnixMilli(),
	})
}

func historyFrame(conversationID string, page int, msgs []message.Message) []byte {
	return marshalFrame(FrameConversationHistory, map[string]any{
		"conversation_id": conversationID,
		"page":            page,
		"messages":        toWireMessages(msgs),
	})
}

func searchResultsFrame(query string, results []user.Profile) []byte {
	return marshalFrame(FrameSearchResults, map[string]any{
		"query":   query,
		"results": results,
	})
}
