package backend

import (
	"fmt"
	"time"

	"github.com/sealor/ops-assistant/pkg/model"
)

type ChatRequest struct {
	Message        string             `json:"message"`
	ConversationID *string            `json:"conversation_id"`
	Attachments    []model.Attachment `json:"attachments,omitempty"`
}

// ActionRequest resolves a pending action. Exactly one of ConfirmAction and
// RejectAction is set.
type ActionRequest struct {
	ConfirmAction  string `json:"confirm_action,omitempty"`
	RejectAction   string `json:"reject_action,omitempty"`
	ConversationID string `json:"conversation_id"`
}

type ActionResponse struct {
	Response       string   `json:"response"`
	ConversationID string   `json:"conversation_id,omitempty"`
	ToolsUsed      []string `json:"tools_used,omitempty"`
}

type ConversationDetail struct {
	ID       string          `json:"id"`
	Title    *string         `json:"title"`
	Pinned   bool            `json:"pinned"`
	Messages []StoredMessage `json:"messages"`
}

type StoredMessage struct {
	Role      model.Role `json:"role"`
	Content   string     `json:"content"`
	ToolsUsed []string   `json:"tools_used"`
	ModelUsed string     `json:"model_used,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ToMessage maps a persisted message onto the client representation.
func (m StoredMessage) ToMessage() model.Message {
	return model.Message{
		Role:      m.Role,
		Content:   m.Content,
		ToolsUsed: m.ToolsUsed,
		ModelUsed: m.ModelUsed,
		Timestamp: m.CreatedAt,
	}
}

type ConversationPatch struct {
	Title  *string `json:"title,omitempty"`
	Pinned *bool   `json:"pinned,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}
