// Package model holds the conversation types shared by the client packages
package model

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role          Role           `json:"role" yaml:"role"`
	Content       string         `json:"content" yaml:"content,omitempty"`
	Attachments   []Attachment   `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	ToolsUsed     []string       `json:"tools_used,omitempty" yaml:"tools_used,omitempty"`
	PendingAction *PendingAction `json:"pending_action,omitempty" yaml:"pending_action,omitempty"`
	ModelUsed     string         `json:"model_used,omitempty" yaml:"model_used,omitempty"`
	ModelReason   string         `json:"model_reason,omitempty" yaml:"model_reason,omitempty"`
	Timestamp     time.Time      `json:"timestamp" yaml:"timestamp"`
}

// Attachment is passed through to the backend untouched.
type Attachment struct {
	ID               string `json:"id" yaml:"id"`
	Filename         string `json:"filename" yaml:"filename"`
	MimeType         string `json:"mimeType" yaml:"mime_type"`
	FileSize         int64  `json:"fileSize,omitempty" yaml:"file_size,omitempty"`
	ProcessedContent string `json:"processedContent,omitempty" yaml:"processed_content,omitempty"`
	Base64           string `json:"base64,omitempty" yaml:"base64,omitempty"`
}

type PendingAction struct {
	ID          string         `json:"id" yaml:"id" validate:"required"`
	Tool        string         `json:"tool" yaml:"tool" validate:"required"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

type Artifact struct {
	ID      string `json:"id" yaml:"id"`
	Type    string `json:"type" yaml:"type"`
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
	Content string `json:"content" yaml:"content"`
}

// SubAgentEvent reflects the most recent status reported for a delegated agent.
type SubAgentEvent struct {
	Agent     string     `json:"agent"`
	Task      string     `json:"task,omitempty"`
	Step      string     `json:"step,omitempty"`
	Success   *bool      `json:"success,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type ConversationSummary struct {
	ID            string     `json:"id"`
	Title         *string    `json:"title"`
	MessageCount  int        `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at"`
	Pinned        bool       `json:"pinned"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (s ConversationSummary) DisplayTitle() string {
	if s.Title == nil || *s.Title == "" {
		return "Untitled"
	}
	return *s.Title
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.ToolsUsed != nil {
		out.ToolsUsed = append([]string(nil), m.ToolsUsed...)
	}
	if m.PendingAction != nil {
		action := *m.PendingAction
		out.PendingAction = &action
	}
	return out
}
