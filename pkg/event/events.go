// Package event turns decoded stream frames into typed events and folds them
// into the state of a single turn.
package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/sealor/ops-assistant/pkg/model"
	"github.com/sealor/ops-assistant/pkg/sse"
)

// Wire names of the stream events.
const (
	MessageStart     = "message_start"
	ContentDelta     = "content_delta"
	ToolUse          = "tool_use"
	ToolResult       = "tool_result"
	PendingAction    = "pending_action"
	SubagentStart    = "subagent_start"
	SubagentProgress = "subagent_progress"
	SubagentDone     = "subagent_done"
	ArtifactFound    = "artifact"
	MessageDone      = "message_done"
	StreamError      = "error"
)

const (
	StatusCalling = "calling"
	StatusDone    = "done"
	StatusError   = "error"
)

var ErrUnknownEvent = errors.New("event: unknown type")

var validate = validator.New()

// Event is one of the *Event payload types below.
type Event interface {
	Name() string
}

type MessageStartEvent struct {
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model"`
	ModelReason    string `json:"model_reason"`
}

type ContentDeltaEvent struct {
	Text string `json:"text" validate:"required"`
}

type ToolUseEvent struct {
	Tool   string `json:"tool" validate:"required"`
	Status string `json:"status" validate:"required,eq=calling"`
}

// ToolResultEvent ends a tool call. Only the done and error statuses mark
// the tool as used; any other status just ends the call.
type ToolResultEvent struct {
	Tool   string `json:"tool" validate:"required"`
	Status string `json:"status"`
}

type PendingActionEvent struct {
	model.PendingAction
}

type SubagentStartEvent struct {
	Agent string `json:"agent" validate:"required"`
	Task  string `json:"task"`
}

type SubagentProgressEvent struct {
	Agent string `json:"agent"`
	Step  string `json:"step" validate:"required"`
}

type SubagentDoneEvent struct {
	Agent     string           `json:"agent"`
	Success   *bool            `json:"success"`
	Artifacts []model.Artifact `json:"artifacts"`
	Error     string           `json:"error"`
}

type ArtifactEvent struct {
	ID      string `json:"id" validate:"required"`
	Type    string `json:"type" validate:"required"`
	Title   string `json:"title"`
	Content string `json:"content" validate:"required"`
}

// MessageDoneEvent closes a turn. A present tools_used, even an empty one,
// replaces the list accumulated from tool_result events.
type MessageDoneEvent struct {
	ToolsUsed     []string             `json:"tools_used"`
	PendingAction *model.PendingAction `json:"pending_action" validate:"omitempty"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

func (*MessageStartEvent) Name() string     { return MessageStart }
func (*ContentDeltaEvent) Name() string     { return ContentDelta }
func (*ToolUseEvent) Name() string          { return ToolUse }
func (*ToolResultEvent) Name() string       { return ToolResult }
func (*PendingActionEvent) Name() string    { return PendingAction }
func (*SubagentStartEvent) Name() string    { return SubagentStart }
func (*SubagentProgressEvent) Name() string { return SubagentProgress }
func (*SubagentDoneEvent) Name() string     { return SubagentDone }
func (*ArtifactEvent) Name() string         { return ArtifactFound }
func (*MessageDoneEvent) Name() string      { return MessageDone }
func (*ErrorEvent) Name() string            { return StreamError }

func newEvent(name string) (Event, bool) {
	switch name {
	case MessageStart:
		return &MessageStartEvent{}, true
	case ContentDelta:
		return &ContentDeltaEvent{}, true
	case ToolUse:
		return &ToolUseEvent{}, true
	case ToolResult:
		return &ToolResultEvent{}, true
	case PendingAction:
		return &PendingActionEvent{}, true
	case SubagentStart:
		return &SubagentStartEvent{}, true
	case SubagentProgress:
		return &SubagentProgressEvent{}, true
	case SubagentDone:
		return &SubagentDoneEvent{}, true
	case ArtifactFound:
		return &ArtifactEvent{}, true
	case MessageDone:
		return &MessageDoneEvent{}, true
	case StreamError:
		return &ErrorEvent{}, true
	}
	return nil, false
}

// Parse decodes the payload of frame into the event type its name selects
// and checks the fields that type requires.
func Parse(frame sse.Frame) (Event, error) {
	evt, ok := newEvent(frame.Event)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, frame.Event)
	}
	if err := json.Unmarshal([]byte(frame.Data), evt); err != nil {
		return nil, fmt.Errorf("event: decode %s: %w", frame.Event, err)
	}
	if err := validate.Struct(evt); err != nil {
		return nil, fmt.Errorf("event: invalid %s: %w", frame.Event, err)
	}
	return evt, nil
}
