package event

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sealor/ops-assistant/pkg/model"
	"github.com/sealor/ops-assistant/pkg/sse"
)

const defaultStreamError = "Stream error"

// ToolSet is an insertion-ordered set of tool names.
type ToolSet struct {
	names []string
}

func (s *ToolSet) Add(name string) {
	if !s.Has(name) {
		s.names = append(s.names, name)
	}
}

func (s *ToolSet) Remove(name string) {
	if i := slices.Index(s.names, name); i >= 0 {
		s.names = slices.Delete(s.names, i, i+1)
	}
}

func (s *ToolSet) Has(name string) bool {
	return slices.Contains(s.names, name)
}

func (s *ToolSet) Len() int {
	return len(s.names)
}

func (s *ToolSet) Names() []string {
	return slices.Clone(s.names)
}

func (s *ToolSet) Clear() {
	s.names = nil
}

// Turn is the in-memory state one streamed response builds up. Apply is the
// only mutator used while the stream is read; it is not safe for concurrent use.
type Turn struct {
	ConversationID string
	Model          string
	ModelReason    string
	Text           string

	Active    ToolSet
	Completed ToolSet
	Errored   ToolSet
	ToolsUsed []string

	PendingAction *model.PendingAction
	SubAgent      *model.SubAgentEvent
	Artifacts     []model.Artifact

	// Err is the last error message reported by the backend inside the stream.
	Err string
}

func NewTurn(conversationID string) *Turn {
	return &Turn{ConversationID: conversationID}
}

// ApplyFrame parses frame and applies it. A frame that cannot be parsed
// leaves the turn untouched and its error is returned for the caller to log.
func (t *Turn) ApplyFrame(frame sse.Frame) error {
	evt, err := Parse(frame)
	if err != nil {
		return err
	}
	t.Apply(evt)
	return nil
}

func (t *Turn) Apply(evt Event) {
	switch e := evt.(type) {
	case *MessageStartEvent:
		if e.ConversationID != "" {
			t.ConversationID = e.ConversationID
		}
		if e.Model != "" {
			t.Model = e.Model
			t.ModelReason = e.ModelReason
		}
	case *ContentDeltaEvent:
		t.Text += e.Text
	case *ToolUseEvent:
		t.Completed.Remove(e.Tool)
		t.Errored.Remove(e.Tool)
		t.Active.Add(e.Tool)
	case *ToolResultEvent:
		t.Active.Remove(e.Tool)
		switch e.Status {
		case StatusDone:
			t.Errored.Remove(e.Tool)
			t.Completed.Add(e.Tool)
			t.recordToolUse(e.Tool)
		case StatusError:
			t.Completed.Remove(e.Tool)
			t.Errored.Add(e.Tool)
			t.recordToolUse(e.Tool)
		}
	case *PendingActionEvent:
		action := e.PendingAction
		t.PendingAction = &action
	case *SubagentStartEvent:
		t.SubAgent = &model.SubAgentEvent{Agent: e.Agent, Task: e.Task}
	case *SubagentProgressEvent:
		if t.SubAgent == nil {
			t.SubAgent = &model.SubAgentEvent{Agent: e.Agent}
		}
		t.SubAgent.Step = e.Step
	case *SubagentDoneEvent:
		if t.SubAgent != nil {
			t.SubAgent.Success = e.Success
			t.SubAgent.Artifacts = e.Artifacts
			t.SubAgent.Error = e.Error
		}
		for _, artifact := range e.Artifacts {
			if artifact.Content == "" {
				continue
			}
			if artifact.ID == "" {
				artifact.ID = uuid.NewString()
			}
			t.addArtifact(artifact)
		}
	case *ArtifactEvent:
		t.addArtifact(model.Artifact{ID: e.ID, Type: e.Type, Title: e.Title, Content: e.Content})
	case *MessageDoneEvent:
		if e.ToolsUsed != nil {
			t.ToolsUsed = nil
			for _, tool := range e.ToolsUsed {
				t.recordToolUse(tool)
			}
		}
		if e.PendingAction != nil {
			action := *e.PendingAction
			t.PendingAction = &action
		}
	case *ErrorEvent:
		t.Err = e.Message
		if t.Err == "" {
			t.Err = defaultStreamError
		}
	}
}

func (t *Turn) recordToolUse(tool string) {
	if !slices.Contains(t.ToolsUsed, tool) {
		t.ToolsUsed = append(t.ToolsUsed, tool)
	}
}

func (t *Turn) addArtifact(artifact model.Artifact) {
	for _, existing := range t.Artifacts {
		if existing.ID == artifact.ID {
			return
		}
	}
	t.Artifacts = append(t.Artifacts, artifact)
}

// Produced reports whether the turn has anything worth keeping as a message.
func (t *Turn) Produced() bool {
	return t.Text != "" || len(t.ToolsUsed) > 0 || t.PendingAction != nil
}

// Message builds the assistant message for a finished turn. ok is false when
// the turn produced neither text, tool usage nor a pending action.
func (t *Turn) Message(now time.Time) (msg model.Message, ok bool) {
	if !t.Produced() {
		return model.Message{}, false
	}
	msg = model.Message{
		Role:        model.RoleAssistant,
		Content:     t.Text,
		ModelUsed:   t.Model,
		ModelReason: t.ModelReason,
		Timestamp:   now,
	}
	if len(t.ToolsUsed) > 0 {
		msg.ToolsUsed = slices.Clone(t.ToolsUsed)
	}
	if t.PendingAction != nil {
		action := *t.PendingAction
		msg.PendingAction = &action
	}
	return msg, true
}

// Fold applies frames in order and returns the frames that were skipped.
func Fold(t *Turn, frames []sse.Frame) (skipped []error) {
	for _, frame := range frames {
		if err := t.ApplyFrame(frame); err != nil {
			skipped = append(skipped, err)
		}
	}
	return skipped
}

// Clone returns a deep copy safe to hand to another goroutine.
func (t *Turn) Clone() *Turn {
	out := &Turn{
		ConversationID: t.ConversationID,
		Model:          t.Model,
		ModelReason:    t.ModelReason,
		Text:           t.Text,
		Active:         ToolSet{names: t.Active.Names()},
		Completed:      ToolSet{names: t.Completed.Names()},
		Errored:        ToolSet{names: t.Errored.Names()},
		ToolsUsed:      slices.Clone(t.ToolsUsed),
		Artifacts:      slices.Clone(t.Artifacts),
		Err:            t.Err,
	}
	if t.PendingAction != nil {
		action := *t.PendingAction
		out.PendingAction = &action
	}
	if t.SubAgent != nil {
		sub := *t.SubAgent
		sub.Artifacts = slices.Clone(t.SubAgent.Artifacts)
		out.SubAgent = &sub
	}
	return out
}
