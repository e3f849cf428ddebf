package chat

import (
	"slices"

	"github.com/sealor/ops-assistant/pkg/model"
)

// Phase is the turn controller's state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseStreaming
	PhaseFinalizing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhaseFinalizing:
		return "finalizing"
	}
	return "unknown"
}

// Gate is the action gate's state, independent of Phase.
type Gate int

const (
	GateReady Gate = iota
	GateConfirming
	GateRejecting
)

func (g Gate) String() string {
	switch g {
	case GateReady:
		return "ready"
	case GateConfirming:
		return "confirming"
	case GateRejecting:
		return "rejecting"
	}
	return "unknown"
}

// Snapshot is a copy of everything a UI needs to render the session.
type Snapshot struct {
	Phase          Phase
	Gate           Gate
	Messages       []model.Message
	StreamingText  string
	ActiveTools    []string
	CompletedTools []string
	ErrorTools     []string
	Error          string
	ConversationID string
	Conversations  []model.ConversationSummary
	ActiveModel    string
	ModelReason    string
	SubAgent       *model.SubAgentEvent
	Artifacts      []model.Artifact
}

func (s Snapshot) IsStreaming() bool {
	return s.Phase != PhaseIdle
}

func (s Snapshot) IsConfirming() bool {
	return s.Gate != GateReady
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	turn := s.turn.Clone()
	snap := Snapshot{
		Phase:          s.phase,
		Gate:           s.gate,
		Messages:       cloneMessages(s.messages),
		StreamingText:  turn.Text,
		ActiveTools:    turn.Active.Names(),
		CompletedTools: turn.Completed.Names(),
		ErrorTools:     turn.Errored.Names(),
		Error:          s.err,
		ConversationID: s.conversationID,
		ActiveModel:    s.activeModel,
		ModelReason:    s.modelReason,
		SubAgent:       turn.SubAgent,
		Artifacts:      slices.Clone(turn.Artifacts),
	}
	s.mu.Unlock()

	if s.store != nil {
		snap.Conversations = s.store.List()
	}
	return snap
}
