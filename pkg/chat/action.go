package chat

import (
	"context"

	"github.com/sealor/ops-assistant/pkg/backend"
	"github.com/sealor/ops-assistant/pkg/metrics"
	"github.com/sealor/ops-assistant/pkg/model"
)

const (
	confirmedText = "Action completed."
	rejectedText  = "Action cancelled."
)

// Confirm asks the backend to execute the pending action id. On success the
// action is cleared from the message that holds it and the backend's answer
// is appended as a new assistant message.
func (s *Session) Confirm(ctx context.Context, actionID string) error {
	return s.resolve(ctx, actionID, GateConfirming)
}

// Reject tells the backend to drop the pending action id.
func (s *Session) Reject(ctx context.Context, actionID string) error {
	return s.resolve(ctx, actionID, GateRejecting)
}

func (s *Session) resolve(ctx context.Context, actionID string, gate Gate) error {
	confirm := gate == GateConfirming
	decision := "reject"
	if confirm {
		decision = "confirm"
	}

	s.mu.Lock()
	if s.gate != GateReady {
		s.mu.Unlock()
		return ErrGateBusy
	}
	if s.findActionLocked(actionID) < 0 {
		s.mu.Unlock()
		return ErrActionNotFound
	}
	s.gate = gate
	s.err = ""
	req := backend.ActionRequest{ConversationID: s.conversationID}
	if confirm {
		req.ConfirmAction = actionID
	} else {
		req.RejectAction = actionID
	}
	s.mu.Unlock()
	s.notify()

	defer func() {
		s.mu.Lock()
		s.gate = GateReady
		s.mu.Unlock()
		s.notify()
	}()

	resp, err := s.backend.ResolveAction(ctx, req)
	if err != nil {
		s.log.Warn().Err(err).Str("action_id", actionID).Str("decision", decision).Msg("resolve action")
		s.metrics.ActionResolved(decision, metrics.OutcomeFailed)
		fallback := "Failed to cancel action"
		if confirm {
			fallback = "Failed to confirm action"
		}
		s.mu.Lock()
		s.err = errorText(err, fallback)
		s.mu.Unlock()
		return err
	}
	s.metrics.ActionResolved(decision, metrics.OutcomeCompleted)

	result := model.Message{
		Role:      model.RoleAssistant,
		Content:   resp.Response,
		Timestamp: s.now(),
	}
	if confirm {
		result.ToolsUsed = resp.ToolsUsed
		if result.Content == "" {
			result.Content = confirmedText
		}
	} else if result.Content == "" {
		result.Content = rejectedText
	}

	s.mu.Lock()
	// the history may have been edited while the request was out
	if i := s.findActionLocked(actionID); i >= 0 {
		s.messages[i].PendingAction = nil
	}
	s.messages = append(s.messages, result)
	s.mu.Unlock()
	return nil
}

func (s *Session) findActionLocked(actionID string) int {
	for i, msg := range s.messages {
		if msg.PendingAction != nil && msg.PendingAction.ID == actionID {
			return i
		}
	}
	return -1
}
