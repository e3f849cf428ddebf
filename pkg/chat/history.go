package chat

import (
	"context"
	"slices"

	"github.com/sealor/ops-assistant/pkg/model"
)

// EditAndResend drops the message at index and everything after it, then
// sends content as a new turn. While a turn is running it returns
// ErrTurnActive and the history is left alone.
func (s *Session) EditAndResend(ctx context.Context, index int, content string) error {
	return s.runTurn(ctx, func(messages []model.Message) (turnInput, bool) {
		index = min(max(index, 0), len(messages))
		return turnInput{history: messages[:index], content: content}, true
	})
}

// DeleteMessage removes the message at index. Out of range indexes are
// ignored.
func (s *Session) DeleteMessage(index int) {
	s.mu.Lock()
	if index < 0 || index >= len(s.messages) {
		s.mu.Unlock()
		return
	}
	s.messages = slices.Delete(s.messages, index, index+1)
	s.mu.Unlock()
	s.notify()
}

// RegenerateLastResponse drops the last user message and everything after it
// and sends that message again with its attachments. Without a user message
// it does nothing.
func (s *Session) RegenerateLastResponse(ctx context.Context) error {
	return s.runTurn(ctx, func(messages []model.Message) (turnInput, bool) {
		last := -1
		for i, msg := range messages {
			if msg.Role == model.RoleUser {
				last = i
			}
		}
		if last < 0 {
			return turnInput{}, false
		}
		msg := messages[last]
		return turnInput{history: messages[:last], content: msg.Content, attachments: msg.Attachments}, true
	})
}
