package chat

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sealor/ops-assistant/pkg/backend"
	"github.com/sealor/ops-assistant/pkg/event"
	"github.com/sealor/ops-assistant/pkg/metrics"
	"github.com/sealor/ops-assistant/pkg/model"
	"github.com/sealor/ops-assistant/pkg/sse"
)

type turnInput struct {
	history     []model.Message
	content     string
	attachments []model.Attachment
}

// planFunc derives the history a turn starts from and what it sends. It runs
// under the session lock; ok=false makes the turn a no-op.
type planFunc func(messages []model.Message) (in turnInput, ok bool)

// Send appends message to the history and streams the assistant's answer.
// It blocks until the turn completes, fails or is stopped. While another turn
// is running it returns ErrTurnActive and changes nothing. A stopped turn
// returns nil.
func (s *Session) Send(ctx context.Context, message string, attachments []model.Attachment) error {
	return s.runTurn(ctx, func(messages []model.Message) (turnInput, bool) {
		return turnInput{history: messages, content: message, attachments: attachments}, true
	})
}

// Stop cancels the running turn. The text streamed so far is discarded and no
// assistant message is added.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Session) runTurn(ctx context.Context, plan planFunc) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		return ErrTurnActive
	}
	in, ok := plan(s.messages)
	if !ok {
		s.mu.Unlock()
		return nil
	}

	userMsg := model.Message{
		Role:        model.RoleUser,
		Content:     in.content,
		Attachments: in.attachments,
		Timestamp:   s.now(),
	}
	s.messages = append(in.history, userMsg)
	s.stopClearTimerLocked()
	s.generation++
	generation := s.generation
	s.err = ""
	turn := event.NewTurn(s.conversationID)
	s.turn = turn
	turnCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.phase = PhaseSending

	req := backend.ChatRequest{Message: in.content, Attachments: in.attachments}
	if s.conversationID != "" {
		id := s.conversationID
		req.ConversationID = &id
	}
	s.mu.Unlock()
	s.notify()

	started := time.Now()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.phase = PhaseIdle
		s.mu.Unlock()
		s.notify()
	}()

	// A stop that lands after the body ended does not discard the answer.
	err := s.stream(turnCtx, generation, turn, req)
	switch {
	case err != nil && turnCtx.Err() != nil:
		s.cancelled(generation, turn)
		s.metrics.TurnFinished(metrics.OutcomeCancelled, time.Since(started).Seconds())
		return nil
	case err != nil:
		s.failed(generation, turn, userMsg, err)
		s.metrics.TurnFinished(metrics.OutcomeFailed, time.Since(started).Seconds())
		return err
	}

	s.finalize(generation, turn)
	s.metrics.TurnFinished(metrics.OutcomeCompleted, time.Since(started).Seconds())
	return nil
}

// stream opens the event stream and folds every complete frame into turn
// until the body ends or ctx is cancelled.
func (s *Session) stream(ctx context.Context, generation uint64, turn *event.Turn, req backend.ChatRequest) error {
	body, err := s.backend.OpenStream(ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()

	s.setPhase(generation, PhaseStreaming)

	var decoder sse.Decoder
	buf := make([]byte, s.readBufferSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if frames := decoder.Feed(buf[:n]); len(frames) > 0 {
				s.apply(generation, turn, frames)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (s *Session) apply(generation uint64, turn *event.Turn, frames []sse.Frame) {
	s.mu.Lock()
	current := s.generation == generation
	for _, frame := range frames {
		evt, err := event.Parse(frame)
		if err != nil {
			s.metrics.FrameSkipped(frame.Event)
			s.log.Debug().Err(err).Str("event", frame.Event).Msg("skipping frame")
			continue
		}
		s.metrics.FrameApplied(frame.Event)
		turn.Apply(evt)
		if !current {
			continue
		}

		switch e := evt.(type) {
		case *event.MessageStartEvent:
			if e.ConversationID != "" {
				s.conversationID = e.ConversationID
			}
			if e.Model != "" {
				s.activeModel = e.Model
				s.modelReason = e.ModelReason
			}
		case *event.ErrorEvent:
			s.err = turn.Err
		}
	}
	s.mu.Unlock()

	if current {
		s.notify()
	}
}

func (s *Session) finalize(generation uint64, turn *event.Turn) {
	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseFinalizing
	if msg, ok := turn.Message(s.now()); ok {
		s.messages = append(s.messages, msg)
	}
	turn.Text = ""
	turn.Active.Clear()
	s.scheduleSubAgentClearLocked(generation)
	conversationID := s.conversationID
	s.mu.Unlock()
	s.notify()

	s.log.Debug().
		Str("conversation_id", conversationID).
		Strs("tools_used", turn.ToolsUsed).
		Msg("turn finished")

	if conversationID != "" {
		s.refreshInBackground()
	}
}

func (s *Session) cancelled(generation uint64, turn *event.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation {
		return
	}
	turn.Text = ""
	turn.Active.Clear()
}

// failed records err and takes back the user message of this turn if it is
// still the last one in the history.
func (s *Session) failed(generation uint64, turn *event.Turn, userMsg model.Message, err error) {
	s.log.Warn().Err(err).Msg("turn failed")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation {
		return
	}
	s.err = errorText(err, "Unknown error")
	if n := len(s.messages); n > 0 && sameMessage(s.messages[n-1], userMsg) {
		s.messages = s.messages[:n-1]
	}
	turn.Text = ""
	turn.Active.Clear()
}

func (s *Session) setPhase(generation uint64, phase Phase) {
	s.mu.Lock()
	changed := s.generation == generation && s.phase != phase
	if changed {
		s.phase = phase
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func sameMessage(a, b model.Message) bool {
	return a.Role == b.Role && a.Content == b.Content && a.Timestamp.Equal(b.Timestamp)
}
