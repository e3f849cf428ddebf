// Package chat drives a conversation with the assistant backend: it streams
// turns, tracks tool and sub-agent progress, resolves pending actions and
// edits the local history.
//
// A Session is safe for concurrent use. Only one turn runs at a time; Stop,
// Snapshot and the conversation operations may be called from any goroutine
// while a turn is streaming.
package chat

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sealor/ops-assistant/pkg/backend"
	"github.com/sealor/ops-assistant/pkg/conversation"
	"github.com/sealor/ops-assistant/pkg/event"
	"github.com/sealor/ops-assistant/pkg/logger"
	"github.com/sealor/ops-assistant/pkg/metrics"
	"github.com/sealor/ops-assistant/pkg/model"
)

const (
	defaultClearDelay     = 2 * time.Second
	defaultReadBufferSize = 4096
)

var (
	ErrTurnActive     = errors.New("chat: a turn is already in progress")
	ErrGateBusy       = errors.New("chat: an action is already being resolved")
	ErrActionNotFound = errors.New("chat: no message holds this action")
	ErrClosed         = errors.New("chat: session closed")
)

type Backend interface {
	OpenStream(ctx context.Context, req backend.ChatRequest) (io.ReadCloser, error)
	ResolveAction(ctx context.Context, req backend.ActionRequest) (*backend.ActionResponse, error)
	GetConversation(ctx context.Context, id string) (*backend.ConversationDetail, error)
	DeleteConversation(ctx context.Context, id string) error
}

type Option func(*Session)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) { s.log = log }
}

func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Session) { s.metrics = rec }
}

// WithSubAgentClearDelay sets how long the final sub-agent status stays
// visible after a turn ends.
func WithSubAgentClearDelay(d time.Duration) Option {
	return func(s *Session) { s.clearDelay = d }
}

func WithReadBufferSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.readBufferSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithObserver registers fn to receive a snapshot after every state change.
// fn runs on the goroutine that caused the change and must not block.
func WithObserver(fn func(Snapshot)) Option {
	return func(s *Session) { s.observer = fn }
}

type Session struct {
	backend        Backend
	store          *conversation.Store
	log            zerolog.Logger
	metrics        *metrics.Recorder
	now            func() time.Time
	clearDelay     time.Duration
	readBufferSize int
	observer       func(Snapshot)
	background     sync.WaitGroup

	mu             sync.Mutex
	phase          Phase
	gate           Gate
	messages       []model.Message
	conversationID string
	activeModel    string
	modelReason    string
	err            string
	turn           *event.Turn
	cancel         context.CancelFunc
	generation     uint64
	clearTimer     *time.Timer
	closed         bool
}

// New creates a session bound to no conversation. store may be nil when the
// conversation list is not needed.
func New(b Backend, store *conversation.Store, opts ...Option) *Session {
	s := &Session{
		backend:        b,
		store:          store,
		log:            logger.GetLogger(),
		now:            time.Now,
		clearDelay:     defaultClearDelay,
		readBufferSize: defaultReadBufferSize,
		turn:           event.NewTurn(""),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "chat").Logger()
	if store != nil {
		store.OnChange(s.notify)
	}
	return s
}

// NewConversation resets the session to an unsaved conversation. Nothing is
// sent to the backend until the first turn. A running turn is cancelled.
func (s *Session) NewConversation() {
	s.mu.Lock()
	s.abortTurnLocked()
	s.conversationID = ""
	s.messages = nil
	s.err = ""
	s.activeModel = ""
	s.modelReason = ""
	s.turn = event.NewTurn("")
	s.mu.Unlock()
	s.notify()
}

// LoadConversation replaces the message list with the persisted history of
// id. If the request fails the current history is left untouched.
func (s *Session) LoadConversation(ctx context.Context, id string) error {
	detail, err := s.backend.GetConversation(ctx, id)
	if err != nil {
		s.mu.Lock()
		s.err = errorText(err, "Failed to load conversation")
		s.mu.Unlock()
		s.notify()
		return err
	}

	messages := make([]model.Message, 0, len(detail.Messages))
	for _, stored := range detail.Messages {
		messages = append(messages, stored.ToMessage())
	}

	s.mu.Lock()
	s.abortTurnLocked()
	s.conversationID = detail.ID
	if s.conversationID == "" {
		s.conversationID = id
	}
	s.messages = messages
	s.err = ""
	s.turn = event.NewTurn(s.conversationID)
	s.mu.Unlock()
	s.notify()
	return nil
}

// Restore seeds the session with a previously saved transcript.
func (s *Session) Restore(conversationID string, messages []model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseIdle {
		return ErrTurnActive
	}
	s.conversationID = conversationID
	s.messages = cloneMessages(messages)
	s.turn = event.NewTurn(conversationID)
	return nil
}

// DeleteConversation removes the conversation from the list whatever the
// backend answers and resets the session if it was the active one. Without a
// store the request goes to the backend directly.
func (s *Session) DeleteConversation(ctx context.Context, id string) error {
	var err error
	if s.store != nil {
		err = s.store.Delete(ctx, id)
	} else if err = s.backend.DeleteConversation(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", id).Msg("delete conversation")
	}

	s.mu.Lock()
	active := s.conversationID == id
	s.mu.Unlock()
	if active {
		s.NewConversation()
	}
	return err
}

func (s *Session) RenameConversation(ctx context.Context, id, title string) error {
	if s.store == nil {
		return nil
	}
	return s.store.Rename(ctx, id, title)
}

func (s *Session) TogglePinConversation(ctx context.Context, id string) error {
	if s.store == nil {
		return nil
	}
	return s.store.TogglePin(ctx, id)
}

func (s *Session) RefreshConversations(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Refresh(ctx)
}

// Close cancels a running turn, drops the pending sub-agent cleanup and waits
// for background list refreshes to finish.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.abortTurnLocked()
	s.mu.Unlock()

	s.background.Wait()
}

// abortTurnLocked cancels the running turn, if any, and invalidates its
// remaining writes.
func (s *Session) abortTurnLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	s.stopClearTimerLocked()
}

func (s *Session) stopClearTimerLocked() {
	if s.clearTimer != nil {
		s.clearTimer.Stop()
		s.clearTimer = nil
	}
}

func (s *Session) scheduleSubAgentClearLocked(generation uint64) {
	s.stopClearTimerLocked()
	if s.closed {
		return
	}
	s.clearTimer = time.AfterFunc(s.clearDelay, func() {
		s.mu.Lock()
		if s.generation != generation || s.turn.SubAgent == nil {
			s.mu.Unlock()
			return
		}
		s.turn.SubAgent = nil
		s.clearTimer = nil
		s.mu.Unlock()
		s.notify()
	})
}

func (s *Session) refreshInBackground() {
	if s.store == nil {
		return
	}
	// Add under the lock so it cannot race the Wait in Close.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		_ = s.store.Refresh(context.Background())
	}()
}

func (s *Session) notify() {
	if s.observer == nil {
		return
	}
	s.observer(s.Snapshot())
}

func errorText(err error, fallback string) string {
	if err == nil || err.Error() == "" {
		return fallback
	}
	return err.Error()
}

func cloneMessages(messages []model.Message) []model.Message {
	if messages == nil {
		return nil
	}
	out := make([]model.Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out
}
