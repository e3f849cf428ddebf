// Package conversation caches the conversation list and applies rename, pin
// and delete optimistically.
package conversation

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/sealor/ops-assistant/pkg/backend"
	"github.com/sealor/ops-assistant/pkg/metrics"
	"github.com/sealor/ops-assistant/pkg/model"
)

var ErrNotFound = errors.New("conversation: not found")

type Backend interface {
	ListConversations(ctx context.Context) ([]model.ConversationSummary, error)
	UpdateConversation(ctx context.Context, id string, patch backend.ConversationPatch) error
	DeleteConversation(ctx context.Context, id string) error
}

type Store struct {
	backend Backend
	log     zerolog.Logger
	metrics *metrics.Recorder
	refresh singleflight.Group

	mu        sync.Mutex
	summaries []model.ConversationSummary
	onChange  func()
}

func NewStore(b Backend, log zerolog.Logger, rec *metrics.Recorder) *Store {
	return &Store{
		backend: b,
		log:     log.With().Str("component", "conversation_store").Logger(),
		metrics: rec,
	}
}

// OnChange registers fn to be called after every change of the list.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Store) List() []model.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.summaries)
}

func (s *Store) Get(id string) (model.ConversationSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(id); i >= 0 {
		return s.summaries[i], true
	}
	return model.ConversationSummary{}, false
}

// Refresh reloads the list from the backend. Concurrent calls share one
// request. On failure the cached list is kept.
func (s *Store) Refresh(ctx context.Context) error {
	_, err, _ := s.refresh.Do("list", func() (any, error) {
		summaries, err := s.backend.ListConversations(ctx)
		s.metrics.StoreOp("list", err)
		if err != nil {
			s.log.Warn().Err(err).Msg("refresh conversation list")
			return nil, err
		}
		s.update(func() { s.summaries = summaries })
		return nil, nil
	})
	return err
}

// Rename shows title immediately and restores the previous title if the
// backend refuses it.
func (s *Store) Rename(ctx context.Context, id, title string) error {
	var previous *string
	known := false
	s.update(func() {
		if i := s.index(id); i >= 0 {
			known = true
			previous = s.summaries[i].Title
			s.summaries[i].Title = &title
		}
	})

	err := s.backend.UpdateConversation(ctx, id, backend.ConversationPatch{Title: &title})
	s.metrics.StoreOp("rename", err)
	if err != nil && known {
		s.update(func() {
			if i := s.index(id); i >= 0 {
				s.summaries[i].Title = previous
			}
		})
	}
	return err
}

// TogglePin flips the pinned flag immediately and flips it back if the
// backend refuses the change.
func (s *Store) TogglePin(ctx context.Context, id string) error {
	var pinned bool
	known := false
	s.update(func() {
		if i := s.index(id); i >= 0 {
			known = true
			pinned = !s.summaries[i].Pinned
			s.summaries[i].Pinned = pinned
		}
	})
	if !known {
		return ErrNotFound
	}

	err := s.backend.UpdateConversation(ctx, id, backend.ConversationPatch{Pinned: &pinned})
	s.metrics.StoreOp("pin", err)
	if err != nil {
		s.update(func() {
			if i := s.index(id); i >= 0 {
				s.summaries[i].Pinned = !pinned
			}
		})
	}
	return err
}

// Delete drops the summary locally whatever the backend answers; the
// backend error is returned for logging only.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.update(func() {
		if i := s.index(id); i >= 0 {
			s.summaries = slices.Delete(s.summaries, i, i+1)
		}
	})

	err := s.backend.DeleteConversation(ctx, id)
	s.metrics.StoreOp("delete", err)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", id).Msg("delete conversation")
	}
	return err
}

func (s *Store) update(fn func()) {
	s.mu.Lock()
	fn()
	onChange := s.onChange
	s.mu.Unlock()

	if onChange != nil {
		onChange()
	}
}

func (s *Store) index(id string) int {
	return slices.IndexFunc(s.summaries, func(c model.ConversationSummary) bool { return c.ID == id })
}
