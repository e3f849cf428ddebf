package chat_test

import (
	"context"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealor/ops-assistant/pkg/backend"
	"github.com/sealor/ops-assistant/pkg/backendtest"
	"github.com/sealor/ops-assistant/pkg/chat"
	"github.com/sealor/ops-assistant/pkg/conversation"
	"github.com/sealor/ops-assistant/pkg/model"
)

func strPtr(s string) *string { return &s }

func newSession(t *testing.T, opts ...chat.Option) (*chat.Session, *backendtest.Server) {
	t.Helper()
	srv := backendtest.New(t)
	bopts := srv.Options()
	bopts.RequestTimeout = 5 * time.Second
	client := backend.NewClient(bopts, zerolog.Nop())
	store := conversation.NewStore(client, zerolog.Nop(), nil)

	opts = append([]chat.Option{chat.WithLogger(zerolog.Nop())}, opts...)
	s := chat.New(client, store, opts...)
	t.Cleanup(s.Close)
	return s, srv
}

func salesStream() *backendtest.Stream {
	return &backendtest.Stream{Frames: []backendtest.Frame{
		backendtest.JSON("message_start", map[string]string{"conversation_id": "c1", "model": "sonnet", "model_reason": "analysis"}),
		backendtest.JSON("tool_use", map[string]string{"tool": "get_sales_summary", "status": "calling"}),
		backendtest.JSON("tool_result", map[string]string{"tool": "get_sales_summary", "status": "done"}),
		backendtest.JSON("content_delta", map[string]string{"text": "Sales were "}),
		backendtest.JSON("content_delta", map[string]string{"text": "$4,200."}),
		backendtest.JSON("message_done", map[string]any{"tools_used": []string{"get_sales_summary"}}),
	}}
}

func heldStream(frames ...backendtest.Frame) *backendtest.Stream {
	return &backendtest.Stream{
		Frames:    frames,
		HoldAfter: len(frames),
		Held:      make(chan struct{}),
		Release:   make(chan struct{}),
	}
}

func sendAsync(s *chat.Session, message string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), message, nil) }()
	return done
}

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		return nil
	}
}

func TestSendSalesQuestion(t *testing.T) {
	s, srv := newSession(t)
	srv.SetConversations([]model.ConversationSummary{{ID: "c1", Title: strPtr("Sales"), MessageCount: 2}})
	srv.QueueStream(salesStream())

	require.NoError(t, s.Send(context.Background(), "How were sales yesterday?", nil))

	snap := s.Snapshot()
	assert.Equal(t, chat.PhaseIdle, snap.Phase)
	assert.Equal(t, "c1", snap.ConversationID)
	assert.Equal(t, "sonnet", snap.ActiveModel)
	assert.Equal(t, "analysis", snap.ModelReason)
	assert.Empty(t, snap.StreamingText)
	assert.Empty(t, snap.ActiveTools)
	assert.Equal(t, []string{"get_sales_summary"}, snap.CompletedTools)
	assert.Empty(t, snap.Error)

	require.Len(t, snap.Messages, 2)
	assert.Equal(t, model.RoleUser, snap.Messages[0].Role)
	assert.Equal(t, "How were sales yesterday?", snap.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, snap.Messages[1].Role)
	assert.Equal(t, "Sales were $4,200.", snap.Messages[1].Content)
	assert.Equal(t, []string{"get_sales_summary"}, snap.Messages[1].ToolsUsed)
	assert.Equal(t, "sonnet", snap.Messages[1].ModelUsed)

	reqs := srv.ChatRequests()
	require.Len(t, reqs, 1)
	assert.Nil(t, reqs[0].ConversationID)

	assert.Eventually(t, func() bool {
		return len(s.Snapshot().Conversations) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSendCarriesConversationID(t *testing.T) {
	s, srv := newSession(t)
	srv.QueueStream(salesStream())
	srv.QueueStream(salesStream())

	require.NoError(t, s.Send(context.Background(), "first", nil))
	require.NoError(t, s.Send(context.Background(), "second", nil))

	reqs := srv.ChatRequests()
	require.Len(t, reqs, 2)
	require.NotNil(t, reqs[1].ConversationID)
	assert.Equal(t, "c1", *reqs[1].ConversationID)
	assert.Len(t, s.Snapshot().Messages, 4)
}

func TestSendWhileTurnActive(t *testing.T) {
	s, srv := newSession(t)
	stream := heldStream(backendtest.JSON("content_delta", map[string]string{"text": "working"}))
	srv.QueueStream(stream)

	done := sendAsync(s, "first")
	wait(t, stream.Held)

	err := s.Send(context.Background(), "second", nil)
	assert.ErrorIs(t, err, chat.ErrTurnActive)
	assert.ErrorIs(t, s.EditAndResend(context.Background(), 0, "edited"), chat.ErrTurnActive)
	assert.ErrorIs(t, s.RegenerateLastResponse(context.Background()), chat.ErrTurnActive)

	snap := s.Snapshot()
	assert.True(t, snap.IsStreaming())
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "first", snap.Messages[0].Content)

	close(stream.Release)
	require.NoError(t, waitErr(t, done))
	assert.Len(t, srv.ChatRequests(), 1)
	assert.Len(t, s.Snapshot().Messages, 2)
}

func TestStopDiscardsPartialText(t *testing.T) {
	s, srv := newSession(t)
	stream := heldStream(
		backendtest.JSON("message_start", map[string]string{"conversation_id": "c1"}),
		backendtest.JSON("tool_use", map[string]string{"tool": "get_inventory", "status": "calling"}),
		backendtest.JSON("content_delta", map[string]string{"text": "partial"}),
	)
	srv.QueueStream(stream)

	done := sendAsync(s, "stock levels?")
	wait(t, stream.Held)
	require.Eventually(t, func() bool {
		return s.Snapshot().StreamingText == "partial"
	}, 5*time.Second, 10*time.Millisecond)

	s.Stop()
	require.NoError(t, waitErr(t, done))

	snap := s.Snapshot()
	assert.Equal(t, chat.PhaseIdle, snap.Phase)
	assert.Empty(t, snap.StreamingText)
	assert.Empty(t, snap.ActiveTools)
	assert.Empty(t, snap.Error)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, model.RoleUser, snap.Messages[0].Role)
	assert.Equal(t, "c1", snap.ConversationID)
}

func TestSendFailureRollsBackUserMessage(t *testing.T) {
	s, srv := newSession(t)
	srv.QueueStream(salesStream())
	srv.QueueStream(&backendtest.Stream{Status: http.StatusTooManyRequests, Error: "Rate limit exceeded"})
	srv.QueueStream(&backendtest.Stream{Status: http.StatusBadGateway})

	require.NoError(t, s.Send(context.Background(), "first", nil))

	err := s.Send(context.Background(), "second", nil)
	require.Error(t, err)
	snap := s.Snapshot()
	assert.Equal(t, "Rate limit exceeded", snap.Error)
	assert.Equal(t, chat.PhaseIdle, snap.Phase)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "first", snap.Messages[0].Content)

	require.Error(t, s.Send(context.Background(), "third", nil))
	snap = s.Snapshot()
	assert.Equal(t, "HTTP 502", snap.Error)
	assert.Len(t, snap.Messages, 2)
}

func TestErrorFrameDoesNotEndTurn(t *testing.T) {
	s, srv := newSession(t)
	srv.QueueStream(&backendtest.Stream{Frames: []backendtest.Frame{
		backendtest.JSON("message_start", map[string]string{"conversation_id": "c1"}),
		backendtest.JSON("error", map[string]string{"message": "Model overloaded"}),
		{Event: "content_delta", Data: "{not json"},
		backendtest.JSON("content_delta", map[string]string{"text": "Recovered."}),
		backendtest.JSON("message_done", map[string]any{}),
	}})

	require.NoError(t, s.Send(context.Background(), "hi", nil))

	snap := s.Snapshot()
	assert.Equal(t, "Model overloaded", snap.Error)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "Recovered.", snap.Messages[1].Content)
}

func TestEmptyTurnAddsNoAssistantMessage(t *testing.T) {
	s, srv := newSession(t)
	srv.QueueStream(&backendtest.Stream{Frames: []backendtest.Frame{
		backendtest.JSON("message_start", map[string]string{"conversation_id": "c1"}),
		backendtest.JSON("message_done", map[string]any{}),
	}})

	require.NoError(t, s.Send(context.Background(), "hi", nil))
	assert.Len(t, s.Snapshot().Messages, 1)
}

func TestArtifactsDeduplicated(t *testing.T) {
	s, srv := newSession(t)
	srv.QueueStream(&backendtest.Stream{Frames: []backendtest.Frame{
		backendtest.JSON("message_start", map[string]string{"conversation_id": "c1"}),
		backendtest.JSON("artifact", map[string]string{"id": "r1", "type": "report", "title": "Labor", "content": "# Labor"}),
		backendtest.JSON("subagent_start", map[string]string{"agent": "analyst", "task": "labor report"}),
		backendtest.JSON("subagent_done", map[string]any{
			"agent":   "analyst",
			"success": true,
			"artifacts": []map[string]string{
				{"id": "r1", "type": "report", "content": "# Labor"},
				{"id": "r2", "type": "table", "content": "a|b"},
				{"id": "r3", "type": "table"},
			},
		}),
		backendtest.JSON("content_delta", map[string]string{"text": "Done."}),
	}})

	require.NoError(t, s.Send(context.Background(), "labor report", nil))

	snap := s.Snapshot()
	require.Len(t, snap.Artifacts, 2)
	assert.Equal(t, "r1", snap.Artifacts[0].ID)
	assert.Equal(t, "Labor", snap.Artifacts[0].Title)
	assert.Equal(t, "r2", snap.Artifacts[1].ID)
}

func TestSubAgentStatusClearedAfterDelay(t *testing.T) {
	s, srv := newSession(t, chat.WithSubAgentClearDelay(50*time.Millisecond))
	srv.QueueStream(&backendtest.Stream{Frames: []backendtest.Frame{
		backendtest.JSON("subagent_start", map[string]string{"agent": "analyst", "task": "forecast"}),
		backendtest.JSON("subagent_progress", map[string]string{"agent": "analyst", "step": "loading sales"}),
		backendtest.JSON("subagent_done", map[string]any{"agent": "analyst", "success": true}),
		backendtest.JSON("content_delta", map[string]string{"text": "Forecast ready."}),
	}})

	require.NoError(t, s.Send(context.Background(), "forecast", nil))

	sub := s.Snapshot().SubAgent
	require.NotNil(t, sub)
	assert.Equal(t, "analyst", sub.Agent)
	assert.Equal(t, "loading sales", sub.Step)
	require.NotNil(t, sub.Success)
	assert.True(t, *sub.Success)

	assert.Eventually(t, func() bool {
		return s.Snapshot().SubAgent == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStaleClearTimerIgnored(t *testing.T) {
	s, srv := newSession(t, chat.WithSubAgentClearDelay(100*time.Millisecond))
	srv.QueueStream(&backendtest.Stream{Frames: []backendtest.Frame{
		backendtest.JSON("subagent_start", map[string]string{"agent": "analyst"}),
		backendtest.JSON("content_delta", map[string]string{"text": "one"}),
	}})
	stream := heldStream(backendtest.JSON("subagent_start", map[string]string{"agent": "planner"}))
	srv.QueueStream(stream)

	require.NoError(t, s.Send(context.Background(), "first", nil))
	done := sendAsync(s, "second")
	wait(t, stream.Held)
	require.Eventually(t, func() bool {
		sub := s.Snapshot().SubAgent
		return sub != nil && sub.Agent == "planner"
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	sub := s.Snapshot().SubAgent
	require.NotNil(t, sub)
	assert.Equal(t, "planner", sub.Agent)

	close(stream.Release)
	require.NoError(t, waitErr(t, done))
}

func TestConfirmPendingAction(t *testing.T) {
	s, srv := newSession(t)
	srv.QueueStream(&backendtest.Stream{Frames: []backendtest.Frame{
		backendtest.JSON("message_start", map[string]string{"conversation_id": "c1"}),
		backendtest.JSON("pending_action", map[string]any{"id": "a1", "tool": "create_order", "description": "Order 10kg flour"}),
		backendtest.JSON("pending_action", map[string]any{"id": "a2", "tool": "create_order", "description": "Order 12kg flour"}),
		backendtest.JSON("content_delta", map[string]string{"text": "Shall I place the order?"}),
	}})
	require.NoError(t, s.Send(context.Background(), "order flour", nil))

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 2)
	require.NotNil(t, snap.Messages[1].PendingAction)
	assert.Equal(t, "a2", snap.Messages[1].PendingAction.ID)

	assert.ErrorIs(t, s.Confirm(context.Background(), "a1"), chat.ErrActionNotFound)
	assert.Empty(t, srv.ActionRequests())

	srv.SetActionResponse(http.StatusOK, backend.ActionResponse{
		Response:  "Order placed.",
		ToolsUsed: []string{"create_order"},
	})
	require.NoError(t, s.Confirm(context.Background(), "a2"))

	reqs := srv.ActionRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "a2", reqs[0].ConfirmAction)
	assert.Equal(t, "c1", reqs[0].ConversationID)

	snap = s.Snapshot()
	assert.Equal(t, chat.GateReady, snap.Gate)
	require.Len(t, snap.Messages, 3)
	assert.Nil(t, snap.Messages[1].PendingAction)
	assert.Equal(t, "Order placed.", snap.Messages[2].Content)
	assert.Equal(t, []string{"create_order"}, snap.Messages[2].ToolsUsed)
}

func TestRejectUsesDefaultText(t *testing.T) {
	s, srv := newSession(t)
	require.NoError(t, s.Restore("c1", []model.Message{
		{Role: model.RoleUser, Content: "order flour"},
		{Role: model.RoleAssistant, Content: "Confirm?", PendingAction: &model.PendingAction{ID: "a1", Tool: "create_order"}},
	}))
	srv.SetActionResponse(http.StatusOK, backend.ActionResponse{ToolsUsed: []string{"create_order"}})

	require.NoError(t, s.Reject(context.Background(), "a1"))

	reqs := srv.ActionRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "a1", reqs[0].RejectAction)
	assert.Empty(t, reqs[0].ConfirmAction)

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 3)
	assert.Nil(t, snap.Messages[1].PendingAction)
	assert.Equal(t, "Action cancelled.", snap.Messages[2].Content)
	assert.Empty(t, snap.Messages[2].ToolsUsed)
}

func TestConfirmFailureKeepsAction(t *testing.T) {
	s, srv := newSession(t)
	require.NoError(t, s.Restore("c1", []model.Message{
		{Role: model.RoleAssistant, Content: "Confirm?", PendingAction: &model.PendingAction{ID: "a1", Tool: "create_order"}},
	}))
	srv.SetActionResponse(http.StatusInternalServerError, backend.ActionResponse{Response: "Supplier unavailable"})

	require.Error(t, s.Confirm(context.Background(), "a1"))

	snap := s.Snapshot()
	assert.Equal(t, "Supplier unavailable", snap.Error)
	assert.Equal(t, chat.GateReady, snap.Gate)
	require.Len(t, snap.Messages, 1)
	require.NotNil(t, snap.Messages[0].PendingAction)
}

type blockingBackend struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBackend) OpenStream(ctx context.Context, req backend.ChatRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (b *blockingBackend) ResolveAction(ctx context.Context, req backend.ActionRequest) (*backend.ActionResponse, error) {
	close(b.entered)
	<-b.release
	return &backend.ActionResponse{Response: "ok"}, nil
}

func (b *blockingBackend) GetConversation(ctx context.Context, id string) (*backend.ConversationDetail, error) {
	return &backend.ConversationDetail{ID: id}, nil
}

func (b *blockingBackend) DeleteConversation(ctx context.Context, id string) error {
	return nil
}

func TestGateBusy(t *testing.T) {
	b := &blockingBackend{entered: make(chan struct{}), release: make(chan struct{})}
	s := chat.New(b, nil, chat.WithLogger(zerolog.Nop()))
	t.Cleanup(s.Close)
	require.NoError(t, s.Restore("c1", []model.Message{
		{Role: model.RoleAssistant, PendingAction: &model.PendingAction{ID: "a1", Tool: "create_order"}},
		{Role: model.RoleAssistant, PendingAction: &model.PendingAction{ID: "b1", Tool: "update_menu"}},
	}))

	done := make(chan error, 1)
	go func() { done <- s.Confirm(context.Background(), "a1") }()
	wait(t, b.entered)

	assert.True(t, s.Snapshot().IsConfirming())
	assert.Equal(t, chat.GateConfirming, s.Snapshot().Gate)
	assert.ErrorIs(t, s.Reject(context.Background(), "b1"), chat.ErrGateBusy)
	assert.ErrorIs(t, s.Confirm(context.Background(), "b1"), chat.ErrGateBusy)

	close(b.release)
	require.NoError(t, waitErr(t, done))

	snap := s.Snapshot()
	assert.False(t, snap.IsConfirming())
	assert.Nil(t, snap.Messages[0].PendingAction)
	assert.NotNil(t, snap.Messages[1].PendingAction)
}

func TestLoadConversation(t *testing.T) {
	s, srv := newSession(t)
	created := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	srv.SetConversation(backend.ConversationDetail{
		ID:    "c7",
		Title: strPtr("Rota"),
		Messages: []backend.StoredMessage{
			{Role: model.RoleUser, Content: "Who works Friday?", CreatedAt: created},
			{Role: model.RoleAssistant, Content: "Ana and Ben.", ToolsUsed: []string{"get_schedule"}, CreatedAt: created},
		},
	})

	require.NoError(t, s.LoadConversation(context.Background(), "c7"))

	snap := s.Snapshot()
	assert.Equal(t, "c7", snap.ConversationID)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "Ana and Ben.", snap.Messages[1].Content)
	assert.Equal(t, []string{"get_schedule"}, snap.Messages[1].ToolsUsed)
	assert.True(t, created.Equal(snap.Messages[0].Timestamp))

	err := s.LoadConversation(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, backend.IsStatus(err, http.StatusNotFound))

	snap = s.Snapshot()
	assert.Equal(t, "c7", snap.ConversationID)
	assert.Len(t, snap.Messages, 2)
	assert.Equal(t, "Conversation not found", snap.Error)
}

func TestNewConversationCancelsTurn(t *testing.T) {
	s, srv := newSession(t)
	stream := heldStream(backendtest.JSON("message_start", map[string]string{"conversation_id": "c1"}))
	srv.QueueStream(stream)

	done := sendAsync(s, "hello")
	wait(t, stream.Held)
	require.Eventually(t, func() bool {
		return s.Snapshot().ConversationID == "c1"
	}, 5*time.Second, 10*time.Millisecond)

	s.NewConversation()
	require.NoError(t, waitErr(t, done))

	snap := s.Snapshot()
	assert.Equal(t, chat.PhaseIdle, snap.Phase)
	assert.Empty(t, snap.ConversationID)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Error)
}

func TestDeleteActiveConversation(t *testing.T) {
	s, srv := newSession(t)
	srv.QueueStream(salesStream())
	require.NoError(t, s.Send(context.Background(), "sales?", nil))
	require.Equal(t, "c1", s.Snapshot().ConversationID)

	require.NoError(t, s.DeleteConversation(context.Background(), "other"))
	assert.Equal(t, "c1", s.Snapshot().ConversationID)

	srv.Fail("delete", http.StatusInternalServerError)
	require.Error(t, s.DeleteConversation(context.Background(), "c1"))

	snap := s.Snapshot()
	assert.Empty(t, snap.ConversationID)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, []string{"other", "c1"}, srv.Deleted())
}

func history() []model.Message {
	return []model.Message{
		{Role: model.RoleUser, Content: "q1"},
		{Role: model.RoleAssistant, Content: "a1"},
		{Role: model.RoleUser, Content: "q2", Attachments: []model.Attachment{{ID: "f1", Filename: "invoice.pdf", MimeType: "application/pdf"}}},
		{Role: model.RoleAssistant, Content: "a2"},
	}
}

func answer(text string) *backendtest.Stream {
	return &backendtest.Stream{Frames: []backendtest.Frame{
		backendtest.JSON("content_delta", map[string]string{"text": text}),
	}}
}

func contents(messages []model.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Content
	}
	return out
}

func TestEditAndResend(t *testing.T) {
	s, srv := newSession(t)
	require.NoError(t, s.Restore("c1", history()))
	srv.QueueStream(answer("new answer"))

	require.NoError(t, s.EditAndResend(context.Background(), 2, "q2 edited"))

	assert.Equal(t, []string{"q1", "a1", "q2 edited", "new answer"}, contents(s.Snapshot().Messages))
	reqs := srv.ChatRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "q2 edited", reqs[0].Message)
	assert.Empty(t, reqs[0].Attachments)
}

func TestEditAndResendClampsIndex(t *testing.T) {
	s, srv := newSession(t)
	require.NoError(t, s.Restore("c1", history()))
	srv.QueueStream(answer("x"))
	srv.QueueStream(answer("y"))

	require.NoError(t, s.EditAndResend(context.Background(), 99, "appended"))
	assert.Equal(t, []string{"q1", "a1", "q2", "a2", "appended", "x"}, contents(s.Snapshot().Messages))

	require.NoError(t, s.EditAndResend(context.Background(), -3, "fresh"))
	assert.Equal(t, []string{"fresh", "y"}, contents(s.Snapshot().Messages))
}

func TestRegenerateLastResponse(t *testing.T) {
	s, srv := newSession(t)
	require.NoError(t, s.Restore("c1", history()))
	srv.QueueStream(answer("a2 again"))

	require.NoError(t, s.RegenerateLastResponse(context.Background()))

	messages := s.Snapshot().Messages
	assert.Equal(t, []string{"q1", "a1", "q2", "a2 again"}, contents(messages))
	require.Len(t, messages[2].Attachments, 1)
	reqs := srv.ChatRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "q2", reqs[0].Message)
	require.Len(t, reqs[0].Attachments, 1)
	assert.Equal(t, "invoice.pdf", reqs[0].Attachments[0].Filename)
}

func TestRegenerateWithoutUserMessage(t *testing.T) {
	s, srv := newSession(t)
	require.NoError(t, s.Restore("", []model.Message{{Role: model.RoleAssistant, Content: "Welcome"}}))

	require.NoError(t, s.RegenerateLastResponse(context.Background()))
	assert.Empty(t, srv.ChatRequests())
	assert.Len(t, s.Snapshot().Messages, 1)
}

func TestDeleteMessage(t *testing.T) {
	s, _ := newSession(t)
	require.NoError(t, s.Restore("c1", history()))

	s.DeleteMessage(1)
	s.DeleteMessage(-1)
	s.DeleteMessage(10)

	assert.Equal(t, []string{"q1", "q2", "a2"}, contents(s.Snapshot().Messages))
}

func TestObserverSeesPhases(t *testing.T) {
	var (
		mu     sync.Mutex
		phases []chat.Phase
	)
	s, srv := newSession(t, chat.WithObserver(func(snap chat.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(phases) == 0 || phases[len(phases)-1] != snap.Phase {
			phases = append(phases, snap.Phase)
		}
	}))
	srv.QueueStream(salesStream())

	require.NoError(t, s.Send(context.Background(), "sales?", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, slices.Contains(phases, chat.PhaseSending))
	assert.True(t, slices.Contains(phases, chat.PhaseStreaming))
	assert.True(t, slices.Contains(phases, chat.PhaseFinalizing))
	assert.Equal(t, chat.PhaseIdle, phases[len(phases)-1])
}

func TestSendAfterClose(t *testing.T) {
	s, srv := newSession(t)
	s.Close()

	assert.ErrorIs(t, s.Send(context.Background(), "hello", nil), chat.ErrClosed)
	assert.Empty(t, srv.ChatRequests())
}

// closeHookBody runs onClose when the stream body is closed, which happens
// after the reader has already seen EOF.
type closeHookBody struct {
	io.Reader
	onClose func()
}

func (b *closeHookBody) Close() error {
	if b.onClose != nil {
		b.onClose()
	}
	return nil
}

type scriptedBackend struct {
	mu      sync.Mutex
	body    string
	onClose func()
	deleted []string
}

func (b *scriptedBackend) OpenStream(ctx context.Context, req backend.ChatRequest) (io.ReadCloser, error) {
	return &closeHookBody{Reader: strings.NewReader(b.body), onClose: b.onClose}, nil
}

func (b *scriptedBackend) ResolveAction(ctx context.Context, req backend.ActionRequest) (*backend.ActionResponse, error) {
	return &backend.ActionResponse{}, nil
}

func (b *scriptedBackend) GetConversation(ctx context.Context, id string) (*backend.ConversationDetail, error) {
	return nil, &backend.StatusError{StatusCode: http.StatusNotFound}
}

func (b *scriptedBackend) DeleteConversation(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, id)
	return nil
}

func TestStopAfterStreamEndedKeepsAnswer(t *testing.T) {
	b := &scriptedBackend{body: "event: message_start\ndata: {\"conversation_id\":\"c1\"}\n\n" +
		"event: content_delta\ndata: {\"text\":\"Covers are up 12%.\"}\n\n" +
		"event: message_done\ndata: {\"tools_used\":[\"get_covers\"]}\n\n"}
	s := chat.New(b, nil, chat.WithLogger(zerolog.Nop()))
	t.Cleanup(s.Close)
	b.onClose = s.Stop

	require.NoError(t, s.Send(context.Background(), "covers?", nil))

	messages := s.Snapshot().Messages
	require.Len(t, messages, 2)
	assert.Equal(t, "Covers are up 12%.", messages[1].Content)
	assert.Equal(t, []string{"get_covers"}, messages[1].ToolsUsed)
}

func TestCloseDuringFinalizeStopsBackgroundWork(t *testing.T) {
	var (
		s    *chat.Session
		once sync.Once
	)
	s, srv := newSession(t,
		chat.WithSubAgentClearDelay(20*time.Millisecond),
		chat.WithObserver(func(snap chat.Snapshot) {
			if snap.Phase == chat.PhaseFinalizing {
				once.Do(s.Close)
			}
		}),
	)
	srv.QueueStream(&backendtest.Stream{Frames: []backendtest.Frame{
		backendtest.JSON("message_start", map[string]string{"conversation_id": "c1"}),
		backendtest.JSON("subagent_start", map[string]string{"agent": "analyst"}),
		backendtest.JSON("content_delta", map[string]string{"text": "done"}),
	}})

	require.NoError(t, s.Send(context.Background(), "report", nil))
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, srv.ListRequests())
	assert.NotNil(t, s.Snapshot().SubAgent)
	assert.ErrorIs(t, s.Send(context.Background(), "again", nil), chat.ErrClosed)
}

func TestDeleteConversationWithoutStore(t *testing.T) {
	b := &scriptedBackend{}
	s := chat.New(b, nil, chat.WithLogger(zerolog.Nop()))
	t.Cleanup(s.Close)
	require.NoError(t, s.Restore("c1", history()))

	require.NoError(t, s.DeleteConversation(context.Background(), "c1"))

	assert.Equal(t, []string{"c1"}, b.deleted)
	snap := s.Snapshot()
	assert.Empty(t, snap.ConversationID)
	assert.Empty(t, snap.Messages)
}
