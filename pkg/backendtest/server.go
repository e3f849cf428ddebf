// Package backendtest provides a scriptable in-process assistant backend for
// tests. It speaks the same event stream and JSON endpoints as the real one.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/sealor/ops-assistant/pkg/backend"
	"github.com/sealor/ops-assistant/pkg/model"
)

const (
	StreamPath        = "/api/ai/chat/stream"
	ConversationsPath = "/api/ai/conversations"
)

// Frame is written as "event: <Event>\ndata: <Data>\n\n". Raw, when set, is
// written verbatim instead.
type Frame struct {
	Event string
	Data  string
	Raw   string
}

// JSON builds a frame whose data line is v encoded as JSON.
func JSON(event string, v any) Frame {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return Frame{Event: event, Data: string(data)}
}

// Stream scripts the response to one chat request.
type Stream struct {
	Status int
	Error  string
	Frames []Frame

	// When Release is set the handler stops after HoldAfter frames, signals
	// Held and waits for Release or for the client to go away.
	HoldAfter int
	Held      chan struct{}
	Release   chan struct{}
}

type Server struct {
	*httptest.Server

	mu             sync.Mutex
	streams        []*Stream
	chatRequests   []backend.ChatRequest
	actionRequests []backend.ActionRequest
	actionStatus   int
	actionResponse backend.ActionResponse
	summaries      []model.ConversationSummary
	details        map[string]backend.ConversationDetail
	patches        map[string][]backend.ConversationPatch
	deleted        []string
	failures       map[string]int
	listRequests   int
}

func New(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{
		details:  make(map[string]backend.ConversationDetail),
		patches:  make(map[string][]backend.ConversationPatch),
		failures: make(map[string]int),
	}

	router := gin.New()
	router.POST(StreamPath, s.handleChat)
	router.GET(ConversationsPath, s.handleList)
	router.GET(ConversationsPath+"/:id", s.handleGet)
	router.PATCH(ConversationsPath+"/:id", s.handlePatch)
	router.DELETE(ConversationsPath+"/:id", s.handleDelete)

	s.Server = httptest.NewServer(router)
	t.Cleanup(s.Close)
	return s
}

// Options returns client options pointing at the fake.
func (s *Server) Options() backend.Options {
	return backend.Options{
		BaseURL:           s.URL,
		StreamPath:        StreamPath,
		ConversationsPath: ConversationsPath,
	}
}

// QueueStream appends a scripted response for the next chat request.
func (s *Server) QueueStream(stream *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = append(s.streams, stream)
}

func (s *Server) SetActionResponse(status int, resp backend.ActionResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actionStatus = status
	s.actionResponse = resp
}

func (s *Server) SetConversations(summaries []model.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = slices.Clone(summaries)
}

func (s *Server) SetConversation(detail backend.ConversationDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[detail.ID] = detail
}

// Fail makes every request to the named operation ("list", "get", "patch",
// "delete") answer with status. A zero status clears the failure.
func (s *Server) Fail(op string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, op)
		return
	}
	s.failures[op] = status
}

func (s *Server) ChatRequests() []backend.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chatRequests)
}

func (s *Server) ActionRequests() []backend.ActionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.actionRequests)
}

func (s *Server) Patches(id string) []backend.ConversationPatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.patches[id])
}

// ListRequests counts the conversation list requests received so far.
func (s *Server) ListRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRequests
}

func (s *Server) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.deleted)
}

func (s *Server) handleChat(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}

	var action backend.ActionRequest
	if err := json.Unmarshal(raw, &action); err == nil && (action.ConfirmAction != "" || action.RejectAction != "") {
		s.handleAction(c, action)
		return
	}

	var req backend.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message is required"})
		return
	}

	s.mu.Lock()
	s.chatRequests = append(s.chatRequests, req)
	var stream *Stream
	if len(s.streams) > 0 {
		stream = s.streams[0]
		s.streams = s.streams[1:]
	}
	s.mu.Unlock()

	if stream == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no scripted stream"})
		return
	}
	if stream.Status >= http.StatusBadRequest {
		c.JSON(stream.Status, gin.H{"error": stream.Error})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for i, frame := range stream.Frames {
		if stream.Release != nil && i == stream.HoldAfter {
			if !s.hold(c, stream) {
				return
			}
		}
		if frame.Raw != "" {
			fmt.Fprint(c.Writer, frame.Raw)
		} else {
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", frame.Event, frame.Data)
		}
		c.Writer.Flush()
	}
	if stream.Release != nil && stream.HoldAfter >= len(stream.Frames) {
		s.hold(c, stream)
	}
}

func (s *Server) hold(c *gin.Context, stream *Stream) bool {
	if stream.Held != nil {
		close(stream.Held)
	}
	select {
	case <-stream.Release:
		return true
	case <-c.Request.Context().Done():
		return false
	}
}

func (s *Server) handleAction(c *gin.Context, action backend.ActionRequest) {
	s.mu.Lock()
	s.actionRequests = append(s.actionRequests, action)
	status, resp := s.actionStatus, s.actionResponse
	s.mu.Unlock()

	if status >= http.StatusBadRequest {
		c.JSON(status, gin.H{"error": resp.Response})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) failure(c *gin.Context, op string) bool {
	s.mu.Lock()
	status, ok := s.failures[op]
	s.mu.Unlock()
	if ok {
		c.JSON(status, gin.H{"error": op + " failed"})
	}
	return ok
}

func (s *Server) handleList(c *gin.Context) {
	s.mu.Lock()
	s.listRequests++
	s.mu.Unlock()
	if s.failure(c, "list") {
		return
	}
	s.mu.Lock()
	summaries := slices.Clone(s.summaries)
	s.mu.Unlock()
	if summaries == nil {
		summaries = []model.ConversationSummary{}
	}
	c.JSON(http.StatusOK, summaries)
}

func (s *Server) handleGet(c *gin.Context) {
	if s.failure(c, "get") {
		return
	}
	s.mu.Lock()
	detail, ok := s.details[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) handlePatch(c *gin.Context) {
	var patch backend.ConversationPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	id := c.Param("id")
	s.mu.Lock()
	s.patches[id] = append(s.patches[id], patch)
	s.mu.Unlock()

	if s.failure(c, "patch") {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDelete(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	s.deleted = append(s.deleted, id)
	s.mu.Unlock()

	if s.failure(c, "delete") {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
