package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sealor/ops-assistant/pkg/chat"
	"github.com/sealor/ops-assistant/pkg/model"
	"github.com/sealor/ops-assistant/pkg/persistence"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant",
	Long: `Start an interactive chat. Lines starting with / are commands, see /help.
Ctrl-C stops the answer that is currently streaming.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringP("message", "m", "", "Send one message and exit")
	chatCmd.Flags().StringP("conversation", "c", "", "Load this conversation before chatting")
	chatCmd.Flags().String("session-file", "", "Use this file to save and resume chat sessions")
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	userMessage, _ := cmd.Flags().GetString("message")
	conversationID, _ := cmd.Flags().GetString("conversation")
	sessionFile, _ := cmd.Flags().GetString("session-file")
	ctx := cmd.Context()

	if a.cfg.MetricsAddr != "" {
		srv := serveMetrics(a)
		defer srv.Close()
	}

	interactive := userMessage == ""
	var w io.Writer = cmd.OutOrStdout()
	var t *term.Terminal
	if interactive {
		t = term.NewTerminal(os.Stdin, "> ")
		w = t
	}

	p := &printer{w: w}
	session := chat.New(a.client, a.store,
		chat.WithLogger(a.log),
		chat.WithMetrics(a.metrics),
		chat.WithSubAgentClearDelay(a.cfg.SubAgentClearDelay),
		chat.WithReadBufferSize(a.cfg.ReadBufferSize),
		chat.WithObserver(p.observe),
	)
	defer session.Close()

	if sessionFile != "" {
		saved, err := persistence.TryToResumeSession(sessionFile)
		if err != nil {
			return err
		}
		if err := session.Restore(saved.ConversationID, saved.Messages); err != nil {
			return err
		}
	}
	if conversationID != "" {
		if err := session.LoadConversation(ctx, conversationID); err != nil {
			return fmt.Errorf("load conversation %s: %w", conversationID, err)
		}
		if interactive {
			printMessages(w, session.Snapshot().Messages)
		}
	}
	if interactive {
		if err := session.RefreshConversations(ctx); err != nil {
			a.log.Warn().Err(err).Msg("list conversations")
		}
	}

	stopSignals := stopOnSignal(session)
	defer stopSignals()

	for {
		prompt := userMessage
		if interactive {
			var err error
			prompt, err = readLine(t)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
		}
		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			if !interactive {
				return errors.New("empty message")
			}
			continue
		}

		var turnErr error
		quit := false
		if strings.HasPrefix(prompt, "/") {
			quit, turnErr = runSlash(ctx, w, session, p, prompt)
			if turnErr != nil && interactive {
				fmt.Fprintln(w, "Error:", turnErr)
			}
		} else {
			p.begin()
			turnErr = session.Send(ctx, prompt, nil)
			p.finish(session.Snapshot(), turnErr)
			if turnErr != nil && interactive {
				fmt.Fprintln(w, "Error:", turnErr)
			}
		}

		if sessionFile != "" {
			snap := session.Snapshot()
			if err := persistence.SaveSession(sessionFile, persistence.NewSession(snap.ConversationID, snap.ActiveModel, snap.Messages)); err != nil {
				return err
			}
		}

		if !interactive {
			return turnErr
		}
		if quit {
			break
		}
	}
	return nil
}

func readLine(t *term.Terminal) (string, error) {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return "", err
	}

	width, height, err := term.GetSize(fd)
	if err == nil {
		t.SetSize(width, height)
	}

	line, err := t.ReadLine()
	if restoreErr := term.Restore(fd, oldState); restoreErr != nil && err == nil {
		err = restoreErr
	}
	return line, err
}

// stopOnSignal turns SIGINT and SIGTERM into Stop calls while the terminal is
// not in raw mode, i.e. while a turn is streaming.
func stopOnSignal(session *chat.Session) func() {
	signals := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case <-signals:
				session.Stop()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(signals)
		close(done)
	}
}

func serveMetrics(a *app) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Str("addr", a.cfg.MetricsAddr).Msg("metrics listener")
		}
	}()
	a.log.Info().Str("addr", a.cfg.MetricsAddr).Msg("serving metrics")
	return srv
}

const helpText = `Commands:
  /stop                 stop the streaming answer (or Ctrl-C)
  /confirm [id]         run the pending action (default: the latest)
  /reject [id]          cancel the pending action (default: the latest)
  /list                 list saved conversations
  /load <id>            open a saved conversation
  /new                  start a new conversation
  /delete [id]          delete a conversation (default: the current one)
  /rename <id> <title>  rename a conversation
  /pin [id]             pin or unpin a conversation (default: the current one)
  /history              show the messages with their index
  /edit <index> <text>  replace a message and everything after it
  /rm <index>           delete one message
  /regen                regenerate the last answer
  /artifacts            show reports found in the last answer
  /quit                 leave`

var errUsage = errors.New("invalid arguments, see /help")

// parseSlash splits "/name rest of line" into its command name and the
// trimmed remainder.
func parseSlash(line string) (name, rest string) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "/")
	name, rest, _ = strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(rest)
}

func runSlash(ctx context.Context, w io.Writer, s *chat.Session, p *printer, line string) (quit bool, err error) {
	name, rest := parseSlash(line)
	snap := s.Snapshot()

	switch name {
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		fmt.Fprintln(w, helpText)
	case "stop":
		s.Stop()
	case "confirm", "reject":
		id := rest
		if id == "" {
			id = latestPendingAction(snap.Messages)
		}
		if id == "" {
			return false, errors.New("no pending action")
		}
		if name == "confirm" {
			err = s.Confirm(ctx, id)
		} else {
			err = s.Reject(ctx, id)
		}
		if err != nil {
			return false, err
		}
		if messages := s.Snapshot().Messages; len(messages) > 0 {
			fmt.Fprintln(w, messages[len(messages)-1].Content)
		}
	case "list":
		if err := s.RefreshConversations(ctx); err != nil {
			return false, err
		}
		snap = s.Snapshot()
		printConversations(w, snap.Conversations, snap.ConversationID)
	case "load":
		if rest == "" {
			return false, errUsage
		}
		if err := s.LoadConversation(ctx, rest); err != nil {
			return false, err
		}
		printMessages(w, s.Snapshot().Messages)
	case "new":
		s.NewConversation()
		fmt.Fprintln(w, "Started a new conversation.")
	case "delete":
		id := rest
		if id == "" {
			id = snap.ConversationID
		}
		if id == "" {
			return false, errUsage
		}
		return false, s.DeleteConversation(ctx, id)
	case "rename":
		id, title, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(title) == "" {
			return false, errUsage
		}
		return false, s.RenameConversation(ctx, id, strings.TrimSpace(title))
	case "pin":
		id := rest
		if id == "" {
			id = snap.ConversationID
		}
		if id == "" {
			return false, errUsage
		}
		return false, s.TogglePinConversation(ctx, id)
	case "history":
		printMessages(w, snap.Messages)
	case "edit":
		index, text, ok := strings.Cut(rest, " ")
		i, convErr := strconv.Atoi(index)
		if !ok || convErr != nil || strings.TrimSpace(text) == "" {
			return false, errUsage
		}
		p.begin()
		err = s.EditAndResend(ctx, i, strings.TrimSpace(text))
		p.finish(s.Snapshot(), err)
		return false, err
	case "rm":
		i, convErr := strconv.Atoi(rest)
		if convErr != nil {
			return false, errUsage
		}
		s.DeleteMessage(i)
	case "regen":
		p.begin()
		err = s.RegenerateLastResponse(ctx)
		p.finish(s.Snapshot(), err)
		return false, err
	case "artifacts":
		printArtifacts(w, snap.Artifacts)
	default:
		return false, fmt.Errorf("unknown command /%s, see /help", name)
	}
	return false, nil
}

func latestPendingAction(messages []model.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if action := messages[i].PendingAction; action != nil {
			return action.ID
		}
	}
	return ""
}

func printMessages(w io.Writer, messages []model.Message) {
	for i, m := range messages {
		fmt.Fprintf(w, "[%d] %s: %s\n", i, m.Role, m.Content)
		if len(m.ToolsUsed) > 0 {
			fmt.Fprintf(w, "    tools: %s\n", strings.Join(m.ToolsUsed, ", "))
		}
		if a := m.PendingAction; a != nil {
			fmt.Fprintf(w, "    pending %s: %s %s\n", a.ID, a.Tool, a.Description)
		}
	}
}

func printArtifacts(w io.Writer, artifacts []model.Artifact) {
	if len(artifacts) == 0 {
		fmt.Fprintln(w, "No artifacts.")
		return
	}
	for _, a := range artifacts {
		title := a.Title
		if title == "" {
			title = a.ID
		}
		fmt.Fprintf(w, "== %s (%s)\n%s\n", title, a.Type, a.Content)
	}
}

// printer renders session snapshots incrementally: streamed text is written
// as it grows and every tool or sub-agent change gets its own line.
type printer struct {
	mu       sync.Mutex
	w        io.Writer
	printed  int
	tools    map[string]string
	subAgent string
}

func (p *printer) begin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed = 0
	p.tools = make(map[string]string)
	p.subAgent = ""
}

func (p *printer) observe(snap chat.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tools == nil || !snap.IsStreaming() {
		return
	}

	p.toolLines(snap.ActiveTools, "calling")
	p.toolLines(snap.CompletedTools, "done")
	p.toolLines(snap.ErrorTools, "failed")

	if sub := snap.SubAgent; sub != nil {
		if line := subAgentLine(sub); line != p.subAgent {
			p.subAgent = line
			fmt.Fprintln(p.w, line)
		}
	}

	if len(snap.StreamingText) > p.printed {
		fmt.Fprint(p.w, snap.StreamingText[p.printed:])
		p.printed = len(snap.StreamingText)
	}
}

func (p *printer) toolLines(tools []string, state string) {
	for _, tool := range tools {
		if p.tools[tool] != state {
			p.tools[tool] = state
			fmt.Fprintf(p.w, "[%s: %s]\n", tool, state)
		}
	}
}

// finish prints what the turn left behind. A failed turn is reported by the
// caller.
func (p *printer) finish(snap chat.Snapshot, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.tools = nil }()

	if p.printed > 0 {
		fmt.Fprintln(p.w)
	}
	if err != nil {
		return
	}
	if snap.Error != "" {
		fmt.Fprintln(p.w, "Error:", snap.Error)
	}

	n := len(snap.Messages)
	if n == 0 || snap.Messages[n-1].Role != model.RoleAssistant {
		if snap.Error == "" {
			fmt.Fprintln(p.w, "(stopped)")
		}
		return
	}
	last := snap.Messages[n-1]
	if p.printed == 0 && last.Content != "" {
		fmt.Fprintln(p.w, last.Content)
	}
	if a := last.PendingAction; a != nil {
		fmt.Fprintf(p.w, "Pending action %s: %s\n  %s\n  /confirm %s or /reject %s\n", a.ID, a.Tool, a.Description, a.ID, a.ID)
	}
	if len(snap.Artifacts) > 0 {
		fmt.Fprintf(p.w, "%d artifact(s), see /artifacts\n", len(snap.Artifacts))
	}
}

func subAgentLine(sub *model.SubAgentEvent) string {
	switch {
	case sub.Success != nil && *sub.Success:
		return fmt.Sprintf("<%s finished>", sub.Agent)
	case sub.Success != nil:
		return fmt.Sprintf("<%s failed: %s>", sub.Agent, sub.Error)
	case sub.Step != "":
		return fmt.Sprintf("<%s: %s>", sub.Agent, sub.Step)
	}
	return fmt.Sprintf("<%s: %s>", sub.Agent, sub.Task)
}
