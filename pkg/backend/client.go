// Package backend talks to the assistant's HTTP endpoints.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/sealor/ops-assistant/pkg/model"
)

const maxErrorBody = 64 * 1024

type Options struct {
	BaseURL           string
	StreamPath        string
	ConversationsPath string
	AuthToken         string
	Cookie            string
	// RequestTimeout bounds every call except the event stream, which runs
	// until the backend closes it or the caller cancels.
	RequestTimeout time.Duration
}

type Client struct {
	http              *resty.Client
	streamPath        string
	conversationsPath string
	timeout           time.Duration
}

func NewClient(opts Options, log zerolog.Logger) *Client {
	http := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetLogger(restyLogger{log: log})
	if opts.AuthToken != "" {
		http.SetAuthToken(opts.AuthToken)
	}
	if opts.Cookie != "" {
		http.SetHeader("Cookie", opts.Cookie)
	}
	http.OnAfterResponse(func(c *resty.Client, r *resty.Response) error {
		log.Debug().
			Str("client", "assistant-backend").
			Int("status", r.StatusCode()).
			Str("method", r.Request.Method).
			Str("url", r.Request.URL).
			Dur("latency", r.Time()).
			Msg("HTTP client request")
		return nil
	})

	return &Client{
		http:              http,
		streamPath:        opts.StreamPath,
		conversationsPath: strings.TrimRight(opts.ConversationsPath, "/"),
		timeout:           opts.RequestTimeout,
	}
}

// OpenStream posts a chat message and returns the event-stream body. The
// caller must close it; cancelling ctx aborts the read in progress.
func (c *Client) OpenStream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetBody(req).
		SetDoNotParseResponse(true).
		Post(c.streamPath)
	if err != nil {
		return nil, err
	}

	body := resp.RawBody()
	if resp.IsError() {
		defer body.Close()
		return nil, statusErrorFromBody(resp.StatusCode(), body)
	}
	if body == nil {
		return nil, errors.New("no response body")
	}
	return body, nil
}

func (c *Client) ResolveAction(ctx context.Context, req ActionRequest) (*ActionResponse, error) {
	var out ActionResponse
	if err := c.doJSON(ctx, c.http.R().SetBody(req).SetResult(&out), "POST", c.streamPath); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]model.ConversationSummary, error) {
	var out []model.ConversationSummary
	if err := c.doJSON(ctx, c.http.R().SetResult(&out), "GET", c.conversationsPath); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (*ConversationDetail, error) {
	var out ConversationDetail
	req := c.http.R().SetPathParam("id", id).SetResult(&out)
	if err := c.doJSON(ctx, req, "GET", c.conversationsPath+"/{id}"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error {
	req := c.http.R().SetPathParam("id", id).SetBody(patch)
	return c.doJSON(ctx, req, "PATCH", c.conversationsPath+"/{id}")
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	req := c.http.R().SetPathParam("id", id)
	return c.doJSON(ctx, req, "DELETE", c.conversationsPath+"/{id}")
}

func (c *Client) doJSON(ctx context.Context, req *resty.Request, method, path string) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var failure errorBody
	resp, err := req.SetContext(ctx).SetError(&failure).Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &StatusError{StatusCode: resp.StatusCode(), Message: failure.Error}
	}
	return nil
}

func statusErrorFromBody(status int, body io.Reader) error {
	statusErr := &StatusError{StatusCode: status}
	if body == nil {
		return statusErr
	}
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		return statusErr
	}
	var failure errorBody
	if json.Unmarshal(data, &failure) == nil {
		statusErr.Message = failure.Error
	}
	return statusErr
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

// restyLogger routes resty's own warnings into zerolog.
type restyLogger struct {
	log zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.log.Error().Msgf(strings.TrimSpace(format), v...)
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.log.Warn().Msgf(strings.TrimSpace(format), v...)
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.log.Debug().Msgf(strings.TrimSpace(format), v...)
}
