// Package upstream talks to the streaming workflow backend.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wsuo/argochainhub-platform-sub001/internal/logging"
	"github.com/wsuo/argochainhub-platform-sub001/internal/model/workflow"
	"github.com/wsuo/argochainhub-platform-sub001/pkg/sse"
)

const (
	// DefaultPath is appended to the base URL when Config.Path is empty.
	DefaultPath = "/chat-messages"

	responseModeStreaming = "streaming"
	maxErrorBody          = 512
)

var (
	// ErrMissingQuery is returned when a request carries no query text.
	ErrMissingQuery = errors.New("query is required")
	// ErrTruncated is returned when the body ends before the [DONE] sentinel.
	ErrTruncated = errors.New("upstream stream ended without [DONE]")
)

// StatusError reports a non-2xx response from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.Code)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Code, e.Body)
}

// UpstreamError is a failure the backend reported in-band through an
// `error` event.
type UpstreamError struct {
	Status  int
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %s (status %d): %s", e.Code, e.Status, e.Message)
}

// Config locates the backend.
type Config struct {
	BaseURL string
	APIKey  string
	Path    string
}

// Request is one user turn.
type Request struct {
	Query  string
	Inputs map[string]any
	User   string
	// ConversationID continues an upstream dialogue when non-empty.
	ConversationID string
	ResponseMode   string
}

// Handlers observe one exchange. Every field is optional and all of them
// run on the caller's goroutine in stream order.
type Handlers struct {
	OnDelta    func(fragment string)
	OnEvent    func(evt workflow.Event)
	OnComplete func()
	OnError    func(err error)
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTracer sets the tracer used for exchange spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// Client streams answers from the backend. Do is safe for concurrent use;
// Stream shares one dialogue handle per Client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tracer     trace.Tracer

	mu             sync.Mutex
	conversationID string
}

// NewClient builds a client for cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg: cfg,
		// streaming responses may run for minutes; the caller's context bounds them
		httpClient: &http.Client{Timeout: 0},
		tracer:     otel.Tracer("github.com/wsuo/argochainhub-platform-sub001/upstream"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do runs one stateless exchange. On success OnComplete fires once and nil
// is returned; on failure OnError fires once with the returned error.
func (c *Client) Do(ctx context.Context, req Request, h Handlers) error {
	_, err := c.exchange(ctx, req, h)
	return err
}

// Stream runs an exchange that continues the client's current dialogue and
// remembers the dialogue id the backend reports.
func (c *Client) Stream(ctx context.Context, req Request, h Handlers) error {
	if req.ConversationID == "" {
		req.ConversationID = c.ConversationID()
	}

	seen, err := c.exchange(ctx, req, h)
	if seen != "" {
		c.mu.Lock()
		c.conversationID = seen
		c.mu.Unlock()
	}
	return err
}

// ConversationID returns the current dialogue handle.
func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// ResetConversation makes the next Stream call start a fresh dialogue.
func (c *Client) ResetConversation() {
	c.mu.Lock()
	c.conversationID = ""
	c.mu.Unlock()
}

type requestBody struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id"`
	User           string         `json:"user"`
}

// exchange returns the last non-empty conversation id observed.
func (c *Client) exchange(ctx context.Context, req Request, h Handlers) (seen string, err error) {
	ctx, span := c.tracer.Start(ctx, "upstream.exchange", trace.WithAttributes(
		attribute.String("upstream.user", req.User),
		attribute.Bool("upstream.continued", req.ConversationID != ""),
	))
	defer span.End()

	started := time.Now()
	events := 0
	log := logging.With().Str("user", req.User).Logger()

	fail := func(cause error) (string, error) {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		span.SetAttributes(attribute.Int("upstream.events", events))
		log.Error().Err(cause).Int("events", events).Msg("upstream exchange failed")
		if h.OnError != nil {
			h.OnError(cause)
		}
		return seen, cause
	}
	complete := func() (string, error) {
		span.SetAttributes(attribute.Int("upstream.events", events))
		span.SetStatus(codes.Ok, "")
		log.Debug().Int("events", events).Dur("elapsed", time.Since(started)).Msg("upstream exchange complete")
		if h.OnComplete != nil {
			h.OnComplete()
		}
		return seen, nil
	}

	if strings.TrimSpace(req.Query) == "" {
		return fail(ErrMissingQuery)
	}

	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return fail(err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fail(fmt.Errorf("send upstream request: %w", err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fail(&StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	dec := sse.NewDecoder(resp.Body)
	for {
		frame, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fail(ErrTruncated)
			}
			var frameErr *sse.FrameError
			if errors.As(err, &frameErr) {
				log.Warn().Err(frameErr.Err).Int("line", frameErr.Line).Msg("skipping malformed frame")
				continue
			}
			return fail(fmt.Errorf("read upstream stream: %w", err))
		}

		if frame.Done {
			return complete()
		}

		evt, err := workflow.Parse(frame.Data)
		if err != nil {
			log.Warn().Err(err).Int("line", frame.Line).Msg("skipping unclassifiable frame")
			continue
		}
		events++

		if id := evt.ConversationID(); id != "" {
			seen = id
		}

		if msg, ok := evt.(workflow.Message); ok && h.OnDelta != nil {
			h.OnDelta(msg.Answer)
		}
		if h.OnEvent != nil {
			h.OnEvent(evt)
		}

		if e, ok := evt.(workflow.Error); ok {
			return fail(&UpstreamError{Status: e.Status, Code: e.Code, Message: e.Message})
		}
	}
}

func (c *Client) newHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	mode := req.ResponseMode
	if mode == "" {
		mode = responseModeStreaming
	}

	payload, err := json.Marshal(requestBody{
		Inputs:         inputs,
		Query:          req.Query,
		ResponseMode:   mode,
		ConversationID: req.ConversationID,
		User:           req.User,
	})
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.Path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return httpReq, nil
}
