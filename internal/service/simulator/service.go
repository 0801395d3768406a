// Package simulator stands in for the workflow backend during development:
// it answers with an eino chat chain and emits the backend's event stream.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/wsuo/argochainhub-platform-sub001/internal/logging"
	"github.com/wsuo/argochainhub-platform-sub001/internal/model/workflow"
)

const (
	defaultSystemPrompt = "You are a helpful assistant. Answer concisely."
	historyLimit        = 10
	llmNodeID           = "llm"
)

// ErrMissingQuery is returned for requests without a query.
var ErrMissingQuery = errors.New("query is required")

// Request mirrors the backend's chat-messages body.
type Request struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id"`
	User           string         `json:"user"`
}

// Emit sends one event payload downstream.
type Emit func(payload any) error

// Option customises the service.
type Option func(*Service)

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(p string) Option {
	return func(s *Service) {
		if p != "" {
			s.systemPrompt = p
		}
	}
}

// WithWorkflowID sets the workflow id reported in events.
func WithWorkflowID(id string) Option {
	return func(s *Service) {
		if id != "" {
			s.workflowID = id
		}
	}
}

// Service runs the chat chain and keeps a short per-dialogue history.
type Service struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	systemPrompt string
	workflowID   string
	now          func() time.Time

	mu      sync.Mutex
	history map[string][]*schema.Message
}

// NewService compiles the prompt+model chain around chatModel.
func NewService(ctx context.Context, chatModel model.BaseChatModel, opts ...Option) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	s := &Service{
		chain:        runnable,
		systemPrompt: defaultSystemPrompt,
		workflowID:   "simulated-workflow",
		now:          time.Now,
		history:      make(map[string][]*schema.Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type envelope struct {
	Event          workflow.Kind `json:"event"`
	ConversationID string        `json:"conversation_id"`
	MessageID      string        `json:"message_id"`
	TaskID         string        `json:"task_id"`
	WorkflowRunID  string        `json:"workflow_run_id"`
	CreatedAt      int64         `json:"created_at"`
}

type dataEvent struct {
	envelope
	Data any `json:"data"`
}

type messageEvent struct {
	envelope
	Answer string `json:"answer"`
}

type messageEndEvent struct {
	envelope
	Metadata struct {
		Usage usagePayload `json:"usage"`
	} `json:"metadata"`
}

type usagePayload struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	TotalPrice       string  `json:"total_price"`
	Currency         string  `json:"currency"`
	Latency          float64 `json:"latency"`
}

type errorEvent struct {
	envelope
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run answers req, emitting workflow_started through message_end. The
// conversation id is minted when req has none. A model failure is emitted
// as an error event and returned.
func (s *Service) Run(ctx context.Context, req Request, emit Emit) error {
	if strings.TrimSpace(req.Query) == "" {
		return ErrMissingQuery
	}

	started := s.now()
	env := envelope{
		ConversationID: req.ConversationID,
		MessageID:      uuid.NewString(),
		TaskID:         uuid.NewString(),
		WorkflowRunID:  uuid.NewString(),
		CreatedAt:      started.Unix(),
	}
	if env.ConversationID == "" {
		env.ConversationID = uuid.NewString()
	}
	at := func(kind workflow.Kind) envelope {
		e := env
		e.Event = kind
		e.CreatedAt = s.now().Unix()
		return e
	}

	log := logging.With().
		Str("conversation_id", env.ConversationID).
		Str("user", req.User).
		Logger()

	if err := emit(dataEvent{envelope: at(workflow.KindWorkflowStarted), Data: map[string]any{
		"id":              env.WorkflowRunID,
		"workflow_id":     s.workflowID,
		"sequence_number": 1,
		"created_at":      env.CreatedAt,
	}}); err != nil {
		return err
	}

	node := map[string]any{
		"id":        uuid.NewString(),
		"node_id":   llmNodeID,
		"node_type": "llm",
		"title":     "LLM",
		"index":     1,
	}
	if err := emit(dataEvent{envelope: at(workflow.KindNodeStarted), Data: node}); err != nil {
		return err
	}

	answer, usage, err := s.stream(ctx, env.ConversationID, req, func(fragment string) error {
		return emit(messageEvent{envelope: at(workflow.KindMessage), Answer: fragment})
	})
	if err != nil {
		log.Error().Err(err).Msg("simulated workflow failed")
		_ = emit(errorEvent{envelope: at(workflow.KindError), Status: 500, Code: "model_error", Message: err.Error()})
		return err
	}

	elapsed := s.now().Sub(started).Seconds()
	finishedNode := make(map[string]any, len(node)+2)
	for k, v := range node {
		finishedNode[k] = v
	}
	finishedNode["status"] = "succeeded"
	finishedNode["elapsed_time"] = elapsed
	if err := emit(dataEvent{envelope: at(workflow.KindNodeFinished), Data: finishedNode}); err != nil {
		return err
	}

	if err := emit(dataEvent{envelope: at(workflow.KindWorkflowFinished), Data: map[string]any{
		"id":           env.WorkflowRunID,
		"workflow_id":  s.workflowID,
		"status":       "succeeded",
		"outputs":      map[string]any{"answer": answer},
		"elapsed_time": elapsed,
		"total_tokens": usage.TotalTokens,
		"total_steps":  1,
		"created_at":   env.CreatedAt,
		"finished_at":  s.now().Unix(),
	}}); err != nil {
		return err
	}

	end := messageEndEvent{envelope: at(workflow.KindMessageEnd)}
	usage.Latency = elapsed
	end.Metadata.Usage = usage
	if err := emit(end); err != nil {
		return err
	}

	log.Info().Int("answer_len", len(answer)).Int("total_tokens", usage.TotalTokens).Msg("simulated workflow finished")
	return nil
}

func (s *Service) stream(ctx context.Context, conversationID string, req Request, onFragment func(string) error) (string, usagePayload, error) {
	usage := usagePayload{TotalPrice: "0", Currency: "USD"}

	reader, err := s.chain.Stream(ctx, s.buildChainInput(conversationID, req))
	if err != nil {
		return "", usage, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	defer reader.Close()

	var answer strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", usage, fmt.Errorf("receive chain output: %w", err)
		}
		if chunk == nil {
			continue
		}
		if chunk.ResponseMeta != nil && chunk.ResponseMeta.Usage != nil {
			usage.PromptTokens = chunk.ResponseMeta.Usage.PromptTokens
			usage.CompletionTokens = chunk.ResponseMeta.Usage.CompletionTokens
			usage.TotalTokens = chunk.ResponseMeta.Usage.TotalTokens
		}
		if chunk.Content == "" {
			continue
		}
		answer.WriteString(chunk.Content)
		if err := onFragment(chunk.Content); err != nil {
			return "", usage, err
		}
	}

	s.remember(conversationID, req.Query, answer.String())
	return answer.String(), usage, nil
}

// buildChainInput creates the template variables for one turn.
func (s *Service) buildChainInput(conversationID string, req Request) map[string]any {
	return map[string]any{
		"system":  s.buildSystemPrompt(req.Inputs),
		"history": s.historyFor(conversationID),
		"query":   req.Query,
	}
}

func (s *Service) buildSystemPrompt(inputs map[string]any) string {
	if len(inputs) == 0 {
		return s.systemPrompt
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString(s.systemPrompt)
	builder.WriteString("\n\nWorkflow inputs:")
	for _, k := range keys {
		builder.WriteString(fmt.Sprintf("\n- %s: %v", k, inputs[k]))
	}
	return builder.String()
}

func (s *Service) historyFor(conversationID string) []*schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.history[conversationID]
	out := make([]*schema.Message, len(msgs))
	copy(out, msgs)
	return out
}

func (s *Service) remember(conversationID, query, answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.history[conversationID], schema.UserMessage(query), schema.AssistantMessage(answer, nil))
	if len(msgs) > historyLimit {
		msgs = msgs[len(msgs)-historyLimit:]
	}
	s.history[conversationID] = msgs
}

// Forget drops the stored history of a dialogue.
func (s *Service) Forget(conversationID string) {
	s.mu.Lock()
	delete(s.history, conversationID)
	s.mu.Unlock()
}
