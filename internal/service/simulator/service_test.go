package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsuo/argochainhub-platform-sub001/internal/model/conversation"
	"github.com/wsuo/argochainhub-platform-sub001/internal/model/workflow"
)

type fakeModel struct {
	mu     sync.Mutex
	chunks []string
	err    error
	inputs [][]*schema.Message
}

func (m *fakeModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	var content string
	for _, c := range m.chunks {
		content += c
	}
	return schema.AssistantMessage(content, nil), nil
}

func (m *fakeModel) Stream(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	m.inputs = append(m.inputs, in)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	msgs := make([]*schema.Message, 0, len(m.chunks)+1)
	for _, c := range m.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	msgs = append(msgs, &schema.Message{
		Role: schema.Assistant,
		ResponseMeta: &schema.ResponseMeta{
			Usage: &schema.TokenUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
		},
	})
	return schema.StreamReaderFromArray(msgs), nil
}

func (m *fakeModel) BindTools([]*schema.ToolInfo) error { return nil }

func (m *fakeModel) lastInput() []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[len(m.inputs)-1]
}

func collect(t *testing.T, svc *Service, req Request) ([]workflow.Event, error) {
	t.Helper()
	var events []workflow.Event
	err := svc.Run(context.Background(), req, func(payload any) error {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		evt, err := workflow.Parse(data)
		require.NoError(t, err)
		events = append(events, evt)
		return nil
	})
	return events, err
}

func TestRunEmitsWorkflowStream(t *testing.T) {
	fm := &fakeModel{chunks: []string{"Hel", "lo"}}
	svc, err := NewService(context.Background(), fm)
	require.NoError(t, err)

	events, err := collect(t, svc, Request{Query: "hi", ConversationID: "up-1", Inputs: map[string]any{"lang": "en"}})
	require.NoError(t, err)

	kinds := make([]workflow.Kind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind())
		assert.Equal(t, "up-1", e.ConversationID())
	}
	assert.Equal(t, []workflow.Kind{
		workflow.KindWorkflowStarted,
		workflow.KindNodeStarted,
		workflow.KindMessage,
		workflow.KindMessage,
		workflow.KindNodeFinished,
		workflow.KindWorkflowFinished,
		workflow.KindMessageEnd,
	}, kinds)

	// the stream must fold into a coherent session
	s := conversation.NewSession("local", "hi", nil, "g", time.Now())
	for _, e := range events {
		s.Apply(e, time.Now())
	}
	assert.Equal(t, "Hello", s.Answer)
	require.NotNil(t, s.Usage)
	assert.Equal(t, 10, s.Usage.TotalTokens)
	require.NotNil(t, s.Workflow)
	assert.Equal(t, "succeeded", s.Workflow.Status)

	input := fm.lastInput()
	require.Len(t, input, 2)
	assert.Contains(t, input[0].Content, "lang: en")
	assert.Equal(t, "hi", input[1].Content)
}

func TestRunKeepsDialogueHistory(t *testing.T) {
	fm := &fakeModel{chunks: []string{"ok"}}
	svc, err := NewService(context.Background(), fm)
	require.NoError(t, err)

	first, err := collect(t, svc, Request{Query: "one"})
	require.NoError(t, err)
	id := first[0].ConversationID()
	require.NotEmpty(t, id)

	_, err = collect(t, svc, Request{Query: "two", ConversationID: id})
	require.NoError(t, err)
	input := fm.lastInput()
	require.Len(t, input, 4)
	assert.Equal(t, "one", input[1].Content)
	assert.Equal(t, "ok", input[2].Content)

	svc.Forget(id)
	_, err = collect(t, svc, Request{Query: "three", ConversationID: id})
	require.NoError(t, err)
	assert.Len(t, fm.lastInput(), 2)
}

func TestRunReportsModelFailure(t *testing.T) {
	fm := &fakeModel{err: errors.New("quota exceeded")}
	svc, err := NewService(context.Background(), fm)
	require.NoError(t, err)

	events, err := collect(t, svc, Request{Query: "hi"})
	require.Error(t, err)
	require.NotEmpty(t, events)

	last, ok := events[len(events)-1].(workflow.Error)
	require.True(t, ok)
	assert.Equal(t, "model_error", last.Code)
	assert.Contains(t, last.Message, "quota exceeded")
}

func TestRunRejectsEmptyQuery(t *testing.T) {
	svc, err := NewService(context.Background(), &fakeModel{})
	require.NoError(t, err)
	_, err = collect(t, svc, Request{Query: " "})
	assert.ErrorIs(t, err, ErrMissingQuery)
}
