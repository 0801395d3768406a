package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClassifiesKnownKinds(t *testing.T) {
	cases := []struct {
		payload string
		kind    Kind
		check   func(t *testing.T, evt Event)
	}{
		{
			payload: `{"event":"workflow_started","conversation_id":"up-1","workflow_run_id":"run-1","data":{"id":"run-1","workflow_id":"wf-1","sequence_number":3}}`,
			kind:    KindWorkflowStarted,
			check: func(t *testing.T, evt Event) {
				e := evt.(WorkflowStarted)
				assert.Equal(t, "up-1", e.ConversationID())
				assert.Equal(t, "wf-1", e.Data.WorkflowID)
				assert.Equal(t, 3, e.Data.SequenceNumber)
			},
		},
		{
			payload: `{"event":"node_started","data":{"node_id":"llm","node_type":"llm","title":"LLM","index":2}}`,
			kind:    KindNodeStarted,
			check: func(t *testing.T, evt Event) {
				assert.Equal(t, "llm", evt.(NodeStarted).Data.NodeID)
			},
		},
		{
			payload: `{"event":"node_finished","data":{"node_id":"llm","status":"succeeded","elapsed_time":1.5}}`,
			kind:    KindNodeFinished,
			check: func(t *testing.T, evt Event) {
				assert.Equal(t, 1.5, evt.(NodeFinished).Data.ElapsedTime)
			},
		},
		{
			payload: `{"event":"message","answer":"Hel","conversation_id":"up-1"}`,
			kind:    KindMessage,
			check: func(t *testing.T, evt Event) {
				assert.Equal(t, "Hel", evt.(Message).Answer)
			},
		},
		{
			payload: `{"event":"error","status":400,"code":"invalid_param","message":"bad query"}`,
			kind:    KindError,
			check: func(t *testing.T, evt Event) {
				e := evt.(Error)
				assert.Equal(t, 400, e.Status)
				assert.Equal(t, "bad query", e.Message)
			},
		},
		{
			payload: `{"event":"ping"}`,
			kind:    KindPing,
		},
		{
			payload: `{"event":"tts_message","audio":"..."}`,
			kind:    Kind("tts_message"),
			check: func(t *testing.T, evt Event) {
				_, ok := evt.(Unknown)
				assert.True(t, ok)
			},
		},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			evt, err := Parse([]byte(tc.payload))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, evt.Kind())
			assert.JSONEq(t, tc.payload, string(evt.Raw()))
			if tc.check != nil {
				tc.check(t, evt)
			}
		})
	}
}

func TestWorkflowFinishedAnswer(t *testing.T) {
	evt, err := Parse([]byte(`{"event":"workflow_finished","data":{"status":"succeeded","outputs":{"answer":"FINAL"},"elapsed_time":2.5,"total_tokens":42,"total_steps":4}}`))
	require.NoError(t, err)

	finished := evt.(WorkflowFinished)
	answer, ok := finished.Answer()
	assert.True(t, ok)
	assert.Equal(t, "FINAL", answer)
	assert.Equal(t, 42, finished.Data.TotalTokens)

	evt, err = Parse([]byte(`{"event":"workflow_finished","outputs":{"answer":"TOP"}}`))
	require.NoError(t, err)
	answer, ok = evt.(WorkflowFinished).Answer()
	assert.True(t, ok)
	assert.Equal(t, "TOP", answer)

	evt, err = Parse([]byte(`{"event":"workflow_finished","data":{"outputs":{"text":1}}}`))
	require.NoError(t, err)
	_, ok = evt.(WorkflowFinished).Answer()
	assert.False(t, ok)
}

func TestMessageEndUsage(t *testing.T) {
	evt, err := Parse([]byte(`{"event":"message_end","metadata":{"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15,"total_price":"0.0012","currency":"USD","latency":0.8}}}`))
	require.NoError(t, err)

	usage, ok := evt.(MessageEnd).UsageData()
	require.True(t, ok)
	assert.Equal(t, 15, usage.TotalTokens)
	assert.Equal(t, Decimal("0.0012"), usage.TotalPrice)
	assert.InDelta(t, 0.0012, usage.TotalPrice.Float(), 1e-9)
	assert.Equal(t, "USD", usage.Currency)

	evt, err = Parse([]byte(`{"event":"message_end","usage":{"total_tokens":3,"total_price":0.5}}`))
	require.NoError(t, err)
	usage, ok = evt.(MessageEnd).UsageData()
	require.True(t, ok)
	assert.Equal(t, Decimal("0.5"), usage.TotalPrice)

	evt, err = Parse([]byte(`{"event":"message_end"}`))
	require.NoError(t, err)
	_, ok = evt.(MessageEnd).UsageData()
	assert.False(t, ok)
}

func TestParseKeepsWellTypedFieldsOfMistypedEvent(t *testing.T) {
	evt, err := Parse([]byte(`{"event":"message","answer":"B","conversation_id":"up-9","created_at":"2024-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	msg, ok := evt.(Message)
	require.True(t, ok)
	assert.Equal(t, "B", msg.Answer)
	assert.Equal(t, "up-9", msg.ConversationID())
	assert.Zero(t, msg.CreatedAt)

	evt, err = Parse([]byte(`{"event":"message","answer":42,"conversation_id":"up-9"}`))
	require.NoError(t, err)
	msg, ok = evt.(Message)
	require.True(t, ok)
	assert.Empty(t, msg.Answer)
	assert.Equal(t, "up-9", msg.ConversationID())
	assert.NotEmpty(t, msg.Raw())

	evt, err = Parse([]byte(`{"event":"workflow_finished","data":{"outputs":{"answer":"FINAL"},"total_tokens":"12","status":"succeeded"}}`))
	require.NoError(t, err)
	finished, ok := evt.(WorkflowFinished)
	require.True(t, ok)
	answer, ok := finished.Answer()
	assert.True(t, ok)
	assert.Equal(t, "FINAL", answer)
	assert.Equal(t, "succeeded", finished.Data.Status)
	assert.Zero(t, finished.Data.TotalTokens)

	evt, err = Parse([]byte(`{"event":"message_end","metadata":{"usage":{"total_tokens":7,"total_price":true}}}`))
	require.NoError(t, err)
	usage, ok := evt.(MessageEnd).UsageData()
	require.True(t, ok)
	assert.Equal(t, 7, usage.TotalTokens)
	assert.Equal(t, Decimal(""), usage.TotalPrice)
}

func TestParseRejectsNonEvents(t *testing.T) {
	_, err := Parse([]byte(`{"answer":"x"}`))
	assert.ErrorIs(t, err, ErrMissingKind)

	_, err = Parse([]byte(`[1,2]`))
	assert.Error(t, err)

	_, err = Parse([]byte(`null`))
	assert.ErrorIs(t, err, ErrMissingKind)
}
