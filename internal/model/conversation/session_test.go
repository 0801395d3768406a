package conversation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsuo/argochainhub-platform-sub001/internal/model/workflow"
)

func mustParse(t *testing.T, payload string) workflow.Event {
	t.Helper()
	evt, err := workflow.Parse([]byte(payload))
	require.NoError(t, err)
	return evt
}

func TestApplyAccumulatesAnswerAndMetadata(t *testing.T) {
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewSession("c1", "hi", nil, "guest_1", start)
	assert.NotNil(t, s.Inputs)

	s.Apply(mustParse(t, `{"event":"workflow_started","conversation_id":"up-1"}`), start.Add(time.Second))
	s.Apply(mustParse(t, `{"event":"message","answer":"Hel"}`), start.Add(2*time.Second))
	s.Apply(mustParse(t, `{"event":"message","answer":"lo"}`), start.Add(3*time.Second))
	assert.Equal(t, "Hello", s.Answer)

	s.Apply(mustParse(t, `{"event":"workflow_finished","workflow_run_id":"run-1","data":{"workflow_id":"wf","status":"succeeded","outputs":{"answer":"Hello!"},"total_tokens":9}}`), start.Add(4*time.Second))
	s.Apply(mustParse(t, `{"event":"message_end","metadata":{"usage":{"total_tokens":9,"total_price":"0.01","currency":"USD"}}}`), start.Add(5*time.Second))

	assert.Equal(t, "Hello!", s.Answer)
	assert.Equal(t, "up-1", s.UpstreamConversationID)
	require.NotNil(t, s.Workflow)
	assert.Equal(t, "run-1", s.Workflow.WorkflowRunID)
	assert.Equal(t, 9, s.Workflow.TotalTokens)
	require.NotNil(t, s.Usage)
	assert.InDelta(t, 0.01, s.Usage.TotalPrice, 1e-9)
	assert.Len(t, s.Transcript, 5)
	assert.Equal(t, workflow.KindMessageEnd, s.Transcript[4].Type)
	assert.Equal(t, start.Add(5*time.Second), s.UpdatedAt)
}

func TestApplyIgnoresMissingFields(t *testing.T) {
	now := time.Now()
	s := NewSession("c1", "q", map[string]any{"k": "v"}, "g", now)
	s.Apply(mustParse(t, `{"event":"message","answer":"partial"}`), now)
	s.Apply(mustParse(t, `{"event":"workflow_finished","data":{"status":"failed"}}`), now)
	s.Apply(mustParse(t, `{"event":"message_end"}`), now)
	s.Apply(nil, now)

	assert.Equal(t, "partial", s.Answer)
	assert.Nil(t, s.Usage)
	require.NotNil(t, s.Workflow)
	assert.Equal(t, "failed", s.Workflow.Status)
	assert.Len(t, s.Transcript, 3)
}

func TestCloneIsIndependent(t *testing.T) {
	s := NewSession("c1", "q", map[string]any{"k": "v"}, "g", time.Now())
	s.Apply(mustParse(t, `{"event":"message","answer":"a"}`), time.Now())

	snap := s.Clone()
	snap.Inputs["k"] = "changed"
	snap.Transcript[0].Type = "mutated"

	assert.Equal(t, "v", s.Inputs["k"])
	assert.Equal(t, workflow.KindMessage, s.Transcript[0].Type)
}

func TestRecordPrefersUpstreamID(t *testing.T) {
	start := time.Now()
	s := NewSession("local", "q", nil, "guest_9", start)
	rec := s.Record(start.Add(1500 * time.Millisecond))
	assert.Equal(t, "local", rec.ConversationID)
	assert.Equal(t, int64(1500), rec.Duration)
	assert.Equal(t, "guest_9", rec.User)

	s.Apply(mustParse(t, `{"event":"message","answer":"x","conversation_id":"up-7"}`), start)
	rec = s.Record(start)
	assert.Equal(t, "up-7", rec.ConversationID)

	body, err := json.Marshal(rec)
	require.NoError(t, err)
	var shape map[string]any
	require.NoError(t, json.Unmarshal(body, &shape))
	for _, key := range []string{"conversationId", "guestId", "userQuery", "userInputs", "user", "finalAnswer", "usageStats", "workflowData", "streamMessages", "duration"} {
		assert.Contains(t, shape, key)
	}
}
