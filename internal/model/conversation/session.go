// Package conversation holds the per-conversation record accumulated from a
// workflow event stream.
package conversation

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/wsuo/argochainhub-platform-sub001/internal/model/workflow"
)

// Session captures one live conversation. Query, Inputs and GuestID are
// fixed at creation; everything else is derived from accumulated events.
type Session struct {
	ConversationID         string            `json:"conversationId"`
	UpstreamConversationID string            `json:"upstreamConversationId,omitempty"`
	GuestID                string            `json:"guestId"`
	Query                  string            `json:"query"`
	Inputs                 map[string]any    `json:"inputs"`
	Transcript             []TranscriptEntry `json:"transcript"`
	Answer                 string            `json:"answer"`
	Usage                  *UsageSummary     `json:"usage,omitempty"`
	Workflow               *WorkflowSummary  `json:"workflow,omitempty"`
	StartedAt              time.Time         `json:"startedAt"`
	UpdatedAt              time.Time         `json:"updatedAt"`
}

// TranscriptEntry is one received event stamped with its local receipt time.
type TranscriptEntry struct {
	Type       workflow.Kind   `json:"type"`
	Event      json.RawMessage `json:"event"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// UsageSummary is the normalized billing block of a message_end event.
type UsageSummary struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	TotalPrice       float64 `json:"totalPrice"`
	Currency         string  `json:"currency"`
	Latency          float64 `json:"latency"`
}

// WorkflowSummary is the normalized run metadata of a workflow_finished event.
type WorkflowSummary struct {
	WorkflowRunID   string         `json:"workflowRunId,omitempty"`
	WorkflowID      string         `json:"workflowId,omitempty"`
	Status          string         `json:"status,omitempty"`
	Error           string         `json:"error,omitempty"`
	ElapsedTime     float64        `json:"elapsedTime"`
	TotalTokens     int            `json:"totalTokens"`
	TotalSteps      int            `json:"totalSteps"`
	ExceptionsCount int            `json:"exceptionsCount"`
	CreatedBy       map[string]any `json:"createdBy,omitempty"`
}

// NewSession returns an empty session. A nil inputs map becomes an empty one.
func NewSession(conversationID, query string, inputs map[string]any, guestID string, now time.Time) *Session {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &Session{
		ConversationID: conversationID,
		GuestID:        guestID,
		Query:          query,
		Inputs:         maps.Clone(inputs),
		Transcript:     make([]TranscriptEntry, 0, 32),
		StartedAt:      now,
		UpdatedAt:      now,
	}
}

// Apply records evt in the transcript and folds its effect into the
// session. Fields the event lacks are left untouched.
func (s *Session) Apply(evt workflow.Event, receivedAt time.Time) {
	if evt == nil {
		return
	}

	s.Transcript = append(s.Transcript, TranscriptEntry{
		Type:       evt.Kind(),
		Event:      evt.Raw(),
		ReceivedAt: receivedAt,
	})
	s.UpdatedAt = receivedAt

	if id := evt.ConversationID(); id != "" {
		s.UpstreamConversationID = id
	}

	switch e := evt.(type) {
	case workflow.Message:
		s.Answer += e.Answer
	case workflow.WorkflowFinished:
		if answer, ok := e.Answer(); ok {
			s.Answer = answer
		}
		s.Workflow = summarizeRun(e)
	case workflow.MessageEnd:
		if usage, ok := e.UsageData(); ok {
			s.Usage = &UsageSummary{
				PromptTokens:     usage.PromptTokens,
				CompletionTokens: usage.CompletionTokens,
				TotalTokens:      usage.TotalTokens,
				TotalPrice:       usage.TotalPrice.Float(),
				Currency:         usage.Currency,
				Latency:          usage.Latency,
			}
		}
	}
}

func summarizeRun(e workflow.WorkflowFinished) *WorkflowSummary {
	runID := e.WorkflowRunID
	if runID == "" {
		runID = e.Data.ID
	}
	return &WorkflowSummary{
		WorkflowRunID:   runID,
		WorkflowID:      e.Data.WorkflowID,
		Status:          e.Data.Status,
		Error:           e.Data.Error,
		ElapsedTime:     e.Data.ElapsedTime,
		TotalTokens:     e.Data.TotalTokens,
		TotalSteps:      e.Data.TotalSteps,
		ExceptionsCount: e.Data.ExceptionsCount,
		CreatedBy:       maps.Clone(e.Data.CreatedBy),
	}
}

// Clone returns a deep enough copy for handing outside the ledger lock.
func (s *Session) Clone() Session {
	out := *s
	out.Inputs = maps.Clone(s.Inputs)
	out.Transcript = slices.Clone(s.Transcript)
	if s.Usage != nil {
		usage := *s.Usage
		out.Usage = &usage
	}
	if s.Workflow != nil {
		wf := *s.Workflow
		wf.CreatedBy = maps.Clone(s.Workflow.CreatedBy)
		out.Workflow = &wf
	}
	return out
}

// PersistenceKey prefers the upstream dialogue id over the local one.
func (s *Session) PersistenceKey() string {
	if s.UpstreamConversationID != "" {
		return s.UpstreamConversationID
	}
	return s.ConversationID
}
