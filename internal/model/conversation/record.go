package conversation

import "time"

// Record is the snapshot handed to the persistence gateway when a
// conversation finishes.
type Record struct {
	ConversationID string            `json:"conversationId"`
	GuestID        string            `json:"guestId"`
	UserQuery      string            `json:"userQuery"`
	UserInputs     map[string]any    `json:"userInputs"`
	User           string            `json:"user"`
	FinalAnswer    string            `json:"finalAnswer"`
	UsageStats     *UsageSummary     `json:"usageStats"`
	WorkflowData   *WorkflowSummary  `json:"workflowData"`
	StreamMessages []TranscriptEntry `json:"streamMessages"`
	// Duration is the session lifetime in milliseconds.
	Duration int64 `json:"duration"`
}

// Record snapshots the session as of now.
func (s *Session) Record(now time.Time) Record {
	snap := s.Clone()
	return Record{
		ConversationID: snap.PersistenceKey(),
		GuestID:        snap.GuestID,
		UserQuery:      snap.Query,
		UserInputs:     snap.Inputs,
		User:           snap.GuestID,
		FinalAnswer:    snap.Answer,
		UsageStats:     snap.Usage,
		WorkflowData:   snap.Workflow,
		StreamMessages: snap.Transcript,
		Duration:       now.Sub(snap.StartedAt).Milliseconds(),
	}
}
