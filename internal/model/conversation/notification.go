package conversation

import "time"

// NotificationType names a ledger lifecycle transition.
type NotificationType string

const (
	SessionStarted   NotificationType = "session.started"
	SessionFinished  NotificationType = "session.finished"
	SessionDiscarded NotificationType = "session.discarded"
	SessionReaped    NotificationType = "session.reaped"
)

// Notification is published whenever a session enters or leaves the ledger.
type Notification struct {
	Type                   NotificationType `json:"type"`
	ConversationID         string           `json:"conversationId"`
	UpstreamConversationID string           `json:"upstreamConversationId,omitempty"`
	GuestID                string           `json:"guestId,omitempty"`
	// Persisted is only meaningful for session.finished and session.reaped.
	Persisted bool      `json:"persisted"`
	At        time.Time `json:"at"`
}

// NewNotification describes s at the moment of the given transition.
func NewNotification(typ NotificationType, s *Session, at time.Time) Notification {
	return Notification{
		Type:                   typ,
		ConversationID:         s.ConversationID,
		UpstreamConversationID: s.UpstreamConversationID,
		GuestID:                s.GuestID,
		At:                     at,
	}
}
