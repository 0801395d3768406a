// Package persistence hands finished conversation records to durable storage.
package persistence

import (
	"context"
	"errors"

	"github.com/wsuo/argochainhub-platform-sub001/internal/logging"
	"github.com/wsuo/argochainhub-platform-sub001/internal/model/conversation"
)

// ErrNotFound is returned when an archived record does not exist.
var ErrNotFound = errors.New("conversation record not found")

// Result is the storage collaborator's verdict on one record.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Gateway stores one finished conversation. A returned error and a
// Result with Success=false are both treated as failure by callers.
type Gateway interface {
	Persist(ctx context.Context, record conversation.Record) (Result, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, record conversation.Record) (Result, error)

func (f GatewayFunc) Persist(ctx context.Context, record conversation.Record) (Result, error) {
	return f(ctx, record)
}

// LogGateway only logs what it would store.
type LogGateway struct{}

func (LogGateway) Persist(_ context.Context, record conversation.Record) (Result, error) {
	logging.Info().
		Str("conversation_id", record.ConversationID).
		Str("guest_id", record.GuestID).
		Int("events", len(record.StreamMessages)).
		Int("answer_len", len(record.FinalAnswer)).
		Int64("duration_ms", record.Duration).
		Msg("conversation finished")
	return Result{Success: true}, nil
}
