// Package workflow models the events streamed by the workflow backend.
//
// Event is a closed sum type: every variant embeds Envelope, and Unknown
// catches discriminators this package does not recognise.
package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Kind is the `event` discriminator of a frame.
type Kind string

const (
	KindWorkflowStarted  Kind = "workflow_started"
	KindNodeStarted      Kind = "node_started"
	KindNodeFinished     Kind = "node_finished"
	KindMessage          Kind = "message"
	KindMessageEnd       Kind = "message_end"
	KindWorkflowFinished Kind = "workflow_finished"
	KindError            Kind = "error"
	KindPing             Kind = "ping"
)

// ErrMissingKind is returned by Parse for objects without an `event` field.
var ErrMissingKind = errors.New("event discriminator missing")

// Event is one classified frame.
type Event interface {
	Kind() Kind
	// ConversationID is the upstream dialogue id carried by the event, if any.
	ConversationID() string
	// Raw is the frame payload exactly as received.
	Raw() json.RawMessage
	isEvent()
}

// Envelope holds the fields shared by every event.
type Envelope struct {
	Type          Kind   `json:"event"`
	Conversation  string `json:"conversation_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
	WorkflowRunID string `json:"workflow_run_id,omitempty"`
	CreatedAt     int64  `json:"created_at,omitempty"`

	raw json.RawMessage
}

func (e Envelope) Kind() Kind { return e.Type }

func (e Envelope) ConversationID() string { return e.Conversation }

func (e Envelope) Raw() json.RawMessage { return e.raw }

func (Envelope) isEvent() {}

func (e *Envelope) setRaw(raw []byte) { e.raw = raw }

func (e *Envelope) envelope() *Envelope { return e }

// WorkflowStarted marks the beginning of a workflow run.
type WorkflowStarted struct {
	Envelope
	Data struct {
		ID             string `json:"id"`
		WorkflowID     string `json:"workflow_id"`
		SequenceNumber int    `json:"sequence_number"`
		CreatedAt      int64  `json:"created_at"`
	} `json:"data"`
}

// NodeData describes one computation step.
type NodeData struct {
	ID          string  `json:"id"`
	NodeID      string  `json:"node_id"`
	NodeType    string  `json:"node_type"`
	Title       string  `json:"title"`
	Index       int     `json:"index"`
	Status      string  `json:"status,omitempty"`
	ElapsedTime float64 `json:"elapsed_time,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// NodeStarted is a progress marker with no accumulation effect.
type NodeStarted struct {
	Envelope
	Data NodeData `json:"data"`
}

// NodeFinished is a progress marker with no accumulation effect.
type NodeFinished struct {
	Envelope
	Data NodeData `json:"data"`
}

// Message carries one incremental answer fragment.
type Message struct {
	Envelope
	Answer string `json:"answer"`
}

// RunData is the run metadata reported when a workflow finishes.
type RunData struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	Status          string         `json:"status"`
	Outputs         map[string]any `json:"outputs"`
	Error           string         `json:"error"`
	ElapsedTime     float64        `json:"elapsed_time"`
	TotalTokens     int            `json:"total_tokens"`
	TotalSteps      int            `json:"total_steps"`
	ExceptionsCount int            `json:"exceptions_count"`
	CreatedBy       map[string]any `json:"created_by"`
	CreatedAt       int64          `json:"created_at"`
	FinishedAt      int64          `json:"finished_at"`
}

// WorkflowFinished carries the canonical answer and run metadata.
type WorkflowFinished struct {
	Envelope
	Data    RunData        `json:"data"`
	Outputs map[string]any `json:"outputs"`
}

// Answer returns the canonical answer and whether one was present.
func (e WorkflowFinished) Answer() (string, bool) {
	if answer, ok := stringField(e.Data.Outputs, "answer"); ok {
		return answer, true
	}
	return stringField(e.Outputs, "answer")
}

// Usage is billing metadata for one exchange.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	TotalPrice       Decimal `json:"total_price"`
	Currency         string  `json:"currency"`
	Latency          float64 `json:"latency"`
}

// MessageEnd carries usage metadata.
type MessageEnd struct {
	Envelope
	Metadata struct {
		Usage *Usage `json:"usage"`
	} `json:"metadata"`
	Usage *Usage `json:"usage"`
}

// UsageData returns the usage block, preferring metadata.usage.
func (e MessageEnd) UsageData() (Usage, bool) {
	if e.Metadata.Usage != nil {
		return *e.Metadata.Usage, true
	}
	if e.Usage != nil {
		return *e.Usage, true
	}
	return Usage{}, false
}

// Error is a failure reported in-band by the backend.
type Error struct {
	Envelope
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ping is a keep-alive.
type Ping struct {
	Envelope
}

// Unknown is any event whose kind is unrecognised or whose body did not
// decode into its variant.
type Unknown struct {
	Envelope
}

// Parse classifies a frame payload. It fails only when the payload is not a
// JSON object or lacks the discriminator. A field of the wrong JSON type is
// left zero and the rest of the event is kept.
func Parse(data []byte) (Event, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || (trimmed[0] != '{' && !bytes.Equal(trimmed, []byte("null"))) {
		return nil, fmt.Errorf("decode event: %w", errNotObject)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil && !isTypeError(err) {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingKind
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)

	var evt interface {
		Event
		setRaw([]byte)
		envelope() *Envelope
	}
	switch env.Type {
	case KindWorkflowStarted:
		evt = &WorkflowStarted{}
	case KindNodeStarted:
		evt = &NodeStarted{}
	case KindNodeFinished:
		evt = &NodeFinished{}
	case KindMessage:
		evt = &Message{}
	case KindMessageEnd:
		evt = &MessageEnd{}
	case KindWorkflowFinished:
		evt = &WorkflowFinished{}
	case KindError:
		evt = &Error{}
	case KindPing:
		evt = &Ping{}
	default:
		evt = &Unknown{}
	}

	if err := json.Unmarshal(data, evt); err != nil && !isTypeError(err) {
		evt = &Unknown{}
		*evt.envelope() = env
	}
	evt.setRaw(raw)
	return deref(evt), nil
}

var errNotObject = errors.New("payload is not a json object")

// isTypeError reports a value of the wrong JSON type. encoding/json keeps
// decoding the remaining fields in that case.
func isTypeError(err error) bool {
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &typeErr)
}

// deref hands out value types so callers can switch on them directly.
func deref(evt Event) Event {
	switch e := evt.(type) {
	case *WorkflowStarted:
		return *e
	case *NodeStarted:
		return *e
	case *NodeFinished:
		return *e
	case *Message:
		return *e
	case *MessageEnd:
		return *e
	case *WorkflowFinished:
		return *e
	case *Error:
		return *e
	case *Ping:
		return *e
	case *Unknown:
		return *e
	}
	return evt
}

// Decimal accepts a JSON number or a numeric string, e.g. "0.0012". Any
// other JSON value decodes to the empty decimal.
type Decimal string

func (d *Decimal) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*d = ""
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			*d = Decimal(s)
		}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*d = Decimal(n.String())
	}
	return nil
}

// Float parses the decimal, returning 0 for empty or invalid values.
func (d Decimal) Float() float64 {
	f, err := strconv.ParseFloat(string(d), 64)
	if err != nil {
		return 0
	}
	return f
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
