package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/wsuo/argochainhub-platform-sub001/internal/model/workflow"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/simulator"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/upstream"
)

type scriptedRunner struct {
	got    simulator.Request
	events []map[string]any
	err    error
}

func (s *scriptedRunner) Run(_ context.Context, req simulator.Request, emit simulator.Emit) error {
	s.got = req
	for _, e := range s.events {
		if err := emit(e); err != nil {
			return err
		}
	}
	return s.err
}

func setupServer(t *testing.T, runner Runner, apiKey string) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/v1", func(v1 chi.Router) {
		New(runner, apiKey).RegisterRoutes(v1)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestSimulatorSpeaksUpstreamProtocol(t *testing.T) {
	runner := &scriptedRunner{events: []map[string]any{
		{"event": "workflow_started", "conversation_id": "sim-1"},
		{"event": "message", "answer": "Hi", "conversation_id": "sim-1"},
		{"event": "message", "answer": " there", "conversation_id": "sim-1"},
	}}
	srv := setupServer(t, runner, "k")

	client := upstream.NewClient(upstream.Config{BaseURL: srv.URL + "/v1", APIKey: "k"})
	var answer strings.Builder
	var kinds []workflow.Kind
	completed := false
	err := client.Stream(context.Background(), upstream.Request{Query: "hello", User: "guest_1"}, upstream.Handlers{
		OnDelta:    func(s string) { answer.WriteString(s) },
		OnEvent:    func(evt workflow.Event) { kinds = append(kinds, evt.Kind()) },
		OnComplete: func() { completed = true },
	})
	if err != nil {
		t.Fatalf("Stream err: %v", err)
	}
	if !completed {
		t.Fatal("expected completion")
	}
	if answer.String() != "Hi there" {
		t.Fatalf("unexpected answer %q", answer.String())
	}
	if len(kinds) != 3 {
		t.Fatalf("unexpected kinds %v", kinds)
	}
	if client.ConversationID() != "sim-1" {
		t.Fatalf("dialogue handle not captured: %q", client.ConversationID())
	}
	if runner.got.User != "guest_1" || runner.got.Query != "hello" {
		t.Fatalf("runner saw %+v", runner.got)
	}
}

func TestSimulatorRejectsBadKey(t *testing.T) {
	srv := setupServer(t, &scriptedRunner{}, "k")

	client := upstream.NewClient(upstream.Config{BaseURL: srv.URL + "/v1", APIKey: "wrong"})
	err := client.Do(context.Background(), upstream.Request{Query: "hello"}, upstream.Handlers{})

	var statusErr *upstream.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 status error, got %v", err)
	}
}

func TestSimulatorRunnerFailureStillTerminates(t *testing.T) {
	runner := &scriptedRunner{
		events: []map[string]any{{"event": "error", "status": 500, "code": "model_error", "message": "boom"}},
		err:    errors.New("boom"),
	}
	srv := setupServer(t, runner, "")

	resp, err := http.Post(srv.URL+"/v1/chat-messages", "application/json", bytes.NewBufferString(`{"query":"hi"}`))
	if err != nil {
		t.Fatalf("post err: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `"code":"model_error"`) {
		t.Fatalf("missing error frame: %s", body)
	}
	if !strings.HasSuffix(string(body), "data: [DONE]\n\n") {
		t.Fatalf("missing terminator: %q", body)
	}
}

func TestSimulatorValidatesRequest(t *testing.T) {
	srv := setupServer(t, &scriptedRunner{}, "")

	for _, body := range []string{`nope`, `{"query":""}`, `{"query":"hi","response_mode":"blocking"}`} {
		resp, err := http.Post(srv.URL+"/v1/chat-messages", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("post err: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
	}
}
