package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsuo/argochainhub-platform-sub001/internal/model/conversation"
	"github.com/wsuo/argochainhub-platform-sub001/internal/model/workflow"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/identity"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/ledger"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/persistence"
)

func setupRouter(t *testing.T, gw persistence.Gateway, archive Archive) (*chi.Mux, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(gw)
	r := chi.NewRouter()
	r.Use(identity.NewResolver().Middleware)
	New(l, archive).RegisterRoutes(r)
	return r, l
}

func do(r http.Handler, method, path, guestID string) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if guestID != "" {
		req.Header.Set(identity.HeaderName, guestID)
	}
	r.ServeHTTP(resp, req)
	return resp
}

func TestListAndGet(t *testing.T) {
	r, l := setupRouter(t, persistence.LogGateway{}, nil)
	l.Start("c1", "hi", nil, "guest_1")
	evt, err := workflow.Parse([]byte(`{"event":"message","answer":"yo"}`))
	require.NoError(t, err)
	l.Accumulate("c1", evt)

	resp := do(r, http.MethodGet, "/sessions", "guest_1")
	require.Equal(t, http.StatusOK, resp.Code)
	var list []Summary
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "c1", list[0].ConversationID)
	assert.Equal(t, 1, list[0].Events)

	resp = do(r, http.MethodGet, "/sessions/c1", "guest_1")
	require.Equal(t, http.StatusOK, resp.Code)
	var s conversation.Session
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &s))
	assert.Equal(t, "yo", s.Answer)
	require.Len(t, s.Transcript, 1)

	resp = do(r, http.MethodGet, "/sessions/missing", "guest_1")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestFinishEndpoint(t *testing.T) {
	r, l := setupRouter(t, persistence.LogGateway{}, nil)
	l.Start("c1", "hi", nil, "g")

	resp := do(r, http.MethodPost, "/sessions/c1/finish", "g")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"persisted":true}`, resp.Body.String())

	_, ok := l.Get("c1")
	assert.False(t, ok)

	resp = do(r, http.MethodPost, "/sessions/c1/finish", "g")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestFinishEndpointReportsFailure(t *testing.T) {
	gw := persistence.GatewayFunc(func(context.Context, conversation.Record) (persistence.Result, error) {
		return persistence.Result{Success: false, Message: "nope"}, nil
	})
	r, l := setupRouter(t, gw, nil)
	l.Start("c1", "hi", nil, "g")

	resp := do(r, http.MethodPost, "/sessions/c1/finish", "g")
	assert.JSONEq(t, `{"persisted":false}`, resp.Body.String())
	assert.Equal(t, 0, l.Len())
}

func TestDiscardEndpointIsIdempotent(t *testing.T) {
	r, l := setupRouter(t, persistence.LogGateway{}, nil)
	l.Start("c1", "hi", nil, "g")

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/sessions/c1", "g").Code)
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/sessions/c1", "g").Code)
	assert.Equal(t, 0, l.Len())
}

func TestArchiveEndpoints(t *testing.T) {
	store, err := persistence.NewSQLiteGateway(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r, l := setupRouter(t, store, store)
	l.Start("c1", "hi", nil, "g")
	require.True(t, l.Finish(context.Background(), "c1"))

	resp := do(r, http.MethodGet, "/archive", "g")
	require.Equal(t, http.StatusOK, resp.Code)
	var list []persistence.ArchivedRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "c1", list[0].ConversationID)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/archive/c1", "g").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/archive/nope", "g").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/archive?limit=-1", "g").Code)
}

func TestArchiveUnavailable(t *testing.T) {
	r, _ := setupRouter(t, persistence.LogGateway{}, nil)
	assert.Equal(t, http.StatusNotImplemented, do(r, http.MethodGet, "/archive", "g").Code)
}

func TestSessionEndpointsHideOtherGuests(t *testing.T) {
	r, l := setupRouter(t, persistence.LogGateway{}, nil)
	l.Start("alice_c", "secret", nil, "alice")
	l.Start("bob_c", "hi", nil, "bob")

	resp := do(r, http.MethodGet, "/sessions", "bob")
	require.Equal(t, http.StatusOK, resp.Code)
	var list []Summary
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "bob_c", list[0].ConversationID)

	resp = do(r, http.MethodGet, "/sessions/alice_c", "bob")
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.NotContains(t, resp.Body.String(), "secret")

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/sessions/alice_c/finish", "bob").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/sessions/alice_c", "bob").Code)

	s, ok := l.Get("alice_c")
	require.True(t, ok)
	assert.Equal(t, "secret", s.Query)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/sessions/alice_c", "alice").Code)
}

func TestArchiveHidesOtherGuests(t *testing.T) {
	store, err := persistence.NewSQLiteGateway(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r, l := setupRouter(t, store, store)
	l.Start("alice_c", "secret", nil, "alice")
	require.True(t, l.Finish(context.Background(), "alice_c"))

	resp := do(r, http.MethodGet, "/archive", "bob")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `[]`, resp.Body.String())

	resp = do(r, http.MethodGet, "/archive/alice_c", "bob")
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.NotContains(t, resp.Body.String(), "secret")

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/archive/alice_c", "alice").Code)
}

func TestSessionEndpointsRequireGuestIdentity(t *testing.T) {
	l := ledger.New(persistence.LogGateway{})
	l.Start("c1", "hi", nil, "g")
	r := chi.NewRouter()
	New(l, nil).RegisterRoutes(r)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/sessions", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/sessions/c1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/archive", "").Code)
	assert.Equal(t, 1, l.Len())
}
