package session

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wsuo/argochainhub-platform-sub001/internal/model/conversation"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/identity"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/ledger"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/persistence"
	"github.com/wsuo/argochainhub-platform-sub001/pkg/utils"
)

// Archive reads finished conversations back. Implemented by
// persistence.SQLiteGateway.
type Archive interface {
	Load(ctx context.Context, conversationID string) (persistence.ArchivedRecord, error)
	ListByGuest(ctx context.Context, guestID string, limit int) ([]persistence.ArchivedRecord, error)
}

// Handler 暴露会话账本的查询与管理接口
type Handler struct {
	ledger  *ledger.Ledger
	archive Archive
}

// New 创建会话处理器，archive 可以为 nil
func New(l *ledger.Ledger, archive Archive) *Handler {
	return &Handler{ledger: l, archive: archive}
}

// RegisterRoutes 注册会话相关的路由，所有接口只对当前访客自己的会话可见
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Use(requireGuest)
		r.Get("/", h.handleList)
		r.Get("/{conversationID}", h.handleGet)
		r.Post("/{conversationID}/finish", h.handleFinish)
		r.Delete("/{conversationID}", h.handleDiscard)
	})
	r.Route("/archive", func(r chi.Router) {
		r.Use(requireGuest)
		r.Get("/", h.handleArchiveList)
		r.Get("/{conversationID}", h.handleArchiveGet)
	})
}

// Summary is a session without its transcript.
type Summary struct {
	ConversationID         string    `json:"conversationId"`
	UpstreamConversationID string    `json:"upstreamConversationId,omitempty"`
	GuestID                string    `json:"guestId"`
	Query                  string    `json:"query"`
	Answer                 string    `json:"answer"`
	Events                 int       `json:"events"`
	StartedAt              time.Time `json:"startedAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

func summarize(s conversation.Session) Summary {
	return Summary{
		ConversationID:         s.ConversationID,
		UpstreamConversationID: s.UpstreamConversationID,
		GuestID:                s.GuestID,
		Query:                  s.Query,
		Answer:                 s.Answer,
		Events:                 len(s.Transcript),
		StartedAt:              s.StartedAt,
		UpdatedAt:              s.UpdatedAt,
	}
}

// requireGuest rejects requests without a resolved guest identity.
func requireGuest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identity.FromContext(r.Context()); !ok {
			utils.RespondError(w, http.StatusUnauthorized, "guest identity required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func guestOf(r *http.Request) string {
	id, _ := identity.FromContext(r.Context())
	return id
}

// ownSession returns the session only when it belongs to the caller.
func (h *Handler) ownSession(r *http.Request) (conversation.Session, bool) {
	s, ok := h.ledger.Get(chi.URLParam(r, "conversationID"))
	if !ok || s.GuestID != guestOf(r) {
		return conversation.Session{}, false
	}
	return s, true
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	guestID := guestOf(r)
	out := make([]Summary, 0)
	for _, s := range h.ledger.List() {
		if s.GuestID == guestID {
			out = append(out, summarize(s))
		}
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ownSession(r)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, ledger.ErrSessionNotFound.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, s)
}

// handleFinish 手动结束会话并持久化
func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ownSession(r)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, ledger.ErrSessionNotFound.Error())
		return
	}
	persisted := h.ledger.Finish(context.WithoutCancel(r.Context()), s.ConversationID)
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"persisted": persisted})
}

// handleDiscard 丢弃会话，重复调用返回 204，他人的会话返回 404
func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	if _, live := h.ledger.Get(id); live {
		if _, ok := h.ownSession(r); !ok {
			utils.RespondError(w, http.StatusNotFound, ledger.ErrSessionNotFound.Error())
			return
		}
		h.ledger.Discard(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		utils.RespondError(w, http.StatusNotImplemented, "archive unavailable")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = v
	}
	records, err := h.archive.ListByGuest(r.Context(), guestOf(r), limit)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to list archive")
		return
	}
	if records == nil {
		records = []persistence.ArchivedRecord{}
	}
	utils.RespondJSON(w, http.StatusOK, records)
}

func (h *Handler) handleArchiveGet(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		utils.RespondError(w, http.StatusNotImplemented, "archive unavailable")
		return
	}
	rec, err := h.archive.Load(r.Context(), chi.URLParam(r, "conversationID"))
	if errors.Is(err, persistence.ErrNotFound) || (err == nil && rec.GuestID != guestOf(r)) {
		utils.RespondError(w, http.StatusNotFound, persistence.ErrNotFound.Error())
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to load record")
		return
	}
	utils.RespondJSON(w, http.StatusOK, rec)
}
