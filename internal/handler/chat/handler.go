package chat

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wsuo/argochainhub-platform-sub001/internal/logging"
	"github.com/wsuo/argochainhub-platform-sub001/internal/model/workflow"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/identity"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/ledger"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/upstream"
	"github.com/wsuo/argochainhub-platform-sub001/pkg/sse"
	"github.com/wsuo/argochainhub-platform-sub001/pkg/utils"
)

// ConversationHeader carries the local conversation id on relay responses.
const ConversationHeader = "X-Conversation-ID"

const defaultFinishTimeout = 15 * time.Second

// Streamer runs one upstream exchange.
type Streamer interface {
	Do(ctx context.Context, req upstream.Request, h upstream.Handlers) error
}

// Handler 把上游工作流的 SSE 流转发给调用方，同时写入会话账本。
type Handler struct {
	ledger        *ledger.Ledger
	upstream      Streamer
	resolver      *identity.Resolver
	finishTimeout time.Duration
}

// New 创建聊天转发处理器
func New(l *ledger.Ledger, up Streamer, resolver *identity.Resolver) *Handler {
	if resolver == nil {
		resolver = identity.NewResolver()
	}
	return &Handler{
		ledger:        l,
		upstream:      up,
		resolver:      resolver,
		finishTimeout: defaultFinishTimeout,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/stream", h.handleStream)
}

type streamRequest struct {
	ConversationID         string         `json:"conversationId"`
	Query                  string         `json:"query"`
	Inputs                 map[string]any `json:"inputs"`
	UpstreamConversationID string         `json:"upstreamConversationId"`
}

type errorFrame struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

// handleStream 处理一次流式对话
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	var payload streamRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Query) == "" {
		utils.RespondError(w, http.StatusBadRequest, "query is required")
		return
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	guestID, ok := identity.FromContext(r.Context())
	if !ok {
		guestID = h.resolver.Resolve(r)
	}
	conversationID := strings.TrimSpace(payload.ConversationID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	log := logging.With().
		Str("conversation_id", conversationID).
		Str("guest_id", guestID).
		Logger()

	// a live id belongs to another in-flight exchange
	if _, created := h.ledger.TryStart(conversationID, payload.Query, payload.Inputs, guestID); !created {
		log.Warn().Msg("conversation already in progress, relay refused")
		utils.RespondError(w, http.StatusConflict, "conversation already in progress")
		return
	}

	w.Header().Set(ConversationHeader, conversationID)
	sse.SetupHeaders(w)

	clientGone := false
	err = h.upstream.Do(r.Context(), upstream.Request{
		Query:          payload.Query,
		Inputs:         payload.Inputs,
		User:           guestID,
		ConversationID: payload.UpstreamConversationID,
	}, upstream.Handlers{
		OnEvent: func(evt workflow.Event) {
			h.ledger.Accumulate(conversationID, evt)
			if clientGone {
				return
			}
			if werr := sw.WriteRaw(evt.Raw()); werr != nil {
				clientGone = true
				log.Debug().Err(werr).Msg("client stopped reading relay")
			}
		},
	})
	if err != nil {
		h.ledger.Discard(conversationID)
		log.Warn().Err(err).Msg("relay failed, session discarded")
		_ = sw.WriteData(errorFrame{Event: "error", ConversationID: conversationID, Message: err.Error()})
		return
	}

	// the request context may already be cancelled by the time we persist
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.finishTimeout)
	defer cancel()
	persisted := h.ledger.Finish(ctx, conversationID)

	_ = sw.WriteComment("persisted=" + boolString(persisted))
	_ = sw.WriteDone()
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
