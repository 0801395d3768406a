package stream

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wsuo/argochainhub-platform-sub001/internal/logging"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/simulator"
	"github.com/wsuo/argochainhub-platform-sub001/pkg/sse"
	"github.com/wsuo/argochainhub-platform-sub001/pkg/utils"
)

// Runner produces one simulated workflow stream.
type Runner interface {
	Run(ctx context.Context, req simulator.Request, emit simulator.Emit) error
}

// Handler 以上游工作流的 SSE 协议输出模拟回复
type Handler struct {
	runner Runner
	apiKey string
}

// New creates a simulator stream handler. An empty apiKey disables the
// bearer check.
func New(runner Runner, apiKey string) *Handler {
	return &Handler{runner: runner, apiKey: apiKey}
}

// RegisterRoutes 注册模拟上游的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat-messages", h.handleChatMessages)
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.apiKey == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(h.apiKey)) == 1
}

// handleChatMessages 处理一次模拟的流式对话
func (h *Handler) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		utils.RespondError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	var req simulator.Request
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		utils.RespondError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.ResponseMode != "" && req.ResponseMode != "streaming" {
		utils.RespondError(w, http.StatusBadRequest, "only streaming response_mode is supported")
		return
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sse.SetupHeaders(w)
	w.WriteHeader(http.StatusOK)

	err = h.runner.Run(r.Context(), req, sw.WriteData)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logging.Debug().Str("user", req.User).Msg("client left simulated stream")
			return
		}
		// the error event has already been emitted
		logging.Warn().Err(err).Str("user", req.User).Msg("simulated stream failed")
	}
	_ = sw.WriteDone()
}
