package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/wsuo/argochainhub-platform-sub001/internal/handler/chat"
	"github.com/wsuo/argochainhub-platform-sub001/internal/handler/notify"
	"github.com/wsuo/argochainhub-platform-sub001/internal/handler/session"
	"github.com/wsuo/argochainhub-platform-sub001/internal/handler/stream"
	"github.com/wsuo/argochainhub-platform-sub001/internal/logging"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/identity"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/ledger"
	"github.com/wsuo/argochainhub-platform-sub001/pkg/utils"
)

// Dependencies 汇总路由需要的核心服务
type Dependencies struct {
	Ledger   *ledger.Ledger
	Upstream chat.Streamer
	Resolver *identity.Resolver
	// Archive 可以为 nil，此时归档接口返回 501
	Archive session.Archive
	// Notifications 可以为 nil，此时 WebSocket 接口返回 503
	Notifications notify.Subscriber
	CORSOrigins   []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(deps.CORSOrigins))

	resolver := deps.Resolver
	if resolver == nil {
		resolver = identity.NewResolver()
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": deps.Ledger.Len(),
		})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(resolver.Middleware)

		chat.New(deps.Ledger, deps.Upstream, resolver).RegisterRoutes(api)
		session.New(deps.Ledger, deps.Archive).RegisterRoutes(api)
		notify.NewWebSocketHandler(deps.Notifications).RegisterRoutes(api)
	})

	return r
}

// NewSimulatorRouter 暴露模拟的工作流后端
func NewSimulatorRouter(runner stream.Runner, apiKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(v1 chi.Router) {
		stream.New(runner, apiKey).RegisterRoutes(v1)
	})
	return r
}

// corsHandler 未配置来源时允许任意来源，但不携带凭据
func corsHandler(origins []string) func(http.Handler) http.Handler {
	credentials := len(origins) > 0
	if !credentials {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", identity.HeaderName, chat.ConversationHeader},
		ExposedHeaders:   []string{"X-Request-ID", chat.ConversationHeader},
		AllowCredentials: credentials,
		MaxAge:           300,
	})
}

// requestLogger 以结构化字段记录每个请求
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logging.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}
