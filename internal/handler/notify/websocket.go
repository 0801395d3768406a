package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/wsuo/argochainhub-platform-sub001/internal/logging"
	"github.com/wsuo/argochainhub-platform-sub001/internal/model/conversation"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/identity"
	"github.com/wsuo/argochainhub-platform-sub001/pkg/utils"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Subscriber yields lifecycle notifications until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan conversation.Notification, error)
}

// WebSocketHandler 通过 WebSocket 推送会话生命周期通知
type WebSocketHandler struct {
	subscriber Subscriber
	upgrader   websocket.Upgrader
}

// NewWebSocketHandler 创建通知处理器
func NewWebSocketHandler(sub Subscriber) *WebSocketHandler {
	return &WebSocketHandler{
		subscriber: sub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/sessions", h.handleWebSocket)
}

type outgoingMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// handleWebSocket 处理WebSocket连接，只推送当前访客自己的通知。
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.subscriber == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "notifications unavailable")
		return
	}
	guestID, ok := identity.FromContext(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "guest identity required")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	notes, err := h.subscriber.Subscribe(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("subscribe to lifecycle notifications")
		utils.RespondError(w, http.StatusServiceUnavailable, "notifications unavailable")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logging.Debug().Str("guest_id", guestID).Msg("notification socket opened")

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// reader only watches for close; inbound payloads are ignored
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logging.Debug().Err(err).Msg("notification socket read error")
				}
				return
			}
		}
	}()

	if err := h.send(conn, outgoingMessage{Type: "connected"}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case n, ok := <-notes:
			if !ok {
				return
			}
			if n.GuestID != guestID {
				continue
			}
			if err := h.send(conn, outgoingMessage{Type: "notification", Data: n}); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) send(conn *websocket.Conn, msg outgoingMessage) error {
	msg.Timestamp = time.Now().Unix()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		logging.Debug().Err(err).Str("type", msg.Type).Msg("notification socket write failed")
		return err
	}
	return nil
}
