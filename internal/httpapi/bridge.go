package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/codecat/internal/chat"
)

const (
	bridgeWriteTimeout = 10 * time.Second
	bridgeReadTimeout  = 120 * time.Second
	bridgePingInterval = 30 * time.Second
)

func (s *Server) bridgeAuthorized(r *http.Request) bool {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	want := s.cfg.DiscordToken
	return want != "" && subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

func (s *Server) requireBridgeToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.bridgeAuthorized(r) {
			s.metrics.ObserveIndicator("unauthorized_command")
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid bridge token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleBridgeWS connects a chat bridge: hub frames flow out, member
// updates and button presses flow in.
func (s *Server) handleBridgeWS(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "chat hub not configured")
		return
	}
	if !s.bridgeAuthorized(r) {
		respondError(w, http.StatusUnauthorized, "unauthorized", "invalid bridge token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.BridgeConnected(1)
	defer s.metrics.BridgeConnected(-1)
	s.logger.Info("chat bridge connected", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Unblocks ReadMessage when the writer gives up.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	frames, unsubscribe := s.bridge.Subscribe()
	defer unsubscribe()
	replies := make(chan any, 256)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(bridgePingInterval)
		defer ticker.Stop()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
				continue
			case f, ok := <-frames:
				if !ok {
					cancel()
					return
				}
				msg = f
			case msg = <-replies:
			}
			_ = conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.BridgeFrame("outbound", "write_error")
				cancel()
				return
			}
			s.metrics.BridgeFrame("outbound", frameTypeOf(msg))
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(bridgeReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(bridgeReadTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(bridgeReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		var reply any
		parsed, err := chat.ParseBridgeFrame(data)
		if err != nil {
			reply = chat.ErrorFrame{Type: chat.FrameError, Code: "invalid_frame", Detail: err.Error()}
		} else {
			s.metrics.BridgeFrame("inbound", frameTypeOf(parsed))
			reply = s.bridge.Dispatch(ctx, parsed)
		}
		if reply == nil {
			continue
		}
		select {
		case replies <- reply:
		default:
			// Keep websocket writes single-threaded; drop if the queue is saturated.
			s.metrics.BridgeFrame("outbound", "drop_full")
		}
	}

	cancel()
	<-writerDone
	s.logger.Info("chat bridge disconnected", zap.String("remote", r.RemoteAddr))
}

func frameTypeOf(v any) string {
	switch f := v.(type) {
	case chat.MessageFrame:
		return string(f.Type)
	case chat.ActionResultFrame:
		return string(f.Type)
	case chat.ErrorFrame:
		return string(f.Type)
	case chat.ActionFrame:
		return string(f.Type)
	case chat.MemberUpsertFrame:
		return string(f.Type)
	case chat.MemberRemoveFrame:
		return string(f.Type)
	case chat.GuildUpsertFrame:
		return string(f.Type)
	default:
		return "unknown"
	}
}
