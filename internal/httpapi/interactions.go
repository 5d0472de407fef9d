package httpapi

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/codecat/internal/chat"
	"github.com/ent0n29/codecat/internal/workflow"
)

// Interaction and response types used by the chat platform webhook.
const (
	interactionPing      = 1
	interactionCommand   = 2
	interactionComponent = 3

	responsePong            = 1
	responseChannelMessage  = 4
	responseDeferredMessage = 5

	flagEphemeral = 64

	maxInteractionBody = 1 << 20
)

type interaction struct {
	Type    int    `json:"type"`
	ID      string `json:"id"`
	GuildID string `json:"guild_id"`
	Data    struct {
		CustomID string `json:"custom_id"`
		Name     string `json:"name"`
	} `json:"data"`
	Member *struct {
		User interactionUser `json:"user"`
	} `json:"member"`
	User *interactionUser `json:"user"`
}

type interactionUser struct {
	ID string `json:"id"`
}

func (i interaction) userID() string {
	if i.Member != nil && i.Member.User.ID != "" {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

type interactionResponse struct {
	Type int                      `json:"type"`
	Data *interactionResponseData `json:"data,omitempty"`
}

type interactionResponseData struct {
	Content string `json:"content"`
	Flags   int    `json:"flags,omitempty"`
}

// verifySignature rejects any request whose Ed25519 signature over
// timestamp+body does not verify against the application public key.
func (s *Server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig, err := hex.DecodeString(strings.TrimSpace(r.Header.Get("X-Signature-Ed25519")))
		timestamp := strings.TrimSpace(r.Header.Get("X-Signature-Timestamp"))
		if err != nil || len(sig) != ed25519.SignatureSize || timestamp == "" || len(s.cfg.DiscordPublicKey) != ed25519.PublicKeySize {
			s.metrics.InteractionRequest("unauthorized")
			respondError(w, http.StatusUnauthorized, "invalid_signature", "invalid request signature")
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxInteractionBody))
		_ = r.Body.Close()
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
			return
		}
		msg := append([]byte(timestamp), body...)
		if !ed25519.Verify(s.cfg.DiscordPublicKey, msg, sig) {
			s.metrics.InteractionRequest("unauthorized")
			respondError(w, http.StatusUnauthorized, "invalid_signature", "invalid request signature")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	var in interaction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.metrics.InteractionRequest("invalid")
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	switch in.Type {
	case interactionPing:
		s.metrics.InteractionRequest("ping")
		respondJSON(w, http.StatusOK, interactionResponse{Type: responsePong})
	case interactionComponent:
		if !strings.HasPrefix(in.Data.CustomID, "codecat:") {
			s.metrics.InteractionRequest("deferred")
			respondJSON(w, http.StatusOK, interactionResponse{Type: responseDeferredMessage})
			return
		}
		s.metrics.InteractionRequest("component")
		respondJSON(w, http.StatusOK, ephemeral(s.resolveComponent(r, in)))
	default:
		s.metrics.InteractionRequest("deferred")
		respondJSON(w, http.StatusOK, interactionResponse{Type: responseDeferredMessage})
	}
}

func (s *Server) resolveComponent(r *http.Request, in interaction) string {
	action, taskID, err := chat.ParseActionID(in.Data.CustomID)
	if err != nil {
		return workflow.UserMessage(workflow.ErrUnknownAction)
	}
	userID := in.userID()
	if userID == "" {
		return workflow.UserMessage(workflow.ErrMemberUnavailable)
	}
	res, err := s.workflow.Resolve(r.Context(), taskID, action, userID)
	if err != nil {
		s.logger.Info("interaction action refused",
			zap.String("task_id", taskID),
			zap.String("action", action),
			zap.String("user_id", userID),
			zap.Error(err))
		return workflow.UserMessage(err)
	}
	return res.Reply()
}

func ephemeral(content string) interactionResponse {
	return interactionResponse{
		Type: responseChannelMessage,
		Data: &interactionResponseData{Content: content, Flags: flagEphemeral},
	}
}
