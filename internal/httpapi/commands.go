package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/codecat/internal/chat"
	"github.com/ent0n29/codecat/internal/devicelink"
	"github.com/ent0n29/codecat/internal/workflow"
)

// commandResponse is the ephemeral reply to a slash command.
type commandResponse struct {
	Content   string `json:"content"`
	Ephemeral bool   `json:"ephemeral"`
	TaskID    string `json:"task_id,omitempty"`
	Status    string `json:"status,omitempty"`
	PRURL     string `json:"pr_url,omitempty"`
}

type submitRequest struct {
	GuildID         string `json:"guild_id"`
	ChannelID       string `json:"channel_id"`
	UserID          string `json:"user_id"`
	BranchName      string `json:"branch_name"`
	TaskDescription string `json:"task_description"`
	Repo            string `json:"repo"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.GuildID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "This command can only be used inside a guild.")
		return
	}

	res, err := s.workflow.Submit(r.Context(), workflow.SubmitRequest{
		GuildID:      strings.TrimSpace(req.GuildID),
		ChannelID:    strings.TrimSpace(req.ChannelID),
		RequesterID:  strings.TrimSpace(req.UserID),
		Description:  req.TaskDescription,
		Branch:       req.BranchName,
		RepoOverride: strings.TrimSpace(req.Repo),
	})
	if err != nil {
		s.logger.Info("task submission refused",
			zap.String("guild_id", req.GuildID),
			zap.String("user_id", req.UserID),
			zap.Error(err))
		respondWorkflowError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Failure != nil {
		status = http.StatusOK
	}
	respondJSON(w, status, commandResponse{
		Content:   res.Reply(),
		Ephemeral: true,
		TaskID:    res.TaskID,
		Status:    string(res.Status),
		PRURL:     res.PRURL,
	})
}

type guildCommandRequest struct {
	GuildID string `json:"guild_id"`
	UserID  string `json:"user_id"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req guildCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.GuildID == "" || req.UserID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "guild_id and user_id are required")
		return
	}

	owner, err := s.bridge.GuildOwner(r.Context(), req.GuildID)
	if err != nil {
		s.logger.Warn("resolve guild owner failed", zap.String("guild_id", req.GuildID), zap.Error(err))
		respondError(w, http.StatusBadGateway, "member_unavailable", "Unable to verify guild ownership.")
		return
	}
	if owner != req.UserID {
		respondError(w, http.StatusForbidden, "forbidden", "Only the guild owner can run this command.")
		return
	}

	res, err := s.workflow.RefreshPending(r.Context(), req.GuildID)
	if err != nil {
		respondWorkflowError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, commandResponse{Content: res.Reply(), Ephemeral: true})
}

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	var req guildCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.workflow.Help(r.Context(), strings.TrimSpace(req.GuildID), strings.TrimSpace(req.UserID))
	if err != nil {
		respondWorkflowError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"content":   res.Reply(),
		"ephemeral": true,
		"commands":  res.Commands,
	})
}

func (s *Server) handleConnectGithub(w http.ResponseWriter, r *http.Request) {
	if s.linker == nil {
		respondError(w, http.StatusNotImplemented, "device_flow_disabled", devicelink.Message(devicelink.ErrNotConfigured))
		return
	}
	var req guildCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.GuildID == "" || req.UserID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "guild_id and user_id are required")
		return
	}

	in, err := s.linker.Connect(r.Context(), devicelink.ConnectRequest{
		GuildID: req.GuildID,
		UserID:  req.UserID,
		Reply:   s.directReplier(req.UserID),
	})
	if err != nil {
		status, code := connectStatus(err)
		respondError(w, status, code, devicelink.Message(err))
		return
	}
	respondJSON(w, http.StatusAccepted, commandResponse{Content: in.Reply(), Ephemeral: true})
}

// directReplier delivers device-link follow-ups as direct messages.
func (s *Server) directReplier(userID string) devicelink.Replier {
	return devicelink.ReplierFunc(func(ctx context.Context, content string) error {
		_, err := s.bridge.PostMessage(ctx, chat.DirectMessage(userID), chat.Payload{
			Title:   "GitHub connection",
			Body:    content,
			Content: content,
		})
		return err
	})
}

func connectStatus(err error) (int, string) {
	switch {
	case errors.Is(err, devicelink.ErrAlreadyConnected):
		return http.StatusConflict, "already_connected"
	case errors.Is(err, devicelink.ErrNotAuthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, devicelink.ErrGuildUnknown):
		return http.StatusNotFound, "guild_not_configured"
	case errors.Is(err, devicelink.ErrUserUnknown):
		return http.StatusNotFound, "user_not_registered"
	case errors.Is(err, devicelink.ErrNotConfigured):
		return http.StatusNotImplemented, "device_flow_disabled"
	case errors.Is(err, devicelink.ErrStartFailed):
		return http.StatusBadGateway, "device_flow_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) handleCurrentRepo(w http.ResponseWriter, r *http.Request) {
	guildID := strings.TrimSpace(chi.URLParam(r, "guild_id"))
	summary, err := s.workflow.CurrentRepo(r.Context(), guildID)
	if err != nil {
		respondWorkflowError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"repo":    summary,
		"content": summary.Reply(),
	})
}
