package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/codecat/internal/chat"
	"github.com/ent0n29/codecat/internal/workflow"
)

type taskActionRequest struct {
	UserID string `json:"user_id"`
	Action string `json:"action"`
}

type taskActionResponse struct {
	TaskID  string `json:"task_id"`
	Action  string `json:"action"`
	Status  string `json:"status"`
	PRURL   string `json:"pr_url,omitempty"`
	Content string `json:"content"`
}

func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	var req taskActionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Action = strings.ToLower(strings.TrimSpace(req.Action))
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	res, err := s.workflow.Resolve(r.Context(), taskID, req.Action, req.UserID)
	if err != nil {
		respondWorkflowError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, taskActionResponse{
		TaskID:  res.TaskID,
		Action:  res.Action,
		Status:  string(res.Status),
		PRURL:   res.PRURL,
		Content: res.Reply(),
	})
}

// ActionHandler resolves button presses arriving through a chat bridge.
func ActionHandler(wf Workflow, logger *zap.Logger) chat.ActionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, action, taskID, userID string) (string, error) {
		res, err := wf.Resolve(ctx, taskID, action, userID)
		if err != nil {
			return workflow.UserMessage(err), err
		}
		if res.Failure != nil {
			logger.Info("task resolved with failure", zap.String("task_id", taskID), zap.Error(res.Failure))
		}
		return res.Reply(), nil
	}
}
