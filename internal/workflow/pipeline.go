package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/codecat/internal/chat"
	"github.com/ent0n29/codecat/internal/codegen"
	"github.com/ent0n29/codecat/internal/github"
	"github.com/ent0n29/codecat/internal/policy"
	"github.com/ent0n29/codecat/internal/records"
	"github.com/ent0n29/codecat/internal/tasks"
)

// execute runs the pipeline for a task that has left pending. It returns
// the PR URL, an ErrStartFailed when the task could not be marked running,
// or a *StepError once the failure has been recorded and shown.
//
// The pipeline is detached from the caller's cancellation so a dropped
// request cannot leave a task half-applied.
func (o *Orchestrator) execute(parent context.Context, tc *tasks.Context) (string, error) {
	ctx := context.WithoutCancel(parent)
	if o.pipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.pipelineTimeout)
		defer cancel()
	}
	logger := o.logger.With(zap.String("task_id", tc.TaskID), zap.String("repo", tc.Repo), zap.String("branch", tc.Branch))

	started := time.Now()
	_, err := o.store.UpdateTaskStatus(ctx, tc.TaskID, tasks.StatusInProgress, records.TaskUpdate{})
	o.observe(StepMarkInProgress, started, err)
	if err != nil {
		logger.Error("mark task in progress failed", zap.Error(err))
		o.markRejected(ctx, logger, tc.TaskID)
		notice := chat.FailurePayload("Failed to start CodeCat session. Please try again.")
		o.editOrigin(ctx, logger, tc, notice)
		o.evict(ctx, logger, tc.TaskID, notice)
		o.metrics.TaskEvent("start_failed")
		return "", fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	tc.Status = tasks.StatusInProgress
	o.editOrigin(ctx, logger, tc, chat.InProgressPayload(summaryOf(tc)))

	started = time.Now()
	edits, err := o.generator.Generate(ctx, codegen.Request{
		APIKey:      tc.APIKey,
		Model:       tc.Model,
		Description: tc.Description,
		Repo:        tc.Repo,
		Branch:      tc.Branch,
	})
	if err == nil && len(edits) == 0 {
		err = errNoEdits
	}
	o.observe(StepGenerate, started, err)
	if err != nil {
		return "", o.fail(ctx, logger, tc, StepGenerate, err)
	}
	logger.Info("generated file edits", zap.Int("edits", len(edits)))

	started = time.Now()
	err = o.hosting.EnsureBranch(ctx, tc.HostingToken, tc.Repo, tc.Branch, tc.DefaultBranch)
	o.observe(StepEnsureBranch, started, err)
	if err != nil {
		return "", o.fail(ctx, logger, tc, StepEnsureBranch, err)
	}

	started = time.Now()
	err = o.commitEdits(ctx, logger, tc, edits)
	o.observe(StepCommit, started, err)
	if err != nil {
		return "", o.fail(ctx, logger, tc, StepCommit, err)
	}

	started = time.Now()
	prURL, err := o.hosting.CreatePullRequest(ctx, tc.HostingToken, github.PullRequest{
		Repo:  tc.Repo,
		Head:  tc.Branch,
		Base:  tc.DefaultBranch,
		Title: "CodeCat: " + tc.Description,
		Body: fmt.Sprintf("Automated PR created by CodeCat\n\n**Task:** %s\n\n**Requested by:** %s",
			tc.Description, tc.Requester.DisplayName),
	})
	if err == nil && prURL == "" {
		err = errors.New("pull request created without a URL")
	}
	o.observe(StepPullRequest, started, err)
	if err != nil {
		return "", o.fail(ctx, logger, tc, StepPullRequest, err)
	}
	logger.Info("pull request opened", zap.String("pr_url", prURL))

	started = time.Now()
	_, err = o.store.UpdateTaskStatus(ctx, tc.TaskID, tasks.StatusCompleted, records.TaskUpdate{PRURL: prURL})
	o.observe(StepMarkCompleted, started, err)
	if err != nil {
		// The PR exists; the stored status lags behind.
		logger.Error("mark task completed failed", zap.Error(err))
	}

	o.editOrigin(ctx, logger, tc, chat.CompletedPayload(prURL, tc.Requester.DisplayName))
	o.evict(ctx, logger, tc.TaskID, chat.ResolvedPromptPayload(chat.StatusCompleted, "PR created: "+prURL))
	o.metrics.TaskEvent("completed")
	return prURL, nil
}

func (o *Orchestrator) commitEdits(ctx context.Context, logger *zap.Logger, tc *tasks.Context, edits []codegen.FileEdit) error {
	committable := make([]codegen.FileEdit, 0, len(edits))
	for _, edit := range edits {
		if !edit.Committable() {
			logger.Warn("skipping edit", zap.String("path", edit.Path), zap.String("action", string(edit.Action)))
			o.metrics.ObserveIndicator("edit_skipped_" + string(edit.Action))
			continue
		}
		committable = append(committable, edit)
	}
	if len(committable) == 0 {
		return errNoCommits
	}

	for _, edit := range committable {
		sha, found, err := o.hosting.FileSHA(ctx, tc.HostingToken, tc.Repo, tc.Branch, edit.Path)
		if err != nil || !found {
			if err != nil {
				logger.Debug("file sha lookup failed; committing as create", zap.String("path", edit.Path), zap.Error(err))
			}
			sha = ""
		}
		if err := o.hosting.CommitFile(ctx, tc.HostingToken, github.CommitRequest{
			Repo:    tc.Repo,
			Branch:  tc.Branch,
			Path:    edit.Path,
			Content: edit.Content,
			Message: fmt.Sprintf("Update %s via CodeCat", edit.Path),
			SHA:     sha,
		}); err != nil {
			return fmt.Errorf("commit %s: %w", edit.Path, err)
		}
	}
	logger.Info("committed files", zap.Int("files", len(committable)))
	return nil
}

// fail is the single failure handler for pipeline steps after the task was
// marked running.
func (o *Orchestrator) fail(ctx context.Context, logger *zap.Logger, tc *tasks.Context, step Step, cause error) error {
	logger.Error("task pipeline failed",
		zap.String("step", string(step)),
		zap.String("error", policy.Redact(cause.Error())))

	if _, err := o.store.UpdateTaskStatus(ctx, tc.TaskID, tasks.StatusRejected, records.TaskUpdate{}); err != nil {
		logger.Error("mark failed task rejected failed", zap.Error(err))
	}

	notice := chat.FailurePayload(failureNotice(step, cause))
	o.editOrigin(ctx, logger, tc, notice)
	o.evict(ctx, logger, tc.TaskID, notice)
	o.metrics.TaskEvent("failed")
	return &StepError{TaskID: tc.TaskID, Step: step, Err: cause}
}

func (o *Orchestrator) editOrigin(ctx context.Context, logger *zap.Logger, tc *tasks.Context, payload chat.Payload) {
	if tc.Message.IsZero() {
		logger.Warn("no message tracked for task")
		return
	}
	if err := o.messenger.EditMessage(ctx, tc.Message, payload); err != nil {
		logger.Warn("edit task message failed", zap.Error(err))
	}
}

// evict drops the context and rewrites any prompts still attached to it.
func (o *Orchestrator) evict(ctx context.Context, logger *zap.Logger, taskID string, payload chat.Payload) {
	for _, ref := range o.registry.Evict(taskID) {
		if err := o.messenger.EditMessage(ctx, ref, payload); err != nil {
			logger.Warn("update approver prompt failed", zap.String("message_id", ref.ID), zap.Error(err))
		}
	}
	o.metrics.SetPending(o.registry.Len())
}

func (o *Orchestrator) observe(step Step, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	o.metrics.ObserveStep(string(step), outcome, time.Since(started))
}
