package workflow

import (
	"errors"
	"fmt"

	"github.com/ent0n29/codecat/internal/records"
	"github.com/ent0n29/codecat/internal/reliability"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrGuildNotConfigured = errors.New("guild not configured")
	ErrGuildUnavailable   = errors.New("guild configuration unavailable")
	ErrNoRepository       = errors.New("no repository linked")
	ErrMemberUnavailable  = errors.New("member roles unavailable")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrNoCredential       = errors.New("no code generation credential")
	ErrNoHostingToken     = errors.New("no hosting account linked")
	ErrCreateFailed       = errors.New("task could not be created")
	ErrOriginUnavailable  = errors.New("task message could not be posted")
	ErrAlreadyResolved    = errors.New("task already resolved")
	ErrUnknownAction      = errors.New("unknown task action")
	ErrStartFailed        = errors.New("task could not be started")
	ErrResolveFailed      = errors.New("task action failed")

	// ErrNotApprover is a narrower ErrNotAuthorized for confirm/reject.
	ErrNotApprover = fmt.Errorf("%w: confirm role required", ErrNotAuthorized)

	errNoEdits   = errors.New("no changes generated")
	errNoCommits = errors.New("no files to commit")
)

// Step names a pipeline stage.
type Step string

const (
	StepMarkInProgress Step = "mark_in_progress"
	StepGenerate       Step = "generate"
	StepEnsureBranch   Step = "ensure_branch"
	StepCommit         Step = "commit"
	StepPullRequest    Step = "pull_request"
	StepMarkCompleted  Step = "mark_completed"
)

// StepError is a pipeline failure that has already been handled: the task
// is rejected and its surfaces show the failure.
type StepError struct {
	TaskID string
	Step   Step
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("task %s failed at %s: %v", e.TaskID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// UserMessage converts an orchestrator error into the text shown to the
// member who triggered it. Dependency detail stays in the logs.
func UserMessage(err error) string {
	var stepErr *StepError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &stepErr):
		return failureNotice(stepErr.Step, stepErr.Err)
	case errors.Is(err, ErrInvalidRequest):
		return "Both a branch name and a task description are required."
	case errors.Is(err, ErrGuildNotConfigured):
		return "This guild is not configured for CodeCat tasks yet."
	case errors.Is(err, ErrGuildUnavailable):
		return "Guild configuration is unavailable. Please try again later."
	case errors.Is(err, ErrNoRepository):
		return "No GitHub repository is linked for this guild yet. Connect a repository in the dashboard before running tasks."
	case errors.Is(err, ErrMemberUnavailable):
		return "Unable to resolve your guild permissions."
	case errors.Is(err, ErrNotApprover):
		return "You need a confirm role to perform this action."
	case errors.Is(err, ErrNotAuthorized):
		return "You do not have permission to run CodeCat tasks."
	case errors.Is(err, ErrNoCredential):
		return "No OpenRouter API key available. Add a personal key or configure a guild default key in the dashboard."
	case errors.Is(err, ErrNoHostingToken):
		return "No GitHub account connected. Please connect your GitHub account in the dashboard before running tasks."
	case errors.Is(err, ErrCreateFailed):
		return "Could not create task. Please try again later."
	case errors.Is(err, ErrOriginUnavailable):
		return "Unable to post the task in this channel. Check the bot's channel permissions."
	case errors.Is(err, ErrAlreadyResolved):
		return "This task is no longer awaiting confirmation."
	case errors.Is(err, ErrUnknownAction):
		return "Unknown task action."
	case errors.Is(err, ErrStartFailed):
		return "CodeCat session could not be started. Please retry later."
	case errors.Is(err, records.ErrStore):
		return "Something went wrong while processing the request."
	default:
		return "Something went wrong while processing the request."
	}
}

func failureNotice(step Step, err error) string {
	notice := stepNotice(step, err)
	if hint := failureHint(step, reliability.ClassOf(err)); hint != "" {
		notice += " " + hint
	}
	return notice
}

// failureHint tells the member what to do about a provider failure.
func failureHint(step Step, class reliability.FailureClass) string {
	switch class {
	case reliability.FailureTransient, reliability.FailureTransport:
		return "The service is temporarily unavailable. Please try again later."
	case reliability.FailureAuth:
		if step == StepGenerate {
			return "Check the OpenRouter API key configured for you or this guild."
		}
		return "Reconnect your GitHub account with /connect-github and try again."
	case reliability.FailureNotFound:
		if step == StepGenerate {
			return "Check the model configured for this guild."
		}
		return "Check that the repository exists and your GitHub account can access it."
	default:
		return ""
	}
}

func stepNotice(step Step, err error) string {
	switch {
	case errors.Is(err, errNoCommits):
		return "Task failed: No files to commit"
	case errors.Is(err, errNoEdits):
		return "Task failed: the model did not propose any changes."
	}
	switch step {
	case StepGenerate:
		return "Task failed: code generation did not succeed."
	case StepEnsureBranch:
		return "Task failed: Failed to create branch."
	case StepCommit:
		return "Task failed: Failed to commit files."
	case StepPullRequest:
		return "Task failed: Failed to create PR."
	default:
		return "Task failed."
	}
}
