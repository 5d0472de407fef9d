package workflow

import (
	"fmt"
	"strings"

	"github.com/ent0n29/codecat/internal/chat"
	"github.com/ent0n29/codecat/internal/tasks"
)

// Reply is the ephemeral acknowledgement for the submitter.
func (r SubmitResult) Reply() string {
	if r.Started {
		switch {
		case r.Failure != nil:
			return UserMessage(r.Failure)
		case r.PRURL != "":
			return "Task confirmed automatically. PR created: " + r.PRURL
		default:
			return "Task confirmed automatically. CodeCat is starting now."
		}
	}

	n := r.Notify
	switch {
	case n.LookupErr != nil:
		return "Task created, but the moderator list could not be loaded so nobody was notified. Ask the guild owner to run /update to resend confirmation prompts."
	case n.Notified == 0 && len(n.Failed) > 0:
		return "Task created, but no moderators could be notified. Ask the team to check confirm roles or DM permissions. Failed recipients: " + mentions(n.Failed)
	case n.Notified == 0:
		return "Task created, but there are no members with confirm roles yet. Update role assignments or ask an admin to run /update once configured."
	case len(n.Failed) > 0:
		return fmt.Sprintf("Task created and notified %d moderator(s). Some members could not be reached: %s.", n.Notified, mentions(n.Failed))
	default:
		return fmt.Sprintf("Task created and notified %d moderator(s). Waiting for confirmation.", n.Notified)
	}
}

func (r ResolveResult) Reply() string {
	if r.Action == chat.ActionReject {
		return "Task rejected successfully."
	}
	switch {
	case r.Failure != nil:
		return UserMessage(r.Failure)
	case r.Status == tasks.StatusCompleted:
		return "Task confirmed. PR created: " + r.PRURL
	default:
		return "Task confirmed. CodeCat is starting now."
	}
}

func (r RefreshResult) Reply() string {
	switch {
	case r.Refreshed == 0:
		return "No pending tasks needed updates. New role settings will apply to future requests."
	case r.LookupFailed > 0:
		return fmt.Sprintf("Refreshed %d pending task(s) and notified %d moderator(s), but the moderator list could not be loaded for %d of them. Run /update again shortly.", r.Refreshed, r.Notified, r.LookupFailed)
	case r.Notified == 0 && len(r.Failed) > 0:
		return fmt.Sprintf("Refreshed %d pending task(s), but no moderators could be notified. Failed recipients: %s.", r.Refreshed, mentions(r.Failed))
	case len(r.Failed) > 0:
		return fmt.Sprintf("Refreshed %d pending task(s) and notified %d moderator(s). Some members could not be reached: %s.", r.Refreshed, r.Notified, mentions(r.Failed))
	default:
		return fmt.Sprintf("Refreshed %d pending task(s) and notified %d moderator(s).", r.Refreshed, r.Notified)
	}
}

func (s RepoSummary) Reply() string {
	lines := []string{fmt.Sprintf("Repository: `%s`", s.Repo)}
	if s.RepoID != 0 {
		lines = append(lines, fmt.Sprintf("Repository ID: `%d`", s.RepoID))
	}
	lines = append(lines,
		fmt.Sprintf("Default branch: `%s`", s.DefaultBranch),
		"Guild OpenRouter API key configured: "+yesNo(s.HasDefaultKey),
		fmt.Sprintf("Default model: `%s`", s.DefaultModel),
		"GitHub connected via dashboard: "+yesNo(s.GithubConnected),
		fmt.Sprintf("Create roles: %d", s.CreateRoles),
		fmt.Sprintf("Confirm roles: %d", s.ConfirmRoles),
	)
	return strings.Join(lines, "\n")
}

func mentions(ids []string) string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, chat.Mention(id))
	}
	return strings.Join(out, ", ")
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
