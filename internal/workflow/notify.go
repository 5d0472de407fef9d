package workflow

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/codecat/internal/chat"
	"github.com/ent0n29/codecat/internal/tasks"
)

// NotifyResult counts delivered approver prompts. Failed holds the member ids
// that could not be reached; it is not an error. LookupErr is set when the
// approver list itself could not be read, so nobody was tried.
type NotifyResult struct {
	Notified  int
	Failed    []string
	LookupErr error
}

// NotifyApprovers sends a confirmation prompt to every non-bot member holding
// a confirm role in the task's permission snapshot. One failed delivery never
// stops the others.
func (o *Orchestrator) NotifyApprovers(ctx context.Context, tc *tasks.Context) NotifyResult {
	logger := o.logger.With(zap.String("task_id", tc.TaskID), zap.String("guild_id", tc.GuildID))

	roles := tc.Permissions.ConfirmRoles
	if len(roles) == 0 {
		logger.Info("no confirm roles configured; skipping approver prompts")
		return NotifyResult{}
	}
	members, err := o.directory.MembersWithRoles(ctx, tc.GuildID, roles)
	if err != nil {
		logger.Error("list approvers failed", zap.Error(err))
		o.metrics.ApproverPrompt("lookup_failed")
		return NotifyResult{LookupErr: err}
	}

	approvers := make([]chat.Member, 0, len(members))
	for _, m := range members {
		if m.Bot {
			continue
		}
		approvers = append(approvers, m)
	}
	if len(approvers) == 0 {
		logger.Info("no members currently hold confirm roles")
		return NotifyResult{}
	}

	summary := summaryOf(tc)
	if !tc.Message.IsZero() {
		summary.OriginJumpLink = jumpLink(tc.GuildID, tc.Message)
	}
	prompt := chat.ConfirmationPromptPayload(summary)

	var (
		mu     sync.Mutex
		result NotifyResult
		g      errgroup.Group
	)
	g.SetLimit(o.notifyConcurrency)
	for _, m := range approvers {
		g.Go(func() error {
			ref, err := o.messenger.PostMessage(ctx, chat.DirectMessage(m.ID), prompt)
			if err != nil {
				logger.Warn("approver prompt undeliverable", zap.String("user_id", m.ID), zap.Error(err))
				o.metrics.ApproverPrompt("failed")
				mu.Lock()
				result.Failed = append(result.Failed, m.ID)
				mu.Unlock()
				return nil
			}
			if !o.registry.AttachPrompt(tc.TaskID, ref) {
				// Resolved while the prompt was in flight.
				if err := o.messenger.EditMessage(ctx, ref, chat.ResolvedPromptPayload(chat.StatusExpired, "")); err != nil {
					logger.Warn("retract late approver prompt failed", zap.String("user_id", m.ID), zap.Error(err))
				}
			}
			o.metrics.ApproverPrompt("sent")
			mu.Lock()
			result.Notified++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.Failed)
	if result.Notified == 0 {
		logger.Info("no approver prompts delivered", zap.Strings("failed", result.Failed))
	}
	return result
}

func jumpLink(guildID string, ref chat.MessageRef) string {
	return "https://discord.com/channels/" + guildID + "/" + ref.ChannelID + "/" + ref.ID
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
