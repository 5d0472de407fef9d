package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/codecat/internal/policy"
)

// CommandHelp is one slash command a member may run.
type CommandHelp struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// HelpResult lists the commands open to one member of a guild.
type HelpResult struct {
	Commands   []CommandHelp `json:"commands"`
	CanCreate  bool          `json:"can_create"`
	CanConfirm bool          `json:"can_confirm"`
	Owner      bool          `json:"owner"`
}

var (
	helpHelp        = CommandHelp{Name: "help", Description: "Show CodeCat commands available to you."}
	helpCurrentRepo = CommandHelp{Name: "current_repo", Description: "Show the repository configuration for this guild."}
	helpCodecat     = CommandHelp{Name: "codecat", Description: "Run a CodeCat AI development task in the connected repository."}
	helpConnect     = CommandHelp{Name: "connect-github", Description: "Connect your GitHub account for CodeCat tasks."}
	helpUpdate      = CommandHelp{Name: "update", Description: "Refresh CodeCat role configuration for this guild."}
)

// Help reports which commands userID may run in guildID, judged against the
// guild's current role policy.
func (o *Orchestrator) Help(ctx context.Context, guildID, userID string) (HelpResult, error) {
	if strings.TrimSpace(guildID) == "" || strings.TrimSpace(userID) == "" {
		return HelpResult{}, ErrInvalidRequest
	}
	guild, err := o.loadGuild(ctx, guildID)
	if err != nil {
		return HelpResult{}, err
	}
	member, err := o.directory.Member(ctx, guildID, userID)
	if err != nil {
		o.logger.Warn("resolve member for help failed",
			zap.String("guild_id", guildID),
			zap.String("user_id", userID),
			zap.Error(err))
		return HelpResult{}, fmt.Errorf("%w: %v", ErrMemberUnavailable, err)
	}

	out := HelpResult{
		CanCreate:  policy.HasPermission(member.Roles(), guild.Permissions, policy.KindCreate),
		CanConfirm: policy.HasPermission(member.Roles(), guild.Permissions, policy.KindConfirm),
		Commands:   []CommandHelp{helpHelp, helpCurrentRepo},
	}
	if owner, err := o.directory.GuildOwner(ctx, guildID); err != nil {
		o.logger.Warn("resolve guild owner for help failed", zap.String("guild_id", guildID), zap.Error(err))
	} else {
		out.Owner = owner == member.ID
	}

	if out.CanCreate || out.CanConfirm {
		out.Commands = append(out.Commands, helpCodecat, helpConnect)
	}
	if out.Owner {
		out.Commands = append(out.Commands, helpUpdate)
	}
	return out, nil
}

func (h HelpResult) Reply() string {
	lines := []string{"CodeCat commands available to you:"}
	for _, c := range h.Commands {
		lines = append(lines, fmt.Sprintf("`/%s`: %s", c.Name, c.Description))
	}
	switch {
	case h.CanConfirm:
		lines = append(lines, "Your tasks start immediately, and you can confirm or reject pending tasks from the prompts CodeCat sends you.")
	case h.CanCreate:
		lines = append(lines, "Tasks you submit wait for a moderator to confirm them.")
	default:
		lines = append(lines, "You have no CodeCat roles in this guild. Ask an admin to grant a create or confirm role.")
	}
	return strings.Join(lines, "\n")
}
