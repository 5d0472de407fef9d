package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/codecat/internal/chat"
	"github.com/ent0n29/codecat/internal/codegen"
	"github.com/ent0n29/codecat/internal/github"
	"github.com/ent0n29/codecat/internal/observability"
	"github.com/ent0n29/codecat/internal/policy"
	"github.com/ent0n29/codecat/internal/records"
	"github.com/ent0n29/codecat/internal/tasks"
)

const (
	DefaultBranch            = "main"
	defaultNotifyConcurrency = 8
)

// Hosting is the repository operations the pipeline needs.
type Hosting interface {
	EnsureBranch(ctx context.Context, token, repo, branch, defaultBranch string) error
	FileSHA(ctx context.Context, token, repo, branch, path string) (string, bool, error)
	CommitFile(ctx context.Context, token string, req github.CommitRequest) error
	CreatePullRequest(ctx context.Context, token string, pr github.PullRequest) (string, error)
}

type Options struct {
	Store     records.Store
	Generator codegen.Generator
	Hosting   Hosting
	Messenger chat.Messenger
	Directory chat.Directory
	Logger    *zap.Logger
	Metrics   *observability.Metrics

	DefaultModel  string
	DefaultBranch string
	// CredentialOptional lets tasks run without a model API key, for
	// self-hosted generators.
	CredentialOptional bool
	NotifyConcurrency  int
	PipelineTimeout    time.Duration
}

// Orchestrator owns the outstanding task contexts and every transition out
// of pending_confirmation.
type Orchestrator struct {
	store     records.Store
	generator codegen.Generator
	hosting   Hosting
	messenger chat.Messenger
	directory chat.Directory
	logger    *zap.Logger
	metrics   *observability.Metrics

	defaultModel       string
	defaultBranch      string
	credentialOptional bool
	notifyConcurrency  int
	pipelineTimeout    time.Duration

	registry *tasks.Registry
	now      func() time.Time
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Generator == nil || opts.Hosting == nil || opts.Messenger == nil || opts.Directory == nil {
		return nil, errors.New("workflow: store, generator, hosting, messenger and directory are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:              opts.Store,
		generator:          opts.Generator,
		hosting:            opts.Hosting,
		messenger:          opts.Messenger,
		directory:          opts.Directory,
		logger:             logger,
		metrics:            opts.Metrics,
		defaultModel:       strings.TrimSpace(opts.DefaultModel),
		defaultBranch:      strings.TrimSpace(opts.DefaultBranch),
		credentialOptional: opts.CredentialOptional,
		notifyConcurrency:  opts.NotifyConcurrency,
		pipelineTimeout:    opts.PipelineTimeout,
		registry:           tasks.NewRegistry(),
		now:                func() time.Time { return time.Now().UTC() },
	}
	if o.defaultModel == "" {
		o.defaultModel = codegen.DefaultModel
	}
	if o.defaultBranch == "" {
		o.defaultBranch = DefaultBranch
	}
	if o.notifyConcurrency <= 0 {
		o.notifyConcurrency = defaultNotifyConcurrency
	}
	return o, nil
}

// Outstanding reports how many task contexts are held in memory.
func (o *Orchestrator) Outstanding() int { return o.registry.Len() }

// SubmitRequest is a task submission from the command surface.
type SubmitRequest struct {
	GuildID      string
	ChannelID    string
	RequesterID  string
	Description  string
	Branch       string
	RepoOverride string
}

// SubmitResult describes a created task. For immediate starts the pipeline
// has finished when it is returned; PRURL or Failure holds its outcome.
type SubmitResult struct {
	TaskID  string
	Status  tasks.Status
	Repo    string
	Branch  string
	Started bool
	Notify  NotifyResult
	PRURL   string
	Failure error
}

// Submit gates a request, records the task and either runs it or asks the
// guild's approvers to confirm it. Every error return means no task row was
// left pending.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	req.Description = strings.TrimSpace(req.Description)
	req.Branch = strings.TrimSpace(req.Branch)
	if req.Description == "" || req.Branch == "" || req.GuildID == "" || req.RequesterID == "" {
		return SubmitResult{}, ErrInvalidRequest
	}

	guild, err := o.loadGuild(ctx, req.GuildID)
	if err != nil {
		return SubmitResult{}, err
	}

	repo := firstNonEmpty(req.RepoOverride, guild.GithubRepoName, guild.DefaultRepo)
	if repo == "" {
		return SubmitResult{}, ErrNoRepository
	}
	defaultBranch := firstNonEmpty(guild.DefaultBranch, o.defaultBranch)

	member, err := o.directory.Member(ctx, req.GuildID, req.RequesterID)
	if err != nil {
		o.logger.Warn("resolve requester failed",
			zap.String("guild_id", req.GuildID),
			zap.String("user_id", req.RequesterID),
			zap.Error(err))
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrMemberUnavailable, err)
	}
	decision := policy.DecideSubmit(member.Roles(), guild.Permissions)
	if !decision.Allowed {
		return SubmitResult{}, ErrNotAuthorized
	}

	user, err := o.store.UserByExternalID(ctx, req.RequesterID)
	if err != nil {
		if !errors.Is(err, records.ErrNotFound) {
			o.logger.Warn("load requester record failed", zap.String("user_id", req.RequesterID), zap.Error(err))
		}
		user = records.User{}
	}

	apiKey := firstNonEmpty(user.OpenRouterAPIKey, guild.DefaultOpenRouterAPIKey)
	if apiKey == "" && !o.credentialOptional {
		return SubmitResult{}, ErrNoCredential
	}
	// Hosting tokens are per user; there is no guild fallback.
	hostingToken := strings.TrimSpace(user.GithubAccessToken)
	if hostingToken == "" {
		return SubmitResult{}, ErrNoHostingToken
	}

	status := tasks.StatusInProgress
	if decision.RequiresApproval {
		status = tasks.StatusPendingConfirmation
	}

	row, err := o.store.CreateTask(ctx, records.NewTask{
		UserID:        user.ID,
		DiscordUserID: member.ID,
		GuildID:       guild.ID,
		Prompt:        fmt.Sprintf("Repo: %s\nBranch: %s\nTask: %s", repo, req.Branch, req.Description),
		Status:        status,
	})
	if err != nil {
		o.logger.Error("create task failed", zap.String("guild_id", req.GuildID), zap.Error(err))
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	tc := &tasks.Context{
		TaskID:    row.ID,
		GuildUUID: guild.ID,
		GuildID:   req.GuildID,
		ChannelID: req.ChannelID,
		Requester: tasks.Requester{
			ID:          member.ID,
			Username:    member.Username,
			DisplayName: member.Name(),
			Mention:     member.Mention(),
		},
		UserRecordID:  user.ID,
		Repo:          repo,
		RepoID:        guild.GithubRepoID,
		RepoName:      guild.GithubRepoName,
		Branch:        req.Branch,
		DefaultBranch: defaultBranch,
		Description:   req.Description,
		Permissions:   guild.Permissions.Clone(),
		APIKey:        apiKey,
		Model:         firstNonEmpty(guild.DefaultModel, o.defaultModel),
		HostingToken:  hostingToken,
		Status:        status,
		CreatedAt:     o.now(),
	}

	logger := o.logger.With(zap.String("task_id", tc.TaskID), zap.String("guild_id", tc.GuildID))

	origin := chat.PendingPayload(summaryOf(tc))
	if status == tasks.StatusInProgress {
		origin = chat.InProgressPayload(summaryOf(tc))
	}
	ref, err := o.messenger.PostMessage(ctx, chat.Channel(req.ChannelID), origin)
	if err != nil {
		logger.Error("post task message failed", zap.Error(err))
		o.markRejected(ctx, logger, tc.TaskID)
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrOriginUnavailable, err)
	}
	tc.Message = ref

	if err := o.registry.Put(tc); err != nil {
		logger.Error("register task context failed", zap.Error(err))
		o.markRejected(ctx, logger, tc.TaskID)
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	o.metrics.SetPending(o.registry.Len())

	result := SubmitResult{
		TaskID: tc.TaskID,
		Status: status,
		Repo:   repo,
		Branch: req.Branch,
	}

	if status == tasks.StatusInProgress {
		o.metrics.TaskEvent("submitted_immediate")
		logger.Info("task submitted by approver; starting immediately")
		prURL, err := o.execute(ctx, tc)
		if errors.Is(err, ErrStartFailed) {
			return SubmitResult{}, err
		}
		result.Started = true
		result.PRURL = prURL
		result.Failure = err
		return result, nil
	}

	o.metrics.TaskEvent("submitted_pending")
	logger.Info("task submitted; awaiting confirmation")
	result.Notify = o.NotifyApprovers(ctx, tc)
	return result, nil
}

// ResolveResult describes the outcome of a confirm or reject.
type ResolveResult struct {
	TaskID  string
	Action  string
	Status  tasks.Status
	PRURL   string
	Failure error
}

// Resolve is the single transition point out of pending_confirmation. The
// actor must hold confirm in the task's permission snapshot; concurrent calls
// for one task see exactly one winner, the rest get ErrAlreadyResolved.
func (o *Orchestrator) Resolve(ctx context.Context, taskID, action, actorID string) (ResolveResult, error) {
	if action != chat.ActionConfirm && action != chat.ActionReject {
		return ResolveResult{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	snapshot, ok := o.registry.Get(taskID)
	if !ok || snapshot.Status != tasks.StatusPendingConfirmation {
		return ResolveResult{}, ErrAlreadyResolved
	}

	actor, err := o.directory.Member(ctx, snapshot.GuildID, actorID)
	if err != nil {
		o.logger.Warn("resolve actor failed",
			zap.String("task_id", taskID),
			zap.String("user_id", actorID),
			zap.Error(err))
		return ResolveResult{}, fmt.Errorf("%w: %v", ErrMemberUnavailable, err)
	}
	if !policy.CanConfirm(actor.Roles(), snapshot.Permissions) {
		return ResolveResult{}, ErrNotApprover
	}

	tc, prompts, err := o.registry.Take(taskID, tasks.StatusPendingConfirmation)
	if err != nil {
		return ResolveResult{}, ErrAlreadyResolved
	}
	logger := o.logger.With(zap.String("task_id", taskID), zap.String("actor_id", actor.ID), zap.String("action", action))

	if action == chat.ActionReject {
		return o.reject(ctx, logger, tc, prompts, actor)
	}

	o.metrics.TaskEvent("confirmed")
	logger.Info("task confirmed")
	o.retractPrompts(ctx, logger, prompts, chat.StatusInProgress, fmt.Sprintf("Confirmed by %s. Progress is shown on the original request.", actor.Name()))

	tc.Status = tasks.StatusInProgress
	if err := o.registry.Put(tc); err != nil {
		logger.Warn("re-register confirmed task failed", zap.Error(err))
	}

	prURL, err := o.execute(ctx, tc)
	if errors.Is(err, ErrStartFailed) {
		return ResolveResult{}, err
	}
	res := ResolveResult{TaskID: taskID, Action: action, Status: tasks.StatusCompleted, PRURL: prURL, Failure: err}
	if err != nil {
		res.Status = tasks.StatusRejected
	}
	return res, nil
}

func (o *Orchestrator) reject(ctx context.Context, logger *zap.Logger, tc *tasks.Context, prompts []chat.MessageRef, actor chat.Member) (ResolveResult, error) {
	if _, err := o.store.UpdateTaskStatus(ctx, tc.TaskID, tasks.StatusRejected, records.TaskUpdate{}); err != nil {
		logger.Error("mark task rejected failed; restoring pending context", zap.Error(err))
		if putErr := o.registry.Put(tc); putErr == nil {
			for _, ref := range prompts {
				o.registry.AttachPrompt(tc.TaskID, ref)
			}
		}
		return ResolveResult{}, fmt.Errorf("%w: %v", ErrResolveFailed, err)
	}
	o.metrics.TaskEvent("rejected")
	logger.Info("task rejected")

	if !tc.Message.IsZero() {
		if err := o.messenger.EditMessage(ctx, tc.Message, chat.RejectedPayload(actor.ID, actor.Name())); err != nil {
			logger.Warn("edit task message failed", zap.Error(err))
		}
	}
	o.retractPrompts(ctx, logger, prompts, chat.StatusRejected, fmt.Sprintf("Rejected by %s.", actor.Name()))
	o.metrics.SetPending(o.registry.Len())
	return ResolveResult{TaskID: tc.TaskID, Action: chat.ActionReject, Status: tasks.StatusRejected}, nil
}

// RefreshResult summarizes a RefreshPending pass.
type RefreshResult struct {
	Refreshed int
	Notified  int
	Failed    []string
	// LookupFailed counts tasks whose approver list could not be read.
	LookupFailed int
}

// RefreshPending re-reads the guild policy, swaps it into every pending task
// of the guild and re-issues approver prompts to the new approver set.
func (o *Orchestrator) RefreshPending(ctx context.Context, guildID string) (RefreshResult, error) {
	guild, err := o.loadGuild(ctx, guildID)
	if err != nil {
		return RefreshResult{}, err
	}

	var (
		out    RefreshResult
		failed = make(map[string]struct{})
	)
	for _, tc := range o.registry.PendingForGuild(guildID) {
		if !o.registry.ReplacePermissions(tc.TaskID, guild.Permissions) {
			continue
		}
		logger := o.logger.With(zap.String("task_id", tc.TaskID), zap.String("guild_id", guildID))
		o.retractPrompts(ctx, logger, o.registry.TakePrompts(tc.TaskID), chat.StatusExpired, "Confirmation roles changed. This prompt has been replaced.")

		tc.Permissions = guild.Permissions.Clone()
		res := o.NotifyApprovers(ctx, tc)
		out.Refreshed++
		out.Notified += res.Notified
		if res.LookupErr != nil {
			out.LookupFailed++
		}
		for _, id := range res.Failed {
			failed[id] = struct{}{}
		}
	}
	out.Failed = sortedKeys(failed)
	o.logger.Info("pending tasks refreshed",
		zap.String("guild_id", guildID),
		zap.Int("refreshed", out.Refreshed),
		zap.Int("notified", out.Notified),
		zap.Int("failed", len(out.Failed)),
		zap.Int("lookup_failed", out.LookupFailed))
	return out, nil
}

// RepoSummary is the guild configuration visible to members. It never
// carries credentials.
type RepoSummary struct {
	Repo            string `json:"repo"`
	RepoID          int64  `json:"repo_id,omitempty"`
	DefaultBranch   string `json:"default_branch"`
	HasDefaultKey   bool   `json:"has_default_key"`
	DefaultModel    string `json:"default_model"`
	GithubConnected bool   `json:"github_connected"`
	CreateRoles     int    `json:"create_roles"`
	ConfirmRoles    int    `json:"confirm_roles"`
}

func (o *Orchestrator) CurrentRepo(ctx context.Context, guildID string) (RepoSummary, error) {
	guild, err := o.loadGuild(ctx, guildID)
	if err != nil {
		return RepoSummary{}, err
	}
	repo := firstNonEmpty(guild.GithubRepoName, guild.DefaultRepo)
	if repo == "" {
		return RepoSummary{}, ErrNoRepository
	}
	return RepoSummary{
		Repo:            repo,
		RepoID:          guild.GithubRepoID,
		DefaultBranch:   firstNonEmpty(guild.DefaultBranch, o.defaultBranch),
		HasDefaultKey:   guild.DefaultOpenRouterAPIKey != "",
		DefaultModel:    firstNonEmpty(guild.DefaultModel, o.defaultModel),
		GithubConnected: guild.GithubConnected,
		CreateRoles:     len(guild.Permissions.CreateRoles),
		ConfirmRoles:    len(guild.Permissions.ConfirmRoles),
	}, nil
}

// ReportOrphans logs tasks whose in-memory context did not survive a
// restart. They stay in their stored status until resubmitted.
func (o *Orchestrator) ReportOrphans(ctx context.Context) (int, error) {
	total := 0
	for _, status := range []tasks.Status{tasks.StatusPendingConfirmation, tasks.StatusInProgress} {
		rows, err := o.store.TasksByStatus(ctx, status, 100)
		if err != nil {
			return total, err
		}
		for _, row := range rows {
			if _, ok := o.registry.Get(row.ID); ok {
				continue
			}
			total++
			o.logger.Warn("orphaned task",
				zap.String("task_id", row.ID),
				zap.String("status", string(row.Status)),
				zap.Time("created_at", row.CreatedAt))
		}
	}
	return total, nil
}

func (o *Orchestrator) loadGuild(ctx context.Context, guildID string) (records.Guild, error) {
	guild, err := o.store.GuildByExternalID(ctx, guildID)
	if err == nil {
		return guild, nil
	}
	if errors.Is(err, records.ErrNotFound) {
		return records.Guild{}, ErrGuildNotConfigured
	}
	o.logger.Error("load guild failed", zap.String("guild_id", guildID), zap.Error(err))
	return records.Guild{}, fmt.Errorf("%w: %v", ErrGuildUnavailable, err)
}

func (o *Orchestrator) markRejected(ctx context.Context, logger *zap.Logger, taskID string) {
	if _, err := o.store.UpdateTaskStatus(ctx, taskID, tasks.StatusRejected, records.TaskUpdate{}); err != nil {
		logger.Error("mark task rejected failed", zap.Error(err))
	}
}

func (o *Orchestrator) retractPrompts(ctx context.Context, logger *zap.Logger, prompts []chat.MessageRef, status, note string) {
	for _, ref := range prompts {
		if err := o.messenger.EditMessage(ctx, ref, chat.ResolvedPromptPayload(status, note)); err != nil {
			logger.Warn("retract approver prompt failed", zap.String("message_id", ref.ID), zap.Error(err))
		}
	}
}

func summaryOf(tc *tasks.Context) chat.TaskSummary {
	return chat.TaskSummary{
		TaskID:        tc.TaskID,
		RequesterName: tc.Requester.DisplayName,
		RequesterID:   tc.Requester.ID,
		Repo:          tc.Repo,
		Branch:        tc.Branch,
		Description:   tc.Description,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
