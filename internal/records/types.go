package records

import (
	"time"

	"github.com/ent0n29/codecat/internal/policy"
	"github.com/ent0n29/codecat/internal/tasks"
)

// Guild is a tenant community and its task policy. Rows are written by the
// dashboard; this service only reads them.
type Guild struct {
	ID                      string               `json:"id" yaml:"id"`
	GuildID                 string               `json:"guild_id" yaml:"guild_id"`
	Name                    string               `json:"name,omitempty" yaml:"name"`
	DefaultRepo             string               `json:"default_repo,omitempty" yaml:"default_repo"`
	DefaultBranch           string               `json:"default_branch,omitempty" yaml:"default_branch"`
	Permissions             policy.PermissionMap `json:"permissions" yaml:"permissions"`
	DefaultOpenRouterAPIKey string               `json:"default_openrouter_api_key,omitempty" yaml:"default_openrouter_api_key"`
	DefaultModel            string               `json:"default_model,omitempty" yaml:"default_model"`
	GithubRepoID            int64                `json:"github_repo_id,omitempty" yaml:"github_repo_id"`
	GithubRepoName          string               `json:"github_repo_name,omitempty" yaml:"github_repo_name"`
	GithubConnected         bool                 `json:"github_connected" yaml:"github_connected"`
}

// User is a chat member known to the service.
type User struct {
	ID                string `json:"id" yaml:"id"`
	DiscordID         string `json:"discord_id" yaml:"discord_id"`
	DiscordUsername   string `json:"discord_username,omitempty" yaml:"discord_username"`
	OpenRouterAPIKey  string `json:"openrouter_api_key,omitempty" yaml:"openrouter_api_key"`
	GithubAccessToken string `json:"github_access_token,omitempty" yaml:"github_access_token"`
	GithubUsername    string `json:"github_username,omitempty" yaml:"github_username"`
}

// HasGithub reports whether the user has linked a hosting account.
func (u User) HasGithub() bool { return u.GithubAccessToken != "" }

// Task is the durable record of one requested change.
type Task struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id,omitempty"`
	DiscordUserID string       `json:"discord_user_id"`
	GuildID       string       `json:"guild_id"`
	Prompt        string       `json:"prompt"`
	Status        tasks.Status `json:"status"`
	PRURL         string       `json:"pr_url,omitempty"`
	SessionID     string       `json:"session_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// NewTask carries the columns supplied at creation.
type NewTask struct {
	UserID        string
	DiscordUserID string
	GuildID       string
	Prompt        string
	Status        tasks.Status
}

// TaskUpdate holds the optional columns written with a status change. Empty
// fields leave the stored value untouched.
type TaskUpdate struct {
	PRURL     string
	SessionID string
}

// GithubLink is the result of a completed device authorization.
type GithubLink struct {
	DiscordID       string
	DiscordUsername string
	AccessToken     string
	Username        string
}
