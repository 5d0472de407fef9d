package tasks

import (
	"time"

	"github.com/ent0n29/codecat/internal/chat"
	"github.com/ent0n29/codecat/internal/policy"
)

// Requester identifies the member who submitted a task.
type Requester struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name"`
	Mention     string `json:"mention"`
}

// Context is the working state of a task between submission and a terminal
// status. Credentials live here by value and nowhere else.
type Context struct {
	TaskID       string
	GuildUUID    string
	GuildID      string
	ChannelID    string
	Message      chat.MessageRef
	Requester    Requester
	UserRecordID string

	Repo          string
	RepoID        int64
	RepoName      string
	Branch        string
	DefaultBranch string
	Description   string

	Permissions  policy.PermissionMap
	APIKey       string
	Model        string
	HostingToken string

	Status    Status
	CreatedAt time.Time
}

// Clone returns a copy that shares no slices with c.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.Permissions = c.Permissions.Clone()
	return &out
}
