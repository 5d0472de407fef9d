// Package chat is the notification surface the task engine talks to: posting
// and editing messages, and resolving guild members by role.
package chat

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUndeliverable   = errors.New("message undeliverable")
	ErrMessageNotFound = errors.New("message not found")
	ErrMemberNotFound  = errors.New("member not found")
	ErrGuildNotFound   = errors.New("guild not found")
)

type TargetKind string

const (
	TargetChannel TargetKind = "channel"
	TargetDirect  TargetKind = "direct"
)

// Target is where a message is posted: a guild channel or a member's DMs.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

func Channel(id string) Target { return Target{Kind: TargetChannel, ID: strings.TrimSpace(id)} }

func DirectMessage(userID string) Target {
	return Target{Kind: TargetDirect, ID: strings.TrimSpace(userID)}
}

// MessageRef locates a posted message for later edits.
type MessageRef struct {
	ID        string `json:"message_id"`
	ChannelID string `json:"channel_id"`
}

func (r MessageRef) IsZero() bool { return r.ID == "" }

// RoleHolder enumerates the role ids a member holds.
type RoleHolder interface {
	Roles() []string
}

type Member struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	Bot         bool     `json:"bot"`
	RoleIDs     []string `json:"role_ids"`
	DMsClosed   bool     `json:"dms_closed,omitempty"`
}

func (m Member) Roles() []string { return m.RoleIDs }

// Mention renders the platform mention markup for the member.
func (m Member) Mention() string { return Mention(m.ID) }

func (m Member) Name() string {
	if strings.TrimSpace(m.DisplayName) != "" {
		return m.DisplayName
	}
	if strings.TrimSpace(m.Username) != "" {
		return m.Username
	}
	return m.ID
}

func Mention(userID string) string { return "<@" + userID + ">" }

// Messenger posts and edits messages.
type Messenger interface {
	PostMessage(ctx context.Context, target Target, payload Payload) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, payload Payload) error
}

// Directory resolves guild members.
type Directory interface {
	Member(ctx context.Context, guildID, userID string) (Member, error)
	MembersWithRoles(ctx context.Context, guildID string, roleIDs []string) ([]Member, error)
	GuildOwner(ctx context.Context, guildID string) (string, error)
}
