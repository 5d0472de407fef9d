package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FrameType identifies bridge websocket payload variants.
type FrameType string

const (
	FrameMessagePosted FrameType = "message_posted"
	FrameMessageEdited FrameType = "message_edited"
	FrameActionResult  FrameType = "action_result"
	FrameError         FrameType = "error_event"

	FrameAction       FrameType = "action"
	FrameMemberUpsert FrameType = "member_upsert"
	FrameMemberRemove FrameType = "member_remove"
	FrameGuildUpsert  FrameType = "guild_upsert"
)

var ErrUnsupportedFrame = errors.New("unsupported frame type")

type Envelope struct {
	Type FrameType `json:"type"`
}

// Outbound frames.

type MessageFrame struct {
	Type    FrameType  `json:"type"`
	Ref     MessageRef `json:"ref"`
	Target  Target     `json:"target"`
	Payload Payload    `json:"payload"`
	At      time.Time  `json:"at"`
}

type ActionResultFrame struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	TaskID    string    `json:"task_id"`
	OK        bool      `json:"ok"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
}

type ErrorFrame struct {
	Type   FrameType `json:"type"`
	Code   string    `json:"code"`
	Detail string    `json:"detail"`
}

// Inbound frames.

type ActionFrame struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	ActionID  string    `json:"action_id"`
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id,omitempty"`
}

type MemberUpsertFrame struct {
	Type    FrameType `json:"type"`
	GuildID string    `json:"guild_id"`
	Member  Member    `json:"member"`
}

type MemberRemoveFrame struct {
	Type    FrameType `json:"type"`
	GuildID string    `json:"guild_id"`
	UserID  string    `json:"user_id"`
}

type GuildUpsertFrame struct {
	Type     FrameType `json:"type"`
	GuildID  string    `json:"guild_id"`
	OwnerID  string    `json:"owner_id"`
	Channels []string  `json:"channels,omitempty"`
}

// ParseActionID splits "codecat:<action>:<task id>".
func ParseActionID(id string) (action, taskID string, err error) {
	parts := strings.SplitN(strings.TrimSpace(id), ":", 3)
	if len(parts) != 3 || parts[0] != "codecat" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid action id %q", id)
	}
	switch parts[1] {
	case ActionConfirm, ActionReject:
		return parts[1], parts[2], nil
	default:
		return "", "", fmt.Errorf("invalid action %q", parts[1])
	}
}

// ParseBridgeFrame decodes an inbound bridge frame.
func ParseBridgeFrame(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case FrameAction:
		var msg ActionFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ActionID == "" || msg.UserID == "" {
			return nil, errors.New("invalid action")
		}
		if _, _, err := ParseActionID(msg.ActionID); err != nil {
			return nil, err
		}
		return msg, nil
	case FrameMemberUpsert:
		var msg MemberUpsertFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.GuildID == "" || msg.Member.ID == "" {
			return nil, errors.New("invalid member_upsert")
		}
		return msg, nil
	case FrameMemberRemove:
		var msg MemberRemoveFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.GuildID == "" || msg.UserID == "" {
			return nil, errors.New("invalid member_remove")
		}
		return msg, nil
	case FrameGuildUpsert:
		var msg GuildUpsertFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.GuildID == "" {
			return nil, errors.New("invalid guild_upsert")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedFrame
	}
}
