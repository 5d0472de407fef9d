package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultMessageRetention = 10000

// ActionHandler resolves a button press forwarded by a bridge. The returned
// string is the ephemeral reply for the acting user.
type ActionHandler func(ctx context.Context, action, taskID, userID string) (string, error)

type storedMessage struct {
	ref      MessageRef
	target   Target
	payload  Payload
	postedAt time.Time
}

type guildState struct {
	ownerID string
	members map[string]Member
}

// Hub is the in-process chat surface. It keeps the messages it has posted and
// the guild member roster, and mirrors every post and edit to the connected
// platform bridges, which own the actual platform connection.
type Hub struct {
	mu sync.RWMutex

	logger    *zap.Logger
	retention int

	messages map[string]*storedMessage
	order    []string
	guilds   map[string]*guildState

	onAction ActionHandler

	subscribers map[int]chan any
	nextSubID   int
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:      logger,
		retention:   defaultMessageRetention,
		messages:    make(map[string]*storedMessage),
		guilds:      make(map[string]*guildState),
		subscribers: make(map[int]chan any),
	}
}

func (h *Hub) SetActionHandler(fn ActionHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onAction = fn
}

// Subscribe registers a bridge. Frames are dropped for a bridge whose buffer
// is full rather than blocking the engine.
func (h *Hub) Subscribe() (<-chan any, func()) {
	ch := make(chan any, 256)
	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	h.subscribers[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(c)
		}
	}
}

func (h *Hub) BridgeCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) PostMessage(_ context.Context, target Target, payload Payload) (MessageRef, error) {
	if target.ID == "" {
		return MessageRef{}, fmt.Errorf("%w: empty target", ErrUndeliverable)
	}
	now := time.Now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()

	channelID := target.ID
	if target.Kind == TargetDirect {
		member, ok := h.memberAnyGuildLocked(target.ID)
		if !ok {
			return MessageRef{}, fmt.Errorf("%w: unknown member %s", ErrUndeliverable, target.ID)
		}
		if member.DMsClosed || member.Bot {
			return MessageRef{}, fmt.Errorf("%w: direct messages closed for %s", ErrUndeliverable, target.ID)
		}
		channelID = "dm:" + target.ID
	}

	ref := MessageRef{ID: uuid.NewString(), ChannelID: channelID}
	h.messages[ref.ID] = &storedMessage{ref: ref, target: target, payload: payload, postedAt: now}
	h.order = append(h.order, ref.ID)
	h.pruneLocked()

	h.publishLocked(MessageFrame{Type: FrameMessagePosted, Ref: ref, Target: target, Payload: payload, At: now})
	return ref, nil
}

func (h *Hub) EditMessage(_ context.Context, ref MessageRef, payload Payload) error {
	now := time.Now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()

	msg, ok := h.messages[ref.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, ref.ID)
	}
	msg.payload = payload
	h.publishLocked(MessageFrame{Type: FrameMessageEdited, Ref: msg.ref, Target: msg.target, Payload: payload, At: now})
	return nil
}

// Message returns the current payload of a posted message.
func (h *Hub) Message(ref MessageRef) (Payload, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msg, ok := h.messages[ref.ID]
	if !ok {
		return Payload{}, false
	}
	return msg.payload, true
}

// Messages lists posted messages to target, oldest first.
func (h *Hub) Messages(target Target) []MessageRef {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []MessageRef
	for _, id := range h.order {
		if msg := h.messages[id]; msg != nil && msg.target == target {
			out = append(out, msg.ref)
		}
	}
	return out
}

func (h *Hub) Member(_ context.Context, guildID, userID string) (Member, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	g, ok := h.guilds[guildID]
	if !ok {
		return Member{}, fmt.Errorf("%w: %s", ErrGuildNotFound, guildID)
	}
	m, ok := g.members[userID]
	if !ok {
		return Member{}, fmt.Errorf("%w: %s", ErrMemberNotFound, userID)
	}
	return cloneMember(m), nil
}

func (h *Hub) MembersWithRoles(_ context.Context, guildID string, roleIDs []string) ([]Member, error) {
	want := make(map[string]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		want[strings.TrimSpace(id)] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	g, ok := h.guilds[guildID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGuildNotFound, guildID)
	}
	out := make([]Member, 0)
	for _, m := range g.members {
		for _, r := range m.RoleIDs {
			if _, ok := want[r]; ok {
				out = append(out, cloneMember(m))
				break
			}
		}
	}
	return out, nil
}

func (h *Hub) GuildOwner(_ context.Context, guildID string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	g, ok := h.guilds[guildID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrGuildNotFound, guildID)
	}
	return g.ownerID, nil
}

func (h *Hub) UpsertGuild(guildID, ownerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g := h.guildLocked(guildID)
	if ownerID != "" {
		g.ownerID = ownerID
	}
}

func (h *Hub) UpsertMember(guildID string, m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.guildLocked(guildID).members[m.ID] = cloneMember(m)
}

func (h *Hub) RemoveMember(guildID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if g, ok := h.guilds[guildID]; ok {
		delete(g.members, userID)
	}
}

// Dispatch applies one inbound bridge frame and returns the reply frame for
// the sending bridge, if any.
func (h *Hub) Dispatch(ctx context.Context, frame any) any {
	switch f := frame.(type) {
	case MemberUpsertFrame:
		h.UpsertMember(f.GuildID, f.Member)
		return nil
	case MemberRemoveFrame:
		h.RemoveMember(f.GuildID, f.UserID)
		return nil
	case GuildUpsertFrame:
		h.UpsertGuild(f.GuildID, f.OwnerID)
		return nil
	case ActionFrame:
		return h.dispatchAction(ctx, f)
	default:
		return ErrorFrame{Type: FrameError, Code: "unsupported_frame", Detail: fmt.Sprintf("%T", frame)}
	}
}

func (h *Hub) dispatchAction(ctx context.Context, f ActionFrame) any {
	action, taskID, err := ParseActionID(f.ActionID)
	if err != nil {
		return ErrorFrame{Type: FrameError, Code: "invalid_action", Detail: err.Error()}
	}
	h.mu.RLock()
	handler := h.onAction
	h.mu.RUnlock()
	if handler == nil {
		return ActionResultFrame{Type: FrameActionResult, RequestID: f.RequestID, TaskID: taskID, Code: "unavailable", Message: "Task actions are not available right now."}
	}

	reply, err := handler(ctx, action, taskID, f.UserID)
	if err != nil {
		h.logger.Info("bridge action rejected",
			zap.String("task_id", taskID),
			zap.String("action", action),
			zap.String("user_id", f.UserID),
			zap.Error(err))
		return ActionResultFrame{Type: FrameActionResult, RequestID: f.RequestID, TaskID: taskID, Code: "rejected", Message: reply}
	}
	return ActionResultFrame{Type: FrameActionResult, RequestID: f.RequestID, TaskID: taskID, OK: true, Message: reply}
}

func (h *Hub) guildLocked(guildID string) *guildState {
	g, ok := h.guilds[guildID]
	if !ok {
		g = &guildState{members: make(map[string]Member)}
		h.guilds[guildID] = g
	}
	return g
}

func (h *Hub) memberAnyGuildLocked(userID string) (Member, bool) {
	for _, g := range h.guilds {
		if m, ok := g.members[userID]; ok {
			return m, true
		}
	}
	return Member{}, false
}

func (h *Hub) pruneLocked() {
	if h.retention <= 0 || len(h.order) <= h.retention {
		return
	}
	drop := len(h.order) - h.retention
	for _, id := range h.order[:drop] {
		delete(h.messages, id)
	}
	h.order = append([]string(nil), h.order[drop:]...)
}

func (h *Hub) publishLocked(frame any) {
	for _, ch := range h.subscribers {
		select {
		case ch <- frame:
		default:
			h.logger.Warn("bridge buffer full; dropping frame")
		}
	}
}

func cloneMember(m Member) Member {
	m.RoleIDs = append([]string(nil), m.RoleIDs...)
	return m
}
