package tasks

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/ent0n29/codecat/internal/chat"
	"github.com/ent0n29/codecat/internal/policy"
)

var (
	ErrContextNotFound  = errors.New("task context not found")
	ErrDuplicateContext = errors.New("task context already registered")
)

// Registry holds the outstanding task contexts and the approver prompts that
// reference them. Both maps are one resource behind a single mutex; Take is
// the only way a pending task leaves it, so at most one caller wins.
type Registry struct {
	mu       sync.Mutex
	contexts map[string]*Context
	prompts  map[string][]chat.MessageRef
}

func NewRegistry() *Registry {
	return &Registry{
		contexts: make(map[string]*Context),
		prompts:  make(map[string][]chat.MessageRef),
	}
}

func (r *Registry) Put(c *Context) error {
	if c == nil || strings.TrimSpace(c.TaskID) == "" {
		return errors.New("task_id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contexts[c.TaskID]; ok {
		return ErrDuplicateContext
	}
	r.contexts[c.TaskID] = c.Clone()
	return nil
}

func (r *Registry) Get(taskID string) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[taskID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Take atomically removes the context for taskID when its status is want and
// returns it together with any prompts attached to it.
func (r *Registry) Take(taskID string, want Status) (*Context, []chat.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[taskID]
	if !ok || c.Status != want {
		return nil, nil, ErrContextNotFound
	}
	delete(r.contexts, taskID)
	prompts := r.prompts[taskID]
	delete(r.prompts, taskID)
	return c, prompts, nil
}

// Evict drops the context and returns its remaining prompts.
func (r *Registry) Evict(taskID string) []chat.MessageRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, taskID)
	prompts := r.prompts[taskID]
	delete(r.prompts, taskID)
	return prompts
}

// AttachPrompt records a delivered approver prompt. It returns false when the
// task was resolved while the prompt was in flight.
func (r *Registry) AttachPrompt(taskID string, ref chat.MessageRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contexts[taskID]; !ok {
		return false
	}
	r.prompts[taskID] = append(r.prompts[taskID], ref)
	return true
}

// TakePrompts detaches and returns every prompt recorded for taskID.
func (r *Registry) TakePrompts(taskID string) []chat.MessageRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	prompts := r.prompts[taskID]
	delete(r.prompts, taskID)
	return prompts
}

// ReplacePermissions swaps the permission snapshot of a still-pending task.
func (r *Registry) ReplacePermissions(taskID string, perms policy.PermissionMap) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[taskID]
	if !ok || c.Status != StatusPendingConfirmation {
		return false
	}
	c.Permissions = perms.Clone()
	return true
}

// PendingForGuild lists pending contexts of one guild, oldest first.
func (r *Registry) PendingForGuild(guildID string) []*Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Context, 0)
	for _, c := range r.contexts {
		if c.GuildID == guildID && c.Status == StatusPendingConfirmation {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}
