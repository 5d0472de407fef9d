package tasks

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/codecat/internal/chat"
	"github.com/ent0n29/codecat/internal/policy"
)

func pendingContext(id, guild string) *Context {
	return &Context{
		TaskID:      id,
		GuildID:     guild,
		Description: "fix typo",
		Permissions: policy.PermissionMap{ConfirmRoles: policy.RoleList{"R1"}},
		Status:      StatusPendingConfirmation,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestRegistryTakeIsSingleWinner(t *testing.T) {
	r := NewRegistry()
	if err := r.Put(pendingContext("t1", "g1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	r.AttachPrompt("t1", chat.MessageRef{ID: "dm-1", ChannelID: "u1"})

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, prompts, err := r.Take("t1", StatusPendingConfirmation)
			if err == nil {
				winners.Add(1)
				if c.TaskID != "t1" || len(prompts) != 1 {
					t.Errorf("Take() = %+v, %v", c, prompts)
				}
				return
			}
			if !errors.Is(err, ErrContextNotFound) {
				t.Errorf("Take() error = %v, want ErrContextNotFound", err)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("winners = %d, want 1", got)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistryTakeRequiresStatus(t *testing.T) {
	r := NewRegistry()
	c := pendingContext("t2", "g1")
	c.Status = StatusInProgress
	if err := r.Put(c); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, _, err := r.Take("t2", StatusPendingConfirmation); !errors.Is(err, ErrContextNotFound) {
		t.Fatalf("Take() error = %v, want ErrContextNotFound", err)
	}
	if _, ok := r.Get("t2"); !ok {
		t.Fatalf("context removed by failed Take")
	}
}

func TestRegistryPutRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Put(pendingContext("t3", "g1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := r.Put(pendingContext("t3", "g1")); !errors.Is(err, ErrDuplicateContext) {
		t.Fatalf("Put() duplicate error = %v, want ErrDuplicateContext", err)
	}
}

func TestRegistryAttachPromptAfterResolution(t *testing.T) {
	r := NewRegistry()
	if ok := r.AttachPrompt("missing", chat.MessageRef{ID: "dm"}); ok {
		t.Fatalf("AttachPrompt() = true for unknown task")
	}
}

func TestRegistryPendingForGuildAndReplacePermissions(t *testing.T) {
	r := NewRegistry()
	older := pendingContext("a", "g1")
	older.CreatedAt = time.Now().Add(-time.Minute)
	_ = r.Put(older)
	_ = r.Put(pendingContext("b", "g1"))
	_ = r.Put(pendingContext("c", "g2"))

	got := r.PendingForGuild("g1")
	if len(got) != 2 || got[0].TaskID != "a" || got[1].TaskID != "b" {
		t.Fatalf("PendingForGuild(g1) = %+v", got)
	}

	next := policy.PermissionMap{ConfirmRoles: policy.RoleList{"R2"}}
	if !r.ReplacePermissions("a", next) {
		t.Fatalf("ReplacePermissions() = false")
	}
	c, _ := r.Get("a")
	if len(c.Permissions.ConfirmRoles) != 1 || c.Permissions.ConfirmRoles[0] != "R2" {
		t.Fatalf("permissions = %+v, want R2", c.Permissions)
	}

	// Mutating the returned clone must not leak back.
	c.Permissions.ConfirmRoles[0] = "X"
	again, _ := r.Get("a")
	if again.Permissions.ConfirmRoles[0] != "R2" {
		t.Fatalf("Get() returned aliased context")
	}
}

func TestRegistryEvictReturnsPrompts(t *testing.T) {
	r := NewRegistry()
	_ = r.Put(pendingContext("t4", "g1"))
	r.AttachPrompt("t4", chat.MessageRef{ID: "dm-1"})
	r.AttachPrompt("t4", chat.MessageRef{ID: "dm-2"})

	prompts := r.Evict("t4")
	if len(prompts) != 2 {
		t.Fatalf("Evict() prompts = %v, want 2", prompts)
	}
	if _, ok := r.Get("t4"); ok {
		t.Fatalf("context still present after Evict")
	}
}
