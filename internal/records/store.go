package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/codecat/internal/tasks"
)

var (
	// ErrStore matches every failure returned by a Store.
	ErrStore = errors.New("record store error")
	// ErrNotFound is wrapped in a StoreError when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidRecord rejects writes that are malformed before they reach storage.
	ErrInvalidRecord = errors.New("invalid record")
)

// StoreError wraps transport and backend failures so callers never handle a
// raw driver error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return "records: " + e.Op
	}
	return fmt.Sprintf("records: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// Store is the record service used by the workflow engine.
type Store interface {
	GuildByExternalID(ctx context.Context, guildID string) (Guild, error)
	GuildByID(ctx context.Context, id string) (Guild, error)
	UserByExternalID(ctx context.Context, discordID string) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	CreateTask(ctx context.Context, task NewTask) (Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status tasks.Status, update TaskUpdate) (Task, error)
	UpsertGithubConnection(ctx context.Context, link GithubLink) (User, error)
	TasksByStatus(ctx context.Context, status tasks.Status, limit int) ([]Task, error)
	Ping(ctx context.Context) error
	Close()
}

func validateNewTask(task NewTask) error {
	if task.DiscordUserID == "" || task.GuildID == "" {
		return fmt.Errorf("%w: task requires discord_user_id and guild_id", ErrInvalidRecord)
	}
	if task.Status != tasks.StatusPendingConfirmation && task.Status != tasks.StatusInProgress {
		return fmt.Errorf("%w: task cannot be created as %q", ErrInvalidRecord, task.Status)
	}
	return nil
}

func validateLink(link GithubLink) error {
	if link.DiscordID == "" || link.AccessToken == "" {
		return fmt.Errorf("%w: github link requires discord_id and access token", ErrInvalidRecord)
	}
	return nil
}
