package records

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ent0n29/codecat/internal/tasks"
)

// Fixtures is the on-disk seed for a MemoryStore.
type Fixtures struct {
	Guilds []Guild `yaml:"guilds"`
	Users  []User  `yaml:"users"`
}

// MemoryStore keeps records in process. It backs local development and tests;
// nothing survives a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	guilds map[string]Guild
	users  map[string]User
	tasks  map[string]Task
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		guilds: make(map[string]Guild),
		users:  make(map[string]User),
		tasks:  make(map[string]Task),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// LoadMemoryStore seeds a MemoryStore from a YAML fixtures file.
func LoadMemoryStore(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, storeErr("load fixtures", err)
	}
	var fx Fixtures
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, storeErr("load fixtures", fmt.Errorf("parse %s: %w", path, err))
	}
	s := NewMemoryStore()
	for _, g := range fx.Guilds {
		if _, err := s.PutGuild(g); err != nil {
			return nil, err
		}
	}
	for _, u := range fx.Users {
		if _, err := s.PutUser(u); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// PutGuild inserts or replaces a guild keyed by its external id. A missing
// internal id is generated.
func (s *MemoryStore) PutGuild(g Guild) (Guild, error) {
	if strings.TrimSpace(g.GuildID) == "" {
		return Guild{}, storeErr("put guild", fmt.Errorf("%w: guild_id is required", ErrInvalidRecord))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.findGuildLocked(g.GuildID); ok && g.ID == "" {
		g.ID = existing.ID
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.Permissions = g.Permissions.Clone()
	s.guilds[g.ID] = g
	return g, nil
}

// PutUser inserts or replaces a user keyed by its external id.
func (s *MemoryStore) PutUser(u User) (User, error) {
	if strings.TrimSpace(u.DiscordID) == "" {
		return User{}, storeErr("put user", fmt.Errorf("%w: discord_id is required", ErrInvalidRecord))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.findUserLocked(u.DiscordID); ok && u.ID == "" {
		u.ID = existing.ID
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *MemoryStore) GuildByExternalID(_ context.Context, guildID string) (Guild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.findGuildLocked(guildID)
	if !ok {
		return Guild{}, storeErr("guild by external id", ErrNotFound)
	}
	g.Permissions = g.Permissions.Clone()
	return g, nil
}

func (s *MemoryStore) GuildByID(_ context.Context, id string) (Guild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guilds[id]
	if !ok {
		return Guild{}, storeErr("guild by id", ErrNotFound)
	}
	g.Permissions = g.Permissions.Clone()
	return g, nil
}

func (s *MemoryStore) UserByExternalID(_ context.Context, discordID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.findUserLocked(discordID)
	if !ok {
		return User{}, storeErr("user by external id", ErrNotFound)
	}
	return u, nil
}

func (s *MemoryStore) UserByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, storeErr("user by id", ErrNotFound)
	}
	return u, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task NewTask) (Task, error) {
	if err := validateNewTask(task); err != nil {
		return Task{}, storeErr("create task", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	t := Task{
		ID:            uuid.NewString(),
		UserID:        task.UserID,
		DiscordUserID: task.DiscordUserID,
		GuildID:       task.GuildID,
		Prompt:        task.Prompt,
		Status:        task.Status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.tasks[t.ID] = t
	return t, nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, storeErr("get task", ErrNotFound)
	}
	return t, nil
}

func (s *MemoryStore) UpdateTaskStatus(_ context.Context, id string, status tasks.Status, update TaskUpdate) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, storeErr("update task status", ErrNotFound)
	}
	if err := tasks.CheckTransition(t.Status, status); err != nil {
		return Task{}, storeErr("update task status", err)
	}
	t.Status = status
	if v := strings.TrimSpace(update.PRURL); v != "" {
		t.PRURL = v
	}
	if v := strings.TrimSpace(update.SessionID); v != "" {
		t.SessionID = v
	}
	t.UpdatedAt = s.now()
	s.tasks[id] = t
	return t, nil
}

func (s *MemoryStore) UpsertGithubConnection(_ context.Context, link GithubLink) (User, error) {
	if err := validateLink(link); err != nil {
		return User{}, storeErr("upsert github connection", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.findUserLocked(link.DiscordID)
	if !ok {
		return User{}, storeErr("upsert github connection", ErrNotFound)
	}
	u.GithubAccessToken = link.AccessToken
	u.GithubUsername = link.Username
	if link.DiscordUsername != "" {
		u.DiscordUsername = link.DiscordUsername
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *MemoryStore) TasksByStatus(_ context.Context, status tasks.Status, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0)
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func (s *MemoryStore) findGuildLocked(guildID string) (Guild, bool) {
	for _, g := range s.guilds {
		if g.GuildID == guildID {
			return g, true
		}
	}
	return Guild{}, false
}

func (s *MemoryStore) findUserLocked(discordID string) (User, bool) {
	for _, u := range s.users {
		if u.DiscordID == discordID {
			return u, true
		}
	}
	return User{}, false
}
