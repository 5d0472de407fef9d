package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/codecat/internal/chat"
	"github.com/ent0n29/codecat/internal/codegen"
	"github.com/ent0n29/codecat/internal/github"
	"github.com/ent0n29/codecat/internal/policy"
	"github.com/ent0n29/codecat/internal/records"
	"github.com/ent0n29/codecat/internal/tasks"
)

const (
	testGuild   = "guild-1"
	testChannel = "chan-1"
	roleCreate  = "C1"
	roleConfirm = "R1"
)

type flakyStore struct {
	*records.MemoryStore

	mu         sync.Mutex
	failStatus map[tasks.Status]error
}

func (s *flakyStore) failOn(status tasks.Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus[status] = err
}

func (s *flakyStore) UpdateTaskStatus(ctx context.Context, id string, status tasks.Status, update records.TaskUpdate) (records.Task, error) {
	s.mu.Lock()
	err := s.failStatus[status]
	s.mu.Unlock()
	if err != nil {
		return records.Task{}, &records.StoreError{Op: "update task status", Err: err}
	}
	return s.MemoryStore.UpdateTaskStatus(ctx, id, status, update)
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	last  codegen.Request
	edits []codegen.FileEdit
	err   error
}

func (g *fakeGenerator) Generate(_ context.Context, req codegen.Request) ([]codegen.FileEdit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.last = req
	if g.err != nil {
		return nil, g.err
	}
	return append([]codegen.FileEdit(nil), g.edits...), nil
}

func (g *fakeGenerator) lastRequest() codegen.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeHosting struct {
	mu          sync.Mutex
	ensureCalls int
	shaCalls    int
	commits     []github.CommitRequest
	prCalls     int
	shas        map[string]string
	shaErr      error
	ensureErr   error
	commitErr   error
	prURL       string
	tokens      []string
}

func newFakeHosting() *fakeHosting {
	return &fakeHosting{shas: map[string]string{}, prURL: "https://github.com/acme/web/pull/1"}
}

func (h *fakeHosting) EnsureBranch(_ context.Context, token, repo, branch, defaultBranch string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ensureCalls++
	h.tokens = append(h.tokens, token)
	return h.ensureErr
}

func (h *fakeHosting) FileSHA(_ context.Context, token, repo, branch, path string) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shaCalls++
	if h.shaErr != nil {
		return "", false, h.shaErr
	}
	sha, ok := h.shas[path]
	return sha, ok, nil
}

func (h *fakeHosting) CommitFile(_ context.Context, token string, req github.CommitRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.commitErr != nil {
		return h.commitErr
	}
	h.commits = append(h.commits, req)
	return nil
}

func (h *fakeHosting) CreatePullRequest(_ context.Context, token string, pr github.PullRequest) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prCalls++
	return h.prURL, nil
}

func (h *fakeHosting) totalCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ensureCalls + h.shaCalls + len(h.commits) + h.prCalls
}

type harness struct {
	orch      *Orchestrator
	store     *flakyStore
	hub       *chat.Hub
	generator *fakeGenerator
	hosting   *fakeHosting
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := records.NewMemoryStore()
	store := &flakyStore{MemoryStore: mem, failStatus: map[tasks.Status]error{}}

	_, err := mem.PutGuild(records.Guild{
		GuildID:       testGuild,
		DefaultRepo:   "acme/web",
		DefaultBranch: "main",
		Permissions: policy.PermissionMap{
			CreateRoles:  policy.RoleList{roleCreate},
			ConfirmRoles: policy.RoleList{roleConfirm},
		},
		DefaultOpenRouterAPIKey: "sk-or-guild-key",
	})
	require.NoError(t, err)

	for _, u := range []records.User{
		{DiscordID: "dev", DiscordUsername: "dev", GithubAccessToken: "ghp_devtoken"},
		{DiscordID: "mod", DiscordUsername: "mod", GithubAccessToken: "ghp_modtoken", OpenRouterAPIKey: "sk-or-mod-key"},
		{DiscordID: "nokey", DiscordUsername: "nokey"},
	} {
		_, err := mem.PutUser(u)
		require.NoError(t, err)
	}

	hub := chat.NewHub(nil)
	hub.UpsertGuild(testGuild, "owner")
	hub.UpsertMember(testGuild, chat.Member{ID: "dev", Username: "dev", DisplayName: "Dev", RoleIDs: []string{roleCreate}})
	hub.UpsertMember(testGuild, chat.Member{ID: "mod", Username: "mod", DisplayName: "Mod", RoleIDs: []string{roleConfirm}})
	hub.UpsertMember(testGuild, chat.Member{ID: "mod2", Username: "mod2", RoleIDs: []string{roleConfirm, roleCreate}})
	hub.UpsertMember(testGuild, chat.Member{ID: "closed", Username: "closed", RoleIDs: []string{roleConfirm}, DMsClosed: true})
	hub.UpsertMember(testGuild, chat.Member{ID: "bot", Username: "bot", Bot: true, RoleIDs: []string{roleConfirm}})
	hub.UpsertMember(testGuild, chat.Member{ID: "nokey", Username: "nokey", RoleIDs: []string{roleCreate}})
	hub.UpsertMember(testGuild, chat.Member{ID: "nobody", Username: "nobody"})

	gen := &fakeGenerator{edits: []codegen.FileEdit{
		{Path: "README.md", Action: codegen.ActionUpdate, Content: "fixed"},
		{Path: "docs/new.md", Action: codegen.ActionCreate, Content: "new"},
		{Path: "old.txt", Action: codegen.ActionDelete},
	}}
	hosting := newFakeHosting()
	hosting.shas["README.md"] = "sha-readme"

	orch, err := New(Options{
		Store:     store,
		Generator: gen,
		Hosting:   hosting,
		Messenger: hub,
		Directory: hub,
	})
	require.NoError(t, err)
	return &harness{orch: orch, store: store, hub: hub, generator: gen, hosting: hosting}
}

func (h *harness) submit(t *testing.T, requester string) SubmitResult {
	t.Helper()
	res, err := h.orch.Submit(context.Background(), SubmitRequest{
		GuildID:     testGuild,
		ChannelID:   testChannel,
		RequesterID: requester,
		Description: "fix typo",
		Branch:      "fix-1",
	})
	require.NoError(t, err)
	return res
}

func (h *harness) task(t *testing.T, id string) records.Task {
	t.Helper()
	row, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return row
}

func (h *harness) originPayload(t *testing.T) chat.Payload {
	t.Helper()
	refs := h.hub.Messages(chat.Channel(testChannel))
	require.NotEmpty(t, refs)
	p, ok := h.hub.Message(refs[len(refs)-1])
	require.True(t, ok)
	return p
}

func (h *harness) dmPayloads(t *testing.T, userID string) []chat.Payload {
	t.Helper()
	var out []chat.Payload
	for _, ref := range h.hub.Messages(chat.DirectMessage(userID)) {
		p, ok := h.hub.Message(ref)
		require.True(t, ok)
		out = append(out, p)
	}
	return out
}

var errBoom = errors.New("boom")
