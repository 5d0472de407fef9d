package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/codecat/internal/reliability"
)

// fakeHosting serves the subset of the REST API the client uses.
type fakeHosting struct {
	mu        sync.Mutex
	refs      map[string]string
	files     map[string]string
	refPosts  int
	puts      []contentsPayload
	prURL     string
	authSeen  []string
	failPaths map[string]int
}

func newFakeHosting() *fakeHosting {
	return &fakeHosting{
		refs:      map[string]string{"main": "sha-main"},
		files:     map[string]string{"README.md": "sha-readme"},
		prURL:     "https://github.com/acme/web/pull/1",
		failPaths: map[string]int{},
	}
}

func (f *fakeHosting) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authSeen = append(f.authSeen, r.Header.Get("Authorization"))

	if code, ok := f.failPaths[r.Method+" "+r.URL.Path]; ok {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"message":"boom"}`))
		return
	}

	const prefix = "/repos/acme/web"
	path := strings.TrimPrefix(r.URL.Path, prefix)
	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/git/ref/heads/"):
		sha, ok := f.refs[strings.TrimPrefix(path, "/git/ref/heads/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"object": map[string]string{"sha": sha}})
	case r.Method == http.MethodPost && path == "/git/refs":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		name := strings.TrimPrefix(body["ref"], "refs/heads/")
		if _, exists := f.refs[name]; exists {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		f.refPosts++
		f.refs[name] = body["sha"]
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/contents/"):
		sha, ok := f.files[strings.TrimPrefix(path, "/contents/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"sha": sha})
	case r.Method == http.MethodPut && strings.HasPrefix(path, "/contents/"):
		var body contentsPayload
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.puts = append(f.puts, body)
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPost && path == "/pulls":
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"html_url": f.prURL})
	case r.Method == http.MethodGet && r.URL.Path == "/user":
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 7, "login": "octocat"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeHosting) {
	t.Helper()
	fake := newFakeHosting()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, srv.URL), fake
}

func TestAuthorizationHeader(t *testing.T) {
	cases := map[string]string{
		"ghp_abc":          "token ghp_abc",
		"gho_abc":          "token gho_abc",
		"ghu_abc":          "token ghu_abc",
		"ghs_abc":          "token ghs_abc",
		"ghr_abc":          "token ghr_abc",
		"github_pat_abc":   "Bearer github_pat_abc",
		"v1.0123456789abc": "Bearer v1.0123456789abc",
	}
	for token, want := range cases {
		if got := authorizationHeader(token); got != want {
			t.Fatalf("authorizationHeader(%q) = %q, want %q", token, got, want)
		}
	}
}

func TestEnsureBranchIsIdempotent(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureBranch(ctx, "ghp_x", "acme/web", "fix-1", "main"))
	require.NoError(t, c.EnsureBranch(ctx, "ghp_x", "acme/web", "fix-1", "main"))

	assert.Equal(t, 1, fake.refPosts)
	assert.Equal(t, "sha-main", fake.refs["fix-1"])
}

func TestEnsureBranchCreatedConcurrently(t *testing.T) {
	c, fake := newTestClient(t)
	// The ref lookup misses but the create reports 422 because another
	// writer got there first.
	fake.failPaths["GET /repos/acme/web/git/ref/heads/race"] = http.StatusNotFound
	fake.refs["race"] = "sha-other"

	require.NoError(t, c.EnsureBranch(context.Background(), "ghp_x", "acme/web", "race", "main"))
	assert.Equal(t, 0, fake.refPosts)
}

func TestEnsureBranchUnexpectedStatus(t *testing.T) {
	c, fake := newTestClient(t)
	fake.failPaths["GET /repos/acme/web/git/ref/heads/fix-1"] = http.StatusForbidden

	err := c.EnsureBranch(context.Background(), "ghp_x", "acme/web", "fix-1", "main")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Contains(t, apiErr.Body, "boom")
	assert.True(t, errors.Is(err, ErrAPI))
}

func TestEnsureBranchMissingDefault(t *testing.T) {
	c, _ := newTestClient(t)
	err := c.EnsureBranch(context.Background(), "ghp_x", "acme/web", "fix-1", "trunk")
	assert.ErrorIs(t, err, ErrAPI)
}

func TestFileSHA(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	sha, found, err := c.FileSHA(ctx, "t", "acme/web", "main", "README.md")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "sha-readme", sha)

	sha, found, err = c.FileSHA(ctx, "t", "acme/web", "main", "missing.go")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, sha)
}

func TestCommitFileEncodesContent(t *testing.T) {
	c, fake := newTestClient(t)
	err := c.CommitFile(context.Background(), "t", CommitRequest{
		Repo: "acme/web", Branch: "fix-1", Path: "docs/a.md", Content: "hello", Message: "Update docs/a.md via CodeCat",
	})
	require.NoError(t, err)
	require.Len(t, fake.puts, 1)

	put := fake.puts[0]
	decoded, err := base64.StdEncoding.DecodeString(put.Content)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(decoded))
	assert.Empty(t, put.SHA)
	assert.Equal(t, "fix-1", put.Branch)
	assert.Equal(t, committerName, put.Committer.Name)
}

func TestCreatePullRequest(t *testing.T) {
	c, fake := newTestClient(t)
	url, err := c.CreatePullRequest(context.Background(), "github_pat_x", PullRequest{Repo: "acme/web", Head: "fix-1", Base: "main", Title: "CodeCat: fix"})
	require.NoError(t, err)
	assert.Equal(t, fake.prURL, url)
	assert.Equal(t, "Bearer github_pat_x", fake.authSeen[len(fake.authSeen)-1])
}

func TestCreatePullRequestWithoutURL(t *testing.T) {
	c, fake := newTestClient(t)
	fake.prURL = ""
	_, err := c.CreatePullRequest(context.Background(), "t", PullRequest{Repo: "acme/web", Head: "fix-1", Base: "main"})
	assert.ErrorIs(t, err, ErrAPI)
}

func TestAuthenticatedUser(t *testing.T) {
	c, _ := newTestClient(t)
	acct, err := c.AuthenticatedUser(context.Background(), "gho_x")
	require.NoError(t, err)
	assert.Equal(t, "octocat", acct.Login)
}

func TestAPIErrorClass(t *testing.T) {
	assert.Equal(t, reliability.FailureTransient, (&APIError{Status: http.StatusBadGateway}).Class())
	assert.Equal(t, reliability.FailureAuth, (&APIError{Status: http.StatusUnauthorized}).Class())
	assert.Equal(t, reliability.FailureNotFound, (&APIError{Status: http.StatusNotFound}).Class())
	assert.Equal(t, reliability.FailureTransport, (&APIError{Err: &net.OpError{Op: "dial", Err: errors.New("refused")}}).Class())
	assert.Equal(t, reliability.FailurePermanent, (&APIError{Body: "empty path"}).Class())
	assert.Equal(t, reliability.FailurePermanent, (&APIError{Status: 0, Err: errors.New("decode response")}).Class())
}
