package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/codecat/internal/policy"
	"github.com/ent0n29/codecat/internal/reliability"
)

const (
	DefaultAPIBaseURL   = "https://api.github.com"
	DefaultOAuthBaseURL = "https://github.com"

	committerName  = "CodeCat Bot"
	committerEmail = "bot@codecat.dev"
)

// ErrAPI matches every failure returned by Client.
var ErrAPI = errors.New("github api error")

// APIError carries the failing operation and, when the service answered, its
// status and a truncated body.
type APIError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *APIError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("github %s: status %d: %s", e.Op, e.Status, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("github %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("github %s: %s", e.Op, e.Body)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

func (e *APIError) Is(target error) bool { return target == ErrAPI }

// Class groups the failure for member-facing wording.
func (e *APIError) Class() reliability.FailureClass {
	return reliability.Classify(e.Status, e.Err)
}

// Client talks to the GitHub REST API and OAuth device endpoints.
type Client struct {
	apiBase   string
	oauthBase string
	client    *http.Client
}

func NewClient(apiBaseURL, oauthBaseURL string) *Client {
	apiBaseURL = strings.TrimRight(strings.TrimSpace(apiBaseURL), "/")
	if apiBaseURL == "" {
		apiBaseURL = DefaultAPIBaseURL
	}
	oauthBaseURL = strings.TrimRight(strings.TrimSpace(oauthBaseURL), "/")
	if oauthBaseURL == "" {
		oauthBaseURL = DefaultOAuthBaseURL
	}
	return &Client{
		apiBase:   apiBaseURL,
		oauthBase: oauthBaseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// authorizationHeader picks the scheme from the token shape: classic
// prefixed tokens use "token", everything else "Bearer".
func authorizationHeader(token string) string {
	for _, prefix := range []string{"ghp_", "gho_", "ghu_", "ghs_", "ghr_"} {
		if strings.HasPrefix(token, prefix) {
			return "token " + token
		}
	}
	return "Bearer " + token
}

type response struct {
	status int
	body   []byte
}

func (c *Client) do(ctx context.Context, op, method, token, path string, in any) (response, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return response{}, &APIError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return response{}, &APIError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if token != "" {
		req.Header.Set("Authorization", authorizationHeader(token))
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(req)
	if err != nil {
		return response{}, &APIError{Op: op, Err: fmt.Errorf("send request: %w", err)}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return response{}, &APIError{Op: op, Status: res.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	return response{status: res.StatusCode, body: raw}, nil
}

func statusError(op string, res response) *APIError {
	body := strings.TrimSpace(string(res.body))
	if len(body) > 4<<10 {
		body = body[:4<<10]
	}
	return &APIError{Op: op, Status: res.status, Body: policy.Redact(body)}
}

func repoPath(repo string) string {
	owner, name, _ := strings.Cut(strings.Trim(strings.TrimSpace(repo), "/"), "/")
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

type refObject struct {
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

// EnsureBranch makes branch exist, creating it from the tip of defaultBranch.
// An existing branch or one created concurrently counts as success.
func (c *Client) EnsureBranch(ctx context.Context, token, repo, branch, defaultBranch string) error {
	const op = "ensure branch"
	res, err := c.do(ctx, op, http.MethodGet, token, repoPath(repo)+"/git/ref/heads/"+escapePath(branch), nil)
	if err != nil {
		return err
	}
	switch res.status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound, http.StatusUnprocessableEntity:
	default:
		return statusError(op, res)
	}

	base, err := c.do(ctx, op, http.MethodGet, token, repoPath(repo)+"/git/ref/heads/"+escapePath(defaultBranch), nil)
	if err != nil {
		return err
	}
	if base.status != http.StatusOK {
		return statusError("resolve default branch", base)
	}
	var ref refObject
	if err := json.Unmarshal(base.body, &ref); err != nil || ref.Object.SHA == "" {
		return &APIError{Op: "resolve default branch", Status: base.status, Body: "missing object sha"}
	}

	created, err := c.do(ctx, op, http.MethodPost, token, repoPath(repo)+"/git/refs", map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": ref.Object.SHA,
	})
	if err != nil {
		return err
	}
	switch created.status {
	case http.StatusOK, http.StatusCreated, http.StatusUnprocessableEntity:
		// 422: the ref was created by someone else in the meantime.
		return nil
	default:
		return statusError("create branch", created)
	}
}

// FileSHA returns the blob sha of path on branch. A missing file is reported
// with found=false and no error.
func (c *Client) FileSHA(ctx context.Context, token, repo, branch, path string) (sha string, found bool, err error) {
	const op = "file sha"
	q := url.Values{"ref": {branch}}
	res, err := c.do(ctx, op, http.MethodGet, token, repoPath(repo)+"/contents/"+escapePath(path)+"?"+q.Encode(), nil)
	if err != nil {
		return "", false, err
	}
	if res.status == http.StatusNotFound {
		return "", false, nil
	}
	if res.status != http.StatusOK {
		return "", false, statusError(op, res)
	}
	var out struct {
		SHA string `json:"sha"`
	}
	if err := json.Unmarshal(res.body, &out); err != nil {
		return "", false, &APIError{Op: op, Status: res.status, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.SHA == "" {
		// Directories decode as arrays and carry no sha.
		return "", false, &APIError{Op: op, Status: res.status, Body: "path is not a file"}
	}
	return out.SHA, true, nil
}

// CommitRequest writes one file. An empty SHA creates the file.
type CommitRequest struct {
	Repo    string
	Branch  string
	Path    string
	Content string
	Message string
	SHA     string
}

type committer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type contentsPayload struct {
	Message   string    `json:"message"`
	Content   string    `json:"content"`
	Branch    string    `json:"branch"`
	SHA       string    `json:"sha,omitempty"`
	Committer committer `json:"committer"`
}

func (c *Client) CommitFile(ctx context.Context, token string, req CommitRequest) error {
	const op = "commit file"
	if strings.TrimSpace(req.Path) == "" {
		return &APIError{Op: op, Body: "empty path"}
	}
	res, err := c.do(ctx, op, http.MethodPut, token, repoPath(req.Repo)+"/contents/"+escapePath(req.Path), contentsPayload{
		Message:   req.Message,
		Content:   base64.StdEncoding.EncodeToString([]byte(req.Content)),
		Branch:    req.Branch,
		SHA:       req.SHA,
		Committer: committer{Name: committerName, Email: committerEmail},
	})
	if err != nil {
		return err
	}
	if res.status != http.StatusOK && res.status != http.StatusCreated {
		return statusError(op, res)
	}
	return nil
}

// PullRequest describes a PR to open.
type PullRequest struct {
	Repo  string
	Head  string
	Base  string
	Title string
	Body  string
}

// CreatePullRequest opens the PR and returns its html URL. A success response
// without a URL is an error.
func (c *Client) CreatePullRequest(ctx context.Context, token string, pr PullRequest) (string, error) {
	const op = "create pull request"
	res, err := c.do(ctx, op, http.MethodPost, token, repoPath(pr.Repo)+"/pulls", map[string]string{
		"title": pr.Title,
		"head":  pr.Head,
		"base":  pr.Base,
		"body":  pr.Body,
	})
	if err != nil {
		return "", err
	}
	if res.status != http.StatusOK && res.status != http.StatusCreated {
		return "", statusError(op, res)
	}
	var out struct {
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(res.body, &out); err != nil {
		return "", &APIError{Op: op, Status: res.status, Err: fmt.Errorf("decode response: %w", err)}
	}
	if strings.TrimSpace(out.HTMLURL) == "" {
		return "", &APIError{Op: op, Status: res.status, Body: "pull request created but no URL returned"}
	}
	return out.HTMLURL, nil
}

// Account is the identity behind a token.
type Account struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

func (c *Client) AuthenticatedUser(ctx context.Context, token string) (Account, error) {
	const op = "authenticated user"
	res, err := c.do(ctx, op, http.MethodGet, token, "/user", nil)
	if err != nil {
		return Account{}, err
	}
	if res.status != http.StatusOK {
		return Account{}, statusError(op, res)
	}
	var acct Account
	if err := json.Unmarshal(res.body, &acct); err != nil {
		return Account{}, &APIError{Op: op, Status: res.status, Err: fmt.Errorf("decode response: %w", err)}
	}
	if strings.TrimSpace(acct.Login) == "" {
		return Account{}, &APIError{Op: op, Status: res.status, Body: "response has no login"}
	}
	return acct, nil
}
