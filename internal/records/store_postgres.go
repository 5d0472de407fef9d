package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/codecat/internal/tasks"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, storeErr("connect", err)
	}
	if err := InitSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// InitSchema creates the guilds, users and tasks tables when missing.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS guilds (
			id TEXT PRIMARY KEY,
			guild_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			default_repo TEXT NULL,
			default_branch TEXT NULL,
			permissions JSONB NOT NULL DEFAULT '{"create_roles":[],"confirm_roles":[]}'::jsonb,
			default_openrouter_api_key TEXT NULL,
			default_model TEXT NULL,
			github_repo_id BIGINT NULL,
			github_repo_name TEXT NULL,
			github_connected BOOLEAN NOT NULL DEFAULT FALSE
		);`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			discord_id TEXT NOT NULL UNIQUE,
			discord_username TEXT NULL,
			openrouter_api_key TEXT NULL,
			github_access_token TEXT NULL,
			github_username TEXT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NULL,
			discord_user_id TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL,
			pr_url TEXT NULL,
			session_id TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks (status, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return storeErr("init schema", fmt.Errorf("statement %q: %w", stmt, err))
		}
	}
	return nil
}

const guildColumns = `id, guild_id, name, default_repo, default_branch, permissions,
	default_openrouter_api_key, default_model, github_repo_id, github_repo_name, github_connected`

func (s *PostgresStore) GuildByExternalID(ctx context.Context, guildID string) (Guild, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+guildColumns+` FROM guilds WHERE guild_id=$1`, guildID)
	g, err := scanGuild(row)
	return g, lookupErr("guild by external id", err)
}

func (s *PostgresStore) GuildByID(ctx context.Context, id string) (Guild, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+guildColumns+` FROM guilds WHERE id=$1`, id)
	g, err := scanGuild(row)
	return g, lookupErr("guild by id", err)
}

const userColumns = `id, discord_id, discord_username, openrouter_api_key, github_access_token, github_username`

func (s *PostgresStore) UserByExternalID(ctx context.Context, discordID string) (User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE discord_id=$1`, discordID)
	u, err := scanUser(row)
	return u, lookupErr("user by external id", err)
}

func (s *PostgresStore) UserByID(ctx context.Context, id string) (User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	u, err := scanUser(row)
	return u, lookupErr("user by id", err)
}

const taskColumns = `id, user_id, discord_user_id, guild_id, prompt, status, pr_url, session_id, created_at, updated_at`

// CreateTask inserts the row and reads it back.
func (s *PostgresStore) CreateTask(ctx context.Context, task NewTask) (Task, error) {
	if err := validateNewTask(task); err != nil {
		return Task{}, storeErr("create task", err)
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, user_id, discord_user_id, guild_id, prompt, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`,
		id,
		nullableText(task.UserID),
		task.DiscordUserID,
		task.GuildID,
		task.Prompt,
		string(task.Status),
		now,
	)
	if err != nil {
		return Task{}, storeErr("create task", err)
	}
	created, err := s.GetTask(ctx, id)
	if err != nil {
		return Task{}, storeErr("create task", err)
	}
	return created, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	return t, lookupErr("get task", err)
}

// UpdateTaskStatus applies the change only from a legal previous status, so
// a terminal row is never rewritten.
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id string, status tasks.Status, update TaskUpdate) (Task, error) {
	prev := PreviousStatusStrings(status)
	if len(prev) == 0 {
		return Task{}, storeErr("update task status", fmt.Errorf("%w: no transition enters %q", tasks.ErrIllegalTransition, status))
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks SET
			status=$2,
			pr_url=COALESCE($3, pr_url),
			session_id=COALESCE($4, session_id),
			updated_at=$5
		 WHERE id=$1 AND status = ANY($6)
		 RETURNING `+taskColumns,
		id,
		string(status),
		nullableText(update.PRURL),
		nullableText(update.SessionID),
		time.Now().UTC(),
		prev,
	)
	t, err := scanTask(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Task{}, storeErr("update task status", err)
	}

	current, getErr := s.GetTask(ctx, id)
	if getErr != nil {
		return Task{}, storeErr("update task status", getErr)
	}
	if err := tasks.CheckTransition(current.Status, status); err != nil {
		return Task{}, storeErr("update task status", err)
	}
	return Task{}, storeErr("update task status", fmt.Errorf("task %s changed concurrently", id))
}

// UpsertGithubConnection stores the token on the user's row and re-reads it.
func (s *PostgresStore) UpsertGithubConnection(ctx context.Context, link GithubLink) (User, error) {
	if err := validateLink(link); err != nil {
		return User{}, storeErr("upsert github connection", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET
			github_access_token=$2,
			github_username=$3,
			discord_username=COALESCE($4, discord_username),
			updated_at=now()
		 WHERE discord_id=$1`,
		link.DiscordID,
		link.AccessToken,
		nullableText(link.Username),
		nullableText(link.DiscordUsername),
	)
	if err != nil {
		return User{}, storeErr("upsert github connection", err)
	}
	if tag.RowsAffected() == 0 {
		return User{}, storeErr("upsert github connection", ErrNotFound)
	}
	u, err := s.UserByExternalID(ctx, link.DiscordID)
	if err != nil {
		return User{}, storeErr("upsert github connection", err)
	}
	return u, nil
}

func (s *PostgresStore) TasksByStatus(ctx context.Context, status tasks.Status, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status=$1 ORDER BY created_at DESC LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, storeErr("tasks by status", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storeErr("tasks by status", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("tasks by status", err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return storeErr("ping", s.pool.Ping(ctx))
}

func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// PreviousStatusStrings is tasks.PreviousStatuses as SQL parameters.
func PreviousStatusStrings(to tasks.Status) []string {
	prev := tasks.PreviousStatuses(to)
	out := make([]string, 0, len(prev))
	for _, st := range prev {
		out = append(out, string(st))
	}
	return out
}

func lookupErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storeErr(op, ErrNotFound)
	}
	return storeErr(op, err)
}

func scanGuild(row pgx.Row) (Guild, error) {
	var (
		g                                         Guild
		defaultRepo, defaultBranch, apiKey, model *string
		repoName                                  *string
		repoID                                    *int64
		permissions                               []byte
	)
	if err := row.Scan(
		&g.ID,
		&g.GuildID,
		&g.Name,
		&defaultRepo,
		&defaultBranch,
		&permissions,
		&apiKey,
		&model,
		&repoID,
		&repoName,
		&g.GithubConnected,
	); err != nil {
		return Guild{}, err
	}
	if len(permissions) > 0 {
		if err := json.Unmarshal(permissions, &g.Permissions); err != nil {
			return Guild{}, fmt.Errorf("decode permissions for guild %s: %w", g.GuildID, err)
		}
	}
	g.DefaultRepo = deref(defaultRepo)
	g.DefaultBranch = deref(defaultBranch)
	g.DefaultOpenRouterAPIKey = deref(apiKey)
	g.DefaultModel = deref(model)
	g.GithubRepoName = deref(repoName)
	if repoID != nil {
		g.GithubRepoID = *repoID
	}
	return g, nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		u                                  User
		username, apiKey, token, ghAccount *string
	)
	if err := row.Scan(&u.ID, &u.DiscordID, &username, &apiKey, &token, &ghAccount); err != nil {
		return User{}, err
	}
	u.DiscordUsername = deref(username)
	u.OpenRouterAPIKey = deref(apiKey)
	u.GithubAccessToken = deref(token)
	u.GithubUsername = deref(ghAccount)
	return u, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		t                      Task
		status                 string
		userID, prURL, session *string
	)
	if err := row.Scan(
		&t.ID,
		&userID,
		&t.DiscordUserID,
		&t.GuildID,
		&t.Prompt,
		&status,
		&prURL,
		&session,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return Task{}, err
	}
	t.Status = tasks.Status(status)
	t.UserID = deref(userID)
	t.PRURL = deref(prURL)
	t.SessionID = deref(session)
	return t, nil
}

func nullableText(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
