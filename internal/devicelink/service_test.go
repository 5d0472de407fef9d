package devicelink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ent0n29/codecat/internal/chat"
	"github.com/ent0n29/codecat/internal/github"
	"github.com/ent0n29/codecat/internal/policy"
	"github.com/ent0n29/codecat/internal/records"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAuthorizer struct {
	mu         sync.Mutex
	startErr   error
	outcome    error
	block      bool
	waits      int
	exchanges  int
	lastAuth   github.DeviceAuthorization
	identity   github.Account
	identityEr error
	expiresIn  time.Duration
}

func (a *fakeAuthorizer) StartDeviceAuthorization(_ context.Context, clientID, scope string) (github.DeviceAuthorization, error) {
	if a.startErr != nil {
		return github.DeviceAuthorization{}, a.startErr
	}
	return github.DeviceAuthorization{
		DeviceCode:      "dev-code",
		UserCode:        "ABCD-1234",
		VerificationURI: "https://github.com/login/device",
		ExpiresIn:       a.expiresIn,
		Interval:        5 * time.Second,
	}, nil
}

// AwaitDeviceToken answers with outcome, or holds until ctx ends when block
// is set.
func (a *fakeAuthorizer) AwaitDeviceToken(ctx context.Context, clientID, secret string, auth github.DeviceAuthorization) (github.DeviceToken, error) {
	a.mu.Lock()
	a.waits++
	a.lastAuth = auth
	block, outcome := a.block, a.outcome
	a.mu.Unlock()

	if block {
		<-ctx.Done()
		return github.DeviceToken{}, ctx.Err()
	}
	if outcome != nil {
		return github.DeviceToken{}, outcome
	}
	a.mu.Lock()
	a.exchanges++
	a.mu.Unlock()
	return github.DeviceToken{AccessToken: "gho_linked", TokenType: "bearer"}, nil
}

func (a *fakeAuthorizer) AuthenticatedUser(_ context.Context, token string) (github.Account, error) {
	if a.identityEr != nil {
		return github.Account{}, a.identityEr
	}
	return a.identity, nil
}

func (a *fakeAuthorizer) counts() (waits, exchanges int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.waits, a.exchanges
}

func (a *fakeAuthorizer) awaited() github.DeviceAuthorization {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastAuth
}

type recorder struct {
	ch chan string
}

func newRecorder() *recorder { return &recorder{ch: make(chan string, 8)} }

func (r *recorder) Reply(_ context.Context, content string) error {
	r.ch <- content
	return nil
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no follow-up reply")
		return ""
	}
}

type fixture struct {
	svc   *Service
	store *records.MemoryStore
	auth  *fakeAuthorizer
}

func newFixture(t *testing.T, auth *fakeAuthorizer) *fixture {
	t.Helper()
	store := records.NewMemoryStore()
	_, err := store.PutGuild(records.Guild{
		GuildID:     "g1",
		DefaultRepo: "acme/web",
		Permissions: policy.PermissionMap{CreateRoles: policy.RoleList{"C1"}, ConfirmRoles: policy.RoleList{"R1"}},
	})
	require.NoError(t, err)
	_, err = store.PutUser(records.User{DiscordID: "dev", DiscordUsername: "dev"})
	require.NoError(t, err)
	_, err = store.PutUser(records.User{DiscordID: "linked", GithubAccessToken: "ghp_x", GithubUsername: "octo"})
	require.NoError(t, err)

	hub := chat.NewHub(nil)
	hub.UpsertMember("g1", chat.Member{ID: "dev", Username: "dev", RoleIDs: []string{"C1"}})
	hub.UpsertMember("g1", chat.Member{ID: "linked", Username: "linked", RoleIDs: []string{"R1"}})
	hub.UpsertMember("g1", chat.Member{ID: "ghost", Username: "ghost", RoleIDs: []string{"C1"}})
	hub.UpsertMember("g1", chat.Member{ID: "nobody", Username: "nobody"})

	svc, err := New(Options{
		Store:        store,
		Directory:    hub,
		Authorizer:   auth,
		ClientID:     "client",
		ClientSecret: "secret",
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, store: store, auth: auth}
}

func TestConnectLinksAccountOnToken(t *testing.T) {
	auth := &fakeAuthorizer{
		identity:  github.Account{ID: 7, Login: "octocat"},
		expiresIn: 15 * time.Minute,
	}
	f := newFixture(t, auth)
	rec := newRecorder()

	before := time.Now()
	in, err := f.svc.Connect(context.Background(), ConnectRequest{GuildID: "g1", UserID: "dev", Reply: rec})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	assert.Equal(t, "ABCD-1234", in.UserCode)
	assert.Contains(t, in.Reply(), "https://github.com/login/device")
	assert.Contains(t, in.Reply(), "15 minute(s)")

	assert.Equal(t, "GitHub account connected as **octocat**. You can now run /codecat.", rec.next(t))
	f.svc.Close()

	waits, exchanges := auth.counts()
	assert.Equal(t, 1, waits)
	assert.Equal(t, 1, exchanges)
	assert.WithinDuration(t, before.Add(15*time.Minute), auth.awaited().Expiry, 5*time.Second)

	u, err := f.store.UserByExternalID(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, "gho_linked", u.GithubAccessToken)
	assert.Equal(t, "octocat", u.GithubUsername)
	assert.False(t, f.svc.Pending("dev"))
}

func TestConnectShortCodeGetsMinimumWindow(t *testing.T) {
	auth := &fakeAuthorizer{identity: github.Account{Login: "octocat"}, expiresIn: 5 * time.Second}
	f := newFixture(t, auth)
	rec := newRecorder()

	before := time.Now()
	_, err := f.svc.Connect(context.Background(), ConnectRequest{GuildID: "g1", UserID: "dev", Reply: rec})
	require.NoError(t, err)
	rec.next(t)

	assert.False(t, auth.awaited().Expiry.Before(before.Add(minPollWindow)), "expiry %v is inside the minimum window", auth.awaited().Expiry)
}

func TestConnectTerminalOutcomes(t *testing.T) {
	cases := []struct {
		name string
		auth *fakeAuthorizer
		want string
	}{
		{"denied", &fakeAuthorizer{outcome: &github.APIError{Op: "await device token", Body: "access_denied", Err: github.ErrAccessDenied}}, "GitHub authorization was denied."},
		{"expired", &fakeAuthorizer{outcome: &github.APIError{Op: "await device token", Body: "expired_token", Err: github.ErrExpiredToken}}, "The GitHub device code expired. Run /connect-github to try again."},
		{"code lapsed", &fakeAuthorizer{outcome: &github.APIError{Op: "await device token", Err: github.ErrDeviceTimeout}}, "GitHub authorization timed out. Run /connect-github to try again."},
		{"other", &fakeAuthorizer{outcome: errors.New("boom")}, "GitHub authorization failed. Please try again later."},
		{"identity", &fakeAuthorizer{identityEr: errors.New("no login")}, "Connected to GitHub, but your account details could not be read. Please try again."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.auth)
			rec := newRecorder()
			_, err := f.svc.Connect(context.Background(), ConnectRequest{GuildID: "g1", UserID: "dev", Reply: rec})
			require.NoError(t, err)
			assert.Equal(t, tc.want, rec.next(t))

			u, err := f.store.UserByExternalID(context.Background(), "dev")
			require.NoError(t, err)
			assert.False(t, u.HasGithub())
		})
	}
}

func TestConnectTimesOut(t *testing.T) {
	f := newFixture(t, &fakeAuthorizer{block: true})
	f.svc.minWindow = 20 * time.Millisecond
	rec := newRecorder()

	_, err := f.svc.Connect(context.Background(), ConnectRequest{GuildID: "g1", UserID: "dev", Reply: rec})
	require.NoError(t, err)
	assert.Equal(t, "GitHub authorization timed out. Run /connect-github to try again.", rec.next(t))
}

func TestConnectReplacesPreviousPoll(t *testing.T) {
	auth := &fakeAuthorizer{block: true, expiresIn: time.Hour}
	f := newFixture(t, auth)
	first, second := newRecorder(), newRecorder()

	_, err := f.svc.Connect(context.Background(), ConnectRequest{GuildID: "g1", UserID: "dev", Reply: first})
	require.NoError(t, err)
	_, err = f.svc.Connect(context.Background(), ConnectRequest{GuildID: "g1", UserID: "dev", Reply: second})
	require.NoError(t, err)
	assert.True(t, f.svc.Pending("dev"))

	f.svc.Close()
	assert.False(t, f.svc.Pending("dev"))
	assert.Empty(t, first.ch, "cancelled poll must stay silent")
	assert.Empty(t, second.ch, "cancelled poll must stay silent")

	_, err = f.svc.Connect(context.Background(), ConnectRequest{GuildID: "g1", UserID: "dev", Reply: second})
	assert.Error(t, err)
}

func TestConnectGates(t *testing.T) {
	cases := []struct {
		name    string
		guild   string
		user    string
		mutate  func(s *Service)
		wantErr error
		message string
	}{
		{name: "unknown guild", guild: "g2", user: "dev", wantErr: ErrGuildUnknown},
		{name: "no role", guild: "g1", user: "nobody", wantErr: ErrNotAuthorized},
		{name: "not registered", guild: "g1", user: "ghost", wantErr: ErrUserUnknown},
		{name: "already linked", guild: "g1", user: "linked", wantErr: ErrAlreadyConnected, message: "Your GitHub account is already connected as **octo**."},
		{name: "no oauth app", guild: "g1", user: "dev", mutate: func(s *Service) { s.clientSecret = "" }, wantErr: ErrNotConfigured},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			auth := &fakeAuthorizer{}
			f := newFixture(t, auth)
			if tc.mutate != nil {
				tc.mutate(f.svc)
			}
			_, err := f.svc.Connect(context.Background(), ConnectRequest{GuildID: tc.guild, UserID: tc.user, Reply: newRecorder()})
			require.ErrorIs(t, err, tc.wantErr)
			if tc.message != "" {
				assert.Equal(t, tc.message, Message(err))
			} else {
				assert.NotEmpty(t, Message(err))
			}
			assert.False(t, f.svc.Pending(tc.user))
			waits, _ := auth.counts()
			assert.Zero(t, waits)
		})
	}
}

func TestConnectStartFailure(t *testing.T) {
	f := newFixture(t, &fakeAuthorizer{startErr: errors.New("github down")})
	_, err := f.svc.Connect(context.Background(), ConnectRequest{GuildID: "g1", UserID: "dev", Reply: newRecorder()})
	require.ErrorIs(t, err, ErrStartFailed)
	assert.Equal(t, "Could not start GitHub authorization. Please try again later.", Message(err))
}
