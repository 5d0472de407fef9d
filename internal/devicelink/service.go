package devicelink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/codecat/internal/chat"
	"github.com/ent0n29/codecat/internal/github"
	"github.com/ent0n29/codecat/internal/observability"
	"github.com/ent0n29/codecat/internal/policy"
	"github.com/ent0n29/codecat/internal/records"
)

// minPollWindow keeps very short-lived codes answerable.
const minPollWindow = 60 * time.Second

var (
	ErrNotConfigured    = errors.New("github oauth is not configured")
	ErrGuildUnknown     = errors.New("guild not configured")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrUserUnknown      = errors.New("user not registered")
	ErrAlreadyConnected = errors.New("github account already connected")
	ErrStartFailed      = errors.New("device authorization could not be started")
)

// Authorizer is the device flow half of the hosting client.
type Authorizer interface {
	StartDeviceAuthorization(ctx context.Context, clientID, scope string) (github.DeviceAuthorization, error)
	AwaitDeviceToken(ctx context.Context, clientID, clientSecret string, auth github.DeviceAuthorization) (github.DeviceToken, error)
	AuthenticatedUser(ctx context.Context, token string) (github.Account, error)
}

// Replier delivers follow-up messages to the member who asked to connect.
type Replier interface {
	Reply(ctx context.Context, content string) error
}

type ReplierFunc func(ctx context.Context, content string) error

func (f ReplierFunc) Reply(ctx context.Context, content string) error { return f(ctx, content) }

type Options struct {
	Store        records.Store
	Directory    chat.Directory
	Authorizer   Authorizer
	ClientID     string
	ClientSecret string
	Scope        string
	Logger       *zap.Logger
	Metrics      *observability.Metrics
}

// Service runs at most one background device-flow poll per user.
type Service struct {
	store        records.Store
	directory    chat.Directory
	auth         Authorizer
	clientID     string
	clientSecret string
	scope        string
	logger       *zap.Logger
	metrics      *observability.Metrics

	minWindow time.Duration
	now       func() time.Time

	mu     sync.Mutex
	polls  map[string]*poll
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

type poll struct {
	id     uint64
	cancel context.CancelFunc
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Directory == nil || opts.Authorizer == nil {
		return nil, errors.New("devicelink: store, directory and authorizer are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scope := strings.TrimSpace(opts.Scope)
	if scope == "" {
		scope = github.DeviceScope
	}
	return &Service{
		store:        opts.Store,
		directory:    opts.Directory,
		auth:         opts.Authorizer,
		clientID:     strings.TrimSpace(opts.ClientID),
		clientSecret: strings.TrimSpace(opts.ClientSecret),
		scope:        scope,
		logger:       logger,
		metrics:      opts.Metrics,
		minWindow:    minPollWindow,
		now:          time.Now,
		polls:        make(map[string]*poll),
	}, nil
}

type ConnectRequest struct {
	GuildID string
	UserID  string
	Reply   Replier
}

// Instructions is what the member needs to finish the link in a browser.
type Instructions struct {
	VerificationURI string
	UserCode        string
	ExpiresIn       time.Duration
}

func (i Instructions) Reply() string {
	minutes := int(i.ExpiresIn.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("To connect your GitHub account, open %s and enter the code **%s**. The code expires in %d minute(s). I'll let you know once the connection is complete.",
		i.VerificationURI, i.UserCode, minutes)
}

// Connect validates the member, starts a device authorization and polls for
// its token in the background. A second Connect for the same user replaces
// the first poll.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (Instructions, error) {
	if req.Reply == nil || req.GuildID == "" || req.UserID == "" {
		return Instructions{}, errors.New("devicelink: guild, user and replier are required")
	}
	guild, err := s.store.GuildByExternalID(ctx, req.GuildID)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return Instructions{}, ErrGuildUnknown
		}
		return Instructions{}, err
	}
	member, err := s.directory.Member(ctx, req.GuildID, req.UserID)
	if err != nil {
		return Instructions{}, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	if !policy.DecideSubmit(member.Roles(), guild.Permissions).Allowed {
		return Instructions{}, ErrNotAuthorized
	}

	user, err := s.store.UserByExternalID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return Instructions{}, ErrUserUnknown
		}
		return Instructions{}, err
	}
	if user.HasGithub() {
		return Instructions{}, &AlreadyConnectedError{Username: user.GithubUsername}
	}
	if s.clientID == "" || s.clientSecret == "" {
		return Instructions{}, ErrNotConfigured
	}

	auth, err := s.auth.StartDeviceAuthorization(ctx, s.clientID, s.scope)
	if err != nil {
		s.logger.Warn("start device authorization failed", zap.String("user_id", req.UserID), zap.Error(err))
		s.metrics.DeviceLinkOutcome("start_failed")
		return Instructions{}, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	if err := s.startPoll(req.UserID, user.DiscordUsername, auth, req.Reply); err != nil {
		return Instructions{}, err
	}
	s.logger.Info("device authorization started", zap.String("user_id", req.UserID))
	return Instructions{VerificationURI: auth.VerificationURI, UserCode: auth.UserCode, ExpiresIn: auth.ExpiresIn}, nil
}

// Pending reports whether a poll is registered for userID.
func (s *Service) Pending(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.polls[userID]
	return ok
}

// Close cancels every poll and waits for them to stop. Cancelled polls send
// nothing.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for userID, p := range s.polls {
		p.cancel()
		delete(s.polls, userID)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) startPoll(userID, username string, auth github.DeviceAuthorization, reply Replier) error {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return errors.New("devicelink: service closed")
	}
	if prev, ok := s.polls[userID]; ok {
		prev.cancel()
	}
	s.nextID++
	p := &poll{id: s.nextID, cancel: cancel}
	s.polls[userID] = p
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.release(userID, p.id)
		s.run(ctx, userID, username, auth, reply)
	}()
	return nil
}

func (s *Service) release(userID string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.polls[userID]; ok && p.id == id {
		delete(s.polls, userID)
	}
}
