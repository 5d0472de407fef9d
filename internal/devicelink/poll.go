package devicelink

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ent0n29/codecat/internal/github"
	"github.com/ent0n29/codecat/internal/records"
)

// AlreadyConnectedError reports the account a user is already linked to.
type AlreadyConnectedError struct {
	Username string
}

func (e *AlreadyConnectedError) Error() string {
	return "github account already connected as " + e.Username
}

func (e *AlreadyConnectedError) Is(target error) bool { return target == ErrAlreadyConnected }

// run waits for the member to answer, the code to lapse or cancellation.
// Cancelled polls send nothing.
func (s *Service) run(ctx context.Context, userID, username string, auth github.DeviceAuthorization, reply Replier) {
	logger := s.logger.With(zap.String("user_id", userID))
	window := max(auth.ExpiresIn, s.minWindow)
	auth.Expiry = s.now().Add(window)

	waitCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	send := func(outcome, content string) {
		s.metrics.DeviceLinkOutcome(outcome)
		if err := reply.Reply(ctx, content); err != nil {
			logger.Warn("device link follow-up failed", zap.String("outcome", outcome), zap.Error(err))
		}
	}

	token, err := s.auth.AwaitDeviceToken(waitCtx, s.clientID, s.clientSecret, auth)
	switch {
	case ctx.Err() != nil:
		logger.Debug("device link poll cancelled")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, github.ErrDeviceTimeout):
		logger.Info("device authorization timed out")
		send("timeout", "GitHub authorization timed out. Run /connect-github to try again.")
	case errors.Is(err, github.ErrAccessDenied):
		send("denied", "GitHub authorization was denied.")
	case errors.Is(err, github.ErrExpiredToken):
		send("expired", "The GitHub device code expired. Run /connect-github to try again.")
	case err != nil:
		logger.Warn("device token exchange failed", zap.Error(err))
		send("failed", "GitHub authorization failed. Please try again later.")
	default:
		outcome, content := s.complete(ctx, logger, userID, username, token)
		if ctx.Err() != nil {
			return
		}
		send(outcome, content)
	}
}

func (s *Service) complete(ctx context.Context, logger *zap.Logger, userID, username string, token github.DeviceToken) (string, string) {
	account, err := s.auth.AuthenticatedUser(ctx, token.AccessToken)
	if err != nil {
		logger.Warn("read github identity failed", zap.Error(err))
		return "identity_failed", "Connected to GitHub, but your account details could not be read. Please try again."
	}
	if _, err := s.store.UpsertGithubConnection(ctx, records.GithubLink{
		DiscordID:       userID,
		DiscordUsername: username,
		AccessToken:     token.AccessToken,
		Username:        account.Login,
	}); err != nil {
		logger.Error("save github connection failed", zap.Error(err))
		return "store_failed", "Could not save your GitHub connection. Please try again."
	}
	logger.Info("github account linked", zap.String("login", account.Login))
	return "linked", fmt.Sprintf("GitHub account connected as **%s**. You can now run /codecat.", account.Login)
}

// Message converts a Connect error into the text shown to the member.
func Message(err error) string {
	var linked *AlreadyConnectedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &linked):
		if linked.Username == "" {
			return "Your GitHub account is already connected."
		}
		return fmt.Sprintf("Your GitHub account is already connected as **%s**.", linked.Username)
	case errors.Is(err, ErrGuildUnknown):
		return "This guild is not configured for CodeCat tasks yet."
	case errors.Is(err, ErrNotAuthorized):
		return "You do not have permission to run CodeCat tasks."
	case errors.Is(err, ErrUserUnknown):
		return "You are not registered yet. Sign in to the dashboard first."
	case errors.Is(err, ErrNotConfigured):
		return "GitHub connection is not configured for this bot."
	case errors.Is(err, ErrStartFailed):
		return "Could not start GitHub authorization. Please try again later."
	case errors.Is(err, records.ErrStore):
		return "Something went wrong while processing the request."
	default:
		return "Something went wrong while processing the request."
	}
}
