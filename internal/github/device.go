package github

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	DeviceScope         = "repo read:user"
	defaultPollInterval = 5 * time.Second
)

// Terminal device flow outcomes. A code that lapses while the member has not
// answered yet comes back as ErrDeviceTimeout.
var (
	ErrAccessDenied  = errors.New("access_denied")
	ErrExpiredToken  = errors.New("expired_token")
	ErrDeviceTimeout = errors.New("device authorization timed out")
)

// DeviceAuthorization is the response to a device code request.
type DeviceAuthorization struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	ExpiresIn       time.Duration
	// Expiry bounds AwaitDeviceToken. Zero means no deadline beyond ctx.
	Expiry   time.Time
	Interval time.Duration
}

// DeviceToken is a granted access token.
type DeviceToken struct {
	AccessToken string
	TokenType   string
	Scope       string
}

func (c *Client) oauthConfig(clientID, clientSecret, scope string) *oauth2.Config {
	endpoint := endpoints.GitHub
	if c.oauthBase != DefaultOAuthBaseURL {
		endpoint = oauth2.Endpoint{
			AuthURL:       c.oauthBase + "/login/oauth/authorize",
			TokenURL:      c.oauthBase + "/login/oauth/access_token",
			DeviceAuthURL: c.oauthBase + "/login/device/code",
		}
	}
	// Probing header auth first would double every pending poll.
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     endpoint,
		Scopes:       strings.Fields(scope),
	}
}

// oauthContext routes the oauth2 requests through the client's transport.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.client)
}

func retrieveStatus(err error) int {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}

// StartDeviceAuthorization requests a device and user code. A missing
// interval defaults to five seconds.
func (c *Client) StartDeviceAuthorization(ctx context.Context, clientID, scope string) (DeviceAuthorization, error) {
	const op = "start device authorization"
	da, err := c.oauthConfig(clientID, "", scope).DeviceAuth(c.oauthContext(ctx))
	if err != nil {
		return DeviceAuthorization{}, &APIError{Op: op, Status: retrieveStatus(err), Err: err}
	}

	var missing []string
	if da.DeviceCode == "" {
		missing = append(missing, "device_code")
	}
	if da.UserCode == "" {
		missing = append(missing, "user_code")
	}
	if da.VerificationURI == "" {
		missing = append(missing, "verification_uri")
	}
	if da.Expiry.IsZero() {
		missing = append(missing, "expires_in")
	}
	if len(missing) > 0 {
		return DeviceAuthorization{}, &APIError{Op: op, Body: "response missing " + strings.Join(missing, ", ")}
	}

	interval := defaultPollInterval
	if da.Interval > 0 {
		interval = time.Duration(da.Interval) * time.Second
	}
	return DeviceAuthorization{
		DeviceCode:      da.DeviceCode,
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
		ExpiresIn:       time.Until(da.Expiry).Round(time.Second),
		Expiry:          da.Expiry,
		Interval:        interval,
	}, nil
}

// AwaitDeviceToken polls the token endpoint until the member answers, the
// code expires or ctx ends. Pending and slow-down answers are handled while
// waiting; refusals come back as ErrAccessDenied and ErrExpiredToken wrapped
// in an APIError. When ctx ends first its error is returned as is.
func (c *Client) AwaitDeviceToken(ctx context.Context, clientID, clientSecret string, auth DeviceAuthorization) (DeviceToken, error) {
	const op = "await device token"
	interval := int64(auth.Interval / time.Second)
	if interval < 1 {
		interval = int64(defaultPollInterval / time.Second)
	}
	waitCtx := ctx
	if !auth.Expiry.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, auth.Expiry)
		defer cancel()
	}
	tok, err := c.oauthConfig(clientID, clientSecret, "").DeviceAccessToken(c.oauthContext(waitCtx), &oauth2.DeviceAuthResponse{
		DeviceCode:      auth.DeviceCode,
		UserCode:        auth.UserCode,
		VerificationURI: auth.VerificationURI,
		Expiry:          auth.Expiry,
		Interval:        interval,
	})
	if err != nil {
		if ctx.Err() != nil {
			return DeviceToken{}, ctx.Err()
		}
		var re *oauth2.RetrieveError
		switch {
		case errors.As(err, &re) && re.ErrorCode == "access_denied":
			return DeviceToken{}, &APIError{Op: op, Status: retrieveStatus(err), Body: re.ErrorCode, Err: ErrAccessDenied}
		case errors.As(err, &re) && re.ErrorCode == "expired_token":
			return DeviceToken{}, &APIError{Op: op, Status: retrieveStatus(err), Body: re.ErrorCode, Err: ErrExpiredToken}
		case errors.Is(err, context.DeadlineExceeded):
			return DeviceToken{}, &APIError{Op: op, Body: "device code expired before approval", Err: ErrDeviceTimeout}
		case errors.As(err, &re):
			detail := re.ErrorCode
			if re.ErrorDescription != "" {
				detail += ": " + re.ErrorDescription
			}
			return DeviceToken{}, &APIError{Op: op, Status: retrieveStatus(err), Body: detail}
		default:
			return DeviceToken{}, &APIError{Op: op, Err: err}
		}
	}

	scope, _ := tok.Extra("scope").(string)
	return DeviceToken{AccessToken: tok.AccessToken, TokenType: tok.TokenType, Scope: scope}, nil
}
