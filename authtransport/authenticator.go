// Package authtransport provides an http.RoundTripper that attaches bearer
// tokens to outbound requests and transparently performs a single-flight
// token refresh when the backend answers 401.
//
// The refresh lock is process-wide: no matter how many requests fail
// concurrently with the same stale token, the backend's refresh endpoint is
// called at most once per token generation, and every waiting request
// converges on that one outcome.
package authtransport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mekongcart/deliveryclient/gateway"
	"github.com/mekongcart/deliveryclient/internal/utils"
)

// CredentialSource is the slice of the credential store the authenticator
// needs. Absence (ok == false) is indistinguishable from decryption failure.
type CredentialSource interface {
	AccessToken(ctx context.Context) (string, bool, error)
	RefreshToken(ctx context.Context) (string, bool, error)
	SaveTokens(ctx context.Context, access, refresh string) error
	ClearTokens(ctx context.Context) error
}

// Refresher performs the refresh call. It must run on a transport that does
// NOT go through the authenticator, or a failing refresh would recurse.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*gateway.TokenResponse, error)
}

// ExpiryNotifier is told when a refresh terminally fails and the session is
// over. Injected at construction so this package stays ignorant of the
// navigation layer.
type ExpiryNotifier interface {
	NotifyExpired()
}

// NotifierFunc adapts a plain function to ExpiryNotifier.
type NotifierFunc func()

// NotifyExpired implements ExpiryNotifier.
func (f NotifierFunc) NotifyExpired() { f() }

// Authenticator is the authenticating RoundTripper.
type Authenticator struct {
	base      http.RoundTripper
	store     CredentialSource
	refresher Refresher
	notifier  ExpiryNotifier
	log       zerolog.Logger

	// refreshMu serializes all refresh attempts across in-flight requests.
	refreshMu sync.Mutex
}

// Option modifies an Authenticator.
type Option func(*Authenticator)

// WithBaseTransport sets the wrapped transport (default
// http.DefaultTransport).
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(a *Authenticator) {
		a.base = rt
	}
}

// WithExpiryNotifier sets the sink for terminal refresh failures.
func WithExpiryNotifier(n ExpiryNotifier) Option {
	return func(a *Authenticator) {
		a.notifier = n
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Authenticator) {
		a.log = logger
	}
}

// New creates an Authenticator over store and refresher.
func New(store CredentialSource, refresher Refresher, options ...Option) (*Authenticator, error) {
	if store == nil {
		return nil, errors.New("[authtransport.New] store is required")
	}
	if refresher == nil {
		return nil, errors.New("[authtransport.New] refresher is required")
	}

	a := &Authenticator{
		base:      http.DefaultTransport,
		store:     store,
		refresher: refresher,
		log:       zerolog.Nop(),
	}
	for _, opt := range options {
		opt(a)
	}
	a.log = a.log.With().Str("component", "authtransport").Logger()
	return a, nil
}

// Client returns an http.Client using the authenticator as its transport.
func (a *Authenticator) Client() *http.Client {
	return &http.Client{Transport: a}
}

// RoundTrip implements http.RoundTripper.
func (a *Authenticator) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	used, ok, err := a.store.AccessToken(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read access token")
	}
	if !ok || used == "" {
		// Public endpoint path: no credential, forward unmodified.
		return a.base.RoundTrip(req)
	}

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, errors.Wrap(err, "buffer request body")
	}

	resp, err := a.send(req, getBody, used)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// The stale 401 may still be returned to the caller, so keep its body
	// readable while releasing the connection.
	stale, err := bufferResponse(resp)
	if err != nil {
		return nil, errors.Wrap(err, "read unauthorized response")
	}

	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	current, ok, err := a.store.AccessToken(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "re-read access token")
	}
	if ok && current != "" && current != used {
		// Another request refreshed while we waited for the lock. Retry
		// once with its token; no second refresh attempt.
		a.log.Debug().Msg("token already refreshed by concurrent request, retrying")
		return a.send(req, getBody, current)
	}
	if !ok || current == "" {
		// Another request already terminated the session; it fired the
		// expiry notification, nothing left to do here.
		return stale, nil
	}

	refreshToken, ok, err := a.store.RefreshToken(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read refresh token")
	}
	if !ok || refreshToken == "" {
		a.log.Warn().Msg("unauthorized with no refresh token, session over")
		a.terminate(ctx)
		return stale, nil
	}

	tokens, err := a.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		// Transport failures and rejections are the same terminal outcome.
		a.log.Warn().Err(err).Msg("token refresh failed, session over")
		a.terminate(ctx)
		return stale, nil
	}

	// The backend rotates the refresh token only sometimes; keep the prior
	// one when the response omits it.
	newRefresh := utils.ValueOr(tokens.RefreshToken, refreshToken)
	if err := a.store.SaveTokens(ctx, tokens.AccessToken, newRefresh); err != nil {
		a.log.Error().Err(err).Msg("persisting refreshed tokens failed")
	}
	a.log.Debug().Msg("token refreshed, retrying original request")
	return a.send(req, getBody, tokens.AccessToken)
}

// send issues a copy of req with the given bearer token via the base
// transport. Responses from here are never re-intercepted.
func (a *Authenticator) send(req *http.Request, getBody func() (io.ReadCloser, error), accessToken string) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, errors.Wrap(err, "replay request body")
		}
		clone.Body = body
		clone.GetBody = getBody
	}
	clone.Header.Set("Authorization", "Bearer "+accessToken)
	return a.base.RoundTrip(clone)
}

func (a *Authenticator) terminate(ctx context.Context) {
	if err := a.store.ClearTokens(ctx); err != nil {
		a.log.Error().Err(err).Msg("clearing credentials failed")
	}
	if a.notifier != nil {
		a.notifier.NotifyExpired()
	}
}

// replayableBody returns a factory for fresh copies of the request body, so
// the request can be sent again after a refresh. Bodies without GetBody are
// buffered in memory once.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		return req.GetBody, nil
	}
	buffered, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buffered)), nil
	}, nil
}

// bufferResponse drains resp into memory and reattaches the bytes, so the
// underlying connection is released while the response stays readable.
func bufferResponse(resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}
