// Package session derives the application's login state from stored
// credentials validated against the backend, and broadcasts a one-shot
// "session expired" signal when the session terminally ends.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mekongcart/deliveryclient/credstore"
	"github.com/mekongcart/deliveryclient/gateway"
	"github.com/mekongcart/deliveryclient/internal/utils"
	"github.com/mekongcart/deliveryclient/token"
)

// Store is the slice of the credential store the coordinator needs.
type Store interface {
	WatchAccessToken(ctx context.Context) <-chan credstore.Token
	RefreshToken(ctx context.Context) (string, bool, error)
	SaveTokens(ctx context.Context, access, refresh string) error
	ClearTokens(ctx context.Context) error
	ClearLocation(ctx context.Context) error
}

// Gateway is the backend surface used for validation and refresh.
type Gateway interface {
	Profile(ctx context.Context, accessToken string) (*gateway.Profile, error)
	Refresh(ctx context.Context, refreshToken string) (*gateway.TokenResponse, error)
}

// Coordinator reconciles local token presence with server-side validity.
// It owns SessionState exclusively.
type Coordinator struct {
	store Store
	gw    Gateway
	log   zerolog.Logger
	now   func() time.Time

	mu              sync.Mutex
	state           State
	expiredNotified bool
	stateSubs       map[int]chan State
	expirySubs      map[int]chan struct{}
	nextSub         int
}

// Option modifies a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.log = logger
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = nowFunc
	}
}

// New creates a Coordinator. Call Run to start it.
func New(store Store, gw Gateway, options ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("[session.New] store is required")
	}
	if gw == nil {
		return nil, errors.New("[session.New] gateway is required")
	}

	c := &Coordinator{
		store:      store,
		gw:         gw,
		log:        zerolog.Nop(),
		now:        time.Now,
		state:      StateUnknown,
		stateSubs:  make(map[int]chan State),
		expirySubs: make(map[int]chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	c.log = c.log.With().Str("component", "session").Logger()
	return c, nil
}

// Run subscribes to the access-token stream and re-evaluates the session on
// every emission. Blocks until ctx is done; typically run in its own
// goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	for tok := range c.store.WatchAccessToken(ctx) {
		c.evaluate(ctx, tok)
	}
}

// State returns the current session state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// States returns a stream of state emissions: the current state immediately,
// then one per transition. Conflated; a slow reader observes the latest
// state. Closed when ctx is done.
func (c *Coordinator) States(ctx context.Context) <-chan State {
	ch := make(chan State, 1)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.stateSubs[id] = ch
	push(ch, c.state)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		if existing, ok := c.stateSubs[id]; ok {
			delete(c.stateSubs, id)
			close(existing)
		}
		c.mu.Unlock()
	}()

	return ch
}

// Expired returns a one-shot expiry signal stream. Events are delivered only
// to subscribers present at emission time and are never replayed: this is a
// signal, not a durable state. Closed when ctx is done.
func (c *Coordinator) Expired(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.expirySubs[id] = ch
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		if existing, ok := c.expirySubs[id]; ok {
			delete(c.expirySubs, id)
			close(existing)
		}
		c.mu.Unlock()
	}()

	return ch
}

// NotifyExpired forces the session to logged-out and emits the one-shot
// expiry event. Implements authtransport.ExpiryNotifier; also invoked on
// manual logout. Deduplicated: once an expiry has been signalled, repeats are
// ignored until the user logs in again.
func (c *Coordinator) NotifyExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateLoggedOut && c.expiredNotified {
		return
	}
	c.log.Info().Msg("session expired")
	c.expiredNotified = true
	c.setStateLocked(StateLoggedOut)
	for _, ch := range c.expirySubs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Logout is the user-initiated exit: clears credentials and the stored
// location, forces logged-out and emits the expiry event.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.log.Info().Msg("manual logout")
	if err := c.store.ClearTokens(ctx); err != nil {
		return errors.Wrap(err, "clear tokens")
	}
	if err := c.store.ClearLocation(ctx); err != nil {
		return errors.Wrap(err, "clear location")
	}
	c.NotifyExpired()
	return nil
}

func (c *Coordinator) evaluate(ctx context.Context, tok credstore.Token) {
	if !tok.Present || tok.Value == "" {
		c.setState(StateLoggedOut)
		return
	}

	// A JWT that is already past its exp claim cannot pass validation;
	// skip the profile round-trip and go straight to refresh.
	if token.Expired(tok.Value, c.now()) {
		c.log.Debug().Msg("stored access token expired locally, refreshing")
		c.attemptRefresh(ctx)
		return
	}

	if _, err := c.gw.Profile(ctx, tok.Value); err != nil {
		c.log.Debug().Err(err).Msg("stored access token rejected, attempting refresh")
		c.attemptRefresh(ctx)
		return
	}
	c.setState(StateLoggedIn)
}

func (c *Coordinator) attemptRefresh(ctx context.Context) {
	refreshToken, ok, err := c.store.RefreshToken(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("reading refresh token failed")
		c.setState(StateLoggedOut)
		return
	}
	if !ok || refreshToken == "" {
		c.setState(StateLoggedOut)
		return
	}

	resp, err := c.gw.Refresh(ctx, refreshToken)
	if err != nil {
		c.log.Warn().Err(err).Msg("refresh failed, logging out")
		if err := c.store.ClearTokens(ctx); err != nil {
			c.log.Error().Err(err).Msg("clearing credentials failed")
		}
		c.setState(StateLoggedOut)
		return
	}

	newRefresh := utils.ValueOr(resp.RefreshToken, refreshToken)
	if err := c.store.SaveTokens(ctx, resp.AccessToken, newRefresh); err != nil {
		c.log.Error().Err(err).Msg("persisting refreshed tokens failed")
	}
	c.setState(StateLoggedIn)
}

func (c *Coordinator) setState(next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(next)
}

// setStateLocked transitions and broadcasts. Callers hold mu.
func (c *Coordinator) setStateLocked(next State) {
	if c.state == next {
		return
	}
	c.log.Debug().Stringer("from", c.state).Stringer("to", next).Msg("session state changed")
	c.state = next
	if next == StateLoggedIn {
		c.expiredNotified = false
	}
	for _, ch := range c.stateSubs {
		push(ch, next)
	}
}

// push delivers latest-value-wins to a cap-1 channel. All sends happen under
// mu, so the drain and re-send cannot race another sender.
func push[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
