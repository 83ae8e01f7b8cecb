// Package gatewayfakes provides an in-memory stand-in for the backend auth
// gateway, used by session and transport tests.
package gatewayfakes

import (
	"context"
	"sync"

	"github.com/mekongcart/deliveryclient/gateway"
)

// FakeGateway implements the gateway surface the session layer depends on.
// Behavior is scripted per test through ProfileFunc and RefreshFunc; call
// counts are recorded for assertions.
type FakeGateway struct {
	mu sync.Mutex

	ProfileFunc func(ctx context.Context, accessToken string) (*gateway.Profile, error)
	RefreshFunc func(ctx context.Context, refreshToken string) (*gateway.TokenResponse, error)

	profileCalls []string
	refreshCalls []string
}

// NewFakeGateway creates a fake with no scripted behavior. Calls without a
// scripted func succeed with zero values.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{}
}

// Profile records the call and delegates to ProfileFunc.
func (f *FakeGateway) Profile(ctx context.Context, accessToken string) (*gateway.Profile, error) {
	f.mu.Lock()
	f.profileCalls = append(f.profileCalls, accessToken)
	fn := f.ProfileFunc
	f.mu.Unlock()

	if fn == nil {
		return &gateway.Profile{}, nil
	}
	return fn(ctx, accessToken)
}

// Refresh records the call and delegates to RefreshFunc.
func (f *FakeGateway) Refresh(ctx context.Context, refreshToken string) (*gateway.TokenResponse, error) {
	f.mu.Lock()
	f.refreshCalls = append(f.refreshCalls, refreshToken)
	fn := f.RefreshFunc
	f.mu.Unlock()

	if fn == nil {
		return &gateway.TokenResponse{AccessToken: "fake-access"}, nil
	}
	return fn(ctx, refreshToken)
}

// ProfileCallCount returns the number of Profile calls made.
func (f *FakeGateway) ProfileCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.profileCalls)
}

// RefreshCallCount returns the number of Refresh calls made.
func (f *FakeGateway) RefreshCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refreshCalls)
}

// LastRefreshToken returns the refresh token of the most recent Refresh call.
func (f *FakeGateway) LastRefreshToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.refreshCalls) == 0 {
		return ""
	}
	return f.refreshCalls[len(f.refreshCalls)-1]
}
