// Package gateway is the stateless typed surface over the backend's auth
// endpoints. It performs no retries and no token management; the transport
// layer owns those. Two client instances exist at runtime: one on the plain
// transport (used internally for refresh, so the refresh call can never
// trigger another refresh) and one behind the authenticating transport.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	interrors "github.com/mekongcart/deliveryclient/internal/errors"
)

// Client calls the backend auth endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// ClientOption modifies a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client. The default client has no
// authenticating transport.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = logger
	}
}

// New creates a gateway client for the backend at baseURL.
func New(baseURL string, options ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.log = c.log.With().Str("component", "gateway").Logger()
	return c
}

// APIError is a non-2xx response decoded from the backend's error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Is maps 401 responses onto the shared unauthorized sentinel.
func (e *APIError) Is(target error) bool {
	return target == interrors.ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Login exchanges email and password for a token pair.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.call(ctx, http.MethodPost, "/auth/login", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Signup registers a new account. The backend follows up with an OTP email.
func (c *Client) Signup(ctx context.Context, req SignupRequest) (*MessageResponse, error) {
	var resp MessageResponse
	if err := c.call(ctx, http.MethodPost, "/auth/signup", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyOTP confirms the signup OTP and returns the first token pair.
func (c *Client) VerifyOTP(ctx context.Context, email, otp string) (*TokenResponse, error) {
	var resp TokenResponse
	req := VerifyOTPRequest{Email: email, OTP: otp}
	if err := c.call(ctx, http.MethodPost, "/auth/verify-otp", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ForgotPassword starts a password reset.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	req := ForgotPasswordRequest{Email: email}
	return c.call(ctx, http.MethodPost, "/auth/forgot-password", "", req, nil)
}

// VerifyResetOTP confirms the reset OTP and returns a short-lived reset token.
func (c *Client) VerifyResetOTP(ctx context.Context, email, otp string) (*ResetTokenResponse, error) {
	var resp ResetTokenResponse
	req := VerifyResetOTPRequest{Email: email, OTP: otp}
	if err := c.call(ctx, http.MethodPost, "/auth/verify-reset-otp", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResetPassword sets a new password using the reset token.
func (c *Client) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	req := ResetPasswordRequest{ResetToken: resetToken, NewPassword: newPassword}
	return c.call(ctx, http.MethodPost, "/auth/reset-password", "", req, nil)
}

// Profile fetches the authenticated user's profile. An explicit bearer token
// overrides the transport; leave it empty when calling through the
// authenticating client.
func (c *Client) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	var resp Profile
	if err := c.call(ctx, http.MethodGet, "/auth/profile", accessToken, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh exchanges a refresh token for a new token pair. The response may
// omit the rotated refresh token; callers keep the prior one in that case.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var resp TokenResponse
	req := RefreshRequest{RefreshToken: refreshToken}
	if err := c.call(ctx, http.MethodPost, "/auth/refresh", "", req, &resp); err != nil {
		return nil, errors.Wrap(err, "refresh token")
	}
	if resp.AccessToken == "" {
		return nil, interrors.ErrInvalidResponse
	}
	return &resp, nil
}

func (c *Client) call(ctx context.Context, method, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "encode %s request", path)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrapf(err, "build %s request", path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(resp, path)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(interrors.ErrInvalidResponse, "decode %s response: %v", path, err)
	}
	return nil
}

func (c *Client) decodeError(resp *http.Response, path string) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var envelope ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	c.log.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Str("code", apiErr.Code).
		Msg("backend returned error")
	return apiErr
}
