// Package orders is the typed surface over the backend's order endpoints,
// plus a polling status watcher. It expects an http.Client carrying the
// authenticating transport; the package itself does no token handling.
package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	interrors "github.com/mekongcart/deliveryclient/internal/errors"
)

// Status is an order's lifecycle state as reported by the backend.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusShipping  Status = "SHIPPING"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the order can change no further.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

type OrderSummary struct {
	ID        int64     `json:"id"`
	Status    Status    `json:"status"`
	Total     float64   `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

type OrderItem struct {
	ProductID int64   `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

type OrderDetail struct {
	ID          int64       `json:"id"`
	Status      Status      `json:"status"`
	Total       float64     `json:"total"`
	Address     string      `json:"address"`
	Latitude    float64     `json:"latitude"`
	Longitude   float64     `json:"longitude"`
	ShipperID   *int64      `json:"shipper_id,omitempty"`
	ShipperName string      `json:"shipper_name,omitempty"`
	Items       []OrderItem `json:"items"`
	CreatedAt   time.Time   `json:"created_at"`
}

type PlaceOrderItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type PlaceOrderRequest struct {
	Items     []PlaceOrderItem `json:"items"`
	Address   string           `json:"address"`
	Latitude  float64          `json:"latitude"`
	Longitude float64          `json:"longitude"`
}

type StatusResponse struct {
	OrderID int64  `json:"order_id"`
	Status  Status `json:"status"`
}

// Client calls the backend order endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// ClientOption modifies a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = logger
	}
}

// New creates an orders client. httpClient should carry the authenticating
// transport.
func New(baseURL string, httpClient *http.Client, options ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.log = c.log.With().Str("component", "orders").Logger()
	return c
}

// List returns the user's orders, newest first.
func (c *Client) List(ctx context.Context) ([]OrderSummary, error) {
	var out []OrderSummary
	if err := c.call(ctx, http.MethodGet, "/orders", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a single order with its items.
func (c *Client) Get(ctx context.Context, id int64) (*OrderDetail, error) {
	var out OrderDetail
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/orders/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Place submits a new order.
func (c *Client) Place(ctx context.Context, req PlaceOrderRequest) (*OrderDetail, error) {
	var out OrderDetail
	if err := c.call(ctx, http.MethodPost, "/orders", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel cancels a pending order.
func (c *Client) Cancel(ctx context.Context, id int64) error {
	return c.call(ctx, http.MethodPost, fmt.Sprintf("/orders/%d/cancel", id), nil, nil)
}

// Status returns the order's current lifecycle state.
func (c *Client) Status(ctx context.Context, id int64) (Status, error) {
	var out StatusResponse
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/orders/%d/status", id), nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
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

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return interrors.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return interrors.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return errors.Wrapf(interrors.ErrInvalidResponse, "%s %s: status %d", method, path, resp.StatusCode)
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
