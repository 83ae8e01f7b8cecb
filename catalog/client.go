// Package catalog is the typed surface over the backend's product and review
// endpoints. Browsing is public; review submission requires the
// authenticating transport.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	interrors "github.com/mekongcart/deliveryclient/internal/errors"
)

type Product struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	ImageURL    string  `json:"image_url,omitempty"`
	Category    string  `json:"category"`
}

type Review struct {
	ID        int64     `json:"id"`
	UserName  string    `json:"user_name"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

type ReviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

// Client calls the backend catalog endpoints.
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

// New creates a catalog client.
func New(baseURL string, httpClient *http.Client, options ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.log = c.log.With().Str("component", "catalog").Logger()
	return c
}

// Products searches the catalog. An empty query lists everything.
func (c *Client) Products(ctx context.Context, query string) ([]Product, error) {
	path := "/products"
	if query != "" {
		path += "?search=" + url.QueryEscape(query)
	}
	var out []Product
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Product returns a single product.
func (c *Client) Product(ctx context.Context, id int64) (*Product, error) {
	var out Product
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/products/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reviews lists a product's reviews.
func (c *Client) Reviews(ctx context.Context, productID int64) ([]Review, error) {
	var out []Review
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/products/%d/reviews", productID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitReview posts a review for a product the user ordered.
func (c *Client) SubmitReview(ctx context.Context, productID int64, req ReviewRequest) error {
	return c.call(ctx, http.MethodPost, fmt.Sprintf("/products/%d/reviews", productID), req, nil)
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
