package rekko

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	ApiBaseUrl = "https://api.rekko.app/api"

	defaultTimeout = 15 * time.Second
)

// ErrUnauthorized is returned when the backend rejects the bearer token.
// Callers use it to distinguish an invalid credential from a transport
// failure.
var ErrUnauthorized = errors.New("unauthorized")

type ClientOpts struct {
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	httpClient *resty.Client
	baseURL    string
}

func NewClient(opts ClientOpts) *Client {
	c := Client{baseURL: ApiBaseUrl}
	if opts.BaseURL != "" {
		c.baseURL = opts.BaseURL
	}
	timeout := defaultTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	c.httpClient = resty.New().
		SetDebug(false).
		SetBaseURL(c.baseURL).
		SetTimeout(timeout).
		SetHeaders(
			map[string]string{
				"Accept":     "application/json",
				"User-Agent": "Rekko/1 Go-Client",
			},
		)

	return &c
}

func (c *Client) req(ctx context.Context, token string, result any) *resty.Request {
	request := c.httpClient.
		NewRequest().
		SetContext(ctx)

	if token != "" {
		request.SetHeader("Authorization", "Bearer "+token)
	}
	if result != nil {
		request.SetResult(result)
	}

	return request
}

// Me fetches the current user snapshot for the given access token.
func (c *Client) Me(ctx context.Context, token string) (User, error) {
	result := &User{}

	_, err := handleError(c.req(ctx, token, result).
		Get("/auth/me"))

	return *result, err
}

// RefreshResult is the /auth/refresh response. RefreshToken is only set when
// the backend rotates it; ExpiresIn (seconds) is optional.
type RefreshResult struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// Refresh exchanges a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	result := &RefreshResult{}

	_, err := handleError(c.req(ctx, "", result).
		SetBody(map[string]string{"refreshToken": refreshToken}).
		Post("/auth/refresh"))

	return *result, err
}

// Logout tells the backend to invalidate the session. Callers treat failure
// as non-fatal.
func (c *Client) Logout(ctx context.Context, token string) error {
	_, err := handleError(c.req(ctx, token, nil).
		Delete("/auth/logout"))

	return err
}

// handleError is a generic error handler for failing responses (>399 status
// code). Without this, failing responses would have nil error. A 401 maps to
// ErrUnauthorized.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.StatusCode() == 401 {
		return res, fmt.Errorf("request failed: %s %s: %w", res.Request.Method, res.Request.URL, ErrUnauthorized)
	}
	if res.IsError() {
		return res, fmt.Errorf("request failed: %s %s (status: %d)", res.Request.Method, res.Request.URL, res.StatusCode())
	}

	return res, nil
}
