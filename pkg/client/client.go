// Package client provides the HTTP session of the school API: login,
// retrying requests, typed getters and file downloads.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edclient/edclient/internal/logging"
	"github.com/edclient/edclient/internal/metrics"
	"github.com/edclient/edclient/pkg/models"
	"github.com/edclient/edclient/pkg/protocol"
	"github.com/edclient/edclient/pkg/retry"
)

// DefaultBaseURL is the production API.
const DefaultBaseURL = "https://api.ecoledirecte.com/v3"

var (
	// ErrInvalidCredentials is returned by Login for a wrong username or password.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrNotLoggedIn is returned by calls that need a session before Login.
	ErrNotLoggedIn = errors.New("not logged in")
)

// APIError is an error reported by the API in the response envelope.
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: api error %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("%s: api error %d: %s", e.Endpoint, e.Code, e.Message)
}

// AsAPIError checks if an error is an APIError and returns it.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Client is a session with the school API. It is safe for concurrent use.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	// downloadClient shares the transport but has no overall timeout, so
	// large bodies are bounded by the caller's context only.
	downloadClient *http.Client

	mu      sync.RWMutex
	token   string
	account *models.Account
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	// Token and Account resume a saved session.
	Token   string
	Account *models.Account
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		downloadClient: &http.Client{Transport: transport},
		retryConfig:    cfg.RetryConfig,
		token:          cfg.Token,
		account:        cfg.Account,
	}
}

// Token returns the current session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Account returns the logged-in account, or nil before Login.
func (c *Client) Account() *models.Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

func (c *Client) session() (string, *models.Account, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" || c.account == nil {
		return "", nil, ErrNotLoggedIn
	}
	return c.token, c.account, nil
}

func (c *Client) setToken(token string) {
	if token == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Login authenticates and stores the session token and the first account.
func (c *Client) Login(ctx context.Context, username, password string) (*models.Account, error) {
	var data protocol.LoginData
	err := c.post(ctx, "login.awp", nil, protocol.LoginRequest{
		Username: username,
		Password: password,
	}, &data)
	if ae, ok := AsAPIError(err); ok && ae.Code == protocol.CodeInvalidCredentials {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if len(data.Accounts) == 0 {
		return nil, fmt.Errorf("login: no account in response")
	}

	acc := models.AccountFrom(data.Accounts[0])
	c.mu.Lock()
	c.account = acc
	c.mu.Unlock()

	logging.Info("logged in",
		zap.String("username", acc.Username),
		zap.Int("account", acc.ID),
		zap.String("class", acc.Class.Code))
	return acc, nil
}

// call posts a request carrying only the session token.
func (c *Client) call(ctx context.Context, endpoint string, query url.Values, out any) error {
	token, _, err := c.session()
	if err != nil {
		return err
	}
	return c.post(ctx, endpoint, query, protocol.TokenRequest{Token: token}, out)
}

// post sends data as the "data=" body of a POST and decodes the envelope
// payload into out. Transport failures and 5xx responses are retried.
func (c *Client) post(ctx context.Context, endpoint string, query url.Values, data, out any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", endpoint, err)
	}

	target := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	start := time.Now()
	env, err := retry.DoWithResult(ctx, c.retryConfig, func() (*protocol.Envelope, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target,
			bytes.NewReader(append([]byte("data="), payload...)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		c.applyToken(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := &APIError{Endpoint: endpoint, Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
			if retry.RetryableStatus(resp.StatusCode) {
				return nil, retry.Retryable(err)
			}
			return nil, err
		}

		var env protocol.Envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", endpoint, err)
		}
		return &env, nil
	})
	metrics.RecordAPIRequest(endpointLabel(endpoint), err == nil && env.Message == "", time.Since(start))
	if err != nil {
		return err
	}

	c.setToken(env.Token)
	if env.Message != "" || (env.Code != 0 && env.Code != protocol.CodeOK) {
		logging.Debug("api error",
			zap.String("endpoint", endpoint),
			zap.Int("code", env.Code),
			zap.String("message", env.Message))
		return &APIError{Endpoint: endpoint, Code: env.Code, Message: env.Message}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", endpoint, err)
	}
	return nil
}

func (c *Client) applyToken(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" {
		req.Header.Set("X-Token", c.token)
	}
}

// endpointLabel strips ids from an endpoint so metric labels stay bounded.
func endpointLabel(endpoint string) string {
	parts := strings.Split(strings.TrimSuffix(endpoint, ".awp"), "/")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" || strings.Trim(p, "0123456789-") == "" {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "/")
}

// countingReader counts the bytes read from a download and reports them
// when closed.
type countingReader struct {
	rc     io.ReadCloser
	kind   string
	n      int64
	failed bool
	once   sync.Once
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	r.n += int64(n)
	if err != nil && err != io.EOF {
		r.failed = true
	}
	return n, err
}

func (r *countingReader) Close() error {
	err := r.rc.Close()
	r.once.Do(func() {
		metrics.RecordDownload(r.kind, r.n, !r.failed)
	})
	return err
}
