// Package angel adapts the Angel One SmartAPI to the feed's tick source contract: a
// streaming source over the smart-stream websocket and a pull-based REST quote source.
package angel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"broker_datafeed/utils"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const loginPath = "/rest/auth/angelbroking/user/v1/loginByPassword"

type Credentials struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTP       string
	LocalIP    string
	PublicIP   string
	MACAddress string
}

// Session holds the tokens returned by a successful login.
type Session struct {
	JwtToken     string
	RefreshToken string
	FeedToken    string
}

type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	logger  *zap.SugaredLogger
}

func NewClient(baseURL string, creds Credentials, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", c.creds.LocalIP)
	req.Header.Set("X-ClientPublicIP", c.creds.PublicIP)
	req.Header.Set("X-MACAddress", c.creds.MACAddress)
	req.Header.Set("X-PrivateKey", c.creds.APIKey)
}

// Authenticate logs in once.
func (c *Client) Authenticate(ctx context.Context) (Session, error) {
	payload := map[string]string{
		"clientcode": c.creds.ClientCode,
		"password":   c.creds.Password,
		"totp":       c.creds.TOTP,
	}
	var loginResp LoginResponse
	if err := c.post(ctx, loginPath, "", payload, &loginResp); err != nil {
		return Session{}, err
	}
	if !loginResp.Status {
		return Session{}, backoff.Permanent(fmt.Errorf("authentication failed: %s (%s)", loginResp.Message, loginResp.ErrorCode))
	}
	return Session{
		JwtToken:     loginResp.Data.JwtToken,
		RefreshToken: loginResp.Data.RefreshToken,
		FeedToken:    loginResp.Data.FeedToken,
	}, nil
}

// Login retries transport failures with exponential backoff. Rejected credentials are
// not retried.
func (c *Client) Login(ctx context.Context, maxElapsed time.Duration) (Session, error) {
	var session Session
	operation := func() error {
		s, err := c.Authenticate(ctx)
		if err != nil {
			return err
		}
		session = s
		return nil
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(utils.NewExponentialBackoff(maxElapsed), ctx),
		func(err error, d time.Duration) {
			c.logger.Warnw("Angel One login failed, retrying", "retry_in", d, "error", err)
		})
	if err != nil {
		return Session{}, err
	}
	c.logger.Infow("Angel One login succeeded", "client_code", c.creds.ClientCode)
	return session, nil
}

func (c *Client) post(ctx context.Context, path, jwt string, body, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	c.setHeaders(req)
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s: unexpected status %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
