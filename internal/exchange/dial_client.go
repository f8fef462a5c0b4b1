package exchange

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// cookieValidity is the exchange's advertised session-cookie lifetime.
// cookieRefreshAt is kept comfortably under it so a dial in flight never
// races an about-to-expire cookie.
const (
	cookieValidity  = 5 * time.Minute
	cookieRefreshAt = 4*time.Minute + 30*time.Second
)

// DialClient originates outbound calls via the exchange's click-to-dial
// HTTP/JSON API on behalf of a desk extension. It holds one cached session
// cookie, refreshed on expiry or on first use after a dial failure.
type DialClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	mu          sync.Mutex
	cookie      string
	cookieAt    time.Time
}

// NewDialClient targets https://host:port/api using the same relaxed TLS
// parameters as the WebSocket client.
func NewDialClient(host string, port int, username, password string) *DialClient {
	return &DialClient{
		baseURL:  fmt.Sprintf("https://%s:%d/api", host, port),
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &http.Transport{TLSClientConfig: legacyTLSConfig()},
		},
	}
}

// Dial originates a call: the exchange rings extension first, and on
// answer dials number. A stale or rejected cookie is invalidated and the
// dial is retried exactly once with a freshly logged-in cookie.
func (c *DialClient) Dial(ctx context.Context, extension, number string) error {
	cookie, err := c.ensureCookie(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if err := c.dialOutbound(ctx, cookie, extension, number); err != nil {
		c.invalidateCookie(cookie)

		cookie, err = c.ensureCookie(ctx)
		if err != nil {
			return fmt.Errorf("re-login after dial failure: %w", err)
		}
		if err := c.dialOutbound(ctx, cookie, extension, number); err != nil {
			return err
		}
	}
	return nil
}

// ensureCookie returns the cached cookie if it is still fresh, otherwise
// logs in for a new one. Guarded by the client's own mutex so two
// concurrent dials never both re-authenticate.
func (c *DialClient) ensureCookie(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cookie != "" && time.Since(c.cookieAt) < cookieRefreshAt {
		return c.cookie, nil
	}

	cookie, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	c.cookie = cookie
	c.cookieAt = time.Now()
	return cookie, nil
}

// invalidateCookie drops the cached cookie if it still matches stale,
// leaving it alone if another goroutine has already refreshed it.
func (c *DialClient) invalidateCookie(stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cookie == stale {
		c.cookie = ""
	}
}

func (c *DialClient) login(ctx context.Context) (string, error) {
	resp, err := c.request(ctx, map[string]any{
		"action":   "challenge",
		"username": c.username,
	})
	if err != nil {
		return "", fmt.Errorf("sending challenge: %w", err)
	}
	challenge, ok := extractStringField(resp, "challenge")
	if !ok || challenge == "" {
		return "", errors.New("challenge missing from response")
	}

	sum := md5.Sum([]byte(challenge + c.password))
	token := hex.EncodeToString(sum[:])

	resp, err = c.request(ctx, map[string]any{
		"action":   "login",
		"username": c.username,
		"token":    token,
	})
	if err != nil {
		return "", fmt.Errorf("sending login: %w", err)
	}
	if status, ok := extractIntField(resp, "status"); !ok || status != 0 {
		return "", fmt.Errorf("login rejected, status=%v", status)
	}
	cookie, ok := extractStringField(resp, "cookie")
	if !ok || cookie == "" {
		return "", errors.New("cookie missing from login response")
	}
	return cookie, nil
}

func (c *DialClient) dialOutbound(ctx context.Context, cookie, extension, number string) error {
	resp, err := c.request(ctx, map[string]any{
		"action":   "dialOutbound",
		"cookie":   cookie,
		"caller":   extension,
		"outbound": number,
	})
	if err != nil {
		return fmt.Errorf("sending dialOutbound: %w", err)
	}
	status, ok := extractIntField(resp, "status")
	if !ok || status != 0 {
		message, _ := extractStringField(resp, "message")
		if message == "" {
			message = fmt.Sprintf("dial rejected, status=%v", status)
		}
		return errors.New(message)
	}
	return nil
}

// request POSTs {"request": body} to the exchange and returns the decoded
// JSON response. The response body is bounded defensively since it is
// read from an external device.
func (c *DialClient) request(ctx context.Context, body map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(map[string]any{"request": body})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange returned HTTP %d: %s", resp.StatusCode, raw)
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return parsed, nil
}
