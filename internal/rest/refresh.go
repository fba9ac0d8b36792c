package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/parley-im/parley/internal/httpkit"
)

// tokenResult is delivered to every caller blocked on a refresh cycle:
// either the fresh access token or the error that killed the cycle.
type tokenResult struct {
	token string
	err   error
}

// refreshGate serializes access-token renewal. The first caller that
// sees a 401 becomes the leader and performs the refresh; every caller
// that arrives while the refresh is in flight queues a continuation
// instead of starting a second refresh. On completion the queue is
// flushed exactly once, in FIFO order, with a uniform outcome — never
// a mix, never partially.
type refreshGate struct {
	mu         sync.Mutex
	refreshing bool
	waiters    []chan tokenResult
}

// join registers the caller for the current refresh cycle. The
// returned channel receives exactly one tokenResult. leader is true
// for the caller that must perform the refresh and call finish.
func (g *refreshGate) join() (<-chan tokenResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch := make(chan tokenResult, 1)
	g.waiters = append(g.waiters, ch)

	if g.refreshing {
		return ch, false
	}
	g.refreshing = true
	return ch, true
}

// finish resolves every queued continuation with the given outcome and
// clears the queue. Called exactly once per cycle, by the leader.
func (g *refreshGate) finish(token string, err error) {
	g.mu.Lock()
	waiters := g.waiters
	g.waiters = nil
	g.refreshing = false
	g.mu.Unlock()

	for _, ch := range waiters {
		ch <- tokenResult{token: token, err: err}
	}
}

// refreshAccessToken waits for (or performs) a token refresh and
// returns the fresh access token. The leader path calls the refresh
// endpoint directly — bypassing Client.do so a 401 from the refresh
// endpoint itself can never re-enter the gate.
func (c *Client) refreshAccessToken(ctx context.Context) (string, error) {
	ch, leader := c.gate.join()

	if leader {
		token, err := c.performRefresh(ctx)
		if err != nil {
			c.logger.Warn("token refresh failed, clearing session", "error", err)
			if clearErr := c.sessions.ClearSession(); clearErr != nil {
				c.logger.Error("failed to clear session", "error", clearErr)
			}
			c.gate.finish("", ErrSessionExpired)
			if c.onSessionExpired != nil {
				c.onSessionExpired()
			}
		} else {
			c.gate.finish(token, nil)
		}
	}

	select {
	case res := <-ch:
		return res.token, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// performRefresh exchanges the stored refresh token for a new pair and
// persists it.
func (c *Client) performRefresh(ctx context.Context) (string, error) {
	_, refresh, err := c.sessions.Tokens()
	if err != nil {
		return "", fmt.Errorf("load refresh token: %w", err)
	}
	if refresh == "" {
		return "", fmt.Errorf("no refresh token")
	}

	body, err := json.Marshal(map[string]string{"refreshToken": refresh})
	if err != nil {
		return "", fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Status: resp.StatusCode, Message: httpkit.ReadErrorBody(resp.Body, 512)}
	}

	var pair TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}

	if err := c.sessions.SaveTokens(pair.AccessToken, pair.RefreshToken); err != nil {
		return "", fmt.Errorf("persist tokens: %w", err)
	}

	c.logger.Info("access token refreshed")
	return pair.AccessToken, nil
}
