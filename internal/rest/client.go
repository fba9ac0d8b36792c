// Package rest provides the client for the chat server's REST API.
// Authorization failures are handled transparently: a 401 triggers a
// single-flight token refresh and a one-shot retry of the original
// call, so callers never see an expired access token unless the
// session itself is unrecoverable.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/parley-im/parley/internal/httpkit"
)

// SessionStore is the token persistence surface the client needs.
// Satisfied by *store.Store.
type SessionStore interface {
	Tokens() (access, refresh string, err error)
	SaveTokens(access, refresh string) error
	ClearSession() error
}

// Client is the chat REST API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	sessions   SessionStore
	gate       refreshGate
	logger     *slog.Logger

	// onSessionExpired fires once per unrecoverable refresh failure,
	// after the local session has been cleared. The daemon uses it to
	// surface the blocking notice and return to the entry point.
	onSessionExpired func()
}

// Options configures a Client.
type Options struct {
	BaseURL          string
	Sessions         SessionStore
	Timeout          time.Duration
	Logger           *slog.Logger
	OnSessionExpired func()
}

// NewClient creates a chat REST API client.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: opts.BaseURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
		sessions:         opts.Sessions,
		logger:           logger,
		onSessionExpired: opts.OnSessionExpired,
	}
}

// Login authenticates with phone and password and persists the issued
// token pair.
func (c *Client) Login(ctx context.Context, phone, password string) (*LoginResult, error) {
	var result LoginResult
	body := map[string]string{"phone": phone, "password": password}
	if err := c.post(ctx, "/auth/login", body, &result); err != nil {
		return nil, err
	}
	if err := c.sessions.SaveTokens(result.Tokens.AccessToken, result.Tokens.RefreshToken); err != nil {
		return nil, fmt.Errorf("persist tokens: %w", err)
	}
	return &result, nil
}

// Logout invalidates the session server-side. Local state is cleared
// regardless of the server's answer.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.post(ctx, "/auth/logout", nil, nil); err != nil {
		c.logger.Warn("server-side logout failed", "error", err)
	}
	return c.sessions.ClearSession()
}

// GetUserByID fetches a user profile.
func (c *Client) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	if err := c.get(ctx, "/users/"+url.PathEscape(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByPhone looks a user up by phone number.
func (c *Client) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	var u User
	if err := c.get(ctx, "/users/phone/"+url.PathEscape(phone), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateProfile changes the signed-in user's display name and returns
// the updated profile.
func (c *Client) UpdateProfile(ctx context.Context, name string) (*User, error) {
	var u User
	if err := c.put(ctx, "/users/me", map[string]string{"name": name}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// FetchFriends returns the friend list.
func (c *Client) FetchFriends(ctx context.Context) ([]User, error) {
	var friends []User
	if err := c.get(ctx, "/friends", &friends); err != nil {
		return nil, err
	}
	return friends, nil
}

// SendFriendRequest sends a friend request to the given user.
func (c *Client) SendFriendRequest(ctx context.Context, toUserID string) (*FriendRequest, error) {
	var fr FriendRequest
	if err := c.post(ctx, "/friends/requests", map[string]string{"toUserId": toUserID}, &fr); err != nil {
		return nil, err
	}
	return &fr, nil
}

// AcceptFriendRequest accepts a received request.
func (c *Client) AcceptFriendRequest(ctx context.Context, requestID string) error {
	return c.put(ctx, "/friends/requests/"+url.PathEscape(requestID)+"/accept", nil, nil)
}

// RejectFriendRequest rejects a received request.
func (c *Client) RejectFriendRequest(ctx context.Context, requestID string) error {
	return c.put(ctx, "/friends/requests/"+url.PathEscape(requestID)+"/reject", nil, nil)
}

// CancelFriendRequest withdraws a request the local user sent.
func (c *Client) CancelFriendRequest(ctx context.Context, requestID string) error {
	return c.delete(ctx, "/friends/requests/"+url.PathEscape(requestID))
}

// GetFriendRequestsSent lists requests the local user has sent.
func (c *Client) GetFriendRequestsSent(ctx context.Context) ([]FriendRequest, error) {
	var reqs []FriendRequest
	if err := c.get(ctx, "/friends/requests/sent", &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

// GetFriendRequestsReceived lists requests awaiting the local user.
func (c *Client) GetFriendRequestsReceived(ctx context.Context) ([]FriendRequest, error) {
	var reqs []FriendRequest
	if err := c.get(ctx, "/friends/requests/received", &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

// FetchConversations lists the user's conversations.
func (c *Client) FetchConversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.get(ctx, "/conversations", &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// GetConversationDetail fetches a conversation with its full member
// list. The membership router re-fetches through this call whenever a
// push event carries an unreliable partial payload.
func (c *Client) GetConversationDetail(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	if err := c.get(ctx, "/conversations/"+url.PathEscape(id), &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateConversation opens (or returns) the direct conversation with
// the given user.
func (c *Client) CreateConversation(ctx context.Context, participantID string) (*Conversation, error) {
	var conv Conversation
	if err := c.post(ctx, "/conversations", map[string]string{"participantId": participantID}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateGroupConversation creates a group with the given members.
func (c *Client) CreateGroupConversation(ctx context.Context, name string, memberIDs []string) (*Conversation, error) {
	var conv Conversation
	body := map[string]any{"name": name, "memberIds": memberIDs}
	if err := c.post(ctx, "/conversations/group", body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// AddMemberToGroup adds a user to a group.
func (c *Client) AddMemberToGroup(ctx context.Context, conversationID, userID string) error {
	return c.post(ctx, "/conversations/"+url.PathEscape(conversationID)+"/members", map[string]string{"userId": userID}, nil)
}

// RemoveUserFromGroup removes (kicks) a user from a group.
func (c *Client) RemoveUserFromGroup(ctx context.Context, conversationID, userID string) error {
	return c.delete(ctx, "/conversations/"+url.PathEscape(conversationID)+"/members/"+url.PathEscape(userID))
}

// SetCoOwner grants co-owner rules to a member.
func (c *Client) SetCoOwner(ctx context.Context, conversationID, userID string) error {
	return c.put(ctx, "/conversations/"+url.PathEscape(conversationID)+"/coowners/"+url.PathEscape(userID), nil, nil)
}

// RemoveCoOwnerByID revokes a member's co-owner rules.
func (c *Client) RemoveCoOwnerByID(ctx context.Context, conversationID, userID string) error {
	return c.delete(ctx, "/conversations/"+url.PathEscape(conversationID)+"/coowners/"+url.PathEscape(userID))
}

// SetOwner transfers group ownership.
func (c *Client) SetOwner(ctx context.Context, conversationID, userID string) error {
	return c.put(ctx, "/conversations/"+url.PathEscape(conversationID)+"/owner", map[string]string{"userId": userID}, nil)
}

// DeleteGroup deletes a group. Owner only.
func (c *Client) DeleteGroup(ctx context.Context, conversationID string) error {
	return c.delete(ctx, "/conversations/"+url.PathEscape(conversationID))
}

// LeaveGroup removes the local user from a group.
func (c *Client) LeaveGroup(ctx context.Context, conversationID string) error {
	return c.post(ctx, "/conversations/"+url.PathEscape(conversationID)+"/leave", nil, nil)
}

// UpdateGroupName renames a group.
func (c *Client) UpdateGroupName(ctx context.Context, conversationID, name string) error {
	return c.put(ctx, "/conversations/"+url.PathEscape(conversationID)+"/name", map[string]string{"name": name}, nil)
}

// UpdateGroupAvatar uploads a new group avatar image.
func (c *Client) UpdateGroupAvatar(ctx context.Context, conversationID, filename string, image io.Reader) (*Upload, error) {
	var up Upload
	path := "/conversations/" + url.PathEscape(conversationID) + "/avatar"
	if err := c.upload(ctx, path, filename, image, &up); err != nil {
		return nil, err
	}
	return &up, nil
}

// BlockUser blocks a user.
func (c *Client) BlockUser(ctx context.Context, userID string) error {
	return c.post(ctx, "/users/"+url.PathEscape(userID)+"/block", nil, nil)
}

// UnblockUser unblocks a user.
func (c *Client) UnblockUser(ctx context.Context, userID string) error {
	return c.delete(ctx, "/users/"+url.PathEscape(userID)+"/block")
}

// GetBlockedUsers lists users the local user has blocked.
func (c *Client) GetBlockedUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := c.get(ctx, "/users/me/blocked", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// UploadMedia uploads a file and returns its public URL.
func (c *Client) UploadMedia(ctx context.Context, filename string, r io.Reader) (*Upload, error) {
	var up Upload
	if err := c.upload(ctx, "/media/upload", filename, r, &up); err != nil {
		return nil, err
	}
	return &up, nil
}

// GetMediaToken fetches a fresh media-room credential. The media
// adapter calls this when the engine reports the current token nearing
// expiry.
func (c *Client) GetMediaToken(ctx context.Context, roomID string) (*MediaToken, error) {
	var tok MediaToken
	if err := c.get(ctx, "/media/token?roomId="+url.QueryEscape(roomID), &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// Ping probes the unauthenticated health endpoint. Used by the
// connection watchdog.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// get performs an authenticated GET request.
func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

// post performs an authenticated POST request with a JSON body.
func (c *Client) post(ctx context.Context, path string, data any, result any) error {
	return c.do(ctx, http.MethodPost, path, data, result)
}

// put performs an authenticated PUT request with a JSON body.
func (c *Client) put(ctx context.Context, path string, data any, result any) error {
	return c.do(ctx, http.MethodPut, path, data, result)
}

// delete performs an authenticated DELETE request.
func (c *Client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do performs one authenticated request. On a 401 it waits for (or
// performs) a token refresh and retries exactly once with the fresh
// token; the retry is marked so a second 401 can never re-enter the
// gate.
func (c *Client) do(ctx context.Context, method, path string, data any, result any) error {
	access, _, err := c.sessions.Tokens()
	if err != nil {
		return fmt.Errorf("load access token: %w", err)
	}

	err = c.doOnce(ctx, method, path, data, result, access)
	var apiErr *APIError
	if err == nil || !errors.As(err, &apiErr) || !apiErr.Unauthorized() {
		return err
	}

	// Unauthorized: go through the gate, then retry once. A failure on
	// the retried call is returned as-is — no second refresh.
	fresh, err := c.refreshAccessToken(ctx)
	if err != nil {
		return err
	}
	return c.doOnce(ctx, method, path, data, result, fresh)
}

// doOnce performs a single HTTP round trip with the given access token.
func (c *Client) doOnce(ctx context.Context, method, path string, data any, result any, access string) error {
	var body io.Reader
	var getBody func() (io.ReadCloser, error)
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(encoded)
		getBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(encoded)), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if getBody != nil {
		req.GetBody = getBody
	}
	req.Header.Set("Content-Type", "application/json")
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	// Drain and close to ensure connection reuse even when result is nil.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// upload performs an authenticated multipart file upload, with the
// same 401-refresh-retry behavior as do.
func (c *Client) upload(ctx context.Context, path, filename string, r io.Reader, result any) error {
	// Buffer the file so the request can be replayed after a refresh.
	content, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read upload: %w", err)
	}

	send := func(access string) error {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			return fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(content); err != nil {
			return fmt.Errorf("write form file: %w", err)
		}
		if err := mw.Close(); err != nil {
			return fmt.Errorf("close multipart writer: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if access != "" {
			req.Header.Set("Authorization", "Bearer "+access)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
		defer httpkit.DrainAndClose(resp.Body, 4096)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return decodeAPIError(resp)
		}
		if result != nil {
			if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	access, _, err := c.sessions.Tokens()
	if err != nil {
		return fmt.Errorf("load access token: %w", err)
	}

	err = send(access)
	var apiErr *APIError
	if err == nil || !errors.As(err, &apiErr) || !apiErr.Unauthorized() {
		return err
	}

	fresh, err := c.refreshAccessToken(ctx)
	if err != nil {
		return err
	}
	return send(fresh)
}

// decodeAPIError turns a non-2xx response into an *APIError, keeping
// the server's message when the body is the standard error shape.
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	raw := httpkit.ReadErrorBody(resp.Body, 2048)
	if raw != "" {
		var parsed APIError
		if jsonErr := json.Unmarshal([]byte(raw), &parsed); jsonErr == nil && parsed.Message != "" {
			apiErr.Code = parsed.Code
			apiErr.Message = parsed.Message
		} else {
			apiErr.Message = raw
		}
	}
	return apiErr
}
