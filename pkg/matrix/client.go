package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Client talks to one Matrix homeserver over the client-server HTTP API.
// It starts unauthenticated; Login or RestoreLogin attach the access token
// used by all subsequent calls. A Client serves a single account.
type Client struct {
	baseURL    string
	httpClient *http.Client

	accessToken string
	userID      string
	deviceID    string
}

// NewClient creates a client for the homeserver at homeserverURL
// (e.g. "https://matrix.example.org"). If httpClient is nil,
// http.DefaultClient is used.
func NewClient(homeserverURL string, httpClient *http.Client) (*Client, error) {
	if homeserverURL == "" {
		return nil, fmt.Errorf("matrix: homeserver URL is required")
	}
	if _, err := url.Parse(homeserverURL); err != nil {
		return nil, fmt.Errorf("matrix: invalid homeserver URL %q: %w", homeserverURL, err)
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    strings.TrimRight(homeserverURL, "/"),
		httpClient: httpClient,
	}, nil
}

func (c *Client) UserID() string      { return c.userID }
func (c *Client) DeviceID() string    { return c.deviceID }
func (c *Client) AccessToken() string { return c.accessToken }

// RestoreLogin attaches previously saved device credentials without a
// network round trip. The first API call fails if the token is stale.
func (c *Client) RestoreLogin(userID, deviceID, accessToken string) {
	c.userID = userID
	c.deviceID = deviceID
	c.accessToken = accessToken
}

// Login performs a password login and stores the returned credentials on
// the client.
func (c *Client) Login(ctx context.Context, user, password, deviceName string) (*AuthResponse, error) {
	if user == "" {
		return nil, fmt.Errorf("matrix: username is required for login")
	}

	loginRequest := LoginRequest{
		Type:                     "m.login.password",
		User:                     user,
		Password:                 password,
		InitialDeviceDisplayName: deviceName,
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/login", loginRequest)
	if err != nil {
		return nil, fmt.Errorf("matrix: login failed: %w", err)
	}

	var response AuthResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse login response: %w", err)
	}

	c.userID = response.UserID
	c.deviceID = response.DeviceID
	c.accessToken = response.AccessToken
	return &response, nil
}

// WhoAmI validates the access token and returns the user ID. Useful for
// checking whether restored credentials are still valid.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil)
	if err != nil {
		return "", fmt.Errorf("matrix: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// Sync performs one /sync round trip. For the initial sync, leave
// options.Since empty. For long-polling, set options.Timeout to the desired
// wait in milliseconds.
func (c *Client) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}
	if options.FullState {
		query.Set("full_state", "true")
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", nil, query)
	if err != nil {
		return nil, fmt.Errorf("matrix: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// SendMessage sends an m.room.message event. The idempotent PUT carries a
// fresh transaction ID; the homeserver echoes it back on this device's sync
// stream, which is how the session tells same-device echoes apart from
// messages sent by the account's other devices.
func (c *Client) SendMessage(ctx context.Context, roomID string, content MessageContent) (string, error) {
	transactionID := uuid.NewString()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID),
		url.PathEscape(transactionID),
	)

	body, err := c.doRequest(ctx, http.MethodPut, path, content)
	if err != nil {
		return "", fmt.Errorf("matrix: send to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// CreateRoom creates a new private room with the given display name and
// returns its room ID.
func (c *Client) CreateRoom(ctx context.Context, name string) (string, error) {
	request := CreateRoomRequest{Name: name, Visibility: "private"}
	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", request)
	if err != nil {
		return "", fmt.Errorf("matrix: create room %q failed: %w", name, err)
	}

	var response CreateRoomResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse createRoom response: %w", err)
	}
	return response.RoomID, nil
}

// JoinRoom joins a room by ID or alias and returns the room ID.
func (c *Client) JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomIDOrAlias)
	body, err := c.doRequest(ctx, http.MethodPost, path, struct{}{})
	if err != nil {
		return "", fmt.Errorf("matrix: join %q failed: %w", roomIDOrAlias, err)
	}

	var response struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// LeaveRoom leaves a room by ID. Leaving a room the user was only invited
// to rejects the invite.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID))
	if _, err := c.doRequest(ctx, http.MethodPost, path, struct{}{}); err != nil {
		return fmt.Errorf("matrix: leave room %q failed: %w", roomID, err)
	}
	return nil
}

// InviteUser invites a user to a room.
func (c *Client) InviteUser(ctx context.Context, roomID, userID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/invite", url.PathEscape(roomID))
	if _, err := c.doRequest(ctx, http.MethodPost, path, InviteRequest{UserID: userID}); err != nil {
		return fmt.Errorf("matrix: invite %q to %q failed: %w", userID, roomID, err)
	}
	return nil
}

// JoinedMembers returns the currently joined members of a room, keyed by
// user ID.
func (c *Client) JoinedMembers(ctx context.Context, roomID string) (map[string]MemberInfo, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/joined_members", url.PathEscape(roomID))
	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("matrix: joined members of %q failed: %w", roomID, err)
	}

	var response JoinedMembersResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse joined members response: %w", err)
	}
	return response.Joined, nil
}

// GetDisplayName fetches the display name for a user from their profile.
// Returns an empty string (not an error) if none is set.
func (c *Client) GetDisplayName(ctx context.Context, userID string) (string, error) {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID) + "/displayname"
	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", fmt.Errorf("matrix: get display name for %q failed: %w", userID, err)
	}

	var response DisplayNameResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse display name response: %w", err)
	}
	return response.DisplayName, nil
}

// MediaDownloadURL converts an mxc:// content URI into an HTTP download URL
// on this homeserver. Returns "" for anything that is not an mxc URI.
func (c *Client) MediaDownloadURL(mxcURI string) string {
	rest, ok := strings.CutPrefix(mxcURI, "mxc://")
	if !ok {
		return ""
	}
	server, mediaID, ok := strings.Cut(rest, "/")
	if !ok || server == "" || mediaID == "" {
		return ""
	}
	return c.baseURL + "/_matrix/media/v3/download/" +
		url.PathEscape(server) + "/" + url.PathEscape(mediaID)
}

// CloseIdleConnections drops pooled HTTP connections. Called after a sync
// error so the next attempt opens a fresh socket instead of reusing a
// poisoned one.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// doRequest performs an HTTP request against the homeserver and returns the
// response body. On 2xx, returns the body. On 4xx/5xx with a Matrix error
// body, returns a *Error.
func (c *Client) doRequest(ctx context.Context, method, path string, requestBody any, query ...url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 && len(query[0]) > 0 {
		requestURL += "?" + query[0].Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("matrix: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("matrix: failed to create request: %w", err)
	}

	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("matrix: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("matrix: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	// All Matrix error responses use the same JSON shape.
	var matrixErr Error
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil {
		return nil, fmt.Errorf("matrix: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	matrixErr.StatusCode = response.StatusCode

	return responseBody, &matrixErr
}
