// Package fixture obtains tokens and rooms from the chat service's HTTP
// API before a run.
package fixture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/roomcheck/internal/protocol"
)

// StatusError is returned when the service answers with an unexpected
// status code.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Identity is what the service returns for an authenticated user.
type Identity struct {
	Token string
	UUID  string
}

type apiResponse[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type authData struct {
	Token string `json:"token"`
	User  struct {
		UUID string `json:"uuid"`
	} `json:"user"`
}

type roomData struct {
	RoomID protocol.ID `json:"room_id"`
}

// Client talks to the fixture service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	logins  singleflight.Group
}

// New returns a client for baseURL (for example
// "http://localhost:8080/api/v1"). A nil hc uses a client with a 10s
// timeout.
func New(baseURL string, hc *http.Client, logger *slog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		logger:  logger,
	}
}

// Authenticate registers the account, or logs in when it already exists.
// Concurrent calls for the same email share one round trip.
func (c *Client) Authenticate(ctx context.Context, name, email, password string) (Identity, error) {
	v, err, shared := c.logins.Do(email, func() (any, error) {
		return c.authenticate(ctx, name, email, password)
	})
	if err != nil {
		return Identity{}, err
	}
	if shared {
		c.logger.Debug("login shared", "email", email)
	}
	return v.(Identity), nil
}

func (c *Client) authenticate(ctx context.Context, name, email, password string) (Identity, error) {
	var resp apiResponse[authData]
	err := c.post(ctx, "register", "/auth/register", "", map[string]string{
		"user_fullname": name,
		"user_email":    email,
		"user_password": password,
	}, &resp)
	if err == nil && resp.Data.Token != "" {
		c.logger.Info("registered fixture user", "email", email)
		return Identity{Token: resp.Data.Token, UUID: resp.Data.User.UUID}, nil
	}
	c.logger.Debug("register failed, trying login", "email", email, "error", err)

	resp = apiResponse[authData]{}
	if err := c.post(ctx, "login", "/auth/login", "", map[string]string{
		"user_email":    email,
		"user_password": password,
	}, &resp); err != nil {
		return Identity{}, fmt.Errorf("failed to authenticate %s: %w", email, err)
	}
	if resp.Data.Token == "" {
		return Identity{}, fmt.Errorf("failed to authenticate %s: response carries no token", email)
	}
	return Identity{Token: resp.Data.Token, UUID: resp.Data.User.UUID}, nil
}

// CreateRoom creates a room on behalf of token and returns its ID.
func (c *Client) CreateRoom(ctx context.Context, token, name, description string) (protocol.ID, error) {
	var resp apiResponse[roomData]
	if err := c.post(ctx, "create room", "/rooms", token, map[string]string{
		"room_name":        name,
		"room_description": description,
	}, &resp); err != nil {
		return "", fmt.Errorf("failed to create room %s: %w", name, err)
	}
	if resp.Data.RoomID == "" {
		return "", fmt.Errorf("failed to create room %s: response carries no room_id", name)
	}
	c.logger.Info("created fixture room", "room", name, "id", resp.Data.RoomID)
	return resp.Data.RoomID, nil
}

func (c *Client) post(ctx context.Context, op, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &StatusError{Op: op, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}
