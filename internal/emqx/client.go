// Package emqx is a thin client for the EMQX v5 management API: the
// built-in-database authentication users, per-user authorization rules
// and API key endpoints the bridge needs.
package emqx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPrefix is the management API mount point.
	DefaultPrefix = "/api/v5"
	// AuthenticationID names the built-in-database password authenticator
	// gateway users live under.
	AuthenticationID = "password_based:built_in_database"
)

// APIError is a non-2xx management API response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("emqx: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("emqx: unexpected status %d", e.StatusCode)
}

type User struct {
	UserID      string `json:"user_id"`
	IsSuperuser bool   `json:"is_superuser,omitempty"`
}

type createUserRequest struct {
	UserID      string `json:"user_id"`
	Password    string `json:"password"`
	IsSuperuser bool   `json:"is_superuser"`
}

type updatePasswordRequest struct {
	Password string `json:"password"`
}

type usersPage struct {
	Data []User `json:"data"`
}

// Rule is one authorization entry for a user.
type Rule struct {
	Action     string `json:"action"`
	Topic      string `json:"topic"`
	Permission string `json:"permission"`
}

// UserRules is the per-user rule document the authorization source
// stores.
type UserRules struct {
	Username string `json:"username"`
	Rules    []Rule `json:"rules"`
}

type apiKeyRequest struct {
	KeyName string `json:"key_name"`
	Secret  string `json:"secret"`
	Role    string `json:"role"`
}

type Client struct {
	baseURL   string
	prefix    string
	apiKey    string
	secretKey string
	http      *http.Client
	log       *zap.Logger
}

func NewClient(baseURL, apiKey, secretKey string, log *zap.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		prefix:    DefaultPrefix,
		apiKey:    apiKey,
		secretKey: secretKey,
		http:      &http.Client{Timeout: 10 * time.Second},
		log:       log,
	}
}

// request performs one API call. A nil out discards the body; 204
// responses are accepted for mutating calls.
func (c *Client) request(ctx context.Context, method, endpoint string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("emqx: encoding request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+c.prefix+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("emqx: building request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug("emqx api call", zap.String("method", method), zap.String("endpoint", endpoint))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("emqx: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("emqx: decoding response: %w", err)
	}
	return nil
}

func (c *Client) ListUsers(ctx context.Context, authenticationID string) ([]User, error) {
	var page usersPage
	endpoint := fmt.Sprintf("/authentication/%s/users", authenticationID)
	if err := c.request(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
		return nil, err
	}
	return page.Data, nil
}

func (c *Client) CreateUser(ctx context.Context, authenticationID, userID, password string) error {
	endpoint := fmt.Sprintf("/authentication/%s/users", authenticationID)
	body := createUserRequest{UserID: userID, Password: password}
	return c.request(ctx, http.MethodPost, endpoint, body, nil)
}

func (c *Client) DeleteUser(ctx context.Context, authenticationID, userID string) error {
	endpoint := fmt.Sprintf("/authentication/%s/users/%s", authenticationID, userID)
	return c.request(ctx, http.MethodDelete, endpoint, nil, nil)
}

func (c *Client) UpdateUserPassword(ctx context.Context, authenticationID, userID, password string) error {
	endpoint := fmt.Sprintf("/authentication/%s/users/%s", authenticationID, userID)
	return c.request(ctx, http.MethodPut, endpoint, updatePasswordRequest{Password: password}, nil)
}

func (c *Client) GetUserRules(ctx context.Context, username string) (*UserRules, error) {
	var rules UserRules
	endpoint := "/authorization/sources/built_in_database/rules/users/" + username
	if err := c.request(ctx, http.MethodGet, endpoint, nil, &rules); err != nil {
		return nil, err
	}
	return &rules, nil
}

func (c *Client) PutUserRules(ctx context.Context, rules UserRules) error {
	endpoint := "/authorization/sources/built_in_database/rules/users/" + rules.Username
	return c.request(ctx, http.MethodPut, endpoint, rules, nil)
}

func (c *Client) DeleteUserRules(ctx context.Context, username string) error {
	endpoint := "/authorization/sources/built_in_database/rules/users/" + username
	return c.request(ctx, http.MethodDelete, endpoint, nil, nil)
}

// CreateAPIKey registers a management API key. Used by the bootstrap
// path that provisions the bridge's own credentials.
func (c *Client) CreateAPIKey(ctx context.Context, keyName, secret, role string) error {
	return c.request(ctx, http.MethodPost, "/api_key", apiKeyRequest{KeyName: keyName, Secret: secret, Role: role}, nil)
}
