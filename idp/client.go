// Package idp is the HTTP client for the hosted identity provider. It
// implements session.Provider for a single bearer token; the provider
// owns password hashing, token signing, and email delivery for its own
// flows.
package idp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"shopfloor-api/session"
)

const defaultRequestTimeout = 15 * time.Second

// Client targets one provider project. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the given project URL and anonymous API key.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultRequestTimeout},
	}
}

// ForSession binds the client to one caller's access token. The result
// implements session.Provider.
func (c *Client) ForSession(accessToken string) *SessionClient {
	return &SessionClient{client: c, token: accessToken}
}

// Error is a provider-level failure with the upstream message intact.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("identity provider returned status %d", e.Status)
	}
	return e.Message
}

type userPayload struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"user_metadata"`
}

func (u userPayload) session() *session.Session {
	return &session.Session{UserID: u.ID, Email: u.Email, Metadata: u.Metadata}
}

type tokenPayload struct {
	AccessToken string      `json:"access_token"`
	User        userPayload `json:"user"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := sonic.ConfigStd.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.apiKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Status: resp.StatusCode, Message: upstreamMessage(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.ConfigStd.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

// upstreamMessage digs the human-readable message out of the several
// error body shapes the provider uses.
func upstreamMessage(data []byte) string {
	var body struct {
		Msg         string `json:"msg"`
		Message     string `json:"message"`
		Description string `json:"error_description"`
		Err         string `json:"error"`
	}
	if err := sonic.ConfigStd.Unmarshal(data, &body); err != nil {
		return ""
	}
	for _, s := range []string{body.Msg, body.Message, body.Description, body.Err} {
		if s != "" {
			return s
		}
	}
	return ""
}

// SessionClient is a Client bound to one access token.
type SessionClient struct {
	client *Client
	token  string
}

var _ session.Provider = (*SessionClient)(nil)

// CurrentSession fetches the user behind the bound token. A rejected
// token means "no session", not an error.
func (s *SessionClient) CurrentSession(ctx context.Context) (*session.Session, error) {
	var user userPayload
	err := s.client.do(ctx, http.MethodGet, "/auth/v1/user", nil, s.token, nil, &user)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) && (perr.Status == http.StatusUnauthorized || perr.Status == http.StatusForbidden) {
			return nil, nil
		}
		return nil, err
	}
	if user.ID == "" {
		return nil, nil
	}
	return user.session(), nil
}

func (s *SessionClient) SignUp(ctx context.Context, email, password string, metadata map[string]string) error {
	body := map[string]any{"email": email, "password": password}
	if len(metadata) > 0 {
		body["data"] = metadata
	}
	return s.client.do(ctx, http.MethodPost, "/auth/v1/signup", nil, "", body, nil)
}

func (s *SessionClient) SignInWithPassword(ctx context.Context, email, password string) (*session.Session, error) {
	query := url.Values{"grant_type": []string{"password"}}
	var tok tokenPayload
	err := s.client.do(ctx, http.MethodPost, "/auth/v1/token", query, "",
		map[string]string{"email": email, "password": password}, &tok)
	if err != nil {
		return nil, err
	}
	s.token = tok.AccessToken
	return tok.User.session(), nil
}

func (s *SessionClient) SendMagicLink(ctx context.Context, email, redirectTo string) error {
	return s.client.do(ctx, http.MethodPost, "/auth/v1/magiclink", redirectQuery(redirectTo), "",
		map[string]string{"email": email}, nil)
}

func (s *SessionClient) SendPasswordReset(ctx context.Context, email, redirectTo string) error {
	return s.client.do(ctx, http.MethodPost, "/auth/v1/recover", redirectQuery(redirectTo), "",
		map[string]string{"email": email}, nil)
}

func (s *SessionClient) SignOut(ctx context.Context) error {
	return s.client.do(ctx, http.MethodPost, "/auth/v1/logout", nil, s.token, nil, nil)
}

func redirectQuery(redirectTo string) url.Values {
	if redirectTo == "" {
		return nil
	}
	return url.Values{"redirect_to": []string{redirectTo}}
}
