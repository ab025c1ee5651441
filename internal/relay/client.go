package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"cipherline/internal/domain"
)

// ErrNotFound is returned when the relay knows nothing about the principal.
var ErrNotFound = errors.New("relay: not found")

// ErrConflict is returned when registering a principal that already exists.
var ErrConflict = errors.New("relay: already exists")

// StatusError is a non-2xx answer that has no more specific meaning.
type StatusError struct {
	Method  string
	URL     string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("relay %s %s: %d %s", e.Method, e.URL, e.Code, e.Message)
	}
	return fmt.Sprintf("relay %s %s: %d", e.Method, e.URL, e.Code)
}

// Client is the REST client of a relay.
type Client struct {
	Base string
	HTTP *http.Client
}

// New returns a client for the relay at base. A nil httpClient uses
// http.DefaultClient.
func New(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{Base: strings.TrimRight(base, "/"), HTTP: httpClient}
}

var (
	_ domain.Authenticator   = (*Client)(nil)
	_ domain.PrincipalClient = (*Client)(nil)
	_ domain.BundleDirectory = (*Client)(nil)
)

type bundlesRequest struct {
	Bundles []domain.PreKeyBundle `json:"bundles"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Register creates a principal on relays that allow self-registration.
func (c *Client) Register(ctx context.Context, creds domain.Credentials) error {
	err := c.do(ctx, http.MethodPost, "/register", "", creds, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrConflict, creds.PrincipalID)
	}
	return err
}

// Authenticate exchanges creds for a session.
func (c *Client) Authenticate(ctx context.Context, creds domain.Credentials) (domain.Session, error) {
	var out domain.Session
	err := c.do(ctx, http.MethodPost, "/login", "", creds, &out)
	if errors.Is(err, domain.ErrUnauthenticated) {
		return domain.Session{}, fmt.Errorf("%w: %w", domain.ErrInvalidCredentials, err)
	}
	if err != nil {
		return domain.Session{}, err
	}
	return out, nil
}

// CurrentPrincipal reports who token belongs to.
func (c *Client) CurrentPrincipal(ctx context.Context, token string) (domain.Principal, error) {
	var out domain.Principal
	if err := c.do(ctx, http.MethodGet, "/me", token, nil, &out); err != nil {
		return domain.Principal{}, err
	}
	return out, nil
}

// PublishBundles uploads bundles for the bearer of token.
func (c *Client) PublishBundles(ctx context.Context, token string, bundles []domain.PreKeyBundle) error {
	return c.do(ctx, http.MethodPost, "/prekeys", token, bundlesRequest{Bundles: bundles}, nil)
}

// FetchBundle takes one bundle of peer.
func (c *Client) FetchBundle(ctx context.Context, token string, peer domain.PrincipalID) (domain.PreKeyBundle, error) {
	var out domain.PreKeyBundle
	err := c.do(ctx, http.MethodGet, "/prekey/"+url.PathEscape(peer.String()), token, nil, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return domain.PreKeyBundle{}, fmt.Errorf("%w: bundle for %s", ErrNotFound, peer)
	}
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	u := c.Base + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrNetwork, method, u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&eb)
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", domain.ErrUnauthenticated, eb.Error)
		}
		return &StatusError{Method: method, URL: u, Code: resp.StatusCode, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", domain.ErrNetwork, method, u, err)
	}
	return nil
}
