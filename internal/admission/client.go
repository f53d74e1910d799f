// Package admission fetches a room token and signaling URL from the
// token-issuing HTTP endpoint.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrIncompleteGrant is returned when the endpoint answers without a token.
var ErrIncompleteGrant = errors.New("admission response without token")

// Grant is the endpoint's answer.
type Grant struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimSpace(baseURL),
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Fetch requests a grant for identity to join room.
func (c *Client) Fetch(ctx context.Context, room, identity string) (Grant, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return Grant{}, fmt.Errorf("admission URL: %w", err)
	}
	q := u.Query()
	q.Set("room", room)
	q.Set("identity", identity)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Grant{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("admission request: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return Grant{}, fmt.Errorf("admission: status %s", resp.Status)
	}

	var g Grant
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return Grant{}, fmt.Errorf("decode admission response: %w", err)
	}
	if g.Token == "" {
		return Grant{}, ErrIncompleteGrant
	}
	return g, nil
}

// SignalURL returns the URL to dial: the grant's URL, or fallback when the
// grant names none, with the token added as a query parameter.
func (g Grant) SignalURL(fallback string) (string, error) {
	raw := g.URL
	if raw == "" {
		raw = fallback
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("signal URL: %w", err)
	}
	q := u.Query()
	q.Set("token", g.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
