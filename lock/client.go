package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/clipnote/capsync/protocol"
)

// ErrAuthRequired is returned when the server rejects the bearer token.
var ErrAuthRequired = errors.New("lock server rejected credentials")

// StateResponse is the server's view of one lock, shared with the reference
// server implementation.
type StateResponse struct {
	Locked     bool                 `json:"locked"`
	Processing bool                 `json:"processing,omitempty"`
	Holder     *protocol.LockHolder `json:"holder,omitempty"`
	ExpiresAt  time.Time            `json:"expiresAt,omitempty"`
	SyncURL    string               `json:"syncUrl,omitempty"`
}

// AcquireRequest is the POST body for a lock acquire.
type AcquireRequest struct {
	TabID  string `json:"tabId"`
	UserID string `json:"userId"`
}

// Client speaks the lock HTTP endpoints.
type Client struct {
	baseURL   string
	authToken string
	userID    string
	tabID     string
	http      *http.Client
}

// ClientConfig carries the server coordinates and request identity.
type ClientConfig struct {
	BaseURL        string
	AuthToken      string
	UserID         string
	TabID          string
	RequestTimeout time.Duration
}

func NewClient(conf ClientConfig) *Client {
	return &Client{
		baseURL:   conf.BaseURL,
		authToken: conf.AuthToken,
		userID:    conf.UserID,
		tabID:     conf.TabID,
		http:      &http.Client{Timeout: conf.RequestTimeout},
	}
}

func (c *Client) lockURL(key Key) string {
	return fmt.Sprintf("%s/v1/locks/%s/%s",
		c.baseURL, url.PathEscape(key.Entity), url.PathEscape(key.Database))
}

func (c *Client) do(ctx context.Context, method, rawURL string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrAuthRequired
	}
	return resp, nil
}

// CheckState fetches the server-authoritative state of one lock.
func (c *Client) CheckState(ctx context.Context, key Key) (*StateResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, c.lockURL(key), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lock state for %s: unexpected status %d", key, resp.StatusCode)
	}

	var state StateResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode lock state: %w", err)
	}
	return &state, nil
}

// Acquire requests the lock. A conflict returns DeniedError or
// TransferredError depending on whether the holder is the same user.
func (c *Client) Acquire(ctx context.Context, key Key) (*Grant, error) {
	resp, err := c.do(ctx, http.MethodPost, c.lockURL(key), AcquireRequest{
		TabID:  c.tabID,
		UserID: c.userID,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var state StateResponse
		if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
			return nil, fmt.Errorf("decode grant: %w", err)
		}
		return &Grant{ExpiresAt: state.ExpiresAt, SyncURL: state.SyncURL}, nil

	case http.StatusConflict:
		var state StateResponse
		if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
			return nil, fmt.Errorf("decode conflict: %w", err)
		}
		if state.Holder == nil {
			return nil, fmt.Errorf("acquire %s: conflict without holder", key)
		}
		if state.Holder.UserID == c.userID {
			return nil, &TransferredError{NewTabID: state.Holder.TabID}
		}
		return nil, &DeniedError{Holder: *state.Holder}

	default:
		return nil, fmt.Errorf("acquire %s: unexpected status %d", key, resp.StatusCode)
	}
}

// Release drops the lock. A 404 means nobody holds it, which is the outcome
// the caller wanted anyway.
func (c *Client) Release(ctx context.Context, key Key) error {
	resp, err := c.do(ctx, http.MethodDelete, c.lockURL(key), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("release %s: unexpected status %d", key, resp.StatusCode)
	}
}
