package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoLeader is returned when every configured address was tried and
// none could be reached or none knew of a leader.
var ErrNoLeader = errors.New("api: no leader available")

// Client is a thin HTTP client over a raftd cluster. Since each node
// is a separate process reachable only by address, the client keeps a
// cached leader guess and follows the leader_id hint a 503 response
// carries when that guess is wrong.
type Client struct {
	http       *http.Client
	addrs      []string
	leaderAddr string
}

// NewClient builds a client over the given node HTTP addresses
// (host:port, no scheme).
func NewClient(addrs []string) *Client {
	return &Client{
		http:  &http.Client{Timeout: 5 * time.Second},
		addrs: addrs,
	}
}

// SetTimeout overrides the underlying HTTP client's timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.http.Timeout = d
}

// Set writes key=value through the cluster leader.
func (c *Client) Set(ctx context.Context, key, value string) error {
	body := map[string]string{"value": value}
	_, _, err := c.doLeaderRequest(ctx, http.MethodPut, "/kv/"+key, body)
	return err
}

// Get reads key, optionally going through a linearizable ReadIndex
// round trip on the leader.
func (c *Client) Get(ctx context.Context, key string, linearizable bool) (string, error) {
	path := "/kv/" + key
	if linearizable {
		path += "?linearizable=true"
	}
	_, respBody, err := c.doLeaderRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// Delete removes key through the cluster leader.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, _, err := c.doLeaderRequest(ctx, http.MethodDelete, "/kv/"+key, nil)
	return err
}

// doLeaderRequest tries the cached leader first, then every other
// configured address, following 503 leader_id hints as it goes. A hint
// is the leader's node ID and is tried as an HTTP address as is.
func (c *Client) doLeaderRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, []byte, error) {
	order := c.addrs
	if c.leaderAddr != "" {
		order = append([]string{c.leaderAddr}, c.addrs...)
	}

	tried := make(map[string]bool)
	for i := 0; i < len(order); i++ {
		addr := order[i]
		if tried[addr] {
			continue
		}
		tried[addr] = true

		resp, respBody, err := c.doRequest(ctx, addr, method, path, body)
		if err != nil {
			continue
		}
		if resp.StatusCode == http.StatusServiceUnavailable {
			var hint struct {
				LeaderID string `json:"leader_id"`
			}
			json.Unmarshal(respBody, &hint)
			if hint.LeaderID != "" && !tried[hint.LeaderID] {
				order = append(order, hint.LeaderID)
			}
			continue
		}
		if resp.StatusCode >= 300 {
			return resp, respBody, fmt.Errorf("api: %s %s: %s", method, path, strings.TrimSpace(string(respBody)))
		}
		c.leaderAddr = addr
		return resp, respBody, nil
	}

	return nil, nil, ErrNoLeader
}

func (c *Client) doRequest(ctx context.Context, addr, method, path string, body interface{}) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, reader)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, respBody, nil
}
