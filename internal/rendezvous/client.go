package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/bookpresence/internal/proto"
	"github.com/petervdpas/bookpresence/internal/util"
)

// Client talks to the presence server's plain HTTP endpoints.
type Client struct {
	BaseURL       string
	AdminPassword string
	HTTP          *http.Client
}

func NewClient(baseURL, adminPassword string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL != "" && !strings.Contains(baseURL, "://") {
		baseURL = "http://" + util.TrimHost(baseURL)
	}
	return &Client{
		BaseURL:       baseURL,
		AdminPassword: adminPassword,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// getJSON performs an admin GET, drains the response body, and decodes JSON
// into v.
func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.AdminPassword != "" {
		req.SetBasicAuth("admin", c.AdminPassword)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("GET %s: %s", url, msg)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Healthy reports whether /healthz answers.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz status %s", resp.Status)
	}
	return nil
}

// Presence fetches the server's whole book -> chapter -> users map.
func (c *Client) Presence(ctx context.Context) (map[string]map[string][]proto.User, error) {
	var out map[string]map[string][]proto.User
	if err := c.getJSON(ctx, c.BaseURL+"/presence.json", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Logs fetches up to limit recent events, oldest first. limit <= 0 fetches
// everything the server keeps.
func (c *Client) Logs(ctx context.Context, limit int) ([]LogEntry, error) {
	url := c.BaseURL + "/logs.json"
	if limit > 0 {
		url += "?limit=" + strconv.Itoa(limit)
	}
	var out []LogEntry
	if err := c.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Leave posts a leave to the beacon endpoint and waits for the answer.
func (c *Client) Leave(ctx context.Context, msg proto.LeaveMsg) error {
	b, _ := json.Marshal(msg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+proto.LeavePath, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("leave status %s", resp.Status)
	}
	return nil
}
