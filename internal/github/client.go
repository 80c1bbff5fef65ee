package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"log/slog"
)

// Client is a minimal GitHub REST client covering the two calls the pipeline
// needs: repository permission checks and commit statuses.
type Client struct {
	http    *http.Client
	baseURL string
	logger  *slog.Logger
}

// New constructs a client against the given API base (https://api.github.com
// in production, a test server in tests).
func New(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: 15 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// CommitStatus is the payload for POST /repos/{owner}/{repo}/statuses/{sha}.
type CommitStatus struct {
	State       string `json:"state"`
	TargetURL   string `json:"target_url"`
	Description string `json:"description"`
	Context     string `json:"context"`
}

// HasPushAccess reports whether the token's user can push to the repository.
// A 403 or 404 means the credential cannot serve and is not an error.
func (c *Client) HasPushAccess(ctx context.Context, token, owner, repo string) (bool, error) {
	url := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	c.setHeaders(req, token)
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("github repo lookup: %s", resp.Status)
	}

	var payload struct {
		Permissions struct {
			Push bool `json:"push"`
		} `json:"permissions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode repo payload: %w", err)
	}
	return payload.Permissions.Push, nil
}

// CreateCommitStatus posts a commit status for the sha.
func (c *Client) CreateCommitStatus(ctx context.Context, token, owner, repo, sha string, status CommitStatus) error {
	body, err := json.Marshal(status)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/repos/%s/%s/statuses/%s", c.baseURL, owner, repo, sha)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req, token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("github commit status: %s", resp.Status)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
}
