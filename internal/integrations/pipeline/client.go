// Package pipeline is a focused Azure DevOps client for looking up and
// triggering provisioning pipelines.
package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"infra-agent/internal/domain"
	"infra-agent/internal/integrations/paramstore"
)

const (
	defaultBaseURL = "https://dev.azure.com"
	apiVersion     = "7.1-preview.1"
)

// pipelineList is the minimal response shape of the pipelines listing.
type pipelineList struct {
	Value []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"value"`
}

// HTTPStatusError captures non-2xx responses from the pipelines listing.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("pipeline: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the Azure DevOps pipelines API for one organization/project.
// The PAT is fetched from SSM on first use and cached for the process
// lifetime.
type Client struct {
	baseURL    string
	org        string
	project    string
	httpClient *http.Client
	getter     paramstore.Getter
	tokenParam string

	patOnce sync.Once
	pat     string
	patErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client for the given organization and project, reading
// the PAT from the named SSM parameter via the getter.
func NewClient(ps paramstore.Getter, tokenParam, org, project string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("pipeline: paramstore getter must not be nil")
	}
	if strings.TrimSpace(tokenParam) == "" {
		return nil, errors.New("pipeline: token parameter name must not be empty")
	}
	if strings.TrimSpace(org) == "" || strings.TrimSpace(project) == "" {
		return nil, errors.New("pipeline: organization and project must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		org:        strings.TrimSpace(org),
		project:    strings.TrimSpace(project),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		getter:     ps,
		tokenParam: strings.TrimSpace(tokenParam),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvePAT(ctx context.Context) (string, error) {
	c.patOnce.Do(func() {
		c.pat, c.patErr = paramstore.Token(ctx, c.getter, c.tokenParam)
	})
	return c.pat, c.patErr
}

func (c *Client) authHeader(pat string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+pat))
}

func (c *Client) listURL() string {
	return fmt.Sprintf("%s/%s/%s/_apis/pipelines?api-version=%s", c.baseURL, c.org, c.project, apiVersion)
}

func (c *Client) runURL(id int) string {
	return fmt.Sprintf("%s/%s/%s/_apis/pipelines/%d/runs?api-version=%s", c.baseURL, c.org, c.project, id, apiVersion)
}

// FindPipelineID looks up a pipeline by name, case-insensitively. The second
// return is false when no pipeline with that name exists.
func (c *Client) FindPipelineID(ctx context.Context, name string) (int, bool, error) {
	pat, err := c.resolvePAT(ctx)
	if err != nil {
		return 0, false, err
	}

	url := c.listURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false, fmt.Errorf("pipeline: create list request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader(pat))

	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("pipeline: list request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return 0, false, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return 0, false, fmt.Errorf("pipeline: read list response: %w", err)
	}
	var list pipelineList
	if err := json.Unmarshal(raw, &list); err != nil {
		return 0, false, fmt.Errorf("pipeline: decode list response: %w", err)
	}

	for _, p := range list.Value {
		if strings.EqualFold(p.Name, name) {
			return p.ID, true, nil
		}
	}
	return 0, false, nil
}

// TriggerRun queues a run of the pipeline. Non-2xx statuses are reported in
// the PipelineRun, not as an error; the error return covers transport and
// credential failures only.
func (c *Client) TriggerRun(ctx context.Context, id int) (domain.PipelineRun, error) {
	pat, err := c.resolvePAT(ctx)
	if err != nil {
		return domain.PipelineRun{}, err
	}

	url := c.runURL(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("pipeline: create run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.authHeader(pat))

	res, err := c.httpClient.Do(req)
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("pipeline: run request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("pipeline: read run response: %w", err)
	}
	return domain.PipelineRun{StatusCode: res.StatusCode, Body: string(buf)}, nil
}
