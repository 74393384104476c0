// Package upstream implements minimal read probes against the SaaS
// integrations the dashboard depends on.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zsprackett/flowsight-relay/internal/config"
)

const userAgent = "flowsight-relay/1"

// Integration is one upstream dependency that can be health-checked.
type Integration interface {
	Name() string
	Probe(ctx context.Context) error
}

// StatusError is returned when an upstream answers with a non-2xx status.
type StatusError struct {
	Integration string
	Code        int
	Body        string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned %d", e.Integration, e.Code)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Integration, e.Code, e.Body)
}

// HTTPProbe issues a GET and treats any 2xx as healthy.
type HTTPProbe struct {
	name   string
	url    string
	header http.Header
	client *http.Client
}

func (p *HTTPProbe) Name() string { return p.name }

func (p *HTTPProbe) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = p.header.Clone()
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Integration: p.name, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}

// NewGHL probes the GoHighLevel contacts endpoint with a one-row read.
func NewGHL(cfg config.GHLConfig, client *http.Client) *HTTPProbe {
	q := url.Values{"locationId": {cfg.LocationID}, "limit": {"1"}}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cfg.APIKey)
	h.Set("Version", "2021-07-28")
	return &HTTPProbe{
		name:   "ghl",
		url:    strings.TrimRight(cfg.BaseURL, "/") + "/contacts/?" + q.Encode(),
		header: h,
		client: client,
	}
}

// NewAirtable probes the tasks table with maxRecords=1.
func NewAirtable(cfg config.AirtableConfig, client *http.Client) *HTTPProbe {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cfg.PAT)
	return &HTTPProbe{
		name: "airtable",
		url: fmt.Sprintf("%s/v0/%s/%s?maxRecords=1",
			strings.TrimRight(cfg.BaseURL, "/"), url.PathEscape(cfg.BaseID), url.PathEscape(cfg.TasksTable)),
		header: h,
		client: client,
	}
}

// NewGemini fetches the model descriptor, which needs a valid key but
// consumes no generation quota.
func NewGemini(cfg config.GeminiConfig, client *http.Client) *HTTPProbe {
	h := http.Header{}
	h.Set("x-goog-api-key", cfg.APIKey)
	return &HTTPProbe{
		name:   "gemini",
		url:    fmt.Sprintf("%s/v1beta/models/%s", strings.TrimRight(cfg.BaseURL, "/"), url.PathEscape(cfg.Model)),
		header: h,
		client: client,
	}
}

// FromConfig returns a probe for every integration with credentials set.
// A nil client gets a default with a 30s overall timeout; per-probe deadlines
// come from the caller's context.
func FromConfig(cfg config.IntegrationsConfig, client *http.Client) []Integration {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	var out []Integration
	if cfg.GHLConfigured() {
		out = append(out, NewGHL(cfg.GHL, client))
	}
	if cfg.AirtableConfigured() {
		out = append(out, NewAirtable(cfg.Airtable, client))
	}
	if cfg.GeminiConfigured() {
		out = append(out, NewGemini(cfg.Gemini, client))
	}
	return out
}
