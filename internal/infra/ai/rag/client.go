// Package rag talks to the ArmourEye inference service (vector store + local LLM).
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bryanwahyu/armoureye/internal/domain/ai"
)

const maxBody = 1 << 20

// Client calls POST /analyze and GET /health.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: timeout}}
}

var _ ai.PackageAnalyzer = (*Client)(nil)

type analyzeRequest struct {
	PackageName      string `json:"package_name"`
	Version          string `json:"version"`
	SummarizeWithLLM bool   `json:"summarize_with_llm"`
}

// AnalyzePackage asks the service for the verdict on name@version.
func (c *Client) AnalyzePackage(ctx context.Context, name, version string, opts ai.AnalyzeOptions) (ai.Analysis, error) {
	body, err := json.Marshal(analyzeRequest{PackageName: name, Version: version, SummarizeWithLLM: opts.SummarizeWithLLM})
	if err != nil {
		return ai.Analysis{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return ai.Analysis{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return ai.Analysis{}, fmt.Errorf("%w: %v", ai.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return ai.Analysis{}, fmt.Errorf("%w: read body: %v", ai.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ai.Analysis{}, ai.ErrQuotaExceeded
	case resp.StatusCode >= 500:
		return ai.Analysis{}, fmt.Errorf("%w: status %d", ai.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return ai.Analysis{}, fmt.Errorf("analyze %s@%s: status %d: %s", name, version, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out ai.Analysis
	if err := json.Unmarshal(raw, &out); err != nil {
		return ai.Analysis{}, fmt.Errorf("decode analysis: %w", err)
	}
	if out.StructuredReport.Package == "" {
		out.StructuredReport.Package, out.StructuredReport.Version = name, version
	}
	if out.StructuredReport.Status == "" {
		out.StructuredReport.Status = ai.StatusUnknown
	}
	return out, nil
}

// CheckEndpoint calls /health on the configured base URL.
func (c *Client) CheckEndpoint(ctx context.Context) ai.EndpointStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.BaseURL, "/")+"/health", nil)
	if err != nil {
		return ai.EndpointStatus{Error: err.Error()}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return ai.EndpointStatus{Error: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ai.EndpointStatus{Error: fmt.Sprintf("health returned %d", resp.StatusCode)}
	}
	info := map[string]any{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&info); err != nil {
		return ai.EndpointStatus{Error: "invalid health payload: " + err.Error()}
	}
	return ai.EndpointStatus{Reachable: true, Info: info}
}
