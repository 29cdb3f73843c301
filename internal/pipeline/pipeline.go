package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"site-audit-coordinator/internal/models"
)

// Runner produces the report HTML for an audit. The call may take anywhere
// from sub-second to several minutes and reports no partial progress.
type Runner interface {
	Run(ctx context.Context, audit models.Audit) (string, error)
}

// TargetError describes a failure reaching or fetching the customer's site,
// as reported by the pipeline service. It carries enough to decide whether
// retrying can ever help.
type TargetError struct {
	StatusCode int    // HTTP status from the target site, 0 if none
	Reason     string // "dns", "connection_refused", or "" for plain HTTP failures
}

func (e *TargetError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("target unreachable: %s", e.Reason)
	}
	return fmt.Sprintf("target returned status %d", e.StatusCode)
}

// Permanent reports whether retrying cannot help: the target denied access,
// does not exist, or cannot be resolved/connected to.
func (e *TargetError) Permanent() bool {
	switch e.Reason {
	case "dns", "connection_refused":
		return true
	}
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// Client calls the audit pipeline service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ Runner = (*Client)(nil)

// NewClient constructs a pipeline client. The timeout bounds a single run
// end to end and should comfortably exceed the coordinator's soft deadline,
// since abandoned calls are expected to finish in the background.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type runRequest struct {
	TargetURL string `json:"target_url"`
}

type runResponse struct {
	ReportHTML   string `json:"report_html"`
	Error        string `json:"error,omitempty"`
	TargetStatus int    `json:"target_status,omitempty"`
	TargetReason string `json:"target_reason,omitempty"`
}

func (c *Client) Run(ctx context.Context, audit models.Audit) (string, error) {
	body, err := json.Marshal(runRequest{TargetURL: audit.TargetURL})
	if err != nil {
		return "", fmt.Errorf("marshal run request: %w", err)
	}
	url := fmt.Sprintf("%s/audits/%s/run", c.baseURL, audit.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call pipeline: %w", err)
	}
	defer resp.Body.Close()

	var out runResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode pipeline response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode == http.StatusOK {
		if out.ReportHTML == "" {
			return "", fmt.Errorf("pipeline returned empty report")
		}
		return out.ReportHTML, nil
	}

	// The pipeline relays target-level failures so the coordinator can
	// classify them; everything else is an opaque pipeline failure.
	if out.TargetStatus != 0 || out.TargetReason != "" {
		return "", &TargetError{StatusCode: out.TargetStatus, Reason: out.TargetReason}
	}
	if out.Error != "" {
		return "", fmt.Errorf("pipeline failed (status %d): %s", resp.StatusCode, out.Error)
	}
	return "", fmt.Errorf("pipeline failed with status %d", resp.StatusCode)
}
