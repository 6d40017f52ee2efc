package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/natalcast/report-pipeline/api/v1alpha1"
	"github.com/natalcast/report-pipeline/pkg/requestid"
	"github.com/pkg/errors"
)

// ReportClient is an HTTP client for the report API.
type ReportClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewReportClient(baseURL string, timeout time.Duration) *ReportClient {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &ReportClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewReportClientWithHTTPClient reuses an existing transport.
func NewReportClientWithHTTPClient(baseURL string, httpClient *http.Client) *ReportClient {
	return &ReportClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Submit posts a report request. Any answer carrying the report envelope is
// returned as a reply, whatever its status code; the error is reserved for
// transport failures and answers that are not from the API.
func (c *ReportClient) Submit(ctx context.Context, form v1alpha1.ReportCreate) (*v1alpha1.ReportReply, error) {
	body, err := json.Marshal(form)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}
	var reply v1alpha1.ReportReply
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/reports", body, "", &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *ReportClient) GetReport(ctx context.Context, reportID string) (*v1alpha1.ReportReply, error) {
	var reply v1alpha1.ReportReply
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/reports/"+url.PathEscape(reportID), nil, "", &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// TriggerSweep runs the sweeper on the server. threshold is in minutes, zero
// keeps the server default.
func (c *ReportClient) TriggerSweep(ctx context.Context, token string, threshold int) (*v1alpha1.SweepReply, error) {
	var body []byte
	if threshold > 0 {
		body, _ = json.Marshal(v1alpha1.SweepRequest{Threshold: &threshold})
	}

	var raw json.RawMessage
	status, err := c.do(ctx, http.MethodPost, "/api/v1/internal/sweeper", body, token, &raw)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		var reply v1alpha1.ReportReply
		if jsonErr := json.Unmarshal(raw, &reply); jsonErr == nil && reply.Error != nil {
			return nil, errors.Errorf("sweeper returned status %d: %s", status, *reply.Error)
		}
		return nil, errors.Errorf("sweeper returned status %d", status)
	}

	var reply v1alpha1.SweepReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, errors.Wrap(err, "failed to decode sweep report")
	}
	return &reply, nil
}

func (c *ReportClient) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "failed to call report api")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Drain body to enable connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("report api health check returned status %d", resp.StatusCode)
	}

	return nil
}

func (c *ReportClient) do(ctx context.Context, method, path string, body []byte, token string, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set(requestid.Header, requestid.Generate())
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, errors.Wrap(err, "failed to call report api")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read response body")
	}

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return resp.StatusCode, errors.Errorf("report api returned status %d: %s", resp.StatusCode, truncate(bodyBytes))
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return resp.StatusCode, errors.Wrap(err, "failed to decode response")
	}
	return resp.StatusCode, nil
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return fmt.Sprintf("%s...", b[:max])
	}
	return string(b)
}
