// Package sheets talks to the attendance sheet webservice. The sheet is a
// downstream mirror of the ledger, never the authority for who is present.
package sheets

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

	"github.com/kozaktomas/face-attendance/internal/ledger"
)

// Row is one line of the sheet. Column order is fixed by the sheet layout:
// student name, status string, calendar date.
type Row struct {
	Student string `json:"student"`
	Status  string `json:"status"`
	Date    string `json:"date"`
}

// Client is an HTTP client for the sheet webservice.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient validates the base URL and creates a client. The timeout bounds
// every sink call so a hung spreadsheet backend surfaces as a retryable
// failure instead of a stalled writer.
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid sheet URL %q", baseURL)
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// AppendRow appends one attendance row to the sheet.
func (c *Client) AppendRow(ctx context.Context, row Row) error {
	return c.doPost(ctx, "/api/v1/rows", row)
}

// EnsureDay idempotently opens today's section of the sheet with the full
// enrolled roster, so marks land next to pre-written names. Calling it again
// for the same date is a no-op on the service side.
func (c *Client) EnsureDay(ctx context.Context, date string, students []string) error {
	payload := struct {
		Date     string   `json:"date"`
		Students []string `json:"students"`
	}{Date: date, Students: students}
	return c.doPost(ctx, "/api/v1/days", payload)
}

// Append implements the sync writer's sink contract.
func (c *Client) Append(ctx context.Context, rec ledger.AttendanceRecord) error {
	return c.AppendRow(ctx, Row{
		Student: rec.DisplayName,
		Status:  string(rec.Status),
		Date:    rec.SessionDate,
	})
}

// doPost performs a POST request with a JSON body, accepting 200 or 201.
func (c *Client) doPost(ctx context.Context, endpoint string, requestBody any) error {
	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return fmt.Errorf("could not marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}
	return nil
}

// readErrorBody reads a truncated error body for diagnostics.
func readErrorBody(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil {
		return "<unreadable body>"
	}
	return strings.TrimSpace(string(data))
}
