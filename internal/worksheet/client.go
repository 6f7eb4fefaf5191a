// Package worksheet provides a client for the External Worksheet Service row-listing API.
//
// The service exposes business records as worksheets of rows keyed by opaque
// field identifiers. The client owns pagination, filter serialization, and
// normalization of the service's inconsistent response envelopes so callers
// never see the upstream shape variations.
package worksheet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/zhukan/fastlane-agent/internal/constants"
)

var (
	// ErrAuthentication is returned when the service rejects the configured credentials.
	ErrAuthentication = errors.New("worksheet service rejected credentials")

	// ErrTransient is returned on network failures and 5xx responses.
	// Callers may retry with backoff.
	ErrTransient = errors.New("transient worksheet service failure")

	// ErrMalformedResponse is returned when the response body is not JSON or
	// does not match any known envelope shape.
	ErrMalformedResponse = errors.New("malformed worksheet service response")
)

// Row is a raw worksheet row: a mapping from field identifiers to values of
// heterogeneous shape. It only exists within a single request/response cycle.
type Row map[string]any

// Page is a single page of rows together with the service-reported total.
type Page struct {
	Rows  []Row
	Total int
}

// ListOptions control a single ListRows call.
type ListOptions struct {
	PageSize  int // capped at 100 by the service
	PageIndex int // 1-based
	Filter    *Filter
}

// Credentials is the per-worksheet-grouping credential pair.
type Credentials struct {
	AppKey string
	Sign   string
}

// Client issues authenticated requests against the worksheet service.
type Client struct {
	baseURL string
	creds   Credentials

	httpClient *http.Client
}

type options struct {
	timeout time.Duration
}

// Option is a function which tweaks the creation of the Client.
type Option func(*options)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// New creates a worksheet service client for the given base URL and credentials.
func New(baseURL string, creds Credentials, args ...Option) *Client {
	opts := options{
		timeout: 30 * time.Second,
	}
	for _, arg := range args {
		arg(&opts)
	}

	return &Client{
		baseURL:    baseURL,
		creds:      creds,
		httpClient: &http.Client{Timeout: opts.timeout},
	}
}

type listRequest struct {
	PageSize        int     `json:"pageSize"`
	PageIndex       int     `json:"pageIndex"`
	UseFieldIDAsKey bool    `json:"useFieldIdAsKey"`
	Filter          *Filter `json:"filter,omitempty"`
}

// ListRows fetches a single page of rows from the given worksheet.
//
// The caller is responsible for pagination: increment PageIndex until a page
// comes back with fewer than PageSize rows. See ListAllRows for the common case.
func (c *Client) ListRows(ctx context.Context, worksheetID string, opts ListOptions) (Page, error) {
	if opts.PageSize <= 0 || opts.PageSize > constants.DefaultWorksheetPageSize {
		opts.PageSize = constants.DefaultWorksheetPageSize
	}
	if opts.PageIndex <= 0 {
		opts.PageIndex = 1
	}

	u, err := c.listURL(worksheetID)
	if err != nil {
		return Page{}, err
	}

	body, err := json.Marshal(listRequest{
		PageSize:        opts.PageSize,
		PageIndex:       opts.PageIndex,
		UseFieldIDAsKey: true,
		Filter:          opts.Filter,
	})
	if err != nil {
		return Page{}, fmt.Errorf("failed to encode list request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-App-Key", c.creds.AppKey)
	req.Header.Set("X-Sign", c.creds.Sign)

	slog.Debug("Listing worksheet rows", "worksheet", worksheetID, "page", opts.PageIndex, "page_size", opts.PageSize)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Page{}, fmt.Errorf("%w: status %d", ErrAuthentication, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Page{}, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Page{}, fmt.Errorf("%w: unexpected status %d", ErrMalformedResponse, resp.StatusCode)
	}

	return decodeEnvelope(resp.Body)
}

// ListAllRows pages through the worksheet sequentially until exhausted.
func (c *Client) ListAllRows(ctx context.Context, worksheetID string, filter *Filter) ([]Row, error) {
	var rows []Row

	pageIndex := 1
	for {
		page, err := c.ListRows(ctx, worksheetID, ListOptions{
			PageSize:  constants.DefaultWorksheetPageSize,
			PageIndex: pageIndex,
			Filter:    filter,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list page %d: %w", pageIndex, err)
		}

		rows = append(rows, page.Rows...)
		if len(page.Rows) < constants.DefaultWorksheetPageSize {
			return rows, nil
		}
		pageIndex++
	}
}

func (c *Client) listURL(worksheetID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse base URL %s: %v", c.baseURL, err)
	}
	u.Path = path.Join(u.Path, "v3/app/worksheets", worksheetID, "rows/list")
	return u.String(), nil
}

// credentialError reports whether a service error message looks credential related.
func credentialError(msg string) bool {
	msg = strings.ToLower(msg)
	for _, hint := range []string{"key", "sign", "auth", "credential", "token"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
