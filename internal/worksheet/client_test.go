package worksheet_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukan/fastlane-agent/internal/worksheet"
)

func TestListRows(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		status int
		body   string

		wantRows  int
		wantTotal int
		wantErr   error
	}{
		"Wrapped envelope with data": {
			body:      `{"success": true, "data": {"rows": [{"rowid": "r1"}, {"rowid": "r2"}], "total": 2}}`,
			wantRows:  2,
			wantTotal: 2,
		},
		"Flat envelope without data wrapper": {
			body:      `{"rows": [{"rowid": "r1"}], "total": 10}`,
			wantRows:  1,
			wantTotal: 10,
		},
		"Flat envelope without total": {
			body:      `{"rows": [{"rowid": "r1"}, {"rowid": "r2"}]}`,
			wantRows:  2,
			wantTotal: 2,
		},
		"Bare array": {
			body:      `[{"rowid": "r1"}, {"rowid": "r2"}, {"rowid": "r3"}]`,
			wantRows:  3,
			wantTotal: 3,
		},
		"Empty bare array": {
			body: `[]`,
		},
		"Empty rows in data": {
			body: `{"success": true, "data": {"rows": [], "total": 0}}`,
		},

		// Service-level failures
		"Success false with credential message": {
			body:    `{"success": false, "error_msg": "invalid app key"}`,
			wantErr: worksheet.ErrAuthentication,
		},
		"Success false with signature message": {
			body:    `{"success": false, "error_msg": "bad sign"}`,
			wantErr: worksheet.ErrAuthentication,
		},
		"Success false with other message": {
			body:    `{"success": false, "error_msg": "worksheet busy"}`,
			wantErr: worksheet.ErrTransient,
		},

		// HTTP-level failures
		"Unauthorized status": {
			status:  http.StatusUnauthorized,
			wantErr: worksheet.ErrAuthentication,
		},
		"Forbidden status": {
			status:  http.StatusForbidden,
			wantErr: worksheet.ErrAuthentication,
		},
		"Rate limited status": {
			status:  http.StatusTooManyRequests,
			wantErr: worksheet.ErrTransient,
		},
		"Server error status": {
			status:  http.StatusInternalServerError,
			wantErr: worksheet.ErrTransient,
		},
		"Unexpected redirect status": {
			status:  http.StatusNotModified,
			wantErr: worksheet.ErrMalformedResponse,
		},

		// Malformed bodies
		"Body is not JSON": {
			body:    `<html>gateway error</html>`,
			wantErr: worksheet.ErrMalformedResponse,
		},
		"Unrecognized envelope shape": {
			body:    `{"status": "ok"}`,
			wantErr: worksheet.ErrMalformedResponse,
		},
		"Data envelope missing rows": {
			body:    `{"success": true, "data": {"count": 3}}`,
			wantErr: worksheet.ErrMalformedResponse,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.status != 0 {
					w.WriteHeader(tc.status)
					return
				}
				fmt.Fprint(w, tc.body)
			}))
			t.Cleanup(srv.Close)

			c := worksheet.New(srv.URL, worksheet.Credentials{AppKey: "key", Sign: "sign"})
			page, err := c.ListRows(t.Context(), "ws1", worksheet.ListOptions{})

			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err, "ListRows should not return an error")
			assert.Len(t, page.Rows, tc.wantRows, "unexpected row count")
			assert.Equal(t, tc.wantTotal, page.Total, "unexpected total")
		})
	}
}

func TestListRowsRequestShape(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		gotPath string
		gotHdr  http.Header
		gotBody map[string]any
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Path
		gotHdr = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"rows": []}`)
	}))
	t.Cleanup(srv.Close)

	c := worksheet.New(srv.URL, worksheet.Credentials{AppKey: "the-key", Sign: "the-sign"})
	since := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := c.ListRows(t.Context(), "ws42", worksheet.ListOptions{
		PageSize:  25,
		PageIndex: 3,
		Filter:    worksheet.After("_updatedAt", since),
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/v3/app/worksheets/ws42/rows/list", gotPath)
	assert.Equal(t, "the-key", gotHdr.Get("X-App-Key"))
	assert.Equal(t, "the-sign", gotHdr.Get("X-Sign"))
	assert.Equal(t, "application/json", gotHdr.Get("Content-Type"))

	assert.Equal(t, float64(25), gotBody["pageSize"])
	assert.Equal(t, float64(3), gotBody["pageIndex"])
	assert.Equal(t, true, gotBody["useFieldIdAsKey"], "rows must be keyed by field identifier")

	filter, ok := gotBody["filter"].(map[string]any)
	require.True(t, ok, "filter should be serialized")
	assert.Equal(t, "condition", filter["type"])
	assert.Equal(t, "_updatedAt", filter["field"])
	assert.Equal(t, "gt", filter["operator"])
	assert.Equal(t, "2026-03-01 10:00:00", filter["value"])
}

func TestListRowsClampsPaging(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"rows": []}`)
	}))
	t.Cleanup(srv.Close)

	c := worksheet.New(srv.URL, worksheet.Credentials{})
	_, err := c.ListRows(t.Context(), "ws1", worksheet.ListOptions{PageSize: 5000, PageIndex: -2})
	require.NoError(t, err)

	assert.Equal(t, float64(100), gotBody["pageSize"], "oversized page size should be clamped")
	assert.Equal(t, float64(1), gotBody["pageIndex"], "page index should default to 1")
}

func TestListAllRows(t *testing.T) {
	t.Parallel()

	// 230 rows: two full pages and a short final page.
	const totalRows = 230
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PageSize  int `json:"pageSize"`
			PageIndex int `json:"pageIndex"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		start := (req.PageIndex - 1) * req.PageSize
		end := min(start+req.PageSize, totalRows)
		rows := make([]map[string]any, 0, end-start)
		for i := start; i < end; i++ {
			rows = append(rows, map[string]any{"rowid": fmt.Sprintf("r%d", i)})
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"rows": rows, "total": totalRows},
		}))
	}))
	t.Cleanup(srv.Close)

	c := worksheet.New(srv.URL, worksheet.Credentials{})
	rows, err := c.ListAllRows(t.Context(), "ws1", nil)
	require.NoError(t, err)
	require.Len(t, rows, totalRows)
	assert.Equal(t, "r0", rows[0]["rowid"])
	assert.Equal(t, fmt.Sprintf("r%d", totalRows-1), rows[totalRows-1]["rowid"])
}

func TestListRowsConnectionFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	c := worksheet.New(srv.URL, worksheet.Credentials{})
	_, err := c.ListRows(t.Context(), "ws1", worksheet.ListOptions{})
	require.ErrorIs(t, err, worksheet.ErrTransient, "connection failures should be retryable")
}
