package worksheet

import (
	"encoding/json"
	"fmt"
	"io"
)

// The service is observed to answer with three different envelope shapes:
//
//	{"success": true, "data": {"rows": [...], "total": n}}
//	{"rows": [...], "total": n}
//	[...]
//
// decodeEnvelope normalizes all three at the boundary so the rest of the sync
// pipeline never deals with upstream inconsistency.
func decodeEnvelope(r io.Reader) (Page, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return Page{}, fmt.Errorf("%w: failed to read body: %v", ErrTransient, err)
	}

	// Bare array shape.
	var bare []Row
	if err := json.Unmarshal(body, &bare); err == nil {
		return Page{Rows: bare, Total: len(bare)}, nil
	}

	var envelope struct {
		Success  *bool           `json:"success"`
		ErrorMsg string          `json:"error_msg"`
		Data     json.RawMessage `json:"data"`
		Rows     []Row           `json:"rows"`
		Total    int             `json:"total"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Page{}, fmt.Errorf("%w: body is not JSON: %v", ErrMalformedResponse, err)
	}

	if envelope.Success != nil && !*envelope.Success {
		if credentialError(envelope.ErrorMsg) {
			return Page{}, fmt.Errorf("%w: %s", ErrAuthentication, envelope.ErrorMsg)
		}
		return Page{}, fmt.Errorf("%w: service error: %s", ErrTransient, envelope.ErrorMsg)
	}

	// Wrapped shape with a data envelope.
	if len(envelope.Data) > 0 {
		var data struct {
			Rows  []Row `json:"rows"`
			Total int   `json:"total"`
		}
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return Page{}, fmt.Errorf("%w: unexpected data envelope: %v", ErrMalformedResponse, err)
		}
		if data.Rows == nil {
			return Page{}, fmt.Errorf("%w: data envelope missing rows", ErrMalformedResponse)
		}
		return Page{Rows: data.Rows, Total: data.Total}, nil
	}

	// Flat shape without the data wrapper.
	if envelope.Rows != nil {
		total := envelope.Total
		if total == 0 {
			total = len(envelope.Rows)
		}
		return Page{Rows: envelope.Rows, Total: total}, nil
	}

	return Page{}, fmt.Errorf("%w: unrecognized envelope shape", ErrMalformedResponse)
}
