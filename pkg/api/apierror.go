// Package api is the HTTP surface of the receiving service: RFC 7807 error
// responses, bearer-token authentication, and the upload/session/commit
// handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/harborline/receiving/pkg/faults"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). All API
// error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://harborline.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteFault maps a fault to its RFC 7807 response. Quota faults carry a
// Retry-After header; internal causes are logged, never exposed.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := faults.KindOf(err)
	status := faults.HTTPStatus(kind)

	detail := err.Error()
	if kind == faults.KindInternal {
		slog.Error("internal server error", "path", r.URL.Path, "error", err)
		detail = "An unexpected error occurred. Please try again later."
	}

	var f *faults.Fault
	if errors.As(err, &f) {
		if retryAfter, ok := f.RetryAfter(); ok {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
		}
	}

	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://harborline.dev/errors/%s", kind),
		Title:    string(kind),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteJSON writes a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
