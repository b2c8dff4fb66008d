package api

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	apierrors "github.com/tokengate/tokengate/pkg/errors"
)

// errorEnvelope is the OpenAI-style error response body.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message    string `json:"message"`
	Type       string `json:"type"`
	Dimension  string `json:"dimension,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// writeError renders an APIError. Rate limit denials additionally carry a
// Retry-After header so well-behaved clients can back off without parsing
// the body.
func writeError(w http.ResponseWriter, apiErr *apierrors.APIError) {
	w.Header().Set("Content-Type", "application/json")
	if apiErr.IsRateLimit() && apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	w.WriteHeader(apiErr.HTTPStatusCode())

	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Message:    apiErr.Message,
			Type:       apiErr.Type,
			Dimension:  apiErr.Dimension,
			RetryAfter: apiErr.RetryAfter,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
