package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
	"github.com/SwapGraph-Network/clearing_engine/internal/middleware"
)

// errorBody is the universal error envelope.
type errorBody struct {
	CorrelationID string       `json:"correlation_id"`
	Error         errorDetails `json:"error"`
}

type errorDetails struct {
	Code    errors.Code    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func correlationID(r *http.Request) string {
	if id := middleware.CorrelationID(r.Context()); id != "" {
		return id
	}
	return "req_" + uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps any failure onto the envelope; unknown errors become
// SERVER_ERROR.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	se := errors.Wrap(err)
	writeJSON(w, se.HTTPStatus, errorBody{
		CorrelationID: correlationID(r),
		Error: errorDetails{
			Code:    se.Code,
			Message: se.Message,
			Details: se.Details,
		},
	})
}

// decodeJSON parses a request body, tolerating an empty body as an empty
// object.
func decodeJSON(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.SchemaInvalid("malformed JSON body").WithCause(err)
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, errors.SchemaInvalid("unreadable request body").WithCause(err)
	}
	return body, nil
}
