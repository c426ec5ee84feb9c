package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	gateway "github.com/relaymux/relay/internal"
)

// apiError is the JSON error envelope surfaced to clients.
type apiError struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds
}

func errorBody(errType, msg, code string, retryAfter int) apiError {
	return apiError{Error: apiErrorDetail{
		Type:       errType,
		Message:    msg,
		Code:       code,
		RetryAfter: retryAfter,
	}}
}

// writeError maps a classified error to its HTTP status and envelope. A
// vendor Retry-After survives into both the header and the body.
func writeError(w http.ResponseWriter, err error) {
	class := gateway.ClassOf(err)
	body := errorBody(string(class), err.Error(), "", 0)

	var ge *gateway.Error
	if errors.As(err, &ge) {
		body.Error.Message = ge.Message
		body.Error.Code = ge.Code
		if ge.RetryAfter > 0 {
			secs := int(math.Ceil(ge.RetryAfter.Seconds()))
			body.Error.RetryAfter = secs
			w.Header()["Retry-After"] = []string{strconv.Itoa(secs)}
		}
	}
	writeJSON(w, class.HTTPStatus(), body)
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// decodeRequestBody decodes the JSON body into v, writing a validation error
// on failure. It reports whether decoding succeeded.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, gateway.Errorf(gateway.ClassValidation, "invalid request body: %s", err.Error()))
		return false
	}
	return true
}
