package provider

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/relaymux/relay/internal"
)

// maxErrorBody bounds how much of an upstream error body is read.
const maxErrorBody = 4096

// ParseAPIError reads up to 4KB of the response body and maps the vendor
// failure onto the gateway error taxonomy. The vendor's own message and code
// are preserved where the body exposes them.
func ParseAPIError(providerName string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	code := gjson.GetBytes(body, "error.code").String()
	if code == "" {
		code = gjson.GetBytes(body, "error.type").String()
	}

	e := &gateway.Error{
		Class:   classify(resp.StatusCode, code, msg),
		Message: providerName + ": " + msg,
		Code:    code,
	}
	if e.Class == gateway.ClassRateLimited {
		e.RetryAfter = retryAfter(resp.Header)
	}
	return e
}

// classify maps an upstream status code to an error class. A 400 whose body
// mentions the context window is promoted to ClassContextLength so fallback
// and client handling treat it as a prompt-size problem.
func classify(status int, code, msg string) gateway.ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return gateway.ClassProviderAuth
	case status == http.StatusTooManyRequests:
		return gateway.ClassRateLimited
	case status == http.StatusRequestTimeout:
		return gateway.ClassProviderTimeout
	case status == http.StatusServiceUnavailable:
		return gateway.ClassProviderUnavailable
	case status >= 500:
		return gateway.ClassProviderServer
	case status == http.StatusBadRequest && isContextLength(code, msg):
		return gateway.ClassContextLength
	case status >= 400:
		return gateway.ClassProviderClient
	default:
		return gateway.ClassProviderServer
	}
}

func isContextLength(code, msg string) bool {
	if strings.Contains(code, "context_length") {
		return true
	}
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "context length") ||
		strings.Contains(lower, "context window") ||
		strings.Contains(lower, "maximum context") ||
		strings.Contains(lower, "too many tokens")
}

// retryAfter parses the Retry-After header (seconds or HTTP date).
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
