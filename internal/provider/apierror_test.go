package provider

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	gateway "github.com/relaymux/relay/internal"
)

func fakeResponse(status int, body string, headers map[string]string) *http.Response {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestParseAPIError_Classes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   gateway.ErrorClass
	}{
		{"unauthorized", 401, `{"error":{"message":"invalid key"}}`, gateway.ClassProviderAuth},
		{"forbidden", 403, `{}`, gateway.ClassProviderAuth},
		{"rate limited", 429, `{"error":{"message":"rate limit"}}`, gateway.ClassRateLimited},
		{"timeout", 408, `{}`, gateway.ClassProviderTimeout},
		{"unavailable", 503, `overloaded`, gateway.ClassProviderUnavailable},
		{"server error", 500, `{"error":{"message":"boom"}}`, gateway.ClassProviderServer},
		{"bad gateway", 502, ``, gateway.ClassProviderServer},
		{"plain 400", 400, `{"error":{"message":"bad param"}}`, gateway.ClassProviderClient},
		{"context length by code", 400, `{"error":{"code":"context_length_exceeded","message":"x"}}`, gateway.ClassContextLength},
		{"context length by message", 400, `{"error":{"message":"This model's maximum context length is 8192 tokens"}}`, gateway.ClassContextLength},
		{"anthropic style message", 400, `{"message":"prompt is too long: context window exceeded"}`, gateway.ClassContextLength},
		{"404", 404, `{}`, gateway.ClassProviderClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ParseAPIError("openai", fakeResponse(tt.status, tt.body, nil))
			var ge *gateway.Error
			if !errors.As(err, &ge) {
				t.Fatalf("not a gateway error: %v", err)
			}
			if ge.Class != tt.want {
				t.Errorf("class = %v, want %v", ge.Class, tt.want)
			}
		})
	}
}

func TestParseAPIError_MessageAndProvider(t *testing.T) {
	t.Parallel()

	err := ParseAPIError("anthropic", fakeResponse(500, `{"error":{"message":"overloaded","type":"overloaded_error"}}`, nil))
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		t.Fatalf("not a gateway error: %v", err)
	}
	if !strings.Contains(ge.Message, "anthropic") || !strings.Contains(ge.Message, "overloaded") {
		t.Errorf("message = %q", ge.Message)
	}
	if ge.Code != "overloaded_error" {
		t.Errorf("code = %q", ge.Code)
	}
}

func TestParseAPIError_RetryAfter(t *testing.T) {
	t.Parallel()

	err := ParseAPIError("openai", fakeResponse(429, `{}`, map[string]string{"Retry-After": "30"}))
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		t.Fatalf("not a gateway error: %v", err)
	}
	if ge.RetryAfter != 30*time.Second {
		t.Errorf("retry after = %v, want 30s", ge.RetryAfter)
	}
}
