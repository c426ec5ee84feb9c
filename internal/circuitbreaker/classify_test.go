package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"

	gateway "github.com/relaymux/relay/internal"
)

func TestWeight(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want float64
	}{
		{"nil", nil, 0},
		{"rate_limited", gateway.NewError(gateway.ClassRateLimited, "slow down"), 0.5},
		{"provider_server", gateway.NewError(gateway.ClassProviderServer, "500"), 1.0},
		{"provider_unavailable", gateway.NewError(gateway.ClassProviderUnavailable, "503"), 1.0},
		{"provider_timeout", gateway.NewError(gateway.ClassProviderTimeout, "deadline"), 1.5},
		{"provider_auth", gateway.NewError(gateway.ClassProviderAuth, "bad key"), 0.0},
		{"validation", gateway.NewError(gateway.ClassValidation, "bad temp"), 0.0},
		{"context_length", gateway.NewError(gateway.ClassContextLength, "too long"), 0.0},
		{"provider_client", gateway.NewError(gateway.ClassProviderClient, "400"), 0.0},
		{"context_deadline", context.DeadlineExceeded, 1.5},
		{"os_deadline", os.ErrDeadlineExceeded, 1.5},
		{"wrapped_deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), 1.5},
		{"network_error", &net.OpError{Op: "dial", Err: errors.New("refused")}, 1.0},
		{"generic_error", errors.New("something broke"), 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Weight(tt.err)
			if got != tt.want {
				t.Errorf("Weight(%v) = %f, want %f", tt.err, got, tt.want)
			}
		})
	}
}

func TestWeight_Wrapped(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("provider: %w", gateway.NewError(gateway.ClassProviderServer, "502"))
	if got := Weight(wrapped); got != 1.0 {
		t.Errorf("wrapped server error = %f, want 1.0", got)
	}
}
