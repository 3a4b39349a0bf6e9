package pipeline

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("Rate Limit exceeded"), true},
		{"http 429", errors.New("server returned 429"), true},
		{"quota", errors.New("quota exceeded for model"), true},
		{"http 503", errors.New("503 Service Unavailable"), true},
		{"timeout", errors.New("request timeout"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"wrapped transient", fmt.Errorf("calling model: %w", errors.New("temporary failure")), true},
		{"auth failure", errors.New("invalid API key"), false},
		{"bad request", errors.New("400 invalid argument"), false},
		{"plain failure", errors.New("model refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableError(tt.err); got != tt.want {
				t.Errorf("retryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.InitialInterval <= 0 || cfg.MaxInterval < cfg.InitialInterval {
		t.Errorf("intervals invalid: initial %v, max %v", cfg.InitialInterval, cfg.MaxInterval)
	}
	if cfg.MaxInterval != 10*time.Second {
		t.Errorf("MaxInterval = %v, want 10s", cfg.MaxInterval)
	}
}
