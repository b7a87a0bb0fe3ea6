package main

import (
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/quiethall/quiethall-server/internal/apierr"
)

func TestFiberStatusToAPICode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   apierr.Code
	}{
		{"not found", fiber.StatusNotFound, apierr.NotFound},
		{"method not allowed", fiber.StatusMethodNotAllowed, apierr.ValidationError},
		{"too many requests", fiber.StatusTooManyRequests, apierr.RateLimited},
		{"request entity too large", fiber.StatusRequestEntityTooLarge, apierr.PayloadTooLarge},
		{"service unavailable", fiber.StatusServiceUnavailable, apierr.ServiceUnavailable},
		{"generic 4xx falls back to validation error", fiber.StatusConflict, apierr.ValidationError},
		{"another 4xx", fiber.StatusGone, apierr.ValidationError},
		{"5xx falls back to internal error", fiber.StatusInternalServerError, apierr.InternalError},
		{"502 falls back to internal error", fiber.StatusBadGateway, apierr.InternalError},
		{"unknown status falls back to internal error", 600, apierr.InternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := fiberStatusToAPICode(tt.status)
			if got != tt.want {
				t.Errorf("fiberStatusToAPICode(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}
