package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/session"
	"github.com/quiethall/quiethall-server/internal/writer"
)

// newTestApp mounts routes with a fixed HMAC principal injected, mirroring
// what the session guard does in production.
func newTestApp(principal *session.Principal, mount func(app *fiber.App)) *fiber.App {
	app := fiber.New()
	app.Use(func(c fiber.Ctx) error {
		if principal != nil {
			c.Locals(session.PrincipalKey, principal)
			c.Locals("userID", principal.UserID)
		}
		return c.Next()
	})
	mount(app)
	return app
}

func testPrincipal() *session.Principal {
	return &session.Principal{
		UserID:       uuid.New(),
		DeviceID:     1,
		ClientHandle: "handle-1",
		Method:       session.MethodHMAC,
	}
}

func newTestWriter(t *testing.T) *writer.Serializer {
	t.Helper()
	s := writer.New(16, 5*time.Second, zerolog.Nop())
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// doJSON performs a request with an optional JSON body and decodes the
// response envelope.
func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (int, map[string]json.RawMessage) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	var envelope map[string]json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp.StatusCode, envelope
}

// errorCode extracts the machine-readable code from a failed response.
func errorCode(t *testing.T, envelope map[string]json.RawMessage) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(envelope["error"], &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Code
}

func wantStatus(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Fatalf("status = %d, want %d", got, want)
	}
}
