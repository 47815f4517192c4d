package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func stubHandler(marker string, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(marker))
	})
}

func TestNewHTTPHandlerRouting(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(
		stubHandler("metrics", http.StatusOK),
		stubHandler("health", http.StatusOK),
		stubHandler("ws", http.StatusOK),
	)

	testCases := []struct {
		path     string
		wantBody string
	}{
		{path: "/metrics", wantBody: "metrics"},
		{path: "/livez", wantBody: "health"},
		{path: "/readyz", wantBody: "health"},
		{path: "/healthz", wantBody: "health"},
		{path: "/ws", wantBody: "ws"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()

			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, tc.path, nil))
			if recorder.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", recorder.Code)
			}
			if recorder.Body.String() != tc.wantBody {
				t.Fatalf("body = %q, want %q", recorder.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestNewHTTPHandlerUnknownRoute(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(
		stubHandler("metrics", http.StatusOK),
		stubHandler("health", http.StatusOK),
		stubHandler("ws", http.StatusOK),
	)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/unknown", nil))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
}

func TestWrapHTTPHandlerOffModeIsPassthrough(t *testing.T) {
	t.Parallel()

	inner := stubHandler("payload", http.StatusTeapot)
	wrapped := wrapHTTPHandler("off", "test", inner)

	recorder := httptest.NewRecorder()
	wrapped.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
	if recorder.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", recorder.Code)
	}
	if recorder.Body.String() != "payload" {
		t.Fatalf("body = %q", recorder.Body.String())
	}
}

func TestWrapHTTPHandlerPreservesStatus(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		status int
	}{
		{name: "ok", status: http.StatusOK},
		{name: "server_error", status: http.StatusInternalServerError},
		{name: "service_unavailable", status: http.StatusServiceUnavailable},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			wrapped := wrapHTTPHandler("sampled", "test", stubHandler("body", tc.status))
			recorder := httptest.NewRecorder()
			wrapped.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
			if recorder.Code != tc.status {
				t.Fatalf("status = %d, want %d", recorder.Code, tc.status)
			}
			if recorder.Body.String() != "body" {
				t.Fatalf("body = %q", recorder.Body.String())
			}
		})
	}
}

func TestWrapHTTPHandlerNilHandler(t *testing.T) {
	t.Parallel()

	wrapped := wrapHTTPHandler("off", "test", nil)
	recorder := httptest.NewRecorder()
	wrapped.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
}
