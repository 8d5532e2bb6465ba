package api

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func gzipBody(t *testing.T, payload string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(payload)); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf
}

func TestGzipRequestMiddlewareDecompresses(t *testing.T) {
	e := echo.New()
	payload := `{"title":"compressed"}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", gzipBody(t, payload))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen string
	handler := GzipRequestMiddleware()(func(c echo.Context) error {
		data, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		seen = string(data)
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if seen != payload {
		t.Fatalf("expected decompressed body %q, got %q", payload, seen)
	}
	if got := c.Request().Header.Get(echo.HeaderContentEncoding); got != "" {
		t.Fatalf("content encoding header must be cleared, got %q", got)
	}
}

func TestGzipRequestMiddlewarePassesPlainBodies(t *testing.T) {
	e := echo.New()
	payload := `{"title":"plain"}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := GzipRequestMiddleware()(func(c echo.Context) error {
		data, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		if string(data) != payload {
			t.Fatalf("plain body altered: %q", string(data))
		}
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
}

func TestGzipRequestMiddlewareRejectsBadPayload(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("not gzip at all"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := GzipRequestMiddleware()(func(echo.Context) error {
		t.Fatal("handler must not run for invalid gzip")
		return nil
	})
	err := handler(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 HTTPError, got %v", err)
	}
}
