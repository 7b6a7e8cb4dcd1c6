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

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func echoBody(t *testing.T, encoding string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.Use(DecodeRequestBody())
	e.POST("/", func(c echo.Context) error {
		if encoding != "" && encoding != "identity" && c.Request().Header.Get(echo.HeaderContentEncoding) != "" {
			t.Errorf("content encoding must be removed after decoding")
		}
		data, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
	})
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if encoding != "" {
		req.Header.Set(echo.HeaderContentEncoding, encoding)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestDecodeRequestBody(t *testing.T) {
	plain := []byte("title=hello")

	tests := []struct {
		name     string
		encoding string
		body     []byte
		want     int
	}{
		{name: "none", body: plain, want: http.StatusOK},
		{name: "identity", encoding: "identity", body: plain, want: http.StatusOK},
		{name: "gzip", encoding: "gzip", body: gzipBytes(t, plain), want: http.StatusOK},
		{name: "x-gzip", encoding: "X-GZIP", body: gzipBytes(t, plain), want: http.StatusOK},
		{name: "twice", encoding: "gzip, gzip", body: gzipBytes(t, gzipBytes(t, plain)), want: http.StatusOK},
		{name: "broken", encoding: "gzip", body: []byte("nope"), want: http.StatusBadRequest},
		{name: "brotli", encoding: "br", body: plain, want: http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := echoBody(t, tt.encoding, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusOK && !bytes.Equal(rec.Body.Bytes(), plain) {
				t.Fatalf("unexpected body %q", rec.Body.String())
			}
		})
	}
}

func TestContentCodings(t *testing.T) {
	got := contentCodings(" GZip , identity,,x-gzip ")
	if strings.Join(got, "|") != "gzip|x-gzip" {
		t.Fatalf("unexpected codings: %v", got)
	}
	if contentCodings("") != nil {
		t.Fatalf("expected no codings for empty header")
	}
}
