package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// DecodeRequestBody undoes the Content-Encoding of request bodies before the
// form is parsed. gzip and x-gzip are decoded, identity is ignored, and any
// other coding is answered with 415. A broken gzip stream is answered with 400.
func DecodeRequestBody() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			codings := contentCodings(req.Header.Get(echo.HeaderContentEncoding))
			if len(codings) == 0 {
				return next(c)
			}
			for _, coding := range codings {
				if coding != "gzip" && coding != "x-gzip" {
					return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported content encoding "+coding)
				}
			}

			// Codings are listed in the order they were applied.
			body := req.Body
			var reader io.Reader = body
			for range codings {
				gr, err := gzip.NewReader(reader)
				if err != nil {
					_ = body.Close()
					return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
				}
				reader = gr
			}

			req.Body = &decodedBody{Reader: reader, body: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

// contentCodings lists the non-identity codings of a Content-Encoding header.
func contentCodings(header string) []string {
	var out []string
	for _, enc := range strings.Split(header, ",") {
		enc = strings.ToLower(strings.TrimSpace(enc))
		if enc == "" || enc == "identity" {
			continue
		}
		out = append(out, enc)
	}
	return out
}

type decodedBody struct {
	io.Reader
	body io.Closer
}

func (d *decodedBody) Close() error {
	return d.body.Close()
}
