package auth

import (
	"errors"
	"net/http"
	"strings"
	"unsafe"

	"github.com/labstack/echo/v4"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrBadCredential     = errors.New("malformed credential")
)

const bearerPrefix = "Bearer "

// BearerFromHeader extracts the raw JWT from an Authorization header.
func BearerFromHeader(header http.Header) ([]byte, error) {
	values := header.Values(echo.HeaderAuthorization)
	if len(values) == 0 {
		return nil, ErrMissingCredential
	}
	return BearerFromString(values[0])
}

// BearerFromString extracts the raw JWT from an Authorization header value.
// The returned slice aliases raw and must not be modified.
func BearerFromString(raw string) ([]byte, error) {
	trimmed := strings.Trim(raw, " ")
	if trimmed == "" {
		return nil, ErrMissingCredential
	}
	if len(trimmed) <= len(bearerPrefix) || !strings.HasPrefix(trimmed, bearerPrefix) {
		return nil, ErrBadCredential
	}
	return credentialBytes(trimmed[len(bearerPrefix):])
}

// credentialBytes checks that s has the three-segment JWT shape.
func credentialBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrMissingCredential
	}
	if strings.Count(s, ".") != 2 {
		return nil, ErrBadCredential
	}
	return readOnlyBytes(s), nil
}

func readOnlyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func readOnlyString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
