// Package httputil has helpers for dealing with responses from the upstream
// feed and database distribution services.
package httputil

import (
	"io"
	"net/http"

	"github.com/nextlinux/govulners"
)

// CheckResponse takes an http.Response and a variadic of ints representing
// acceptable http status codes. The error returned is a typed
// *govulners.HTTPStatusError and will attempt to include some content from
// the server's response.
func CheckResponse(resp *http.Response, acceptableCodes ...int) error {
	for _, code := range acceptableCodes {
		if resp.StatusCode == code {
			return nil
		}
	}
	he := govulners.HTTPStatusError{
		Status: resp.Status,
		Code:   resp.StatusCode,
	}
	limitBody, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err == nil {
		he.Body = string(limitBody)
	}
	return &he
}

// CheckContentType verifies the response's Content-Type header against what
// the protocol requires.
func CheckContentType(resp *http.Response, want string) error {
	got := resp.Header.Get("Content-Type")
	if got != want {
		return &govulners.UnexpectedContentTypeError{Got: got, Want: want}
	}
	return nil
}
