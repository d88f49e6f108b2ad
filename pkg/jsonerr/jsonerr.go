// Package jsonerr renders HTTP error responses as JSON bodies.
package jsonerr

import (
	"encoding/json"
	"net/http"
)

type Additional interface{}

// Response is the error body shape.
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Additional must be json serializable or expect errors
	Additional `json:"additional,omitempty"`
}

// Error works like http.Error but writes the Response struct as the body.
// Like http.Error, handlers should return immediately after calling it.
func Error(w http.ResponseWriter, r *Response, httpcode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(httpcode)
	b, _ := json.Marshal(r)

	w.Write(b)
}
