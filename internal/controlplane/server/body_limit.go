package server

import (
	"errors"
	"net/http"
	"strconv"
)

// maxBodyBytes caps write request bodies. Configs and predictions are a few
// hundred bytes each.
const maxBodyBytes int64 = 64 << 10

// limitBody rejects write requests that announce a body over limit with 413
// and caps the rest with http.MaxBytesReader for chunked uploads.
func limitBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				if r.ContentLength > limit {
					writeBodyTooLarge(w, limit)
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeBodyTooLarge(w http.ResponseWriter, limit int64) {
	writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large",
		"request body exceeds "+strconv.FormatInt(limit, 10)+" bytes")
}

// isBodyTooLarge reports whether err came from a MaxBytesReader cut-off.
func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
