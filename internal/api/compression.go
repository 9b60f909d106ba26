package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// decompressMiddleware handles decompression of request bodies based on the
// Content-Encoding header. Supports zstd; absent header passes through.
func decompressMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			encoding := r.Header.Get("Content-Encoding")

			if encoding == "" {
				next.ServeHTTP(w, r)
				return
			}

			if strings.EqualFold(encoding, "zstd") {
				decoder, err := zstd.NewReader(r.Body)
				if err != nil {
					respondError(w, http.StatusBadRequest, "Failed to create zstd decoder")
					return
				}
				defer decoder.Close()

				// Downstream handlers see an uncompressed body of unknown length
				r.Body = io.NopCloser(decoder)
				r.Header.Del("Content-Encoding")
				r.Header.Del("Content-Length")
				r.ContentLength = -1

				next.ServeHTTP(w, r)
				return
			}

			respondError(w, http.StatusUnsupportedMediaType,
				"Unsupported Content-Encoding: "+encoding)
		})
	}
}
