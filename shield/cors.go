package shield

import (
	"net/http"
	"strings"
)

// CORSConfig controls the cross-origin policy. The capture extension runs
// inside arbitrary pages, so the origin list defaults to "*" and the header
// list covers everything the edge client sends.
type CORSConfig struct {
	AllowOrigin  string
	AllowMethods []string
	AllowHeaders []string
	MaxAgeSecs   string
}

// DefaultCORS returns the policy the browser extension needs.
func DefaultCORS() CORSConfig {
	return CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			"authorization", "x-client-info", "apikey", "content-type",
			"x-ghost-batch-id", "x-ghost-device",
		},
		MaxAgeSecs: "86400",
	}
}

// CORS returns middleware that answers preflight OPTIONS with 200 and sets
// the allow headers on every response.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	methods := strings.Join(cfg.AllowMethods, ", ")
	headers := strings.Join(cfg.AllowHeaders, ", ")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", cfg.AllowOrigin)
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			if cfg.MaxAgeSecs != "" {
				h.Set("Access-Control-Max-Age", cfg.MaxAgeSecs)
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
