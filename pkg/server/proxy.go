package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/kadirpekel/chatgate/pkg/identity"
)

// HeaderIdentity tells the upstream which identity the gate resolved.
// Client-supplied values are always replaced.
const HeaderIdentity = "X-Chatgate-Identity"

// NewUpstreamProxy returns a reverse proxy to target. Responses are
// flushed as they arrive so streamed completions reach the client
// unbuffered.
func NewUpstreamProxy(target string, logger *slog.Logger) (*httputil.ReverseProxy, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", target)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.Out.Header["X-Forwarded-For"] = pr.In.Header["X-Forwarded-For"]
			pr.SetXForwarded()
			pr.Out.Header.Del(HeaderIdentity)
			if id, ok := identity.FromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(HeaderIdentity, id.String())
			}
		},
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("Upstream request failed",
				"request_id", RequestIDFromContext(r.Context()),
				"path", r.URL.Path,
				"error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "upstream_unavailable", "message": "upstream unavailable"},
			})
		},
	}, nil
}
