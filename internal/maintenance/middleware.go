package maintenance

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/agentmux/gateway/internal/httpx"
)

// mutating methods are gated during maintenance and drain; reads pass.
func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func matchesPrefix(prefixes []string, path string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Middleware tracks inflight requests and rejects mutating traffic while
// the gateway is in maintenance or draining. Paths under an allowed prefix
// bypass the gate entirely so health probes and the maintenance API itself
// keep working. Paths under an untracked prefix are served without inflight
// accounting: a WebSocket upgrade holds its handler for the connection's
// whole lifetime, and counting it would stall every drain. The hub
// force-closes those connections at shutdown instead.
func Middleware(c *Controller, allowPrefixes, untrackedPrefixes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !matchesPrefix(allowPrefixes, r.URL.Path) && mutating(r.Method) && c.Rejecting() {
				mode := c.Mode()
				metricRejected.WithLabelValues(string(mode)).Inc()

				code := httpx.CodeMaintenanceMode
				message := "gateway is in maintenance mode"
				if mode == ModeDraining {
					code = httpx.CodeDraining
					message = "gateway is draining; retry against another instance"
				}
				w.Header().Set("Retry-After", strconv.Itoa(c.RetryAfterSeconds()))
				httpx.WriteError(w, r, http.StatusServiceUnavailable, code, message)
				return
			}

			if matchesPrefix(untrackedPrefixes, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			c.BeginRequest()
			defer c.EndRequest()
			next.ServeHTTP(w, r)
		})
	}
}
