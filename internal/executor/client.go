// ABOUTME: Constructs the production SSRF-safe HTTP client for agent runner calls.
// ABOUTME: Uses doyensec/safeurl with redirect following disabled.
package executor

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// BuildSafeClient returns an SSRF-safe *http.Client with the given timeout.
// Redirects are never followed. Agent runs are long, so the timeout is the
// executor's whole-request budget, not a connect timeout.
func BuildSafeClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}
