// ABOUTME: Executor that forwards agent runs to a remote runner over signed HTTP.
// ABOUTME: HMAC-SHA256 over "timestamp.body"; client-side rate limit; response decoded as agentjob.Result.
package executor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/scarson/agentq/internal/agentjob"
)

const (
	// maxResponseBytes caps the runner's response; diffs can be large.
	maxResponseBytes = 8 << 20

	headerTimestamp = "X-Agentq-Timestamp"
	headerSignature = "X-Agentq-Signature"
)

// HTTPConfig configures an HTTPExecutor.
type HTTPConfig struct {
	URL           string
	SigningSecret string
	// RequestsPerSecond bounds outbound calls; zero disables the limit.
	RequestsPerSecond float64
}

// HTTPExecutor posts each ExecRequest as JSON to a remote agent runner.
type HTTPExecutor struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPExecutor returns an executor using client, which the caller builds
// once at startup (BuildSafeClient in production).
func NewHTTPExecutor(cfg HTTPConfig, client *http.Client) *HTTPExecutor {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &HTTPExecutor{cfg: cfg, client: client, limiter: rate.NewLimiter(limit, 1)}
}

// Execute sends req and decodes the runner's result. Transport failures,
// non-2xx responses, and malformed results are returned as errors.
func (e *HTTPExecutor) Execute(ctx context.Context, req agentjob.ExecRequest) (agentjob.Result, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return agentjob.Result{}, fmt.Errorf("executor rate limit: %w", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return agentjob.Result{}, fmt.Errorf("marshal exec request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return agentjob.Result{}, fmt.Errorf("build executor request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	httpReq.Header.Set(headerTimestamp, ts)
	httpReq.Header.Set(headerSignature, Sign(e.cfg.SigningSecret, ts, payload))

	resp, err := e.client.Do(httpReq) //nolint:gosec // G107: SSRF is enforced by the safeurl-wrapped client injected at startup
	if err != nil {
		return agentjob.Result{}, fmt.Errorf("executor POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return agentjob.Result{}, fmt.Errorf("read executor response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return agentjob.Result{}, fmt.Errorf("executor POST: unexpected status %d: %s", resp.StatusCode, snippet(body))
	}

	var res agentjob.Result
	if err := json.Unmarshal(body, &res); err != nil {
		return agentjob.Result{}, fmt.Errorf("decode executor result: %w", err)
	}
	if res.Messages == nil {
		res.Messages = []string{}
	}
	if res.Changes == nil {
		res.Changes = []agentjob.Change{}
	}
	if err := res.Validate(); err != nil {
		return agentjob.Result{}, fmt.Errorf("executor result: %w", err)
	}
	return res, nil
}

// Sign returns the signature header value for body sent at timestamp ts.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature of body at ts.
func Verify(secret, ts string, body []byte, sig string) bool {
	return hmac.Equal([]byte(Sign(secret, ts, body)), []byte(sig))
}

func snippet(b []byte) string {
	const n = 256
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
