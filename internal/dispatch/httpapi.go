package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// HTTPClient publishes to a JSON-over-HTTP endpoint. An outbound limiter
// paces calls so a burst of due posts within one tick doesn't hammer the
// remote even when the tiered budget would allow it.
type HTTPClient struct {
	endpoint string
	token    string
	http     *http.Client
	limiter  *rate.Limiter
}

type HTTPConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
	// MaxPerSec caps outbound publish calls per second. Zero means 1.
	MaxPerSec int
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.MaxPerSec
	if rps <= 0 {
		rps = 1
	}
	return &HTTPClient{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
	}
}

type publishReq struct {
	Text string `json:"text"`
}

type publishResp struct {
	ID string `json:"id"`
}

func (c *HTTPClient) Publish(ctx context.Context, content string) Result {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{Kind: RetryableError, Message: err.Error()}
	}

	body, err := json.Marshal(publishReq{Text: content})
	if err != nil {
		return Result{Kind: Fatal, Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Kind: Fatal, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Kind: RetryableError, Message: err.Error()}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var pr publishResp
		_ = json.Unmarshal(respBody, &pr)
		return Result{Kind: Posted, ExternalID: pr.ID}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{
			Kind:       RateLimited,
			RetryAfter: retryAfterHeader(resp),
			Message:    fmt.Sprintf("HTTP 429: %s", respBody),
		}
	case resp.StatusCode >= 500:
		return Result{Kind: RetryableError, Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, respBody)}
	default:
		return Result{Kind: Fatal, Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, respBody)}
	}
}

func retryAfterHeader(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
