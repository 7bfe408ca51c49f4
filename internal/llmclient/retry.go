package llmclient

import (
	"context"
	"net/http"
	"time"
)

// doWithRetry runs do (one full HTTP round trip) with exponential backoff
// retried for transient transport errors and spec §6's retryable status
// set, capped at cfg.MaxBackoff (spec §5 "Timeouts": "retried up to
// max_retry with exponential backoff capped at 2s"). Grounded on the
// teacher's internal/embed/retry.go DownloadWithRetry, generalized from a
// fixed-multiplier download retry to one that also inspects the HTTP status
// of a successful round trip before deciding whether to retry.
//
// On the last attempt, whatever response or error it produced is returned
// as-is — the caller decides how to surface a still-bad final status.
func doWithRetry(ctx context.Context, cfg Config, do func() (*http.Response, error)) (*http.Response, error) {
	delay := 250 * time.Millisecond
	if delay > cfg.MaxBackoff {
		delay = cfg.MaxBackoff
	}

	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		resp, err := do()
		lastResp, lastErr = resp, err

		shouldRetry := err != nil || retryableStatus[resp.StatusCode]
		if !shouldRetry {
			return resp, nil
		}
		if attempt >= cfg.MaxRetries {
			break
		}
		if resp != nil {
			_ = resp.Body.Close()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cfg.MaxBackoff {
			delay = cfg.MaxBackoff
		}
	}

	return lastResp, lastErr
}
