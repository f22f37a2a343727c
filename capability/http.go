package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/anaya-ai/watchtower"
)

// maxResponseBytes bounds collaborator responses so a misbehaving
// endpoint cannot exhaust memory.
const maxResponseBytes = 8 << 20

// HTTP returns a handler that forwards invocations to a collaborator
// endpoint as a JSON POST and returns the response body. 5xx responses
// and transport errors are marked transient so the orchestrator's retry
// policy applies; 4xx responses are permanent.
//
// The idempotency key, when present, is sent as the Idempotency-Key
// header so collaborators can deduplicate replayed calls.
func HTTP(client *http.Client, url string) Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		body := bytes.NewReader(args)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if key, ok := IdempotencyKeyFrom(ctx); ok {
			req.Header.Set("Idempotency-Key", key)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, watchtower.Transient(fmt.Errorf("post %s: %w", url, err))
		}
		defer resp.Body.Close()

		out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, watchtower.Transient(fmt.Errorf("read response from %s: %w", url, err))
		}

		switch {
		case resp.StatusCode >= 500:
			return nil, watchtower.Transient(fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, truncate(out, 200)))
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, truncate(out, 200))
		}
		return out, nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
