package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anaya-ai/watchtower"
)

// NotifyArgs is the input shape of the Slack notifier.
type NotifyArgs struct {
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
	RunID    string `json:"run_id,omitempty"`
}

// NotifyResult is the output shape of the Slack notifier.
type NotifyResult struct {
	Sent bool `json:"sent"`
}

// Attachment colors per severity, matching the reviewer dashboard.
var slackColor = map[string]string{
	"critical": "#FF0000",
	"high":     "#FF6B35",
	"medium":   "#FFD23F",
	"low":      "#4ECDC4",
	"info":     "#3DDC97",
}

type slackPayload struct {
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color string `json:"color"`
	Title string `json:"title"`
	Text  string `json:"text"`
	TS    int64  `json:"ts"`
}

// SlackNotifier returns a handler that posts compliance alerts to a
// Slack incoming webhook. Transport errors and webhook 5xx responses
// are transient; a non-200 4xx (bad webhook) is permanent.
func SlackNotifier(client *http.Client, webhookURL string) Handler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in NotifyArgs
		if len(args) > 0 {
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("decode notify args: %w", err)
			}
		}
		severity := in.Severity
		if severity == "" {
			severity = "info"
		}
		color, ok := slackColor[severity]
		if !ok {
			color = slackColor["info"]
		}

		payload, err := json.Marshal(slackPayload{
			Attachments: []slackAttachment{{
				Color: color,
				Title: "Compliance Alert",
				Text:  in.Message,
				TS:    time.Now().Unix(),
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("encode slack payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build slack request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, watchtower.Transient(fmt.Errorf("post slack webhook: %w", err))
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500:
			return nil, watchtower.Transient(fmt.Errorf("slack webhook returned %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("slack webhook returned %d", resp.StatusCode)
		}
		return json.Marshal(NotifyResult{Sent: true})
	}
}

// SlackNotifierSpec is the declared contract of the Slack notifier.
func SlackNotifierSpec() Spec {
	return Spec{
		Name:        "send_alert",
		Description: "post a compliance alert to the reviewer Slack channel",
		Input:       "NotifyArgs",
		Output:      "NotifyResult",
		MaxLatency:  10 * time.Second,
	}
}
