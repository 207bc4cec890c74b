package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// webPushTimeout bounds the outbound notification POST.
const webPushTimeout = 10 * time.Second

func webTools(client *http.Client) []*Tool {
	if client == nil {
		client = &http.Client{Timeout: webPushTimeout}
	}
	return []*Tool{
		{
			Name:        "web_push",
			Description: "POST a JSON notification to a webhook URL, e.g. to announce a deployment or ask for review.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url":     map[string]any{"type": "string", "description": "Webhook URL to POST to"},
					"message": map[string]any{"type": "string", "description": "Notification text"},
					"payload": map[string]any{"type": "object", "description": "Arbitrary JSON body. Overrides message when given."},
				},
				"required": []string{"url"},
			},
			Execute: func(ctx context.Context, args map[string]any, env Env) (string, error) {
				url := stringArg(args, "url")
				if url == "" {
					return "", fmt.Errorf("missing url argument")
				}
				body := map[string]any{}
				if payload, ok := args["payload"].(map[string]any); ok && len(payload) > 0 {
					body = payload
				} else if msg := stringArg(args, "message"); msg != "" {
					body["message"] = msg
				}
				if env.SessionID != "" {
					body["session_id"] = env.SessionID
				}
				raw, err := json.Marshal(body)
				if err != nil {
					return "", fmt.Errorf("failed to encode payload: %w", err)
				}
				req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
				if err != nil {
					return "", err
				}
				req.Header.Set("Content-Type", "application/json")
				resp, err := client.Do(req)
				if err != nil {
					return "", err
				}
				defer resp.Body.Close()
				_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
				return fmt.Sprintf("HTTP %d", resp.StatusCode), nil
			},
		},
	}
}
