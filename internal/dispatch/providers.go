package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// FCMProvider posts to the FCM HTTP v1 endpoint with a server key or
// oauth token.
type FCMProvider struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMProvider(endpoint, key string) *FCMProvider {
	return &FCMProvider{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMProvider) Send(ctx context.Context, target string, p Payload) (string, error) {
	body := map[string]any{"message": map[string]any{
		"token": target,
		"notification": map[string]string{
			"title": p.Title,
			"body":  p.Message,
		},
		"data": p.Data,
	}}
	var out struct {
		Name string `json:"name"`
	}
	if err := postJSON(ctx, f.Client, f.Endpoint, f.Key, body, &out); err != nil {
		return "", fmt.Errorf("fcm: %w", err)
	}
	return out.Name, nil
}

// ExpoProvider posts to the Expo push API. Interchangeable with
// FCMProvider; selected by PUSH_PROVIDER.
type ExpoProvider struct {
	Endpoint string
	Client   *http.Client
}

func NewExpoProvider(endpoint string) *ExpoProvider {
	return &ExpoProvider{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (e *ExpoProvider) Send(ctx context.Context, target string, p Payload) (string, error) {
	body := map[string]any{
		"to":    target,
		"title": p.Title,
		"body":  p.Message,
		"data":  p.Data,
	}
	var out struct {
		Data struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := postJSON(ctx, e.Client, e.Endpoint, "", body, &out); err != nil {
		return "", fmt.Errorf("expo: %w", err)
	}
	if out.Data.Status == "error" {
		return "", fmt.Errorf("expo: ticket status error")
	}
	return out.Data.ID, nil
}

// SMSProvider posts to a generic SMS gateway endpoint.
type SMSProvider struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewSMSProvider(endpoint, key string) *SMSProvider {
	return &SMSProvider{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (s *SMSProvider) Send(ctx context.Context, target string, p Payload) (string, error) {
	body := map[string]string{"to": target, "message": p.Title + ": " + p.Message}
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := postJSON(ctx, s.Client, s.Endpoint, s.Key, body, &out); err != nil {
		return "", fmt.Errorf("sms: %w", err)
	}
	return out.MessageID, nil
}

// ChainProvider tries each provider in order and returns the first
// success. Used to prefer a live websocket session over the push
// gateway.
type ChainProvider struct {
	Providers []Provider
}

func (c *ChainProvider) Send(ctx context.Context, target string, p Payload) (string, error) {
	var lastErr error
	for _, prov := range c.Providers {
		id, err := prov.Send(ctx, target, p)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no providers configured")
	}
	return "", lastErr
}

// LogProvider writes the payload to the log instead of a transport.
// Stands in for channels with no configured backend (email, local dev).
type LogProvider struct {
	Logger  *slog.Logger
	Channel Channel
}

func (l *LogProvider) Send(ctx context.Context, target string, p Payload) (string, error) {
	if l.Logger != nil {
		l.Logger.Info("notification (log provider)",
			"channel", string(l.Channel), "target", target, "type", p.Type, "title", p.Title)
	}
	return "", nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint, key string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
