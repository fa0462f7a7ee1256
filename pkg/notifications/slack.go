// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notifications provides alerting capabilities via various channels.
//
// This package implements notification delivery for critical gateway events
// such as meter connectivity loss and time-series store outages, helping
// operators respond before measurement data is lost.
//
// # Notification Channels
//
// Currently supported:
//   - Slack: Webhook-based notifications with formatted attachments
//
// # Slack Integration
//
// Slack notifications use Incoming Webhooks for message delivery. The
// webhook URL is configured via SLACK_WEBHOOK_URL environment variable or
// YAML config.
//
// # Alert Severity Levels
//
// Three severity levels with corresponding colors:
//   - danger/error: Red - Critical failures requiring immediate attention
//   - warning/warn: Yellow - Issues that may impact functionality
//   - good/success: Green - Recovery notifications
//
// # Automatic Notifications
//
// The gateway sends automatic notifications for:
//   - Meter connection loss and recovery (from the device manager)
//   - InfluxDB write failures (on first failure only) and recovery
//
// # Error Handling
//
// Notification failures are logged but never block the acquisition path:
// HTTP requests carry a 10-second timeout, context cancellation is
// respected, and a notifier without a webhook URL skips sending silently.
//
// # Thread Safety
//
// The SlackNotifier is thread-safe and can be shared across goroutines;
// each notification uses its own HTTP request.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/soothill/energy-meter-gateway/pkg/logger"
)

// SlackNotifier sends notifications to Slack via webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	enabled    bool
}

// SlackMessage represents a Slack webhook message payload
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		enabled: webhookURL != "",
	}
}

// IsEnabled returns whether Slack notifications are enabled
func (s *SlackNotifier) IsEnabled() bool {
	return s.enabled
}

// SendMessage sends a simple text message to Slack
func (s *SlackNotifier) SendMessage(ctx context.Context, message string) error {
	if !s.enabled {
		logger.Debug().Msg("Slack notifications disabled, skipping message")
		return nil
	}
	return s.sendPayload(ctx, SlackMessage{Text: message})
}

// SendAlert sends a formatted alert to Slack
func (s *SlackNotifier) SendAlert(ctx context.Context, severity, title, message string) error {
	if !s.enabled {
		logger.Debug().Msg("Slack notifications disabled, skipping alert")
		return nil
	}

	payload := SlackMessage{
		Attachments: []Attachment{
			{
				Color:  s.severityToColor(severity),
				Title:  title,
				Text:   message,
				Footer: "Energy Meter Gateway",
				Ts:     time.Now().Unix(),
			},
		},
	}
	return s.sendPayload(ctx, payload)
}

// SendMeterOffline sends an alert when a meter loses its connection
func (s *SlackNotifier) SendMeterOffline(ctx context.Context, deviceID int, deviceName string) error {
	return s.SendAlert(ctx, "warning", "⚠️ Meter Offline",
		fmt.Sprintf("Meter %q (id %d) lost its connection. Values publish as null until it recovers.", deviceName, deviceID))
}

// SendMeterRecovered sends an alert when a meter reconnects
func (s *SlackNotifier) SendMeterRecovered(ctx context.Context, deviceID int, deviceName string) error {
	return s.SendAlert(ctx, "good", "✅ Meter Reconnected",
		fmt.Sprintf("Meter %q (id %d) is reachable again.", deviceName, deviceID))
}

// sendPayload sends a payload to the Slack webhook
func (s *SlackNotifier) sendPayload(ctx context.Context, payload SlackMessage) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack webhook returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// severityToColor maps a severity level to a Slack attachment color
func (s *SlackNotifier) severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger"
	case "warning", "warn":
		return "warning"
	case "good", "success":
		return "good"
	default:
		return ""
	}
}
