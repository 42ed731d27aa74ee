package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Notifier is the fire-and-forget notification sink. Delivery failures are
// the caller's to log; they must never abort scheduler operations.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, subject, message string) error
}

// WebhookNotifier posts notifications as JSON to a configured endpoint.
type WebhookNotifier struct {
	client   *resty.Client
	endpoint string
}

// NewWebhookNotifier builds a notifier for the given webhook URL.
func NewWebhookNotifier(endpoint, apiKey string) *WebhookNotifier {
	client := resty.New()
	client.SetTimeout(10 * time.Second)
	if apiKey != "" {
		client.SetHeader("Authorization", "Bearer "+apiKey)
	}
	client.SetHeader("Content-Type", "application/json")
	return &WebhookNotifier{client: client, endpoint: endpoint}
}

type webhookPayload struct {
	UserID  string `json:"user_id"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

func (n *WebhookNotifier) NotifyUser(ctx context.Context, userID, subject, message string) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(webhookPayload{UserID: userID, Subject: subject, Message: message}).
		Post(n.endpoint)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notification endpoint returned %s", resp.Status())
	}
	return nil
}

// LogNotifier writes notifications to the log. Used when no webhook is
// configured.
type LogNotifier struct {
	log *logrus.Logger
}

func NewLogNotifier(log *logrus.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyUser(_ context.Context, userID, subject, message string) error {
	n.log.WithFields(logrus.Fields{
		"user_id": userID,
		"subject": subject,
	}).Info(message)
	return nil
}

// Recorder captures notifications for assertions in tests.
type Recorder struct {
	Sent []RecordedNotification
	Err  error
}

type RecordedNotification struct {
	UserID  string
	Subject string
	Message string
}

func (r *Recorder) NotifyUser(_ context.Context, userID, subject, message string) error {
	if r.Err != nil {
		return r.Err
	}
	r.Sent = append(r.Sent, RecordedNotification{UserID: userID, Subject: subject, Message: message})
	return nil
}
