// Package notify tells external systems that a build job finished.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
)

// Notifier receives the summary of every finished job.
type Notifier interface {
	JobFinished(ctx context.Context, s *domain.JobSummary) error
}

// Webhook POSTs the job summary as JSON to a fixed URL.
type Webhook struct {
	url     string
	method  string
	headers map[string]string
	client  *http.Client
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

func WithMethod(m string) WebhookOption { return func(w *Webhook) { w.method = m } }

// WithHeader adds a request header, e.g. an auth token.
func WithHeader(k, v string) WebhookOption {
	return func(w *Webhook) { w.headers[k] = v }
}

func WithTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.client.Timeout = d }
}

// NewWebhook returns a Webhook for url.
func NewWebhook(url string, opts ...WebhookOption) (*Webhook, error) {
	if url == "" {
		return nil, errors.New("webhook url is empty")
	}
	w := &Webhook{
		url:     url,
		method:  http.MethodPost,
		headers: make(map[string]string),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Webhook) JobFinished(ctx context.Context, s *domain.JobSummary) error {
	ctx, span := otel.Tracer("master").Start(ctx, "notify.webhook")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", s.JobID),
		attribute.String("webhook.url", w.url),
		attribute.String("webhook.method", w.method),
	)

	body, err := json.Marshal(s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return fmt.Errorf("marshal job summary: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, w.method, w.url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return fmt.Errorf("webhook call to %s: %w", w.url, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("webhook %s returned status %d", w.url, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return err
	}
	return nil
}
